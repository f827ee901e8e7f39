package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbound-app/daemon/pkg/types"
)

func openTest(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "unbound.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorage_PutAndGetSession(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	sess := &types.Session{
		ID:             "sess-1",
		RepositoryID:   "repo-1",
		Title:          types.DefaultSessionTitle,
		Status:         types.SessionActive,
		WorkingDir:     "/tmp/repo",
		CreatedAt:      "2026-07-31T00:00:00Z",
		LastAccessedAt: "2026-07-31T00:00:00Z",
	}
	require.NoError(t, s.PutSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess.Title, got.Title)
	assert.Equal(t, sess.RepositoryID, got.RepositoryID)
}

func TestStorage_GetSessionNotFound(t *testing.T) {
	s := openTest(t)
	_, err := s.GetSession(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorage_PutSessionUpsert(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	sess := &types.Session{ID: "sess-1", RepositoryID: "repo-1", Title: "first", Status: types.SessionActive, CreatedAt: "t0", LastAccessedAt: "t0"}
	require.NoError(t, s.PutSession(ctx, sess))

	sess.Title = "renamed"
	require.NoError(t, s.PutSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
}

func TestStorage_ListSessionsByRepository(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, &types.Session{ID: "a", RepositoryID: "repo-x", Title: "a", Status: types.SessionActive, CreatedAt: "t0", LastAccessedAt: "t0"}))
	require.NoError(t, s.PutSession(ctx, &types.Session{ID: "b", RepositoryID: "repo-x", Title: "b", Status: types.SessionActive, CreatedAt: "t0", LastAccessedAt: "t1"}))
	require.NoError(t, s.PutSession(ctx, &types.Session{ID: "c", RepositoryID: "repo-y", Title: "c", Status: types.SessionActive, CreatedAt: "t0", LastAccessedAt: "t0"}))

	got, err := s.ListSessions(ctx, "repo-x")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	all, err := s.ListSessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStorage_DeleteSessionCascades(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, &types.Session{ID: "sess-1", RepositoryID: "repo-1", Title: "x", Status: types.SessionActive, CreatedAt: "t0", LastAccessedAt: "t0"}))
	require.NoError(t, s.AppendMessage(ctx, &types.Message{ID: "m1", SessionID: "sess-1", Role: types.RoleUser, Content: "hi", CreatedAt: "t0"}))
	require.NoError(t, s.AppendRawEvent(ctx, "sess-1", 0, []byte(`{}`), "t0"))

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))

	_, err := s.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err := s.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStorage_AppendMessageAssignsSequence(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := &types.Message{ID: string(rune('a' + i)), SessionID: "sess-1", Role: types.RoleAssistant, Content: "x", CreatedAt: "t0"}
		require.NoError(t, s.AppendMessage(ctx, msg))
		assert.EqualValues(t, i, msg.SequenceNumber)
	}

	msgs, err := s.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.EqualValues(t, i, m.SequenceNumber)
	}
}

func TestStorage_AppendMessageSequenceIsPerSession(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	m1 := &types.Message{ID: "a", SessionID: "sess-1", Role: types.RoleUser, Content: "x", CreatedAt: "t0"}
	m2 := &types.Message{ID: "b", SessionID: "sess-2", Role: types.RoleUser, Content: "x", CreatedAt: "t0"}
	require.NoError(t, s.AppendMessage(ctx, m1))
	require.NoError(t, s.AppendMessage(ctx, m2))

	assert.EqualValues(t, 0, m1.SequenceNumber)
	assert.EqualValues(t, 0, m2.SequenceNumber)
}

func TestStorage_SetMessageStreaming(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	msg := &types.Message{ID: "a", SessionID: "sess-1", Role: types.RoleAssistant, Content: "x", CreatedAt: "t0", IsStreaming: true}
	require.NoError(t, s.AppendMessage(ctx, msg))
	require.NoError(t, s.SetMessageStreaming(ctx, "sess-1", "a", false))

	msgs, err := s.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].IsStreaming)
}

func TestStorage_RawEventsSince(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.AppendRawEvent(ctx, "sess-1", i, []byte(`{"n":`+string(rune('0'+i))+`}`), "t0"))
	}

	events, err := s.RawEventsSince(ctx, "sess-1", 2)
	require.NoError(t, err)
	assert.Len(t, events, 2) // sequences 3 and 4
}

func TestStorage_ConcurrentAppendMessage(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := &types.Message{ID: string(rune('a' + i)), SessionID: "sess-1", Role: types.RoleUser, Content: "x", CreatedAt: "t0"}
			assert.NoError(t, s.AppendMessage(ctx, msg))
		}(i)
	}
	wg.Wait()

	msgs, err := s.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 10)

	seen := make(map[int64]bool)
	for _, m := range msgs {
		assert.False(t, seen[m.SequenceNumber], "duplicate sequence_number %d", m.SequenceNumber)
		seen[m.SequenceNumber] = true
	}
}
