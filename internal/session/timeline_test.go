package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbound-app/daemon/pkg/types"
)

func TestTimeline_IngestAssistantTextBlock(t *testing.T) {
	tl := NewTimeline()
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "text", Text: "hello there"}})

	entries := tl.Entries()
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Blocks, 1)
	tb, ok := entries[0].Blocks[0].(types.TextBlock)
	require.True(t, ok)
	assert.Equal(t, "hello there", tb.Text)
}

func TestTimeline_ThinkingBlockHidden(t *testing.T) {
	tl := NewTimeline()
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "thinking", Text: "internal reasoning"}})
	entries := tl.Entries()
	assert.Empty(t, entries)
}

func TestTimeline_StandaloneToolUseLifecycle(t *testing.T) {
	tl := NewTimeline()
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "tu1", Name: "Read", Input: map[string]any{"path": "a.go"}}})
	tl.applyToolResult("tu1", "file contents", false)

	entries := tl.Entries()
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Blocks, 1)
	tub, ok := entries[0].Blocks[0].(types.ToolUseBlock)
	require.True(t, ok)
	assert.Equal(t, types.ToolCompleted, tub.Status)
	assert.Equal(t, "file contents", tub.Output)
}

func TestTimeline_ToolResultErrorMarksFailed(t *testing.T) {
	tl := NewTimeline()
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "tu1", Name: "Bash"}})
	tl.applyToolResult("tu1", "command failed", true)

	entries := tl.Entries()
	tub := entries[0].Blocks[0].(types.ToolUseBlock)
	assert.Equal(t, types.ToolFailed, tub.Status)
}

func TestTimeline_TodoWriteSpecialCase(t *testing.T) {
	tl := NewTimeline()
	input := map[string]any{"todos": []any{
		map[string]any{"content": "write tests", "status": "in_progress"},
		map[string]any{"content": "ship it", "status": "pending"},
	}}
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "tu1", Name: "TodoWrite", Input: input}})

	entries := tl.Entries()
	require.Len(t, entries[0].Blocks, 1)
	todo, ok := entries[0].Blocks[0].(types.TodoListBlock)
	require.True(t, ok)
	require.Len(t, todo.Items, 2)
	assert.Equal(t, "write tests", todo.Items[0].Content)
	assert.Equal(t, "in_progress", todo.Items[0].Status)
}

func TestTimeline_TodoWriteMalformedFallsBackToToolUse(t *testing.T) {
	tl := NewTimeline()
	input := map[string]any{"todos": "not a list"}
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "tu1", Name: "TodoWrite", Input: input}})

	entries := tl.Entries()
	require.Len(t, entries[0].Blocks, 1)
	_, ok := entries[0].Blocks[0].(types.ToolUseBlock)
	assert.True(t, ok)
}

func TestTimeline_TaskCreatesSubAgentActivity(t *testing.T) {
	tl := NewTimeline()
	input := map[string]any{"subagent_type": "researcher", "description": "investigate bug"}
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "task1", Name: "Task", Input: input}})

	entries := tl.Entries()
	require.Len(t, entries[0].Blocks, 1)
	sa, ok := entries[0].Blocks[0].(types.SubAgentActivityBlock)
	require.True(t, ok)
	assert.Equal(t, "researcher", sa.SubAgentType)
	assert.Equal(t, "investigate bug", sa.Description)
	assert.Empty(t, sa.Children)
}

func TestTimeline_ChildAttachesToParentArrivedFirst(t *testing.T) {
	tl := NewTimeline()
	input := map[string]any{"subagent_type": "researcher", "description": "investigate"}
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "task1", Name: "Task", Input: input}})
	// child arrives with parent_tool_use_id already set on its envelope
	tl.IngestAssistant("e2", 2, "t2", "task1", []ContentBlock{{Type: "tool_use", ID: "child1", Name: "Read"}})

	sa := tl.subAgentsByToolUseID["task1"]
	require.Len(t, sa.Children, 1)
	assert.Equal(t, "child1", sa.Children[0].ToolUseID)
}

func TestTimeline_ChildQueuedWhenParentArrivesLater(t *testing.T) {
	tl := NewTimeline()
	host := tl.entryFor("e1", types.RoleAssistant, 1, "t1")
	tl.ingestToolUse(host, 1, "task1", ContentBlock{Type: "tool_use", ID: "child1", Name: "Read"})

	assert.Len(t, tl.pendingChildren["task1"], 1)

	input := map[string]any{"subagent_type": "researcher"}
	tl.ingestToolUse(host, 2, "", ContentBlock{Type: "tool_use", ID: "task1", Name: "Task", Input: input})

	sa := tl.subAgentsByToolUseID["task1"]
	require.Len(t, sa.Children, 1)
	assert.Equal(t, "child1", sa.Children[0].ToolUseID)
	assert.Empty(t, tl.pendingChildren["task1"])
}

func TestTimeline_DedupByToolUseIDUpdatesInPlace(t *testing.T) {
	tl := NewTimeline()
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "tu1", Name: "Read", Input: map[string]any{"path": "a.go"}}})
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "tu1", Name: "Read", Input: map[string]any{"path": "b.go"}}})

	entries := tl.Entries()
	require.Len(t, entries[0].Blocks, 1)
	tub := entries[0].Blocks[0].(types.ToolUseBlock)
	assert.Equal(t, "b.go", tub.Input["path"])
}

func TestTimeline_MergeSubAgentTypePrefersNonPlaceholder(t *testing.T) {
	tl := NewTimeline()
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "task1", Name: "Task", Input: map[string]any{"subagent_type": "unknown"}}})
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "task1", Name: "Task", Input: map[string]any{"subagent_type": "researcher"}}})

	sa := tl.subAgentsByToolUseID["task1"]
	assert.Equal(t, "researcher", sa.SubAgentType)
}

func TestTimeline_MergeSubAgentTypeIgnoresPlaceholderOverwrite(t *testing.T) {
	tl := NewTimeline()
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "task1", Name: "Task", Input: map[string]any{"subagent_type": "researcher"}}})
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "task1", Name: "Task", Input: map[string]any{"subagent_type": "general-purpose"}}})

	sa := tl.subAgentsByToolUseID["task1"]
	assert.Equal(t, "researcher", sa.SubAgentType)
}

func TestTimeline_ElideIfEmptyRemovesEntry(t *testing.T) {
	tl := NewTimeline()
	host1 := tl.entryFor("e1", types.RoleAssistant, 1, "t1")
	tl.ingestToolUse(host1, 1, "", ContentBlock{Type: "tool_use", ID: "child1", Name: "Read"})
	require.Len(t, tl.Entries(), 1)

	host2 := tl.entryFor("e2", types.RoleAssistant, 2, "t2")
	tl.ingestToolUse(host2, 2, "", ContentBlock{Type: "tool_use", ID: "task1", Name: "Task", Input: map[string]any{}})

	// child1's parent is now known: it moves out of e1 into the
	// sub-agent hosted by e2, eliding e1 since it becomes empty.
	tl.ingestToolUse(host1, 3, "task1", ContentBlock{Type: "tool_use", ID: "child1", Name: "Read"})

	for _, e := range tl.Entries() {
		if e.ID == "e1" {
			t.Fatalf("expected e1 to be elided, still present with %d blocks", len(e.Blocks))
		}
	}
	sa := tl.subAgentsByToolUseID["task1"]
	require.Len(t, sa.Children, 1)
	assert.Equal(t, "child1", sa.Children[0].ToolUseID)
}

func TestTimeline_IngestAssistantElidesHostWhenOnlyChildQueued(t *testing.T) {
	tl := NewTimeline()
	// envelope (a): a tool_use arrives with its parent_tool_use_id
	// already set, so it's queued rather than appended to its own
	// entry, which is why sessID-0 must not survive empty.
	tl.IngestAssistant("sessID-0", 1, "t1", "T1", []ContentBlock{{Type: "tool_use", ID: "c1", Name: "Read"}})
	require.Empty(t, tl.Entries())

	// envelope (b): the parent Task arrives in its own entry.
	tl.IngestAssistant("sessID-1", 2, "t2", "", []ContentBlock{{Type: "tool_use", ID: "T1", Name: "Task", Input: map[string]any{}}})

	entries := tl.Entries()
	require.Len(t, entries, 1)
	sa, ok := entries[0].Blocks[0].(types.SubAgentActivityBlock)
	require.True(t, ok)
	require.Len(t, sa.Children, 1)
	assert.Equal(t, "c1", sa.Children[0].ToolUseID)
}

func TestTimeline_FinalizeTurnMarksRunningToolsCompleted(t *testing.T) {
	tl := NewTimeline()
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "tu1", Name: "Read"}})
	tl.FinalizeTurn(false)

	entries := tl.Entries()
	tub := entries[0].Blocks[0].(types.ToolUseBlock)
	assert.Equal(t, types.ToolCompleted, tub.Status)
}

func TestTimeline_FinalizeTurnMarksRunningToolsFailedOnError(t *testing.T) {
	tl := NewTimeline()
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "tu1", Name: "Read"}})
	tl.FinalizeTurn(true)

	entries := tl.Entries()
	tub := entries[0].Blocks[0].(types.ToolUseBlock)
	assert.Equal(t, types.ToolFailed, tub.Status)
}

func TestTimeline_FinalizeTurnMarksSubAgentAndChildren(t *testing.T) {
	tl := NewTimeline()
	host := tl.entryFor("e1", types.RoleAssistant, 1, "t1")
	tl.ingestToolUse(host, 1, "", ContentBlock{Type: "tool_use", ID: "task1", Name: "Task", Input: map[string]any{}})
	tl.ingestToolUse(host, 2, "task1", ContentBlock{Type: "tool_use", ID: "child1", Name: "Read"})
	tl.FinalizeTurn(false)

	sa := tl.subAgentsByToolUseID["task1"]
	assert.Equal(t, types.ToolCompleted, sa.Status)
	assert.Equal(t, types.ToolCompleted, sa.Children[0].Status)
}

func TestTimeline_AppendResultDropsEmptyNonError(t *testing.T) {
	tl := NewTimeline()
	tl.AppendResult("e1", 1, "t1", false, "")
	assert.Empty(t, tl.Entries())
}

func TestTimeline_AppendResultKeepsNonEmptyText(t *testing.T) {
	tl := NewTimeline()
	tl.AppendResult("e1", 1, "t1", false, "all done")
	entries := tl.Entries()
	require.Len(t, entries, 1)
	rb := entries[0].Blocks[0].(types.ResultBlock)
	assert.Equal(t, "all done", rb.Text)
}

func TestTimeline_AppendResultErrorBecomesErrorBlock(t *testing.T) {
	tl := NewTimeline()
	tl.AppendResult("e1", 1, "t1", true, "boom")
	entries := tl.Entries()
	require.Len(t, entries, 1)
	eb := entries[0].Blocks[0].(types.ErrorBlock)
	assert.Equal(t, "Error: boom", eb.Message)
}

func TestTimeline_EntriesSortedBySequenceThenID(t *testing.T) {
	tl := NewTimeline()
	tl.IngestAssistant("zzz", 1, "t1", "", []ContentBlock{{Type: "text", Text: "second by id"}})
	tl.IngestAssistant("aaa", 1, "t1", "", []ContentBlock{{Type: "text", Text: "first by id"}})
	tl.IngestAssistant("bbb", 0, "t0", "", []ContentBlock{{Type: "text", Text: "earliest seq"}})

	entries := tl.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "bbb", entries[0].ID)
	assert.Equal(t, "aaa", entries[1].ID)
	assert.Equal(t, "zzz", entries[2].ID)
}

func TestTimeline_IngestUserSkipsWhenOnlyToolResults(t *testing.T) {
	tl := NewTimeline()
	tl.IngestAssistant("e1", 1, "t1", "", []ContentBlock{{Type: "tool_use", ID: "tu1", Name: "Read"}})
	tl.IngestUser("e2", 2, "t2", []ContentBlock{{Type: "tool_result", ToolUseID: "tu1", Content: "data"}})

	for _, e := range tl.Entries() {
		assert.NotEqual(t, "e2", e.ID)
	}
	entries := tl.Entries()
	tub := entries[0].Blocks[0].(types.ToolUseBlock)
	assert.Equal(t, types.ToolCompleted, tub.Status)
	assert.Equal(t, "data", tub.Output)
}

func TestTimeline_IngestUserWithTextCreatesEntry(t *testing.T) {
	tl := NewTimeline()
	tl.IngestUser("e1", 1, "t1", []ContentBlock{{Type: "text", Text: "a question"}})

	entries := tl.Entries()
	require.Len(t, entries, 1)
	tb := entries[0].Blocks[0].(types.TextBlock)
	assert.Equal(t, "a question", tb.Text)
}
