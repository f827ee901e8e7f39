package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/unbound-app/daemon/internal/config"
	"github.com/unbound-app/daemon/internal/event"
	"github.com/unbound-app/daemon/internal/logging"
	"github.com/unbound-app/daemon/internal/ring"
	"github.com/unbound-app/daemon/internal/storage"
	"github.com/unbound-app/daemon/pkg/types"
)

const stopGracePeriod = 3 * time.Second

// runState is the live, in-memory state for one session's child
// process and its projections. Exactly one exists per actively
// running session (§3 Ownership): it owns the child CLI handle, the
// live-state projection, and the shared-memory segment.
type runState struct {
	mu sync.Mutex

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	done   chan struct{}

	timeline *Timeline
	producer *ring.Producer
	ringName string

	rawSeq int64 // next sequence_number for raw_events / ring
}

// Engine drives every session's child CLI process and projection,
// fanning parsed events out to storage, the event bus, and the ring.
type Engine struct {
	cfg     *config.Config
	store   *storage.Storage
	bus     *event.Bus
	running sync.Map // session id -> *runState
}

// NewEngine wires the session engine to its collaborators.
func NewEngine(cfg *config.Config, store *storage.Storage, bus *event.Bus) *Engine {
	return &Engine{cfg: cfg, store: store, bus: bus}
}

// Send spawns the session's CLI subprocess for one turn, passing
// prompt as its positional argument (§6). A second Send while a turn
// is already in flight is rejected with ErrConflict (§4.3 Child
// lifecycle); the subprocess terminates on its own once it emits its
// terminal `result` event, freeing the session for the next Send.
func (e *Engine) Send(ctx context.Context, sess *types.Session, prompt, model, permissionMode string) error {
	if _, exists := e.running.Load(sess.ID); exists {
		return ErrConflict
	}

	rs, err := e.spawn(ctx, sess, prompt, model, permissionMode)
	if err != nil {
		return err
	}
	if _, loaded := e.running.LoadOrStore(sess.ID, rs); loaded {
		rs.cancel()
		return ErrConflict
	}
	return nil
}

func (e *Engine) spawn(ctx context.Context, sess *types.Session, prompt, model, permissionMode string) (*runState, error) {
	binary := e.cfg.CLIBinary
	if model == "" {
		model = e.cfg.DefaultModel
	}
	if permissionMode == "" {
		permissionMode = e.cfg.DefaultPermissionMode
	}

	args := []string{prompt}
	if model != "" {
		args = append(args, "--model", model)
	}
	if permissionMode != "" {
		args = append(args, "--permission-mode", permissionMode)
	}
	args = append(args, "--working-directory", sess.WorkingDir)

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, binary, args...)
	cmd.Dir = sess.WorkingDir
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGKILL) }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	ringName, err := ring.Name(config.VendorTag, sess.ID)
	if err != nil {
		cancel()
		return nil, err
	}
	seg, err := ring.Create(ringName, uint32(e.cfg.RingSlotCount), uint32(e.cfg.RingSlotSize))
	if err != nil {
		logging.Warn().Err(err).Str("session_id", sess.ID).Msg("ring: falling back to socket-only delivery")
	}

	rs := &runState{
		cmd:      cmd,
		stdin:    stdin,
		cancel:   cancel,
		done:     make(chan struct{}),
		timeline: NewTimeline(),
		ringName: ringName,
	}
	if seg != nil {
		rs.producer = ring.NewProducer(seg)
	}

	go e.readLoop(sess, rs, bufio.NewReader(stdout))
	go e.wait(sess, rs)

	return rs, nil
}

func (e *Engine) wait(sess *types.Session, rs *runState) {
	err := rs.cmd.Wait()
	close(rs.done)
	if rs.producer != nil {
		rs.producer.Shutdown()
	}
	e.running.Delete(sess.ID)
	if err != nil {
		logging.Info().Str("session_id", sess.ID).Err(err).Msg("session: cli subprocess exited")
	}
}

// readLoop is the single task that owns the producer role on the ring
// for this session (§5 Scheduling). It reads stdout line by line,
// writes every line to the raw store and every parseable line to the
// ring, and projects non-transient lines into the timeline and the
// Message log.
func (e *Engine) readLoop(sess *types.Session, rs *runState, r *bufio.Reader) {
	ctx := context.Background()
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			e.ingestLine(ctx, sess, rs, line)
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) ingestLine(ctx context.Context, sess *types.Session, rs *runState, line []byte) {
	seq := atomic.AddInt64(&rs.rawSeq, 1) - 1
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if err := e.store.AppendRawEvent(ctx, sess.ID, seq, line, now); err != nil {
		logging.Warn().Err(err).Msg("session: append raw event")
	}

	parsed, err := ParseLine(line)
	if err != nil {
		// Malformed JSON: logged verbatim above, skipped in the
		// timeline, the stream continues (§7 Parser errors).
		return
	}

	if rs.producer != nil {
		eventType := ring.EventLLM
		if parsed.Kind == KindTransient {
			eventType = transientRingType(parsed.Type)
		}
		rs.producer.Write(sess.ID, eventType, line)
	}

	if parsed.Kind == KindTransient {
		e.bus.Publish(event.Event{Type: event.TerminalEvent, Data: event.TerminalEventData{
			SessionID: sess.ID, Kind: parsed.Type, Payload: line,
		}})
		return
	}

	entryID := parsed.ID
	if entryID == "" {
		entryID = fmt.Sprintf("%s-%d", sess.ID, seq)
	}

	switch parsed.Kind {
	case KindSystem:
		// metadata only; the engine does not record the session id
		// carried by system.init on the Session, and nothing calls
		// Service.SetClaudeSessionID for it.
	case KindAssistant:
		rs.mu.Lock()
		rs.timeline.IngestAssistant(entryID, seq, now, parsed.ParentToolUseID, parsed.Blocks)
		rs.mu.Unlock()
	case KindUser:
		drop, keep := IsProtocolArtifact(parsed.ParentToolUseID, parsed.Blocks)
		if !drop {
			rs.mu.Lock()
			rs.timeline.IngestUser(entryID, seq, now, keep)
			rs.mu.Unlock()
		}
		// tool_result blocks still update tool status even when the
		// surrounding user row is itself an artifact.
		for _, b := range ToolResultBlocks(parsed.Blocks) {
			rs.mu.Lock()
			rs.timeline.applyToolResult(b.ToolUseID, ToolResultText(b), b.IsError)
			rs.mu.Unlock()
		}
	case KindResult:
		rs.mu.Lock()
		rs.timeline.FinalizeTurn(parsed.IsError)
		rs.timeline.AppendResult(entryID, seq, now, parsed.IsError, parsed.ResultText)
		rs.mu.Unlock()
		e.bus.Publish(event.Event{Type: event.StatusChanged, Data: event.StatusChangedData{SessionID: sess.ID, IsError: parsed.IsError}})
	}

	if parsed.Kind == KindUnknown {
		// Ignored: already captured verbatim in the raw store above.
		return
	}

	role := types.RoleSystem
	switch parsed.Kind {
	case KindAssistant:
		role = types.RoleAssistant
	case KindUser:
		role = types.RoleUser
	}
	msg := &types.Message{ID: uuid.NewString(), SessionID: sess.ID, Role: role, Content: string(line), CreatedAt: now}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		logging.Warn().Err(err).Msg("session: append message")
	}
	e.bus.Publish(event.Event{Type: event.MessageCreated, Data: event.MessageCreatedData{Info: msg}})

	rs.mu.Lock()
	entries := rs.timeline.Entries()
	rs.mu.Unlock()
	for _, entry := range entries {
		if entry.ID == entryID {
			e.bus.Publish(event.Event{Type: event.TimelineUpdated, Data: event.TimelineUpdatedData{SessionID: sess.ID, Entry: entry}})
			break
		}
	}
}

func transientRingType(t string) ring.EventType {
	switch t {
	case "terminal_output":
		return ring.EventTerminalOutput
	case "output_chunk", "stream_event", "streaming_generating", "streaming_thinking":
		return ring.EventStreamingChunk
	default:
		return ring.EventPing
	}
}

// Stop cancels the session's turn cooperatively: SIGTERM then SIGKILL
// after a grace period, per §4.3/§5.
func (e *Engine) Stop(sessionID string) error {
	v, ok := e.running.Load(sessionID)
	if !ok {
		return ErrNotRunning
	}
	rs := v.(*runState)

	_ = rs.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-rs.done:
		return nil
	case <-time.After(stopGracePeriod):
		rs.cancel() // context cancellation delivers SIGKILL via exec.CommandContext
		<-rs.done
		return nil
	}
}

// Timeline returns a snapshot of the live projection for an active
// session, or nil if the session has no in-flight turn.
func (e *Engine) Timeline(sessionID string) []*types.TimelineEntry {
	v, ok := e.running.Load(sessionID)
	if !ok {
		return nil
	}
	rs := v.(*runState)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.timeline.Entries()
}

// IsRunning reports whether sessionID has an active child process.
func (e *Engine) IsRunning(sessionID string) bool {
	_, ok := e.running.Load(sessionID)
	return ok
}

// StopAll stops every in-flight session turn, for use during daemon
// shutdown. Errors are collected per session rather than aborting the
// sweep on the first failure.
func (e *Engine) StopAll() map[string]error {
	errs := make(map[string]error)
	e.running.Range(func(key, _ any) bool {
		sessionID := key.(string)
		if err := e.Stop(sessionID); err != nil {
			errs[sessionID] = err
		}
		return true
	})
	return errs
}
