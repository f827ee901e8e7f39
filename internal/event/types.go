package event

import "github.com/unbound-app/daemon/pkg/types"

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	Info *types.Session `json:"info"`
}

// SessionUpdatedData is the data for session.updated events.
type SessionUpdatedData struct {
	Info *types.Session `json:"info"`
}

// SessionDeletedData is the data for session.deleted events.
type SessionDeletedData struct {
	SessionID string `json:"session_id"`
}

// SessionErrorData is the data for session.error events (§7 Subprocess taxonomy).
type SessionErrorData struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// MessageCreatedData is the data for message.created events.
type MessageCreatedData struct {
	Info *types.Message `json:"info"`
}

// MessageUpdatedData is the data for message.updated events (is_streaming flips).
type MessageUpdatedData struct {
	Info *types.Message `json:"info"`
}

// TimelineUpdatedData carries a single projected entry that changed.
type TimelineUpdatedData struct {
	SessionID string              `json:"session_id"`
	Entry     *types.TimelineEntry `json:"entry"`
}

// StatusChangedData is emitted when a turn finalises running tools (§4.3).
type StatusChangedData struct {
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

// TerminalEventData carries transient, non-persisted streaming output
// (stream_event / streaming_generating / output_chunk / terminal_output).
type TerminalEventData struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Payload   []byte `json:"payload"`
}

// RawEventData mirrors a raw NDJSON line as it is ingested, before
// projection; consumed by the ring producer (C2) and raw-event store.
type RawEventData struct {
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"sequence"`
	Raw       []byte `json:"raw"`
}
