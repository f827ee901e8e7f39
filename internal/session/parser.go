// Package session implements the session event engine (§4.3): it owns
// the child CLI subprocess, parses its NDJSON stdout into a
// deduplicated, sub-agent-grouped conversation timeline, and fans the
// result out to the persisted Message log, the shared-memory ring
// (C2), and local RPC subscribers (C1).
package session

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Kind discriminates a parsed stdout line after unwrapping and type
// dispatch, per §4.3's parsing rules.
type Kind string

const (
	KindSystem    Kind = "system"
	KindAssistant Kind = "assistant"
	KindUser      Kind = "user"
	KindResult    Kind = "result"
	KindTransient Kind = "transient"
	KindUnknown   Kind = "unknown"
)

// transientTypes are written to the raw store, the ring and the bus
// (as terminal events for RPC subscribers), never persisted to the
// Message log or projected into the timeline.
var transientTypes = map[string]bool{
	"stream_event":         true,
	"streaming_generating": true,
	"streaming_thinking":   true,
	"output_chunk":         true,
	"terminal_output":      true,
}

// recognisedProtocolTypes is used by the protocol-artifact suppression
// rule in artifact.go: a user envelope whose sole content is a
// serialised object decoding to one of these types is an internal
// protocol artifact, not a human utterance.
var recognisedProtocolTypes = map[string]bool{
	"system": true, "assistant": true, "user": true, "result": true,
	"tool_use": true, "tool_result": true,
	"stream_event": true, "streaming_generating": true,
	"streaming_thinking": true, "output_chunk": true, "terminal_output": true,
}

// ContentBlock is an Anthropic-style content block found inside a
// message's content array: text, tool_use, thinking, or (inside a
// user envelope) tool_result.
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"` // string or []ContentBlock
	IsError   bool           `json:"is_error,omitempty"`
}

// innerMessage is the `message` object carried by assistant/user
// envelopes. Content may be a bare string or an array of ContentBlock.
type innerMessage struct {
	ID              string `json:"id,omitempty"`
	Role            string `json:"role,omitempty"`
	Content         any    `json:"content"`
	ParentToolUseID any    `json:"parent_tool_use_id,omitempty"`
}

// envelope is the generic shape every stdout line decodes into first,
// before Kind-specific re-decoding. ParentToolUseID may be a JSON null,
// a string, or absent; any is used to tolerate all three.
type envelope struct {
	Type            string          `json:"type"`
	RawJSON         *string         `json:"raw_json,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	ParentToolUseID any             `json:"parent_tool_use_id,omitempty"`
	Subtype         string          `json:"subtype,omitempty"`
	Message         innerMessage    `json:"message"`
	IsError         bool            `json:"is_error,omitempty"`
	Result          any             `json:"result,omitempty"`
	SequenceNumber  any             `json:"sequence_number,omitempty"`
	ID              string          `json:"id,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

// ParsedLine is the normalised result of parsing one stdout line.
type ParsedLine struct {
	Kind            Kind
	Type            string
	SessionID       string
	ParentToolUseID string
	Blocks          []ContentBlock
	IsError         bool
	ResultText      string
	ID              string
	SequenceNumber  int64
	HasSequence     bool
	Raw             []byte
}

// ParseLine decodes one NDJSON stdout line, unwrapping one level of
// `{raw_json: "<inner JSON>"}` if present and re-discriminating on
// the inner object's own `type`. Unknown types are reported as
// KindUnknown; callers still write them to the raw store but drop
// them from the timeline.
func ParseLine(line []byte) (*ParsedLine, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, err
	}
	raw := line

	if env.RawJSON != nil {
		inner := []byte(*env.RawJSON)
		var innerEnv envelope
		if err := json.Unmarshal(inner, &innerEnv); err != nil {
			return nil, err
		}
		env = innerEnv
		raw = inner
	}

	parsed := &ParsedLine{
		Type:            env.Type,
		SessionID:       env.SessionID,
		ParentToolUseID: parentToolUseID(env.ParentToolUseID, env.Message.ParentToolUseID),
		ID:              env.ID,
		Raw:             raw,
	}
	if seq, ok := parseSequence(env.SequenceNumber); ok {
		parsed.SequenceNumber = seq
		parsed.HasSequence = true
	}

	switch {
	case transientTypes[env.Type]:
		parsed.Kind = KindTransient
	case env.Type == "system":
		parsed.Kind = KindSystem
	case env.Type == "assistant":
		parsed.Kind = KindAssistant
		parsed.Blocks = contentBlocks(env.Message.Content)
	case env.Type == "user":
		parsed.Kind = KindUser
		parsed.Blocks = contentBlocks(env.Message.Content)
	case env.Type == "result":
		parsed.Kind = KindResult
		parsed.IsError = env.IsError
		parsed.ResultText = resultText(env.Result)
	default:
		parsed.Kind = KindUnknown
	}
	return parsed, nil
}

// parentToolUseID reads the envelope-level parent_tool_use_id, falling
// back to the message-level one (§4.3: either may carry it).
func parentToolUseID(envelopeLevel, messageLevel any) string {
	if s, ok := envelopeLevel.(string); ok && s != "" {
		return s
	}
	s, _ := messageLevel.(string)
	return s
}

func parseSequence(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// contentBlocks normalises message.content, which is either a bare
// string (wrapped into a single text block) or a JSON array of blocks.
func contentBlocks(content any) []ContentBlock {
	switch c := content.(type) {
	case string:
		if c == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: c}}
	case []any:
		blocks := make([]ContentBlock, 0, len(c))
		for _, raw := range c {
			data, err := json.Marshal(raw)
			if err != nil {
				continue
			}
			var b ContentBlock
			if err := json.Unmarshal(data, &b); err != nil {
				continue
			}
			blocks = append(blocks, b)
		}
		return blocks
	default:
		return nil
	}
}

// resultText extracts the display text of a `result` event's Result
// field, which may be a bare string or an object with a `content`
// array of text blocks.
func resultText(result any) string {
	switch r := result.(type) {
	case string:
		return r
	case map[string]any:
		if content, ok := r["content"].([]any); ok {
			return joinTextBlocks(content)
		}
	}
	return ""
}

// joinTextBlocks renders a content array's text segments joined by
// newlines, the pinned separator for multi-segment tool output (§9).
func joinTextBlocks(content []any) string {
	var segments []string
	for _, item := range content {
		if m, ok := item.(map[string]any); ok {
			if txt, ok := m["text"].(string); ok {
				segments = append(segments, txt)
			}
		}
	}
	return strings.Join(segments, "\n")
}

// ToolResultBlocks filters a ParsedLine's blocks down to tool_result
// blocks, the only way a `tool_result` is observed in practice: nested
// inside a `user` envelope's content array.
func ToolResultBlocks(blocks []ContentBlock) []ContentBlock {
	var out []ContentBlock
	for _, b := range blocks {
		if b.Type == "tool_result" {
			out = append(out, b)
		}
	}
	return out
}

// ToolResultText renders a tool_result block's content, which may be
// a bare string or an array of typed content blocks with text.
func ToolResultText(b ContentBlock) string {
	switch c := b.Content.(type) {
	case string:
		return c
	case []any:
		return joinTextBlocks(c)
	default:
		return ""
	}
}
