package types

import "encoding/json"

// BlockType discriminates the concrete Block implementation.
type BlockType string

const (
	BlockText            BlockType = "text"
	BlockToolUse         BlockType = "tool_use"
	BlockSubAgentActivity BlockType = "subagent_activity"
	BlockTodoList        BlockType = "todo_list"
	BlockResult          BlockType = "result"
	BlockError           BlockType = "error"
	BlockCompactBoundary BlockType = "compact_boundary"
)

// Block is the polymorphic content carried by a TimelineEntry.
type Block interface {
	BlockType() BlockType
}

// ToolStatus is the lifecycle state of a ToolUse.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// TextBlock is normalised (trimmed, envelope-stripped) text content.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) BlockType() BlockType { return BlockText }

// ToolUse is a single tool invocation and its (possibly pending) result.
// (session_id, ToolUseID) uniquely identifies a ToolUse; later
// occurrences of the same id overwrite state but keep identity and
// ordinal position.
type ToolUse struct {
	ToolUseID       string         `json:"tool_use_id"`
	ParentToolUseID string         `json:"parent_tool_use_id,omitempty"`
	Name            string         `json:"name"`
	Input           map[string]any `json:"input,omitempty"`
	Output          string         `json:"output,omitempty"`
	Status          ToolStatus     `json:"status"`
}

// ToolUseBlock renders a standalone tool invocation.
type ToolUseBlock struct {
	ToolUse
}

func (ToolUseBlock) BlockType() BlockType { return BlockToolUse }

// SubAgentActivityBlock groups a Task-class ToolUse with every ToolUse
// that names it as parent_tool_use_id.
type SubAgentActivityBlock struct {
	ToolUseID    string     `json:"tool_use_id"`
	SubAgentType string     `json:"subagent_type"`
	Description  string     `json:"description"`
	Children     []ToolUse  `json:"children"`
	Status       ToolStatus `json:"status"`
	FinalResult  string     `json:"final_result,omitempty"`
}

func (SubAgentActivityBlock) BlockType() BlockType { return BlockSubAgentActivity }

// TodoItem is one row of a TodoList block.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending | in_progress | completed
}

// TodoListBlock renders a TodoWrite tool call as a checklist instead of
// a generic ToolUse.
type TodoListBlock struct {
	Items []TodoItem `json:"items"`
}

func (TodoListBlock) BlockType() BlockType { return BlockTodoList }

// ResultBlock is the terminal marker for a CLI turn.
type ResultBlock struct {
	IsError bool   `json:"is_error"`
	Text    string `json:"text,omitempty"`
}

func (ResultBlock) BlockType() BlockType { return BlockResult }

// ErrorBlock is a human-readable error surfaced in the timeline.
type ErrorBlock struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (ErrorBlock) BlockType() BlockType { return BlockError }

// CompactBoundaryBlock is an informational divider left by context
// compaction.
type CompactBoundaryBlock struct {
	Summary string `json:"summary,omitempty"`
}

func (CompactBoundaryBlock) BlockType() BlockType { return BlockCompactBoundary }

// TimelineEntry is one projected row of the conversation timeline.
// Entries sort strictly by (SequenceNumber, ID); ties on SequenceNumber
// break on lexicographic ID.
type TimelineEntry struct {
	ID             string      `json:"id"`
	Role           MessageRole `json:"role"`
	Blocks         []Block     `json:"blocks"`
	CreatedAt      string      `json:"created_at"`
	SequenceNumber int64       `json:"sequence_number"`
}

// Less implements the (sequence_number, id) sort key from §3.
func (e *TimelineEntry) Less(other *TimelineEntry) bool {
	if e.SequenceNumber != other.SequenceNumber {
		return e.SequenceNumber < other.SequenceNumber
	}
	return e.ID < other.ID
}

// blockEnvelope is the wire shape used to marshal/unmarshal a Block
// with its discriminator alongside the concrete payload.
type blockEnvelope struct {
	Type BlockType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes a TimelineEntry with tagged-union blocks.
func (e *TimelineEntry) MarshalJSON() ([]byte, error) {
	type alias struct {
		ID             string          `json:"id"`
		Role           MessageRole     `json:"role"`
		Blocks         []blockEnvelope `json:"blocks"`
		CreatedAt      string          `json:"created_at"`
		SequenceNumber int64           `json:"sequence_number"`
	}
	a := alias{ID: e.ID, Role: e.Role, CreatedAt: e.CreatedAt, SequenceNumber: e.SequenceNumber}
	for _, b := range e.Blocks {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		a.Blocks = append(a.Blocks, blockEnvelope{Type: b.BlockType(), Data: data})
	}
	return json.Marshal(a)
}

// UnmarshalJSON decodes a tagged-union TimelineEntry back into concrete
// Block implementations.
func (e *TimelineEntry) UnmarshalJSON(data []byte) error {
	type alias struct {
		ID             string          `json:"id"`
		Role           MessageRole     `json:"role"`
		Blocks         []blockEnvelope `json:"blocks"`
		CreatedAt      string          `json:"created_at"`
		SequenceNumber int64           `json:"sequence_number"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	e.ID, e.Role, e.CreatedAt, e.SequenceNumber = a.ID, a.Role, a.CreatedAt, a.SequenceNumber
	e.Blocks = make([]Block, 0, len(a.Blocks))
	for _, env := range a.Blocks {
		block, err := UnmarshalBlock(env.Type, env.Data)
		if err != nil {
			return err
		}
		e.Blocks = append(e.Blocks, block)
	}
	return nil
}

// UnmarshalBlock decodes a single block payload given its discriminator.
func UnmarshalBlock(t BlockType, data json.RawMessage) (Block, error) {
	switch t {
	case BlockText:
		var b TextBlock
		return b, json.Unmarshal(data, &b)
	case BlockToolUse:
		var b ToolUseBlock
		return b, json.Unmarshal(data, &b)
	case BlockSubAgentActivity:
		var b SubAgentActivityBlock
		return b, json.Unmarshal(data, &b)
	case BlockTodoList:
		var b TodoListBlock
		return b, json.Unmarshal(data, &b)
	case BlockResult:
		var b ResultBlock
		return b, json.Unmarshal(data, &b)
	case BlockError:
		var b ErrorBlock
		return b, json.Unmarshal(data, &b)
	case BlockCompactBoundary:
		var b CompactBoundaryBlock
		return b, json.Unmarshal(data, &b)
	default:
		var b TextBlock
		return b, json.Unmarshal(data, &b)
	}
}
