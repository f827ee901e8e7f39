package session

import (
	"sort"
	"strings"

	"github.com/unbound-app/daemon/pkg/types"
)

// toolLocation pins down where a ToolUse currently lives so later
// occurrences of the same tool_use_id can be updated in place: either
// directly inside an entry's Blocks, or inside a SubAgentActivity's
// Children.
type toolLocation struct {
	entry       *types.TimelineEntry
	blockIndex  int // index into entry.Blocks, -1 if inside a subagent
	subAgent    *types.SubAgentActivityBlock
	childIndex  int // index into subAgent.Children, meaningful iff subAgent != nil
}

// Timeline maintains one session's live projection: the ordered,
// deduplicated, sub-agent-grouped view served to subscribers. It is
// rebuilt identically whether fed from live ingest or historical
// replay of the persisted Message log (§4.3 Live-state vs persisted).
type Timeline struct {
	entries []*types.TimelineEntry
	byID    map[string]*types.TimelineEntry

	tools map[string]*toolLocation // tool_use_id -> location, session-wide

	subAgentsByToolUseID map[string]*types.SubAgentActivityBlock
	subAgentEntry        map[string]*types.TimelineEntry // tool_use_id -> entry holding the SubAgentActivity
	childDedupKeys       map[string]map[string]bool       // parent tool_use_id -> dedup key set (for keyless children)
	pendingChildren      map[string][]types.ToolUse        // parent tool_use_id -> queued children awaiting the parent
}

// NewTimeline returns an empty projection.
func NewTimeline() *Timeline {
	return &Timeline{
		byID:                 make(map[string]*types.TimelineEntry),
		tools:                make(map[string]*toolLocation),
		subAgentsByToolUseID: make(map[string]*types.SubAgentActivityBlock),
		subAgentEntry:        make(map[string]*types.TimelineEntry),
		childDedupKeys:       make(map[string]map[string]bool),
		pendingChildren:      make(map[string][]types.ToolUse),
	}
}

// Entries returns the projection sorted by (sequence_number, id).
func (t *Timeline) Entries() []*types.TimelineEntry {
	out := make([]*types.TimelineEntry, len(t.entries))
	copy(out, t.entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (t *Timeline) entryFor(id string, role types.MessageRole, seq int64, createdAt string) *types.TimelineEntry {
	if e, ok := t.byID[id]; ok {
		return e
	}
	e := &types.TimelineEntry{ID: id, Role: role, CreatedAt: createdAt, SequenceNumber: seq}
	t.byID[id] = e
	t.entries = append(t.entries, e)
	return e
}

// elideIfEmpty removes an entry once grouping has stripped it of every
// block (§4.3 rule 4).
func (t *Timeline) elideIfEmpty(e *types.TimelineEntry) {
	if len(e.Blocks) > 0 {
		return
	}
	delete(t.byID, e.ID)
	for i, candidate := range t.entries {
		if candidate == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
}

// IngestAssistant projects an assistant turn's content blocks into
// entryID, applying the sub-agent grouping algorithm and the
// TodoWrite special case to any tool_use blocks found.
func (t *Timeline) IngestAssistant(entryID string, seq int64, createdAt, parentToolUseID string, blocks []ContentBlock) {
	e := t.entryFor(entryID, types.RoleAssistant, seq, createdAt)

	for _, b := range blocks {
		switch b.Type {
		case "text":
			text := strings.TrimSpace(b.Text)
			if text != "" {
				e.Blocks = append(e.Blocks, types.TextBlock{Text: text})
			}
		case "thinking":
			// hidden from final display (§4.3 parsing rules)
		case "tool_use":
			t.ingestToolUse(e, seq, parentToolUseID, b)
		}
	}

	t.elideIfEmpty(e)
}

// IngestUser projects a user turn. Blocks have already been filtered
// by artifact.go's IsProtocolArtifact by the caller; this only handles
// tool_result content blocks and plain text.
func (t *Timeline) IngestUser(entryID string, seq int64, createdAt string, blocks []ContentBlock) {
	var textBlocks []ContentBlock
	for _, b := range blocks {
		if b.Type == "tool_result" {
			t.applyToolResult(b.ToolUseID, ToolResultText(b), b.IsError)
			continue
		}
		textBlocks = append(textBlocks, b)
	}
	if len(textBlocks) == 0 {
		return
	}
	e := t.entryFor(entryID, types.RoleUser, seq, createdAt)
	for _, b := range textBlocks {
		text := strings.TrimSpace(b.Text)
		if text != "" {
			e.Blocks = append(e.Blocks, types.TextBlock{Text: text})
		}
	}
}

// ingestToolUse implements sub-agent grouping rules 1-6 for a single
// tool_use content block.
func (t *Timeline) ingestToolUse(hostEntry *types.TimelineEntry, seq int64, envelopeParent string, b ContentBlock) {
	parent := envelopeParent

	if b.Name == "TodoWrite" {
		if items, ok := todoItems(b.Input); ok {
			hostEntry.Blocks = append(hostEntry.Blocks, types.TodoListBlock{Items: items})
			return
		}
		// malformed input falls back to a generic ToolUse below
	}

	tu := types.ToolUse{
		ToolUseID:       b.ID,
		ParentToolUseID: parent,
		Name:            b.Name,
		Input:           b.Input,
		Status:          types.ToolRunning,
	}

	if b.Name == "Task" {
		t.upsertSubAgentParent(hostEntry, tu)
		return
	}

	if parent != "" {
		t.attachChild(tu)
		return
	}

	// Standalone tool use: register directly in the host entry,
	// deduping by tool_use_id if we've already seen it (retry).
	if loc, ok := t.tools[tu.ToolUseID]; ok && loc.subAgent == nil && loc.entry != nil {
		if block, ok := loc.entry.Blocks[loc.blockIndex].(types.ToolUseBlock); ok {
			block.Input = tu.Input
			if tu.Output != "" {
				block.Output = tu.Output
			}
			loc.entry.Blocks[loc.blockIndex] = block
		}
		return
	}

	hostEntry.Blocks = append(hostEntry.Blocks, types.ToolUseBlock{ToolUse: tu})
	t.tools[tu.ToolUseID] = &toolLocation{entry: hostEntry, blockIndex: len(hostEntry.Blocks) - 1}
}

// upsertSubAgentParent implements rule 1 and the merge rule 6.
func (t *Timeline) upsertSubAgentParent(hostEntry *types.TimelineEntry, tu types.ToolUse) {
	if existing, ok := t.subAgentsByToolUseID[tu.ToolUseID]; ok {
		mergeSubAgentType(existing, taskSubAgentType(tu.Input))
		mergeDescription(existing, taskDescription(tu.Input))
		return
	}

	sa := &types.SubAgentActivityBlock{
		ToolUseID:    tu.ToolUseID,
		SubAgentType: taskSubAgentType(tu.Input),
		Description:  taskDescription(tu.Input),
		Status:       types.ToolRunning,
	}
	t.subAgentsByToolUseID[tu.ToolUseID] = sa
	t.subAgentEntry[tu.ToolUseID] = hostEntry
	hostEntry.Blocks = append(hostEntry.Blocks, *sa)
	t.tools[tu.ToolUseID] = &toolLocation{entry: hostEntry, blockIndex: len(hostEntry.Blocks) - 1}

	if queued, ok := t.pendingChildren[tu.ToolUseID]; ok {
		for _, child := range queued {
			t.mergeChildIntoSubAgent(sa, child)
		}
		delete(t.pendingChildren, tu.ToolUseID)
		t.syncSubAgentBlock(tu.ToolUseID)
	}
}

// attachChild implements rules 2, 3 and 5: append/merge into an
// existing parent, or queue until the parent arrives.
func (t *Timeline) attachChild(tu types.ToolUse) {
	if sa, ok := t.subAgentsByToolUseID[tu.ParentToolUseID]; ok {
		// Remove the child from wherever it previously lived standalone
		// (rule 2: "removing it from its original entry").
		t.removeStandaloneToolUse(tu.ToolUseID)
		t.mergeChildIntoSubAgent(sa, tu)
		t.syncSubAgentBlock(tu.ParentToolUseID)
		return
	}
	t.pendingChildren[tu.ParentToolUseID] = append(t.pendingChildren[tu.ParentToolUseID], tu)
}

// mergeChildIntoSubAgent applies the dedup rule (#3): a later
// occurrence of the same tool_use_id (or, lacking one, the same
// (parent, name) pair) replaces mutable fields in place. No input
// summary is part of the key, so keyless children with the same
// parent and name merge into one.
func (t *Timeline) mergeChildIntoSubAgent(sa *types.SubAgentActivityBlock, tu types.ToolUse) {
	key := childDedupKey(tu)
	for i, existing := range sa.Children {
		if childDedupKey(existing) == key {
			sa.Children[i].Input = tu.Input
			if tu.Output != "" {
				sa.Children[i].Output = tu.Output
			}
			sa.Children[i].Status = tu.Status
			t.tools[tu.ToolUseID] = &toolLocation{subAgent: sa, childIndex: i, blockIndex: -1}
			return
		}
	}
	sa.Children = append(sa.Children, tu)
	t.tools[tu.ToolUseID] = &toolLocation{subAgent: sa, childIndex: len(sa.Children) - 1, blockIndex: -1}
}

func childDedupKey(tu types.ToolUse) string {
	if tu.ToolUseID != "" {
		return "id:" + tu.ToolUseID
	}
	return "sig:" + tu.ParentToolUseID + "|" + tu.Name
}

// removeStandaloneToolUse drops a previously-standalone ToolUse block
// from its host entry once it's discovered to belong to a sub-agent.
func (t *Timeline) removeStandaloneToolUse(toolUseID string) {
	loc, ok := t.tools[toolUseID]
	if !ok || loc.entry == nil || loc.subAgent != nil {
		return
	}
	e := loc.entry
	if loc.blockIndex < 0 || loc.blockIndex >= len(e.Blocks) {
		return
	}
	e.Blocks = append(e.Blocks[:loc.blockIndex], e.Blocks[loc.blockIndex+1:]...)
	// Reindex tools pointing into this entry past the removed slot.
	for id, l := range t.tools {
		if l.entry == e && l.subAgent == nil && l.blockIndex > loc.blockIndex {
			l.blockIndex--
			t.tools[id] = l
		}
	}
	delete(t.tools, toolUseID)
	t.elideIfEmpty(e) // rule 4
}

// syncSubAgentBlock writes the current *sa value back into the
// entry's Blocks slice, since SubAgentActivityBlock is stored by value.
func (t *Timeline) syncSubAgentBlock(parentToolUseID string) {
	sa, ok := t.subAgentsByToolUseID[parentToolUseID]
	if !ok {
		return
	}
	entry, ok := t.subAgentEntry[parentToolUseID]
	if !ok {
		return
	}
	if loc, ok := t.tools[parentToolUseID]; ok && loc.blockIndex >= 0 && loc.blockIndex < len(entry.Blocks) {
		entry.Blocks[loc.blockIndex] = *sa
	}
}

// applyToolResult implements the tool status lifecycle: running ->
// completed/failed on a matching tool_result (§4.3).
func (t *Timeline) applyToolResult(toolUseID, text string, isError bool) {
	status := types.ToolCompleted
	if isError {
		status = types.ToolFailed
	}

	loc, ok := t.tools[toolUseID]
	if !ok {
		return
	}
	if loc.subAgent != nil {
		if loc.childIndex < len(loc.subAgent.Children) {
			loc.subAgent.Children[loc.childIndex].Output = text
			loc.subAgent.Children[loc.childIndex].Status = status
		}
		for parent, sa := range t.subAgentsByToolUseID {
			if sa == loc.subAgent {
				t.syncSubAgentBlock(parent)
				break
			}
		}
		return
	}
	if loc.entry == nil || loc.blockIndex < 0 || loc.blockIndex >= len(loc.entry.Blocks) {
		return
	}
	if block, ok := loc.entry.Blocks[loc.blockIndex].(types.ToolUseBlock); ok {
		block.Output = text
		block.Status = status
		loc.entry.Blocks[loc.blockIndex] = block
	}
}

// FinalizeTurn implements §4.3's terminal `result` handling: every
// still-running ToolUse and SubAgentActivity in the turn is finalised
// to completed/failed.
func (t *Timeline) FinalizeTurn(isError bool) {
	status := types.ToolCompleted
	if isError {
		status = types.ToolFailed
	}

	for id, sa := range t.subAgentsByToolUseID {
		if sa.Status == types.ToolRunning {
			sa.Status = status
			for i := range sa.Children {
				if sa.Children[i].Status == types.ToolRunning {
					sa.Children[i].Status = status
				}
			}
			t.syncSubAgentBlock(id)
		}
	}
	for _, e := range t.entries {
		for i, b := range e.Blocks {
			if tb, ok := b.(types.ToolUseBlock); ok && tb.Status == types.ToolRunning {
				tb.Status = status
				e.Blocks[i] = tb
			}
		}
	}
}

// AppendResult projects a terminal `result` event. A non-error result
// with no display text is dropped per §4.3; an error result surfaces
// as an Error block.
func (t *Timeline) AppendResult(entryID string, seq int64, createdAt string, isError bool, text string) {
	if !isError && strings.TrimSpace(text) == "" {
		return
	}
	e := t.entryFor(entryID, types.RoleSystem, seq, createdAt)
	if isError {
		e.Blocks = append(e.Blocks, types.ErrorBlock{Message: "Error: " + text})
	} else {
		e.Blocks = append(e.Blocks, types.ResultBlock{IsError: false, Text: text})
	}
}

func todoItems(input map[string]any) ([]types.TodoItem, bool) {
	raw, ok := input["todos"]
	if !ok {
		return nil, false
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	items := make([]types.TodoItem, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, false
		}
		content, _ := m["content"].(string)
		status, _ := m["status"].(string)
		if content == "" || status == "" {
			return nil, false
		}
		items = append(items, types.TodoItem{Content: content, Status: status})
	}
	return items, true
}

func taskSubAgentType(input map[string]any) string {
	if v, ok := input["subagent_type"].(string); ok {
		return v
	}
	return ""
}

func taskDescription(input map[string]any) string {
	if v, ok := input["description"].(string); ok {
		return v
	}
	return ""
}

var placeholderSubAgentTypes = map[string]bool{
	"": true, "unknown": true, "general-purpose": true, "general": true,
}

func mergeSubAgentType(sa *types.SubAgentActivityBlock, incoming string) {
	if !placeholderSubAgentTypes[incoming] {
		sa.SubAgentType = incoming
	}
}

func mergeDescription(sa *types.SubAgentActivityBlock, incoming string) {
	if incoming != "" {
		sa.Description = incoming
	}
}
