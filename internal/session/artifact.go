package session

import (
	"encoding/json"
	"strings"
)

// IsProtocolArtifact implements §4.3's protocol-artifact suppression
// rule for `user` envelopes: drop internal CLI bookkeeping from the
// human-visible timeline while letting real user text through, even
// when it happens to look bracketed like JSON.
//
// Returns (drop, keepBlocks): if drop is true the whole entry is
// elided; otherwise keepBlocks is the subset of blocks (usually just
// the free-text block) that should still render.
func IsProtocolArtifact(parentToolUseID string, blocks []ContentBlock) (drop bool, keepBlocks []ContentBlock) {
	if parentToolUseID != "" {
		// A sub-agent's internal input, not a human utterance.
		return true, nil
	}

	var text []ContentBlock
	var artifactOnly = true
	for _, b := range blocks {
		switch b.Type {
		case "tool_use", "tool_result":
			continue
		case "text":
			if isSerialisedProtocolEnvelope(b.Text) {
				continue
			}
			text = append(text, b)
			artifactOnly = false
		default:
			artifactOnly = false
		}
	}

	if artifactOnly {
		return true, nil
	}
	if len(text) > 0 {
		return false, text
	}
	return false, blocks
}

// isSerialisedProtocolEnvelope reports whether s looks like a
// serialised protocol envelope: starts with '{', ends with '}',
// decodes as JSON, and names a recognised top-level `type`.
func isSerialisedProtocolEnvelope(s string) bool {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return false
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return false
	}
	return recognisedProtocolTypes[probe.Type]
}
