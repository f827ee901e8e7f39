package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsProtocolArtifact_ParentSetAlwaysDrops(t *testing.T) {
	drop, keep := IsProtocolArtifact("tu-parent", []ContentBlock{{Type: "text", Text: "hello"}})
	assert.True(t, drop)
	assert.Nil(t, keep)
}

func TestIsProtocolArtifact_ToolResultOnlyDrops(t *testing.T) {
	drop, keep := IsProtocolArtifact("", []ContentBlock{{Type: "tool_result", ToolUseID: "tu1", Content: "done"}})
	assert.True(t, drop)
	assert.Nil(t, keep)
}

func TestIsProtocolArtifact_PlainTextKept(t *testing.T) {
	drop, keep := IsProtocolArtifact("", []ContentBlock{{Type: "text", Text: "what does this do?"}})
	assert.False(t, drop)
	assert.Len(t, keep, 1)
	assert.Equal(t, "what does this do?", keep[0].Text)
}

func TestIsProtocolArtifact_SerialisedEnvelopeTextDropped(t *testing.T) {
	drop, keep := IsProtocolArtifact("", []ContentBlock{{Type: "text", Text: `{"type":"stream_event","data":{}}`}})
	assert.True(t, drop)
	assert.Nil(t, keep)
}

func TestIsProtocolArtifact_MixedContentKeepsOnlyFreeText(t *testing.T) {
	drop, keep := IsProtocolArtifact("", []ContentBlock{
		{Type: "tool_result", ToolUseID: "tu1", Content: "done"},
		{Type: "text", Text: "by the way, thanks"},
	})
	assert.False(t, drop)
	assert.Len(t, keep, 1)
	assert.Equal(t, "by the way, thanks", keep[0].Text)
}

func TestIsProtocolArtifact_TextThatLooksLikeJSONButIsntProtocol(t *testing.T) {
	drop, keep := IsProtocolArtifact("", []ContentBlock{{Type: "text", Text: `{"foo": "bar"}`}})
	assert.False(t, drop)
	assert.Len(t, keep, 1)
}

func TestIsProtocolArtifact_EmptyBlocksDrop(t *testing.T) {
	drop, keep := IsProtocolArtifact("", nil)
	assert.True(t, drop)
	assert.Nil(t, keep)
}
