package messages

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentUnmarshalString(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hi"}`), &m))
	assert.False(t, m.Content.IsBlocks)
	assert.Equal(t, "hi", m.Content.Text)
}

func TestContentUnmarshalBlocks(t *testing.T) {
	raw := `{"role":"user","content":[{"type":"text","text":"hi"},{"type":"tool_use","id":"t1","name":"f","input":{"x":1}}]}`
	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	require.True(t, m.Content.IsBlocks)
	require.Len(t, m.Content.Blocks, 2)
	assert.Equal(t, BlockText, m.Content.Blocks[0].Type)
	assert.Equal(t, BlockToolUse, m.Content.Blocks[1].Type)
	assert.Equal(t, "f", m.Content.Blocks[1].Name)
}

func TestToolResultContentVariants(t *testing.T) {
	cases := map[string]string{
		ToolResultString: `"plain text"`,
		ToolResultBlocks:  `[{"type":"text","text":"a"}]`,
		ToolResultMap:     `{"k":"v"}`,
	}
	for kind, raw := range cases {
		var c ToolResultContent
		require.NoError(t, json.Unmarshal([]byte(raw), &c))
		assert.Equal(t, kind, c.Kind)
	}
}

func TestSystemPromptRoundTrip(t *testing.T) {
	var sp SystemPrompt
	require.NoError(t, json.Unmarshal([]byte(`"be nice"`), &sp))
	out, err := json.Marshal(sp)
	require.NoError(t, err)
	assert.JSONEq(t, `"be nice"`, string(out))

	var sp2 SystemPrompt
	require.NoError(t, json.Unmarshal([]byte(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`), &sp2))
	assert.True(t, sp2.IsBlocks)
	assert.Len(t, sp2.Blocks, 2)
}

func TestRequestRoundTripsHiddenFieldsAreNotSerialized(t *testing.T) {
	req := Request{
		Model:     "claude-3-haiku",
		MaxTokens: 50,
		Messages:  []Message{{Role: RoleUser, Content: TextOnly("hi")}},
	}
	req.OriginalModel = "claude-3-haiku"
	req.CFPEnabled = true

	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "OriginalModel")
	assert.NotContains(t, string(out), "CFPEnabled")
}
