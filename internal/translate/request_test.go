package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullswan/anthroxy/internal/cfp"
	"github.com/nullswan/anthroxy/internal/config"
	"github.com/nullswan/anthroxy/internal/messages"
	"github.com/nullswan/anthroxy/internal/router"
)

func decision(model string) router.Decision {
	return router.Decision{
		Channel: "default",
		Model:   model,
		Provider: config.ProviderConfig{
			Name:    "default",
			BaseURL: "https://api.example/v1",
			APIKey:  "sk-test",
		},
	}
}

func TestBuildUpstreamRequestSystemFlattening(t *testing.T) {
	req := &messages.Request{
		Model:     "openai/gpt-4.1",
		MaxTokens: 100,
		System:    &messages.SystemPrompt{Text: "be helpful"},
		Messages:  []messages.Message{{Role: messages.RoleUser, Content: messages.TextOnly("hi")}},
	}
	out := BuildUpstreamRequest(req, decision("openai/gpt-4.1"))
	require.Len(t, out.Messages, 2)
	assert.Equal(t, messages.RoleSystem, out.Messages[0].Role)
	assert.Equal(t, "be helpful", out.Messages[0].Content)
	assert.Equal(t, "hi", out.Messages[1].Content)
}

func TestBuildUpstreamRequestFlattensToolResult(t *testing.T) {
	req := &messages.Request{
		Model:     "openai/gpt-4.1",
		MaxTokens: 100,
		Messages: []messages.Message{{
			Role: messages.RoleUser,
			Content: messages.Content{
				IsBlocks: true,
				Blocks: []messages.ContentBlock{
					{Type: messages.BlockToolResult, ToolUseID: "t1", Content: &messages.ToolResultContent{Kind: messages.ToolResultString, Text: "42"}},
				},
			},
		}},
	}
	out := BuildUpstreamRequest(req, decision("openai/gpt-4.1"))
	require.Len(t, out.Messages, 1)
	assert.Contains(t, out.Messages[0].Content, "Tool result for t1:")
	assert.Contains(t, out.Messages[0].Content, "42")
}

func TestBuildUpstreamRequestMaxTokensCapAppliesToOpenAI(t *testing.T) {
	req := &messages.Request{
		Model:     "openai/gpt-4.1",
		MaxTokens: 50000,
		Messages:  []messages.Message{{Role: messages.RoleUser, Content: messages.TextOnly("hi")}},
	}
	out := BuildUpstreamRequest(req, decision("openai/gpt-4.1"))
	assert.Equal(t, maxTokensCap, out.MaxTokens)
}

func TestBuildUpstreamRequestMaxTokensNotCappedForAnthropic(t *testing.T) {
	req := &messages.Request{
		Model:     "anthropic/claude-4-sonnet",
		MaxTokens: 50000,
		Messages:  []messages.Message{{Role: messages.RoleUser, Content: messages.TextOnly("hi")}},
	}
	out := BuildUpstreamRequest(req, decision("anthropic/claude-4-sonnet"))
	assert.Equal(t, 50000, out.MaxTokens)
}

func TestBuildUpstreamRequestToolsAndChoice(t *testing.T) {
	req := &messages.Request{
		Model:     "openai/gpt-4.1",
		MaxTokens: 100,
		Messages:  []messages.Message{{Role: messages.RoleUser, Content: messages.TextOnly("hi")}},
		Tools: []messages.Tool{{
			Name:        "get_weather",
			Description: "fetch weather",
			InputSchema: map[string]any{"type": "object"},
		}},
		ToolChoice: &messages.ToolChoice{Type: messages.ToolChoiceTool, Name: "get_weather"},
	}
	out := BuildUpstreamRequest(req, decision("openai/gpt-4.1"))
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "get_weather", out.Tools[0].Function.Name)

	choice, ok := out.ToolChoice.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "function", choice["type"])
}

func TestBuildUpstreamRequestGeminiSchemaSanitized(t *testing.T) {
	req := &messages.Request{
		Model:     "gemini/gemini-2.0-flash",
		MaxTokens: 100,
		Messages:  []messages.Message{{Role: messages.RoleUser, Content: messages.TextOnly("hi")}},
		Tools: []messages.Tool{{
			Name: "search",
			InputSchema: map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "format": "uuid"},
				},
			},
		}},
	}
	out := BuildUpstreamRequest(req, decision("gemini/gemini-2.0-flash"))
	require.Len(t, out.Tools, 1)
	schema := out.Tools[0].Function.Parameters
	_, hasAdditional := schema["additionalProperties"]
	assert.False(t, hasAdditional)

	props := schema["properties"].(map[string]any)
	query := props["query"].(map[string]any)
	_, hasFormat := query["format"]
	assert.False(t, hasFormat)
}

func TestBuildUpstreamRequestCFPRewriteDropsTools(t *testing.T) {
	req := &messages.Request{
		Model:      "openai/gpt-4.1-textonly",
		MaxTokens:  100,
		CFPEnabled: true,
		Messages:   []messages.Message{{Role: messages.RoleUser, Content: messages.TextOnly("what's the weather")}},
		Tools: []messages.Tool{{
			Name:        "get_weather",
			Description: "fetch weather",
			InputSchema: map[string]any{"type": "object"},
		}},
	}
	out := BuildUpstreamRequest(req, decision("openai/gpt-4.1-textonly"))
	assert.Nil(t, out.Tools)
	assert.Nil(t, out.ToolChoice)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, messages.RoleSystem, out.Messages[0].Role)
	assert.Contains(t, out.Messages[0].Content, "get_weather")
	assert.Contains(t, out.Messages[0].Content, "<cfp>")
}

func TestBuildUpstreamRequestCFPRewriteEncodesAssistantToolUse(t *testing.T) {
	req := &messages.Request{
		Model:      "openai/gpt-4.1-textonly",
		MaxTokens:  100,
		CFPEnabled: true,
		Tools: []messages.Tool{{Name: "get_weather", InputSchema: map[string]any{"type": "object"}}},
		Messages: []messages.Message{
			{Role: messages.RoleUser, Content: messages.TextOnly("weather?")},
			{
				Role: messages.RoleAssistant,
				Content: messages.Content{
					IsBlocks: true,
					Blocks: []messages.ContentBlock{
						{Type: messages.BlockToolUse, ID: "call_1", Name: "get_weather", Input: map[string]any{"city": "NYC"}},
					},
				},
			},
		},
	}
	out := BuildUpstreamRequest(req, decision("openai/gpt-4.1-textonly"))
	require.Len(t, out.Messages, 3)
	assistantMsg := out.Messages[2]
	assert.Equal(t, messages.RoleAssistant, assistantMsg.Role)
	assert.Contains(t, assistantMsg.Content, `"role":"call"`)
	assert.Contains(t, assistantMsg.Content, `"role":"args_complete"`)

	var argsBuf string
	for _, blk := range extractArgsDeltas(assistantMsg.Content) {
		argsBuf += blk
	}
	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(argsBuf), &args))
	assert.Equal(t, "NYC", args["city"])
}

func TestAPIBaseURLGeminiConvention(t *testing.T) {
	d := decision("gemini/gemini-2.0-flash")
	d.Provider.BaseURL = "https://generativelanguage.googleapis.com/v1"
	assert.Contains(t, APIBaseURL(d), "/models/gemini-2.0-flash")

	d2 := decision("openai/gpt-4.1")
	assert.Contains(t, APIBaseURL(d2), "/chat/completions")
}

// extractArgsDeltas pulls out the `delta` field of each args_delta CFP
// block in s, in order, to reconstruct the accumulated arguments JSON.
func extractArgsDeltas(s string) []string {
	var deltas []string
	for _, blk := range cfp.ExtractBlocks(s) {
		doc, err := cfp.Parse(blk.Payload)
		if err != nil || doc["role"] != cfp.RoleArgsDelta {
			continue
		}
		if delta, ok := doc["delta"].(string); ok {
			deltas = append(deltas, delta)
		}
	}
	return deltas
}
