// Package translate implements the Request Translator (component D) and
// Response Translator (component E): converting between the Anthropic
// Messages wire format and the upstream OpenAI-compatible chat-completions
// format, including CFP message rewriting and Gemini schema sanitization.
package translate

import (
	"encoding/json"
	"strings"

	"github.com/nullswan/anthroxy/internal/messages"
	"github.com/nullswan/anthroxy/internal/router"
	"github.com/nullswan/anthroxy/internal/upstream"
)

const maxTokensCap = 16384

// BuildUpstreamRequest translates an Anthropic Request plus its routing
// Decision into an upstream chat-completions Request, implementing
// spec.md §4.D's nine-step pipeline.
func BuildUpstreamRequest(req *messages.Request, d router.Decision) *upstream.Request {
	out := &upstream.Request{
		Model:       stripProviderPrefix(d.Model),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
		APIBase:     APIBaseURL(d),
		APIKey:      d.Provider.APIKey,
	}

	isGemini := strings.HasPrefix(d.Model, "gemini/")
	isAnthropic := strings.HasPrefix(d.Model, "anthropic/")

	out.MaxTokens = req.MaxTokens
	if !isAnthropic && out.MaxTokens > maxTokensCap {
		out.MaxTokens = maxTokensCap
	}

	useCFP := req.CFPEnabled && len(req.Tools) > 0

	if useCFP {
		out.Messages = buildMessagesWithLeadingSystem(
			buildCFPSystemMessage(req.System, req.Tools),
			rewriteMessagesForCFP(req.Messages),
		)
	} else {
		out.Messages = buildMessagesWithLeadingSystem(
			systemPromptText(req.System),
			flattenMessages(req.Messages),
		)
		out.Tools = buildTools(req.Tools, isGemini)
		out.ToolChoice = buildToolChoice(req.ToolChoice)
	}

	return out
}

// APIBaseURL computes the complete upstream endpoint URL for a
// chat-completions call, applying Gemini's distinct path convention
// (spec.md §4.D.9).
func APIBaseURL(d router.Decision) string {
	base := strings.TrimSuffix(d.Provider.BaseURL, "/")
	if !strings.HasPrefix(d.Model, "gemini/") {
		return base + "/chat/completions"
	}
	model := stripProviderPrefix(d.Model)
	if strings.HasSuffix(base, "/v1") {
		return base + "/models/" + model
	}
	return base + "/v1beta/models/" + model
}

func stripProviderPrefix(model string) string {
	for _, p := range []string{"openai/", "gemini/", "anthropic/"} {
		if strings.HasPrefix(model, p) {
			return strings.TrimPrefix(model, p)
		}
	}
	return model
}

// systemPromptText flattens Request.System down to a single string: a
// plain string passes through; a list of text blocks is concatenated,
// blocks separated by a blank line (spec.md §4.D.1).
func systemPromptText(s *messages.SystemPrompt) string {
	if s == nil {
		return ""
	}
	if !s.IsBlocks {
		return s.Text
	}
	parts := make([]string, 0, len(s.Blocks))
	for _, blk := range s.Blocks {
		if blk.Text != "" {
			parts = append(parts, blk.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// buildMessagesWithLeadingSystem prepends system (if non-empty) as a
// system-role message ahead of msgs.
func buildMessagesWithLeadingSystem(system string, msgs []upstream.ChatMessage) []upstream.ChatMessage {
	if system == "" {
		return msgs
	}
	out := make([]upstream.ChatMessage, 0, len(msgs)+1)
	out = append(out, upstream.ChatMessage{Role: messages.RoleSystem, Content: system})
	out = append(out, msgs...)
	return out
}

// flattenMessages implements spec.md §4.D.2/3's non-CFP message
// transformation and normalization: tool_result-bearing user messages
// collapse to one flattened string message; assistant tool_use blocks
// become upstream tool_calls; everything else is flattened to plain
// string content, since this proxy's single upstream wire format has no
// block-structured content of its own.
func flattenMessages(msgs []messages.Message) []upstream.ChatMessage {
	out := make([]upstream.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == messages.RoleSystem {
			out = append(out, upstream.ChatMessage{Role: messages.RoleSystem, Content: m.Content.Text})
			continue
		}
		if !m.Content.IsBlocks {
			out = append(out, upstream.ChatMessage{Role: m.Role, Content: nonEmpty(m.Content.Text)})
			continue
		}

		blocks := m.Content.Blocks
		if hasToolResult(blocks) {
			out = append(out, upstream.ChatMessage{Role: messages.RoleUser, Content: nonEmpty(flattenUserToolResultMessage(blocks))})
			continue
		}
		if hasToolUse(blocks) {
			out = append(out, buildAssistantToolCallMessage(blocks))
			continue
		}
		out = append(out, upstream.ChatMessage{Role: m.Role, Content: nonEmpty(flattenContentBlocksGeneric(blocks))})
	}
	return out
}

// buildAssistantToolCallMessage renders an assistant message's text blocks
// as Content and its tool_use blocks as upstream.ToolCall entries.
func buildAssistantToolCallMessage(blocks []messages.ContentBlock) upstream.ChatMessage {
	var text strings.Builder
	var calls []upstream.ToolCall
	for _, blk := range blocks {
		switch blk.Type {
		case messages.BlockText:
			text.WriteString(blk.Text)
		case messages.BlockToolUse:
			args, _ := json.Marshal(blk.Input)
			calls = append(calls, upstream.ToolCall{
				ID:   blk.ID,
				Type: "function",
				Function: upstream.FunctionCall{
					Name:      blk.Name,
					Arguments: string(args),
				},
			})
		}
	}
	return upstream.ChatMessage{
		Role:      messages.RoleAssistant,
		Content:   text.String(),
		ToolCalls: calls,
	}
}

// nonEmpty replaces an empty string with "...", since several upstreams
// reject empty message content (spec.md §4.D.3).
func nonEmpty(s string) string {
	if s == "" {
		return "..."
	}
	return s
}

// buildTools converts Anthropic Tool definitions to the upstream function
// format, sanitizing the schema for Gemini upstreams (spec.md §4.D.5).
func buildTools(tools []messages.Tool, isGemini bool) []upstream.ToolDef {
	if len(tools) == 0 {
		return nil
	}
	out := make([]upstream.ToolDef, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if isGemini {
			schema = CleanGeminiSchema(schema)
		}
		out = append(out, upstream.ToolDef{
			Type: "function",
			Function: upstream.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

// buildToolChoice maps Anthropic's tool_choice shape to the upstream
// equivalent (spec.md §4.D.6).
func buildToolChoice(tc *messages.ToolChoice) any {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case messages.ToolChoiceAuto:
		return "auto"
	case messages.ToolChoiceAny:
		return "any"
	case messages.ToolChoiceTool:
		if tc.Name == "" {
			return "auto"
		}
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	default:
		return "auto"
	}
}
