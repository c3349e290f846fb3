package translate

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/nullswan/anthroxy/internal/cfp"
	"github.com/nullswan/anthroxy/internal/messages"
	"github.com/nullswan/anthroxy/internal/upstream"
)

// TranslateUnaryResponse implements the Response Translator (component E):
// it converts a non-streaming upstream chat-completions Response into an
// Anthropic Messages Response, running the completion text through the CFP
// stream parser first when cfpEnabled (spec.md §4.E). originalModel is the
// model string the caller sent on the wire; Anthropic responses echo it
// back rather than the upstream's own (often provider-internal) model id.
func TranslateUnaryResponse(resp *upstream.Response, cfpEnabled bool, originalModel string) *messages.Response {
	var (
		contentText  string
		toolCalls    []upstream.ToolCall
		finishReason string
	)
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		contentText = choice.Message.Content
		toolCalls = choice.Message.ToolCalls
		finishReason = choice.FinishReason
	}

	cfpForcedToolUse := false
	if cfpEnabled {
		contentText, toolCalls, cfpForcedToolUse = applyCFPToUnaryText(contentText, toolCalls)
	}

	blocks := make([]messages.ContentBlock, 0, len(toolCalls)+1)
	if contentText != "" {
		blocks = append(blocks, messages.ContentBlock{Type: messages.BlockText, Text: contentText})
	}
	for _, tc := range toolCalls {
		blocks = append(blocks, toolCallToBlock(tc))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, messages.ContentBlock{Type: messages.BlockText, Text: ""})
	}

	stopReason := mapFinishReason(finishReason)
	if cfpForcedToolUse {
		stopReason = messages.StopToolUse
	}

	return &messages.Response{
		ID:         "msg_" + uuid.NewString(),
		Type:       "message",
		Role:       messages.RoleAssistant,
		Model:      originalModel,
		Content:    blocks,
		StopReason: stopReason,
		Usage: messages.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

// applyCFPToUnaryText feeds text through a fresh CFP stream parser once
// then finalizes it (spec.md §4.E.2): completed calls replace toolCalls and
// blank out contentText; a result event replaces contentText with its
// JSON-serialized value; absent either, CFP tags are simply stripped.
func applyCFPToUnaryText(text string, toolCalls []upstream.ToolCall) (string, []upstream.ToolCall, bool) {
	parser := cfp.NewStreamParser()
	events := parser.Feed(text)
	events = append(events, parser.Finalize()...)

	var (
		textParts    []string
		resultEvent  *cfp.Event
		sawCompleted bool
	)
	completedByID := map[string]cfp.CompletedCall{}
	var completedOrder []string

	for _, ev := range events {
		switch ev.Kind {
		case cfp.EventText:
			if ev.Content != "" {
				textParts = append(textParts, ev.Content)
			}
		case cfp.EventCallComplete:
			sawCompleted = true
			if _, exists := completedByID[ev.ID]; !exists {
				completedOrder = append(completedOrder, ev.ID)
			}
			completedByID[ev.ID] = cfp.CompletedCall{ID: ev.ID, FullArgs: ev.FullArgs}
		case cfp.EventResult:
			e := ev
			resultEvent = &e
		}
	}

	if sawCompleted {
		var out []upstream.ToolCall
		for _, id := range completedOrder {
			call := completedByID[id]
			name := ""
			for _, c := range parser.CompletedCalls() {
				if c.ID == id {
					name = c.Name
					break
				}
			}
			out = append(out, upstream.ToolCall{
				ID:   id,
				Type: "function",
				Function: upstream.FunctionCall{
					Name:      name,
					Arguments: call.FullArgs,
				},
			})
		}
		return "", out, true
	}

	if resultEvent != nil {
		serialized, err := json.Marshal(resultEvent.Result)
		if err != nil {
			serialized = []byte("{}")
		}
		return string(serialized), toolCalls, false
	}

	joined := ""
	for _, p := range textParts {
		joined += p
	}
	return joined, toolCalls, false
}

// toolCallToBlock converts one upstream tool call into an Anthropic
// tool_use content block, parsing its JSON arguments into Input — falling
// back to {"raw": <string>} on parse failure (spec.md §4.E.3).
func toolCallToBlock(tc upstream.ToolCall) messages.ContentBlock {
	id := tc.ID
	if id == "" {
		id = "toolu_" + uuid.NewString()
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil || input == nil {
		input = map[string]any{"raw": tc.Function.Arguments}
	}
	return messages.ContentBlock{
		Type:  messages.BlockToolUse,
		ID:    id,
		Name:  tc.Function.Name,
		Input: input,
	}
}

// mapFinishReason maps an upstream finish_reason to an Anthropic
// stop_reason (spec.md §4.E.4).
func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return messages.StopEndTurn
	case "length":
		return messages.StopMaxTokens
	case "tool_calls":
		return messages.StopToolUse
	default:
		return messages.StopEndTurn
	}
}
