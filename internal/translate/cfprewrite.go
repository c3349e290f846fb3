package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nullswan/anthroxy/internal/cfp"
	"github.com/nullswan/anthroxy/internal/messages"
	"github.com/nullswan/anthroxy/internal/upstream"
)

// cfpGuide is the fixed instruction blurb prepended to the CFP system
// message, teaching a text-only model the <cfp> wire format it must
// emit instead of native function calling. Grounded on
// original_source/cfp_adapter.py's generate_cfp_guide, reworded.
const cfpGuide = `You can call the functions listed above by emitting tagged JSON blocks in your reply, since this model doesn't support native function calling. To call a function:

1. Emit ` + "`<cfp>{\"v\":1,\"role\":\"call\",\"id\":\"<unique-id>\",\"name\":\"<function-name>\"}</cfp>`" + ` to announce the call.
2. Emit one or more ` + "`<cfp>{\"v\":1,\"role\":\"args_delta\",\"id\":\"<unique-id>\",\"delta\":\"<json-fragment>\"}</cfp>`" + ` blocks whose deltas concatenate into the complete JSON arguments object.
3. Emit ` + "`<cfp>{\"v\":1,\"role\":\"args_complete\",\"id\":\"<unique-id>\"}</cfp>`" + ` once the arguments are complete.

Use a fresh id for every call. Do not describe the call in prose; the tags are parsed mechanically. Normal reply text may appear before, between, and after these blocks.`

// buildToolCatalog renders each tool's name, description, and
// pretty-printed input schema into the system message the CFP guide is
// appended to.
func buildToolCatalog(tools []messages.Tool) string {
	var b strings.Builder
	b.WriteString("Available functions:\n\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "## %s\n", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&b, "%s\n", t.Description)
		}
		schema, err := json.MarshalIndent(t.InputSchema, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "```json\n%s\n```\n\n", schema)
		}
	}
	return b.String()
}

// buildCFPSystemMessage collapses the original system prompt, the tool
// catalog, and the CFP guide into the single leading system message
// spec.md §4.D.8 calls for.
func buildCFPSystemMessage(system *messages.SystemPrompt, tools []messages.Tool) string {
	var parts []string
	if system != nil {
		if text := systemPromptText(system); text != "" {
			parts = append(parts, text)
		}
	}
	parts = append(parts, strings.TrimRight(buildToolCatalog(tools), "\n"))
	parts = append(parts, cfpGuide)
	return strings.Join(parts, "\n\n")
}

// rewriteMessagesForCFP replaces each original message with its CFP
// encoding, following spec.md §4.D.8's per-message rules:
//   - plain text messages pass through unchanged,
//   - an assistant message's tool_use blocks become a call/args_delta/
//     args_complete triple per call,
//   - a user message's tool_result blocks become a result block carrying
//     a freshly generated id (the original tool_use_id is not reused —
//     the original implementation makes the same choice),
//   - anything else passes through as flattened plain text.
func rewriteMessagesForCFP(msgs []messages.Message) []upstream.ChatMessage {
	out := make([]upstream.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == messages.RoleSystem {
			continue
		}
		if !m.Content.IsBlocks {
			out = append(out, upstream.ChatMessage{Role: m.Role, Content: m.Content.Text})
			continue
		}

		if hasToolResult(m.Content.Blocks) {
			out = append(out, upstream.ChatMessage{Role: messages.RoleUser, Content: encodeResultBlocks(m.Content.Blocks)})
			continue
		}
		if hasToolUse(m.Content.Blocks) {
			out = append(out, upstream.ChatMessage{Role: messages.RoleAssistant, Content: encodeCallBlocks(m.Content.Blocks)})
			continue
		}
		out = append(out, upstream.ChatMessage{Role: m.Role, Content: flattenContentBlocksGeneric(m.Content.Blocks)})
	}
	return out
}

func hasToolUse(blocks []messages.ContentBlock) bool {
	for _, blk := range blocks {
		if blk.Type == messages.BlockToolUse {
			return true
		}
	}
	return false
}

// encodeCallBlocks renders an assistant message's content blocks, encoding
// each tool_use as a call/args_delta/args_complete CFP triple and passing
// text blocks through, in block order.
func encodeCallBlocks(blocks []messages.ContentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		switch blk.Type {
		case messages.BlockText:
			b.WriteString(blk.Text)
		case messages.BlockToolUse:
			id := blk.ID
			if id == "" {
				id = cfp.NewCallID()
			}
			args, _ := json.Marshal(blk.Input)
			b.WriteString(cfp.EncodeCall(id, blk.Name))
			b.WriteString(cfp.EncodeArgsDelta(id, string(args)))
			b.WriteString(cfp.EncodeArgsComplete(id))
		}
	}
	return b.String()
}

// encodeResultBlocks renders a user message's content blocks, encoding
// each tool_result as a CFP result block (with a freshly generated id) and
// passing text blocks through, in block order.
func encodeResultBlocks(blocks []messages.ContentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		switch blk.Type {
		case messages.BlockText:
			b.WriteString(blk.Text)
		case messages.BlockToolResult:
			b.WriteString(cfp.EncodeResult(cfp.NewCallID(), toolResultAsMap(blk.Content)))
		}
	}
	return b.String()
}
