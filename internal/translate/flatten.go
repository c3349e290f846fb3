package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nullswan/anthroxy/internal/messages"
)

// flattenToolResultContent renders a tool_result's polymorphic content as
// plain text: a string as-is, a list of blocks as their concatenated text,
// a mapping as compact JSON (spec.md §4.D.2).
func flattenToolResultContent(c *messages.ToolResultContent) string {
	if c == nil {
		return ""
	}
	switch c.Kind {
	case messages.ToolResultBlocks:
		var b strings.Builder
		for _, blk := range c.Blocks {
			b.WriteString(blk.Text)
		}
		return b.String()
	case messages.ToolResultMap:
		out, err := json.Marshal(c.Map)
		if err != nil {
			return ""
		}
		return string(out)
	default:
		return c.Text
	}
}

// flattenContentBlocksGeneric renders a mixed content-block list to a
// single plain string per the §4.D.3 normalization rules: text blocks
// pass through, tool_use becomes a bracketed summary, image becomes a
// placeholder, and tool_result is rendered the same way the message-level
// flattening step does.
func flattenContentBlocksGeneric(blocks []messages.ContentBlock) string {
	var b strings.Builder
	for i, blk := range blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		switch blk.Type {
		case messages.BlockText:
			b.WriteString(blk.Text)
		case messages.BlockToolUse:
			input, _ := json.Marshal(blk.Input)
			fmt.Fprintf(&b, "[Tool: %s (ID: %s)]\nInput: %s", blk.Name, blk.ID, input)
		case messages.BlockImage:
			b.WriteString("[Image content - not displayed in text format]")
		case messages.BlockToolResult:
			fmt.Fprintf(&b, "Tool result for %s:\n%s\n", blk.ToolUseID, flattenToolResultContent(blk.Content))
		}
	}
	return b.String()
}

// flattenUserToolResultMessage renders a user message whose content list
// contains one or more tool_result blocks down to a single plain string,
// per spec.md §4.D.2's message-transformation rule.
func flattenUserToolResultMessage(blocks []messages.ContentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		switch blk.Type {
		case messages.BlockText:
			b.WriteString(blk.Text)
		case messages.BlockToolResult:
			fmt.Fprintf(&b, "Tool result for %s:\n%s\n", blk.ToolUseID, flattenToolResultContent(blk.Content))
		}
	}
	return b.String()
}

// hasToolResult reports whether any block in blocks is a tool_result.
func hasToolResult(blocks []messages.ContentBlock) bool {
	for _, blk := range blocks {
		if blk.Type == messages.BlockToolResult {
			return true
		}
	}
	return false
}

// toolResultAsMap coerces a tool_result's polymorphic content into a
// mapping, as required by a CFP result block's `result` field (§3's CFP
// block schema says `result?: mapping`). A plain string is first tried as
// JSON; if that fails (or the content isn't a mapping to begin with), it's
// wrapped as {"text": ...}.
func toolResultAsMap(c *messages.ToolResultContent) map[string]any {
	if c == nil {
		return map[string]any{}
	}
	switch c.Kind {
	case messages.ToolResultMap:
		return c.Map
	case messages.ToolResultBlocks:
		return map[string]any{"text": flattenToolResultContent(c)}
	default:
		var m map[string]any
		if err := json.Unmarshal([]byte(c.Text), &m); err == nil {
			return m
		}
		return map[string]any{"text": c.Text}
	}
}
