// Package cfp implements the Chat-Function-Protocol codec and incremental
// stream parser: the in-band textual protocol that lets a text-only
// upstream model emulate Anthropic-style structured tool calling.
//
// The wire format is `<cfp>{JSON}</cfp>` (§6 of the spec this proxy
// implements). A second, marker-tagged variant (`<cfp⚡>…</cfp>` and
// friends, one marker rune per role) is recognized on decode for interop
// with producers that emit it, but Encode never produces it — see
// DESIGN.md's "Open Questions resolved" section.
package cfp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CFP role names.
const (
	RoleCall          = "call"
	RoleArgsDelta     = "args_delta"
	RoleArgsComplete  = "args_complete"
	RoleResult        = "result"
	RoleError         = "error"
)

const (
	tagOpen  = "<cfp>"
	tagClose = "</cfp>"

	// version is the only CFP wire version this codec speaks.
	version = 1
)

// roleMarkers maps each role to the marker rune the original implementation
// uses for its role-tagged `<cfp{marker}>` variant. Only used for decoding.
var roleMarkers = map[string]string{
	RoleCall:         "⚡",
	RoleArgsDelta:    "📝",
	RoleArgsComplete: "✅",
	RoleResult:       "🔄",
	RoleError:        "❌",
}

// NewCallID returns a fresh call identifier for use in CFP blocks.
func NewCallID() string {
	return uuid.NewString()
}

// Fields carries the role-specific payload fields for Encode.
type Fields struct {
	Name   string
	Delta  string
	Result map[string]any
	Err    map[string]any
}

// Encode renders a single CFP block for the given role, call id, and
// role-specific fields. The payload always carries v=1, role, and id; which
// other keys appear depends on role (§3, §4.A).
//
// encode_call's "args" field is deliberately omitted: the stream parser
// never reads it, relying entirely on args_delta accumulation (§9's Open
// Question on encode_call's initial args), so there is nothing to gain by
// sending an empty object every time.
func Encode(role, id string, fields Fields) (string, error) {
	doc := map[string]any{"v": version, "role": role, "id": id}

	switch role {
	case RoleCall:
		doc["name"] = fields.Name
	case RoleArgsDelta:
		doc["delta"] = fields.Delta
	case RoleArgsComplete:
		// base fields only
	case RoleResult:
		if fields.Result == nil {
			fields.Result = map[string]any{}
		}
		doc["result"] = fields.Result
	case RoleError:
		if fields.Err == nil {
			fields.Err = map[string]any{}
		}
		doc["err"] = fields.Err
	default:
		return "", fmt.Errorf("cfp: unsupported role %q", role)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("cfp: encoding payload: %w", err)
	}
	return tagOpen + string(payload) + tagClose, nil
}

// EncodeCall encodes a "call" block announcing a new function call.
func EncodeCall(id, name string) string {
	s, _ := Encode(RoleCall, id, Fields{Name: name})
	return s
}

// EncodeArgsDelta encodes an "args_delta" block carrying one fragment of
// the call's arguments JSON.
func EncodeArgsDelta(id, delta string) string {
	s, _ := Encode(RoleArgsDelta, id, Fields{Delta: delta})
	return s
}

// EncodeArgsComplete encodes the "args_complete" block that signals the end
// of argument accumulation for a call.
func EncodeArgsComplete(id string) string {
	s, _ := Encode(RoleArgsComplete, id, Fields{})
	return s
}

// EncodeResult encodes a "result" block carrying a completed call's result.
func EncodeResult(id string, result map[string]any) string {
	s, _ := Encode(RoleResult, id, Fields{Result: result})
	return s
}

// EncodeError encodes an "error" block.
func EncodeError(id string, err map[string]any) string {
	s, _ := Encode(RoleError, id, Fields{Err: err})
	return s
}

// Block is one extracted `<cfp>…</cfp>` occurrence.
type Block struct {
	Payload string
	Start   int
	End     int
}

// ExtractBlocks scans text for every complete, well-formed CFP block —
// both the plain `<cfp>` form and the marker-tagged variants — and returns
// them with their byte offsets, in order of appearance.
func ExtractBlocks(text string) []Block {
	var blocks []Block
	pos := 0
	for pos < len(text) {
		idx := strings.Index(text[pos:], "<cfp")
		if idx < 0 {
			break
		}
		start := pos + idx
		openLen, ok, _ := matchOpenTag(text[start:])
		if !ok {
			pos = start + 4
			continue
		}
		closeRel := strings.Index(text[start+openLen:], tagClose)
		if closeRel < 0 {
			pos = start + openLen
			continue
		}
		payloadStart := start + openLen
		payloadEnd := payloadStart + closeRel
		end := payloadEnd + len(tagClose)
		blocks = append(blocks, Block{
			Payload: text[payloadStart:payloadEnd],
			Start:   start,
			End:     end,
		})
		pos = end
	}
	return blocks
}

// matchOpenTag checks whether s begins with a recognized CFP opening tag
// (`<cfp>` or one of the marker variants). It returns the tag's byte
// length and ok=true on a definite match, ok=false with needMore=true when
// s is a prefix of some opening tag but not long enough to decide yet, and
// ok=false with needMore=false when s definitely does not begin with a
// valid opening tag (the leading "<cfp" is just literal text).
func matchOpenTag(s string) (tagLen int, ok bool, needMore bool) {
	if !strings.HasPrefix(s, "<cfp") {
		return 0, false, false
	}
	rest := s[4:]
	if rest == "" {
		return 0, false, true
	}
	if rest[0] == '>' {
		return 5, true, false
	}
	for _, marker := range roleMarkers {
		if strings.HasPrefix(rest, marker) {
			after := rest[len(marker):]
			if after == "" {
				return 0, false, true
			}
			if after[0] == '>' {
				return 4 + len(marker) + 1, true, false
			}
			return 0, false, false
		}
		if strings.HasPrefix(marker, rest) {
			return 0, false, true
		}
	}
	return 0, false, false
}

// Parse attempts a strict JSON parse of payload; on failure, it attempts a
// lenient repair (closing unterminated brackets and quotes) and retries.
// It returns an error only when even the repaired text fails to parse.
func Parse(payload string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err == nil {
		return doc, nil
	}

	repaired := repairJSON(payload)
	if err := json.Unmarshal([]byte(repaired), &doc); err == nil {
		return doc, nil
	}
	return nil, fmt.Errorf("cfp: payload is not valid JSON even after repair: %q", payload)
}

// repairJSON closes an unterminated string (an odd number of unescaped
// quote characters) and appends any brackets/braces needed to balance
// those opened in the text. It does not attempt to fix structurally broken
// JSON (unquoted keys, trailing commas, bare words) — that's left to fail
// Parse, surfacing the block as literal text (§4.B's parse-failure path).
func repairJSON(s string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// HasBlocks reports whether text contains at least one complete CFP block.
func HasBlocks(text string) bool {
	return len(ExtractBlocks(text)) > 0
}

// StripBlocks removes every complete CFP block from text, leaving the
// surrounding prose untouched.
func StripBlocks(text string) string {
	blocks := ExtractBlocks(text)
	if len(blocks) == 0 {
		return text
	}
	var b strings.Builder
	pos := 0
	for _, blk := range blocks {
		b.WriteString(text[pos:blk.Start])
		pos = blk.End
	}
	b.WriteString(text[pos:])
	return b.String()
}
