// Package messages defines the Anthropic Messages API data model: the
// wire-level request/response shapes this proxy exposes to callers.
//
// Several fields are inherently polymorphic on the wire (a message's
// content is a string or a list of content blocks; a tool_result's content
// is a string, a list of blocks, or a mapping). Rather than push untyped
// map[string]any through the rest of the proxy, each polymorphic field gets
// its own small type with a custom UnmarshalJSON/MarshalJSON pair, so the
// conversion from "whatever came in on the wire" happens exactly once, at
// the boundary.
package messages

import (
	"encoding/json"
	"fmt"
)

// Content block type tags, as they appear in the "type" field.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// stop_reason values.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
	StopError        = "error"
)

// Role values.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ContentBlock is one element of a Message's content list, or of a
// Response's content list. Which fields are populated depends on Type.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image — the source object is opaque to this proxy (base64 data,
	// media type, or a URL reference); it passes through untouched.
	Source json.RawMessage `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string             `json:"tool_use_id,omitempty"`
	Content   *ToolResultContent `json:"content,omitempty"`
}

// ToolResultContent models tool_result's polymorphic content field: a
// plain string, a list of content blocks, or an arbitrary mapping.
type ToolResultContent struct {
	Text   string
	Blocks []ContentBlock
	Map    map[string]any

	// Kind is one of "string", "blocks", "map" and tells callers which of
	// the fields above is populated.
	Kind string
}

const (
	ToolResultString = "string"
	ToolResultBlocks  = "blocks"
	ToolResultMap     = "map"
)

func (c *ToolResultContent) UnmarshalJSON(data []byte) error {
	trimmed := skipSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("messages: empty tool_result content")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		c.Kind = ToolResultString
		c.Text = s
		return nil
	case '[':
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		c.Kind = ToolResultBlocks
		c.Blocks = blocks
		return nil
	case '{':
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		c.Kind = ToolResultMap
		c.Map = m
		return nil
	default:
		return fmt.Errorf("messages: unsupported tool_result content shape")
	}
}

func (c ToolResultContent) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ToolResultBlocks:
		return json.Marshal(c.Blocks)
	case ToolResultMap:
		return json.Marshal(c.Map)
	default:
		return json.Marshal(c.Text)
	}
}

func skipSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}

// Content models Message.Content: either a plain string or a list of
// content blocks.
type Content struct {
	Text    string
	Blocks  []ContentBlock
	IsBlocks bool
}

func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := skipSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		c.Blocks = blocks
		c.IsBlocks = true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	c.Text = s
	c.IsBlocks = false
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsBlocks {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// TextOnly builds a Content holding a single text block's worth of plain
// string content.
func TextOnly(s string) Content {
	return Content{Text: s}
}

// Message is one turn in the conversation.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// SystemPrompt models Request.System: a plain string or a list of text
// blocks.
type SystemPrompt struct {
	Text   string
	Blocks []ContentBlock
	IsBlocks bool
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	trimmed := skipSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		s.Blocks = blocks
		s.IsBlocks = true
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	s.Text = str
	s.IsBlocks = false
	return nil
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.IsBlocks {
		return json.Marshal(s.Blocks)
	}
	return json.Marshal(s.Text)
}

// Tool is a single callable function definition.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolChoice constrains which tool (if any) the model must call.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// ToolChoice.Type values.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceAny  = "any"
	ToolChoiceTool = "tool"
)

// Thinking carries the (opaque, pass-through) extended-thinking config
// block. This proxy doesn't interpret it and does not forward it to any
// upstream.
type Thinking struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Request is the body of POST /v1/messages.
type Request struct {
	Model         string        `json:"model"`
	MaxTokens     int           `json:"max_tokens"`
	Messages      []Message     `json:"messages"`
	System        *SystemPrompt `json:"system,omitempty"`
	Tools         []Tool        `json:"tools,omitempty"`
	ToolChoice    *ToolChoice   `json:"tool_choice,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	TopK          *int          `json:"top_k,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Thinking      *Thinking     `json:"thinking,omitempty"`

	// OriginalModel and CFPEnabled are populated by the router after
	// decoding, mirroring the hidden fields spec.md §3 attaches to a
	// routed request. They never round-trip on the wire.
	OriginalModel string `json:"-"`
	CFPEnabled    bool   `json:"-"`
}

// TokenCountRequest is the body of POST /v1/messages/count_tokens.
type TokenCountRequest struct {
	Model      string        `json:"model"`
	Messages   []Message     `json:"messages"`
	System     *SystemPrompt `json:"system,omitempty"`
	Tools      []Tool        `json:"tools,omitempty"`
	ToolChoice *ToolChoice   `json:"tool_choice,omitempty"`
	Thinking   *Thinking     `json:"thinking,omitempty"`
}

// TokenCountResponse is the response body for count_tokens.
type TokenCountResponse struct {
	InputTokens int `json:"input_tokens"`
}

// Usage reports token accounting for a Response.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Response is the body returned from a non-streaming POST /v1/messages.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// ErrorBody is Anthropic's error envelope shape, used for every non-2xx
// response this proxy returns (§4.G′ in SPEC_FULL.md).
type ErrorBody struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error's category and message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error category names used as ErrorDetail.Type.
const (
	ErrInvalidRequest = "invalid_request_error"
	ErrUpstream       = "api_error"
	ErrOverloaded     = "overloaded_error"
)

// NewErrorBody builds an error envelope ready to serialize.
func NewErrorBody(kind, message string) ErrorBody {
	return ErrorBody{
		Type: "error",
		Error: ErrorDetail{
			Type:    kind,
			Message: message,
		},
	}
}
