// Package sse implements the SSE Stream Translator (component F): it
// consumes the upstream chat-completions chunk stream and emits the fixed
// Anthropic Messages streaming event sequence (spec.md §4.F), driving one
// internal/cfp.StreamParser inline per request when CFP adaptation is
// active. Grounded on the teacher's internal/stream.Write flush-per-event,
// channel-drain-to-completion shape, generalized from OpenAI-format chunks
// to Anthropic's named-event sequence.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/nullswan/anthroxy/internal/cfp"
	"github.com/nullswan/anthroxy/internal/messages"
	"github.com/nullswan/anthroxy/internal/upstream"
)

// Write consumes events from the upstream chunk channel and writes the
// Anthropic SSE event sequence to w, honoring spec.md §4.F's block-index
// discipline and termination rules. originalModel is echoed on
// message_start (Anthropic responses mirror the model the caller asked
// for). ctx cancellation (client disconnect) stops the translator without
// emitting further events, per spec.md §5's cancellation rule.
func Write(ctx context.Context, w http.ResponseWriter, originalModel string, events <-chan upstream.Event, cfpEnabled bool) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	t := newTranslator(w, flusher, originalModel, cfpEnabled)
	if err := t.emitMessageStart(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			drain(events)
			return ctx.Err()
		case ev, open := <-events:
			if !open {
				return t.terminate("")
			}
			if ev.Err != nil {
				log.Printf("sse: upstream stream error: %v", ev.Err)
				err := t.terminateError()
				drain(events)
				return err
			}
			if ev.Done {
				drain(events)
				return t.terminate("")
			}
			if err := t.processChunk(ev.Chunk); err != nil {
				drain(events)
				return err
			}
			if reason := finishReasonOf(ev.Chunk); reason != "" {
				err := t.terminate(reason)
				drain(events)
				return err
			}
		}
	}
}

// drain discards any remaining events on the channel in the background so
// the upstream producer goroutine (internal/upstream.Client.Stream) never
// blocks forever trying to send past the point this translator stopped
// reading (spec.md §5's cancellation rule: the translator is discarded
// without emitting further events, but the producer still needs to exit).
func drain(events <-chan upstream.Event) {
	go func() {
		for range events {
		}
	}()
}

func finishReasonOf(chunk *upstream.StreamChunk) string {
	if chunk == nil || len(chunk.Choices) == 0 {
		return ""
	}
	fr := chunk.Choices[0].FinishReason
	if fr == nil {
		return ""
	}
	return *fr
}

// translator holds the per-request block-index bookkeeping and CFP parser
// state driving one SSE response.
type translator struct {
	w       http.ResponseWriter
	flusher http.Flusher

	messageID string
	model     string
	cfpOn     bool
	parser    *cfp.StreamParser

	nextIndex  int
	openOrder  []int
	textIndex  int
	textOpen   bool
	textClosed bool

	toolAnthIndexByUpstreamIdx map[int]int
	cfpIndexByCallID           map[string]int

	anyToolUse   bool
	lastReason   string
	lastUsage    *upstream.Usage
}

func newTranslator(w http.ResponseWriter, flusher http.Flusher, model string, cfpOn bool) *translator {
	t := &translator{
		w:                          w,
		flusher:                    flusher,
		messageID:                  "msg_" + uuid.NewString(),
		model:                      model,
		cfpOn:                      cfpOn,
		textIndex:                  -1,
		toolAnthIndexByUpstreamIdx: map[int]int{},
		cfpIndexByCallID:           map[string]int{},
	}
	if cfpOn {
		t.parser = cfp.NewStreamParser()
	}
	return t
}

func (t *translator) emitMessageStart() error {
	return t.emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            t.messageID,
			"type":          "message",
			"role":          messages.RoleAssistant,
			"model":         t.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":                0,
				"output_tokens":               0,
				"cache_creation_input_tokens": 0,
				"cache_read_input_tokens":     0,
			},
		},
	})
}

func (t *translator) processChunk(chunk *upstream.StreamChunk) error {
	if chunk == nil || len(chunk.Choices) == 0 {
		return nil
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		t.lastUsage = &u
	}
	delta := chunk.Choices[0].Delta

	if t.cfpOn {
		if delta.Content != "" {
			for _, ev := range t.parser.Feed(delta.Content) {
				if err := t.handleCFPEvent(ev); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if delta.Content != "" {
		if err := t.emitTextDelta(delta.Content); err != nil {
			return err
		}
	}
	for _, tc := range delta.ToolCalls {
		if err := t.handleNativeToolCallDelta(tc); err != nil {
			return err
		}
	}
	return nil
}

func (t *translator) handleNativeToolCallDelta(tc upstream.ToolCallDelta) error {
	anthIndex, exists := t.toolAnthIndexByUpstreamIdx[tc.Index]
	if !exists {
		if err := t.closeText(); err != nil {
			return err
		}
		id := tc.ID
		if id == "" {
			id = "toolu_" + uuid.NewString()
		}
		anthIndex = t.allocateIndex()
		t.toolAnthIndexByUpstreamIdx[tc.Index] = anthIndex
		t.anyToolUse = true
		if err := t.emitContentBlockStart(anthIndex, map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  tc.Function.Name,
			"input": map[string]any{},
		}); err != nil {
			return err
		}
	}
	if tc.Function.Arguments != "" {
		return t.emitInputJSONDelta(anthIndex, tc.Function.Arguments)
	}
	return nil
}

func (t *translator) handleCFPEvent(ev cfp.Event) error {
	switch ev.Kind {
	case cfp.EventText:
		if ev.Content == "" {
			return nil
		}
		return t.emitTextDelta(ev.Content)

	case cfp.EventCallStart:
		if err := t.closeText(); err != nil {
			return err
		}
		anthIndex := t.allocateIndex()
		t.cfpIndexByCallID[ev.ID] = anthIndex
		t.anyToolUse = true
		return t.emitContentBlockStart(anthIndex, map[string]any{
			"type":  "tool_use",
			"id":    "toolu_" + uuid.NewString(),
			"name":  ev.Name,
			"input": map[string]any{},
		})

	case cfp.EventArgsDelta:
		idx, ok := t.cfpIndexByCallID[ev.ID]
		if !ok {
			return nil
		}
		return t.emitInputJSONDelta(idx, ev.Delta)

	case cfp.EventCallComplete:
		idx, ok := t.cfpIndexByCallID[ev.ID]
		if !ok {
			return nil
		}
		delete(t.cfpIndexByCallID, ev.ID)
		return t.closeBlockAt(idx)

	case cfp.EventResult:
		serialized, err := json.Marshal(ev.Result)
		if err != nil {
			serialized = []byte("{}")
		}
		return t.emitTextDelta(string(serialized))
	}
	return nil
}

// terminate runs the shared closing sequence: CFP finalize (if active),
// closing every still-open block in reverse order of opening, then
// message_delta/message_stop/[DONE] (spec.md §4.F's Termination rules).
func (t *translator) terminate(finishReason string) error {
	if t.cfpOn {
		for _, ev := range t.parser.Finalize() {
			if err := t.handleCFPEvent(ev); err != nil {
				return err
			}
		}
	}
	if finishReason != "" {
		t.lastReason = finishReason
	}
	if err := t.closeAllOpenBlocks(); err != nil {
		return err
	}
	return t.emitFinalEvents(t.stopReason())
}

// terminateError implements spec.md §7's "Streaming mid-flight error"
// policy: any open blocks are closed, then message_delta carries
// stop_reason "error" and output_tokens 0, followed by the usual
// message_stop and [DONE] terminators.
func (t *translator) terminateError() error {
	if err := t.closeAllOpenBlocks(); err != nil {
		return err
	}
	if err := t.emit("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   messages.StopError,
			"stop_sequence": nil,
		},
		"usage": map[string]any{"output_tokens": 0},
	}); err != nil {
		return err
	}
	if err := t.emit("message_stop", map[string]any{"type": "message_stop"}); err != nil {
		return err
	}
	return t.writeRaw("data: [DONE]\n\n")
}

func (t *translator) stopReason() string {
	if t.anyToolUse {
		return messages.StopToolUse
	}
	switch t.lastReason {
	case "stop":
		return messages.StopEndTurn
	case "length":
		return messages.StopMaxTokens
	case "tool_calls":
		return messages.StopToolUse
	case "":
		return messages.StopEndTurn
	default:
		return messages.StopEndTurn
	}
}

func (t *translator) emitFinalEvents(stopReason string) error {
	outputTokens := 0
	if t.lastUsage != nil {
		outputTokens = t.lastUsage.CompletionTokens
	}
	if err := t.emit("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]any{"output_tokens": outputTokens},
	}); err != nil {
		return err
	}
	if err := t.emit("message_stop", map[string]any{"type": "message_stop"}); err != nil {
		return err
	}
	return t.writeRaw("data: [DONE]\n\n")
}

func (t *translator) closeAllOpenBlocks() error {
	for i := len(t.openOrder) - 1; i >= 0; i-- {
		if err := t.emitContentBlockStop(t.openOrder[i]); err != nil {
			return err
		}
	}
	t.openOrder = nil
	t.textOpen = false
	return nil
}

// allocateIndex hands out the next content-block index and records it as
// open; the running counter gives the text block index 0 when text arrives
// before any tool call, with tool-use blocks filling 1..N, or 0..N-1 when
// no text block is ever opened (spec.md §4.F's block index discipline). A
// text block first opened after a tool-use block takes the next free index
// rather than 0.
func (t *translator) allocateIndex() int {
	idx := t.nextIndex
	t.nextIndex++
	t.openOrder = append(t.openOrder, idx)
	return idx
}

func (t *translator) openText() error {
	if t.textOpen || t.textClosed {
		return nil
	}
	t.textIndex = t.allocateIndex()
	t.textOpen = true
	return t.emitContentBlockStart(t.textIndex, map[string]any{"type": "text", "text": ""})
}

func (t *translator) closeText() error {
	if !t.textOpen {
		return nil
	}
	if err := t.closeBlockAt(t.textIndex); err != nil {
		return err
	}
	t.textOpen = false
	t.textClosed = true
	return nil
}

// emitTextDelta writes a text_delta at the text block's index, opening the
// block first if needed. Once the text block has been closed (a tool call
// interrupted it), text index 0 is dead — spec.md §8's Testable Property 3
// forbids a delta after that block's content_block_stop — so any further
// plain-text/result content is dropped rather than written against a stale
// index, matching original_source/server.py's cfp_has_tool_calls guard.
func (t *translator) emitTextDelta(text string) error {
	if t.textClosed {
		return nil
	}
	if err := t.openText(); err != nil {
		return err
	}
	return t.emit("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": t.textIndex,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

func (t *translator) emitInputJSONDelta(index int, partial string) error {
	return t.emit("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": partial},
	})
}

func (t *translator) emitContentBlockStart(index int, block map[string]any) error {
	return t.emit("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": block,
	})
}

func (t *translator) closeBlockAt(index int) error {
	for i, idx := range t.openOrder {
		if idx == index {
			t.openOrder = append(t.openOrder[:i], t.openOrder[i+1:]...)
			break
		}
	}
	return t.emitContentBlockStop(index)
}

func (t *translator) emitContentBlockStop(index int) error {
	return t.emit("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})
}

func (t *translator) emit(event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshaling %s event: %w", event, err)
	}
	return t.writeRaw(fmt.Sprintf("event: %s\ndata: %s\n\n", event, body))
}

func (t *translator) writeRaw(s string) error {
	if _, err := fmt.Fprint(t.w, s); err != nil {
		return fmt.Errorf("sse: writing event: %w", err)
	}
	t.flusher.Flush()
	return nil
}
