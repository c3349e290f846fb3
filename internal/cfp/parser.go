package cfp

import (
	"encoding/json"
	"strings"
)

// activeCall tracks a call between its call_start and args_complete events.
type activeCall struct {
	name  string
	args  strings.Builder
}

// CompletedCall records a call that reached args_complete.
type CompletedCall struct {
	ID       string
	Name     string
	FullArgs string
}

// StreamParser is the incremental CFP state machine (component B): feed it
// upstream text fragments in arrival order and it emits Events as complete
// CFP blocks resolve, holding back only the minimum unresolved suffix of the
// buffer (an open tag without its closing tag yet, or a bare prefix of an
// opening tag) between calls. One StreamParser is owned per in-flight
// request — it is not safe for concurrent use.
type StreamParser struct {
	buffer string

	active      map[string]*activeCall
	activeOrder []string
	completed   []CompletedCall
}

// NewStreamParser returns a StreamParser ready to receive its first Feed.
func NewStreamParser() *StreamParser {
	return &StreamParser{active: make(map[string]*activeCall)}
}

// Feed appends fragment to the parser's buffer and returns every Event that
// can now be resolved.
func (p *StreamParser) Feed(fragment string) []Event {
	p.buffer += fragment
	return p.drain()
}

// Finalize signals end of stream: it makes one last extraction pass and
// then emits any residual buffer as a final text event. Any calls still
// active at this point (began with call_start, never reached
// args_complete) are left in ActiveCallIDs for the caller to close out on
// the downstream protocol — StreamParser itself does not synthesize a
// call_complete for them.
func (p *StreamParser) Finalize() []Event {
	events := p.drain()
	if p.buffer != "" {
		events = append(events, textEvent(p.buffer))
		p.buffer = ""
	}
	return events
}

// ActiveCallIDs returns the IDs of calls that have a call_start but no
// args_complete yet, in the order call_start was seen.
func (p *StreamParser) ActiveCallIDs() []string {
	out := make([]string, len(p.activeOrder))
	copy(out, p.activeOrder)
	return out
}

// CompletedCalls returns every call that reached args_complete, in order.
func (p *StreamParser) CompletedCalls() []CompletedCall {
	return p.completed
}

func (p *StreamParser) drain() []Event {
	var events []Event

	for {
		idx := strings.Index(p.buffer, "<cfp")
		if idx < 0 {
			if k := partialPrefixLen(p.buffer, "<cfp"); k > 0 {
				if k < len(p.buffer) {
					if ev := textEvent(p.buffer[:len(p.buffer)-k]); ev.Content != "" {
						events = append(events, ev)
					}
				}
				p.buffer = p.buffer[len(p.buffer)-k:]
			} else {
				if p.buffer != "" {
					events = append(events, textEvent(p.buffer))
					p.buffer = ""
				}
			}
			return events
		}

		if idx > 0 {
			events = append(events, textEvent(p.buffer[:idx]))
			p.buffer = p.buffer[idx:]
		}

		openLen, ok, needMore := matchOpenTag(p.buffer)
		if needMore {
			return events
		}
		if !ok {
			events = append(events, textEvent(p.buffer[:4]))
			p.buffer = p.buffer[4:]
			continue
		}

		closeRel := strings.Index(p.buffer[openLen:], tagClose)
		if closeRel < 0 {
			return events
		}

		payload := p.buffer[openLen : openLen+closeRel]
		fullLen := openLen + closeRel + len(tagClose)
		block := p.buffer[:fullLen]
		p.buffer = p.buffer[fullLen:]

		parsed, err := Parse(strings.TrimSpace(payload))
		if err != nil || !validCFPSchema(parsed) {
			events = append(events, textEvent(block))
			continue
		}

		if ev, ok := p.process(parsed); ok {
			events = append(events, ev)
		}
	}
}

// partialPrefixLen returns the length of the longest proper suffix of buf
// that is a non-empty proper prefix of tag — i.e. how much of buf's tail
// might still grow into tag once more data arrives. Returns 0 if no such
// suffix exists.
func partialPrefixLen(buf, tag string) int {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for k := max; k > 0; k-- {
		if buf[len(buf)-k:] == tag[:k] {
			return k
		}
	}
	return 0
}

func validCFPSchema(doc map[string]any) bool {
	v, ok := doc["v"].(float64)
	if !ok || v != 1 {
		return false
	}
	role, ok := doc["role"].(string)
	if !ok {
		return false
	}
	switch role {
	case RoleCall, RoleArgsDelta, RoleArgsComplete, RoleResult, RoleError:
	default:
		return false
	}
	id, ok := doc["id"].(string)
	if !ok || id == "" {
		return false
	}
	if role == RoleCall {
		if name, ok := doc["name"].(string); !ok || name == "" {
			return false
		}
	}
	return true
}

// process translates one validated CFP document into an Event per the
// role-specific rules, updating the parser's call-tracking state. ok is
// false when the document's role-specific precondition isn't met (e.g. an
// args_delta for an id that never had a call_start) — such blocks are
// consumed silently, producing no event.
func (p *StreamParser) process(doc map[string]any) (Event, bool) {
	role := doc["role"].(string)
	id := doc["id"].(string)

	switch role {
	case RoleCall:
		if _, exists := p.active[id]; exists {
			return Event{}, false
		}
		name := doc["name"].(string)
		p.active[id] = &activeCall{name: name}
		p.activeOrder = append(p.activeOrder, id)
		return Event{Kind: EventCallStart, ID: id, Name: name}, true

	case RoleArgsDelta:
		ac, exists := p.active[id]
		if !exists {
			return Event{}, false
		}
		delta, _ := doc["delta"].(string)
		ac.args.WriteString(delta)
		return Event{Kind: EventArgsDelta, ID: id, Delta: delta}, true

	case RoleArgsComplete:
		ac, exists := p.active[id]
		if !exists {
			return Event{}, false
		}
		full := ac.args.String()
		var v any
		if err := json.Unmarshal([]byte(full), &v); err != nil {
			full = "{}"
		} else if _, isObj := v.(map[string]any); !isObj {
			full = "{}"
		}

		delete(p.active, id)
		for i, oid := range p.activeOrder {
			if oid == id {
				p.activeOrder = append(p.activeOrder[:i], p.activeOrder[i+1:]...)
				break
			}
		}
		p.completed = append(p.completed, CompletedCall{ID: id, Name: ac.name, FullArgs: full})
		return Event{Kind: EventCallComplete, ID: id, FullArgs: full}, true

	case RoleResult:
		result, _ := doc["result"].(map[string]any)
		if result == nil {
			result = map[string]any{}
		}
		return Event{Kind: EventResult, ID: id, Result: result}, true

	case RoleError:
		msg := ""
		if errObj, ok := doc["err"].(map[string]any); ok {
			if m, ok := errObj["message"].(string); ok {
				msg = m
			} else if b, err := json.Marshal(errObj); err == nil {
				msg = string(b)
			}
		}
		return textEvent("[CFP error] " + msg), true

	default:
		return Event{}, false
	}
}
