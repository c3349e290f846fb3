package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client calls an OpenAI-compatible chat-completions endpoint. One Client
// is shared across requests; it carries no per-request state.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a Client. httpClient may be nil, in which case a
// client with no timeout is used — streaming responses can legitimately
// run for many minutes (spec.md §5's "Timeouts" note), so this proxy never
// imposes one of its own.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient}
}

// Complete issues a non-streaming chat-completions call and decodes the
// JSON response.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	req.Stream = false
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("upstream: decoding response: %w", err)
	}
	return &out, nil
}

// Stream issues a streaming chat-completions call and returns a channel of
// Events in arrival order. The goroutine backing it exits when the
// upstream sends "[DONE]", the stream ends, an error occurs, or ctx is
// canceled — mirroring the teacher's bufio.Scanner-over-`data:`-lines
// goroutine (internal/provider/anthropic.go's ChatCompletionStream).
func (c *Client) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	req.Stream = true
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	ch := make(chan Event)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				select {
				case ch <- Event{Done: true}:
				case <-ctx.Done():
				}
				return
			}

			var chunk StreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				select {
				case ch <- Event{Err: fmt.Errorf("upstream: decoding stream chunk: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case ch <- Event{Chunk: &chunk}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case ch <- Event{Err: fmt.Errorf("upstream: reading stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- Event{Done: true}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.APIBase, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}
	return httpReq, nil
}

// StatusError wraps a non-2xx upstream HTTP response so callers (the HTTP
// handlers in internal/server) can propagate its status code verbatim, per
// spec.md §7's "Upstream error: propagated with the upstream's status code
// if exposed, else 500" rule.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, e.Body)
}
