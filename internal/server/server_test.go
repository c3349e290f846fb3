package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullswan/anthroxy/internal/config"
	"github.com/nullswan/anthroxy/internal/messages"
	"github.com/nullswan/anthroxy/internal/upstream"
)

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	t.Setenv("PREFERRED_PROVIDER", "openai")
	t.Setenv("BIG_MODEL", "gpt-4.1")
	t.Setenv("SMALL_MODEL", "gpt-4.1-mini")
	t.Setenv("BASE_URL", upstreamURL)
	t.Setenv("API_KEY", "sk-test")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestHandleMessagesUnary(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body upstream.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4.1-mini", body.Model)

		resp := upstream.Response{
			ID:    "cmpl-1",
			Model: "gpt-4.1-mini",
			Choices: []upstream.Choice{{
				Message:      upstream.ChatMessage{Content: "hello"},
				FinishReason: "stop",
			}},
			Usage: upstream.Usage{PromptTokens: 3, CompletionTokens: 1},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer upstreamSrv.Close()

	cfg := testConfig(t, upstreamSrv.URL)
	srv := New(cfg, upstream.NewClient(nil))

	reqBody := messages.Request{
		Model:     "claude-3-haiku",
		MaxTokens: 50,
		Messages:  []messages.Message{{Role: messages.RoleUser, Content: messages.TextOnly("hi")}},
	}
	body, _ := json.Marshal(reqBody)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var out messages.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Content, 1)
	assert.Equal(t, "hello", out.Content[0].Text)
	assert.Equal(t, messages.StopEndTurn, out.StopReason)
	assert.Equal(t, "claude-3-haiku", out.Model)
}

func TestHandleMessagesValidation(t *testing.T) {
	cfg := testConfig(t, "https://unused.example")
	srv := New(cfg, upstream.NewClient(nil))

	body, _ := json.Marshal(map[string]any{"model": "claude-3-haiku", "max_tokens": 0, "messages": []any{}})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var errBody messages.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errBody))
	assert.Equal(t, messages.ErrInvalidRequest, errBody.Error.Type)
}

func TestHandleCountTokensFallback(t *testing.T) {
	cfg := testConfig(t, "https://unused.example")
	srv := New(cfg, upstream.NewClient(nil))

	reqBody := messages.TokenCountRequest{
		Model:    "claude-3-haiku",
		Messages: []messages.Message{{Role: messages.RoleUser, Content: messages.TextOnly("hi")}},
	}
	body, _ := json.Marshal(reqBody)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", bytes.NewReader(body))
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var out messages.TokenCountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 1000, out.InputTokens)
}

func TestHandleMessagesUpstreamErrorPropagatesStatus(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer upstreamSrv.Close()

	cfg := testConfig(t, upstreamSrv.URL)
	srv := New(cfg, upstream.NewClient(nil))

	reqBody := messages.Request{
		Model:     "claude-3-haiku",
		MaxTokens: 50,
		Messages:  []messages.Message{{Role: messages.RoleUser, Content: messages.TextOnly("hi")}},
	}
	body, _ := json.Marshal(reqBody)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHandleMessagesStreaming(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`data: {"choices":[{"delta":{"content":"hi"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		} {
			w.Write([]byte(line + "\n"))
			flusher.Flush()
		}
	}))
	defer upstreamSrv.Close()

	cfg := testConfig(t, upstreamSrv.URL)
	srv := New(cfg, upstream.NewClient(nil))

	reqBody := messages.Request{
		Model:     "claude-3-haiku",
		MaxTokens: 50,
		Stream:    true,
		Messages:  []messages.Message{{Role: messages.RoleUser, Content: messages.TextOnly("hi")}},
	}
	body, _ := json.Marshal(reqBody)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.True(t, strings.HasPrefix(out, "event: message_start"))
	assert.Contains(t, out, "event: content_block_delta")
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}
