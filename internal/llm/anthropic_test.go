package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sseServer(t *testing.T, deltas []string, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, captured)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		write := func(event, data string) {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		}
		write("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":5,"output_tokens":1}}}`)
		write("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		for _, d := range deltas {
			data, _ := json.Marshal(map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]string{"type": "text_delta", "text": d},
			})
			write("content_block_delta", string(data))
		}
		write("content_block_stop", `{"type":"content_block_stop","index":0}`)
		write("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":3}}`)
		write("message_stop", `{"type":"message_stop"}`)
	}))
}

func newTestAnthropic(t *testing.T, url string) *Anthropic {
	t.Helper()
	a, err := NewAnthropic(AnthropicConfig{APIKey: "test-key", BaseURL: url, MaxRetries: 0}, discard())
	require.NoError(t, err)
	return a
}

func TestAnthropicStream(t *testing.T) {
	var body map[string]any
	srv := sseServer(t, []string{"Hello", ", ", "world"}, &body)
	defer srv.Close()

	a := newTestAnthropic(t, srv.URL)
	var got []string
	text, err := a.Stream(context.Background(), Request{
		System:   "be brief",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, func(s string) error {
		got = append(got, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
	assert.Equal(t, []string{"Hello", ", ", "world"}, got)

	assert.Equal(t, true, body["stream"])
	assert.Equal(t, "claude-sonnet-4-20250514", body["model"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}

func TestAnthropicStreamStopsOnCallbackError(t *testing.T) {
	srv := sseServer(t, []string{"one", "two", "three"}, nil)
	defer srv.Close()

	stop := errors.New("stop")
	a := newTestAnthropic(t, srv.URL)
	calls := 0
	_, err := a.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}},
		func(string) error {
			calls++
			return stop
		})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_2","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",
"content":[{"type":"text","text":"{\"question\": \"\"}"}],
"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":3,"output_tokens":4}}`)
	}))
	defer srv.Close()

	text, err := newTestAnthropic(t, srv.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "anything blocking?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"question": ""}`, text)
}

func TestAnthropicRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	}))
	defer srv.Close()

	_, err := newTestAnthropic(t, srv.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	assert.ErrorContains(t, err, "anthropic request failed")
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAnthropic(AnthropicConfig{}, discard())
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	got := Normalize([]Message{
		{Role: RoleAssistant, Content: "I started"},
		{Role: RoleUser, Content: "a"},
		{Role: RoleUser, Content: "b"},
		{Role: RoleUser, Content: ""},
		{Role: RoleAssistant, Content: "c"},
	})
	assert.Equal(t, []Message{
		{Role: RoleUser, Content: "(continue)"},
		{Role: RoleAssistant, Content: "I started"},
		{Role: RoleUser, Content: "a\n\nb"},
		{Role: RoleAssistant, Content: "c"},
	}, got)
}
