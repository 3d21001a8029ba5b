package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/health"
)

func TestAuthHeadersByType(t *testing.T) {
	openai := Config{Name: "oa", Type: TypeOpenAI, APIKey: "sk-test"}
	h := openai.AuthHeaders()
	assert.Equal(t, "Bearer sk-test", h["Authorization"])

	anthropic := Config{Name: "an", Type: TypeAnthropic, APIKey: "ak-test"}
	h = anthropic.AuthHeaders()
	assert.Equal(t, "ak-test", h["x-api-key"])
	assert.Equal(t, "2023-06-01", h["anthropic-version"])
	assert.NotContains(t, h, "Authorization")
}

func TestChatURLPerType(t *testing.T) {
	c := Config{Type: TypeOpenAI, BaseURL: "https://api.example.com/v1/"}
	assert.Equal(t, "https://api.example.com/v1/chat/completions", c.ChatURL())

	c.Type = TypeAnthropic
	assert.Equal(t, "https://api.example.com/v1/messages", c.ChatURL())
}

func TestValidate(t *testing.T) {
	errs := Config{}.Validate()
	assert.Len(t, errs, 3)

	errs = Config{Name: "x", BaseURL: "http://h", APIKey: "k", Type: "mystery"}.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "mystery")

	assert.Empty(t, Config{Name: "x", BaseURL: "http://h", APIKey: "k"}.Validate())
}

func TestBuildOpenAIBodyToolTurns(t *testing.T) {
	req := Request{
		Model: "gpt-4o",
		Messages: []Message{
			Text("user", "hi"),
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Type: "function", Function: ToolFunction{Name: "f", Arguments: "{}"}}}},
			{Role: "tool", ToolCallID: "c1", Content: nil},
		},
	}
	body := BuildOpenAIBody(req)
	msgs := body["messages"].([]map[string]interface{})
	require.Len(t, msgs, 3)

	// assistant tool-call turn omits content entirely
	_, hasContent := msgs[1]["content"]
	assert.False(t, hasContent)
	// non-assistant nil content becomes empty string
	assert.Equal(t, "", msgs[2]["content"])
	assert.Equal(t, "c1", msgs[2]["tool_call_id"])
}

func TestNormalizeReasoningAndToolCalls(t *testing.T) {
	raw := []byte(`{
		"id": "req-1", "model": "kimi-k2",
		"choices": [{"message": {
			"content": "answer",
			"reasoning_content": "step by step",
			"tool_calls": [
				{"id": "call_a", "function": {"name": "lookup", "arguments": "{\"q\":1}"}},
				{"function": {"name": "noid"}},
				{"function": {}}
			]
		}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5}
	}`)

	res, err := Normalize(raw, TypeOpenAICompat, "t-1", 12.5)
	require.NoError(t, err)
	assert.Equal(t, "answer", res.Content)
	assert.Equal(t, "step by step", res.Thinking)
	require.Len(t, res.ToolCalls, 2) // nameless call skipped
	assert.Equal(t, "call_a", res.ToolCalls[0].ID)
	assert.True(t, len(res.ToolCalls[1].ID) > 5)
	assert.Equal(t, "{}", res.ToolCalls[1].Function.Arguments)
	assert.Equal(t, int64(10), res.Usage.PromptTokens)
	assert.Equal(t, "t-1", res.Metadata.TraceID)

	// plain openai providers never surface reasoning_content
	res, err = Normalize(raw, TypeOpenAI, "t-2", 1)
	require.NoError(t, err)
	assert.Empty(t, res.Thinking)
}

func TestNormalizeEmptyChoicesAndUsage(t *testing.T) {
	res, err := Normalize([]byte(`{"model":"m"}`), TypeOpenAI, "t", 1)
	require.NoError(t, err)
	assert.Empty(t, res.Content)
	assert.Zero(t, res.Usage.PromptTokens)
}

func okBody() string {
	return `{"id":"r","model":"m","choices":[{"message":{"content":"ok"}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`
}

func noSleep(inv *Invoker) { inv.sleep = func(context.Context, time.Duration) error { return nil } }

func TestInvokeRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(okBody()))
	}))
	defer srv.Close()

	inv := NewInvoker(srv.Client())
	noSleep(inv)
	cfg := Config{Name: "p", Type: TypeOpenAI, BaseURL: srv.URL, APIKey: "k"}

	res, err := inv.Invoke(context.Background(), cfg, Request{Model: "m", Messages: []Message{Text("user", "hi")}}, DefaultRetry())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvokeNonRetryableStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	inv := NewInvoker(srv.Client())
	noSleep(inv)
	cfg := Config{Name: "p", Type: TypeOpenAI, BaseURL: srv.URL, APIKey: "k"}

	_, err := inv.Invoke(context.Background(), cfg, Request{Model: "m"}, DefaultRetry())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var se *health.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.False(t, health.IsHealthFailure(err))
	assert.Equal(t, gwerr.KindPolicy, gwerr.KindOf(err))
}

func TestInvokeExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	inv := NewInvoker(srv.Client())
	noSleep(inv)
	cfg := Config{Name: "p", Type: TypeOpenAI, BaseURL: srv.URL, APIKey: "k"}
	retry := DefaultRetry()
	retry.MaxRetries = 2

	_, err := inv.Invoke(context.Background(), cfg, Request{Model: "m"}, retry)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, health.IsHealthFailure(err))
}

func TestInvokeTraceHeaderSent(t *testing.T) {
	var gotTrace atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace.Store(r.Header.Get("X-Request-ID"))
		w.Write([]byte(okBody()))
	}))
	defer srv.Close()

	inv := NewInvoker(srv.Client())
	cfg := Config{Name: "p", Type: TypeOpenAI, BaseURL: srv.URL, APIKey: "k"}
	_, err := inv.Invoke(context.Background(), cfg, Request{Model: "m"}, DefaultRetry())
	require.NoError(t, err)
	assert.NotEmpty(t, gotTrace.Load())
}

func TestRetryDelayDoubling(t *testing.T) {
	rc := RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, rc.delay(1))
	assert.Equal(t, 2*time.Second, rc.delay(2))
	assert.Equal(t, 3*time.Second, rc.delay(3)) // capped
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 10, EstimateTokens("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")) // 35 chars
	msgs := []Message{Text("user", "aaaaaaa"), {Role: "assistant"}}
	assert.Equal(t, 2, EstimateMessageTokens(msgs))
}
