package toolloop

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/provider"
)

func answer(content string) *provider.CompletionResult {
	return &provider.CompletionResult{Content: content}
}

func callTurn(calls ...provider.ToolCall) *provider.CompletionResult {
	return &provider.CompletionResult{ToolCalls: calls}
}

func tc(id, name, args string) provider.ToolCall {
	return provider.ToolCall{ID: id, Type: "function", Function: provider.ToolFunction{Name: name, Arguments: args}}
}

// scriptedModel returns pre-baked turns in order.
func scriptedModel(turns ...*provider.CompletionResult) ModelTurn {
	i := 0
	return func(ctx context.Context, msgs []provider.Message) (*provider.CompletionResult, error) {
		if i >= len(turns) {
			return nil, errors.New("script exhausted")
		}
		t := turns[i]
		i++
		return t, nil
	}
}

func TestFinalAnswerWithoutTools(t *testing.T) {
	l := New(DefaultConfig(), scriptedModel(answer("done")), nil)
	res, err := l.Run(context.Background(), []provider.Message{provider.Text("user", "hi")})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Final.Content)
	assert.Equal(t, 1, res.Iterations)
	assert.Zero(t, res.ToolCalls)
}

func TestToolResultsFedBack(t *testing.T) {
	var seenArgs map[string]interface{}
	exec := ToolExecutorFunc(func(ctx context.Context, name string, args map[string]interface{}) (string, error) {
		seenArgs = args
		return `{"temp":20}`, nil
	})

	l := New(DefaultConfig(), scriptedModel(
		callTurn(tc("c1", "weather", `{"city":"oslo"}`)),
		answer("20 degrees"),
	), exec)

	res, err := l.Run(context.Background(), []provider.Message{provider.Text("user", "weather?")})
	require.NoError(t, err)
	assert.Equal(t, "oslo", seenArgs["city"])
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, res.ToolCalls)

	// conversation now holds: user, assistant tool turn, tool result
	require.Len(t, res.Messages, 3)
	assert.Equal(t, "tool", res.Messages[2].Role)
	assert.Equal(t, "c1", res.Messages[2].ToolCallID)
	assert.Equal(t, `{"temp":20}`, *res.Messages[2].Content)
}

func TestRepeatedToolCallIDReplaysCache(t *testing.T) {
	execCount := 0
	exec := ToolExecutorFunc(func(ctx context.Context, name string, args map[string]interface{}) (string, error) {
		execCount++
		return fmt.Sprintf("result-%d", execCount), nil
	})

	l := New(DefaultConfig(), scriptedModel(
		callTurn(tc("same-id", "f", `{}`)),
		callTurn(tc("same-id", "f", `{}`)),
		answer("ok"),
	), exec)

	res, err := l.Run(context.Background(), []provider.Message{provider.Text("user", "go")})
	require.NoError(t, err)
	assert.Equal(t, 1, execCount)
	// second occurrence replayed the first result
	assert.Equal(t, "result-1", *res.Messages[len(res.Messages)-1].Content)
}

func TestMalformedArgumentsRepairNotExecuted(t *testing.T) {
	exec := ToolExecutorFunc(func(ctx context.Context, name string, args map[string]interface{}) (string, error) {
		t.Fatal("malformed call must not execute")
		return "", nil
	})

	l := New(DefaultConfig(), scriptedModel(
		callTurn(tc("c1", "f", `{not json`)),
		answer("repaired"),
	), exec)

	res, err := l.Run(context.Background(), []provider.Message{provider.Text("user", "go")})
	require.NoError(t, err)
	toolMsg := res.Messages[2]
	assert.Contains(t, *toolMsg.Content, `"error":true`)
	assert.Contains(t, *toolMsg.Content, "invalid JSON arguments")
}

func TestConsecutiveFailureAbort(t *testing.T) {
	exec := ToolExecutorFunc(func(ctx context.Context, name string, args map[string]interface{}) (string, error) {
		return "", errors.New("boom")
	})

	l := New(Config{MaxIterations: 8, AbortOnConsecutiveFailures: 3}, scriptedModel(
		callTurn(tc("c1", "f", `{}`)),
		callTurn(tc("c2", "f", `{}`)),
		callTurn(tc("c3", "f", `{}`)),
	), exec)

	_, err := l.Run(context.Background(), []provider.Message{provider.Text("user", "go")})
	require.Error(t, err)
	assert.Equal(t, gwerr.CodeToolCallConsecutiveFails, gwerr.CodeOf(err))
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	fail := true
	exec := ToolExecutorFunc(func(ctx context.Context, name string, args map[string]interface{}) (string, error) {
		fail = !fail
		if !fail {
			return "", errors.New("boom")
		}
		return "ok", nil
	})

	// alternate fail/success over 6 calls; streak never reaches 3
	turns := make([]*provider.CompletionResult, 0, 7)
	for i := 0; i < 6; i++ {
		turns = append(turns, callTurn(tc(fmt.Sprintf("c%d", i), "f", `{}`)))
	}
	turns = append(turns, answer("done"))

	l := New(Config{MaxIterations: 8, AbortOnConsecutiveFailures: 3}, scriptedModel(turns...), exec)
	res, err := l.Run(context.Background(), []provider.Message{provider.Text("user", "go")})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Final.Content)
}

func TestMaxIterationsExceeded(t *testing.T) {
	exec := ToolExecutorFunc(func(ctx context.Context, name string, args map[string]interface{}) (string, error) {
		return "ok", nil
	})

	turns := make([]*provider.CompletionResult, 0, 9)
	for i := 0; i < 9; i++ {
		turns = append(turns, callTurn(tc(fmt.Sprintf("c%d", i), "f", `{}`)))
	}

	l := New(Config{MaxIterations: 2, AbortOnConsecutiveFailures: 3}, scriptedModel(turns...), exec)
	_, err := l.Run(context.Background(), []provider.Message{provider.Text("user", "go")})
	require.Error(t, err)
	assert.Equal(t, gwerr.CodeToolCallMaxIterations, gwerr.CodeOf(err))
}

func TestContextCanceledBetweenIterations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := ToolExecutorFunc(func(ctx context.Context, name string, args map[string]interface{}) (string, error) {
		cancel()
		return "ok", nil
	})

	l := New(DefaultConfig(), scriptedModel(
		callTurn(tc("c1", "f", `{}`)),
		answer("never reached"),
	), exec)

	_, err := l.Run(ctx, []provider.Message{provider.Text("user", "go")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
