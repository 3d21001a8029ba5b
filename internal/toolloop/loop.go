// Package toolloop drives the model / tool-execution conversation: it feeds
// tool results back to the model until a turn arrives with no tool calls,
// under an iteration cap and a consecutive-failure abort.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/provider"
)

// ModelTurn asks the model for its next turn given the conversation so far.
type ModelTurn func(ctx context.Context, messages []provider.Message) (*provider.CompletionResult, error)

// ToolExecutor runs one tool call and returns its result payload.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// ToolExecutorFunc adapts a function to ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, name string, args map[string]interface{}) (string, error)

func (f ToolExecutorFunc) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	return f(ctx, name, args)
}

// Config tunes the loop limits.
type Config struct {
	MaxIterations              int
	AbortOnConsecutiveFailures int
}

// DefaultConfig matches the production limits.
func DefaultConfig() Config {
	return Config{MaxIterations: 8, AbortOnConsecutiveFailures: 3}
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 8
	}
	if c.AbortOnConsecutiveFailures <= 0 {
		c.AbortOnConsecutiveFailures = 3
	}
	return c
}

// Result is the terminal state of a completed loop.
type Result struct {
	Final      *provider.CompletionResult
	Messages   []provider.Message
	Iterations int
	ToolCalls  int
}

// Loop is one conversation's tool-call controller. Not safe for concurrent
// use; build one per request.
type Loop struct {
	cfg      Config
	turn     ModelTurn
	executor ToolExecutor
	logger   *log.Logger

	// Idempotency cache: tool_call_id -> serialized result. A repeated id
	// replays the cached result and never re-executes.
	cache map[string]string

	consecutiveFailures int
}

// New builds a loop controller.
func New(cfg Config, turn ModelTurn, executor ToolExecutor) *Loop {
	return &Loop{
		cfg:      cfg.withDefaults(),
		turn:     turn,
		executor: executor,
		logger:   log.New(log.Writer(), "[TOOLLOOP] ", log.LstdFlags),
		cache:    make(map[string]string),
	}
}

// Run iterates model turns until the model answers without tool calls.
// The context is checked between iterations so a canceled request stops
// before the next model call.
func (l *Loop) Run(ctx context.Context, messages []provider.Message) (*Result, error) {
	res := &Result{Messages: messages}

	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, gwerr.Wrap(gwerr.KindTransient, gwerr.CodeProviderUnavailable, "request canceled between tool iterations", err)
		}

		completion, err := l.turn(ctx, res.Messages)
		if err != nil {
			return nil, err
		}
		res.Iterations = iteration

		if len(completion.ToolCalls) == 0 {
			res.Final = completion
			metricIterations.Observe(float64(iteration))
			return res, nil
		}

		// Record the assistant tool-call turn, then each tool result.
		res.Messages = append(res.Messages, assistantToolTurn(completion))
		for _, call := range completion.ToolCalls {
			res.ToolCalls++
			payload, err := l.execute(ctx, call)
			if err != nil {
				return nil, err
			}
			res.Messages = append(res.Messages, provider.Message{
				Role:       "tool",
				Content:    &payload,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
			})
		}
	}

	metricAborts.WithLabelValues("max_iterations").Inc()
	return nil, gwerr.New(gwerr.KindInput, gwerr.CodeToolCallMaxIterations,
		fmt.Sprintf("tool loop exceeded %d iterations", l.cfg.MaxIterations))
}

// execute runs one tool call through the idempotency cache and the failure
// counters. Malformed JSON arguments are never executed; the parse error is
// fed back as the tool result so the model can repair the call.
func (l *Loop) execute(ctx context.Context, call provider.ToolCall) (string, error) {
	if cached, ok := l.cache[call.ID]; ok {
		l.logger.Printf("replaying cached result for repeated tool_call_id %s", call.ID)
		metricReplays.Inc()
		return cached, nil
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		repair := errorResult(call.Function.Name, "invalid JSON arguments: "+err.Error())
		l.cache[call.ID] = repair
		metricRepairs.Inc()
		return repair, nil
	}

	out, err := l.executor.Execute(ctx, call.Function.Name, args)
	if err != nil {
		l.consecutiveFailures++
		if l.consecutiveFailures >= l.cfg.AbortOnConsecutiveFailures {
			metricAborts.WithLabelValues("consecutive_failures").Inc()
			return "", gwerr.Wrap(gwerr.KindInput, gwerr.CodeToolCallConsecutiveFails,
				fmt.Sprintf("%d consecutive tool failures, last tool %q", l.consecutiveFailures, call.Function.Name), err)
		}
		failure := errorResult(call.Function.Name, err.Error())
		l.cache[call.ID] = failure
		return failure, nil
	}

	l.consecutiveFailures = 0
	l.cache[call.ID] = out
	return out, nil
}

// assistantToolTurn rebuilds the assistant message for a tool-call turn;
// content stays nil when the model produced only calls.
func assistantToolTurn(c *provider.CompletionResult) provider.Message {
	msg := provider.Message{Role: "assistant", ToolCalls: c.ToolCalls}
	if c.Content != "" {
		content := c.Content
		msg.Content = &content
	}
	return msg
}

// errorResult is the structured payload fed back to the model on a tool
// failure or unparseable arguments.
func errorResult(tool, message string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"error":   true,
		"tool":    tool,
		"message": message,
	})
	return string(b)
}
