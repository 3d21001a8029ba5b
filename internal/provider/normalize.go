package provider

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
)

var normLogger = log.New(log.Writer(), "[PROVIDER] ", log.LstdFlags)

// Usage is the token accounting block of a completion.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens"`
}

// Metadata carries provenance for a completion.
type Metadata struct {
	Model             string  `json:"model"`
	ProviderRequestID string  `json:"provider_request_id,omitempty"`
	LatencyMS         float64 `json:"latency_ms"`
	TraceID           string  `json:"trace_id"`
}

// CompletionResult is the normalized response every provider reduces to.
type CompletionResult struct {
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
	Metadata  Metadata   `json:"metadata"`
}

// rawResponse mirrors the OpenAI-compatible response envelope.
type rawResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message rawMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		ReasoningTokens  int64 `json:"reasoning_tokens"`
	} `json:"usage"`
}

type rawMessage struct {
	Content          *string           `json:"content"`
	ReasoningContent string            `json:"reasoning_content"`
	ToolCalls        []json.RawMessage `json:"tool_calls"`
}

// Normalize reduces a raw provider response body to a CompletionResult.
// Malformed tool calls are skipped with a warning, missing usage defaults
// to zero, and reasoning traces are extracted only for openai_compat
// providers (the Kimi/Moonshot reasoning_content convention).
func Normalize(body []byte, providerType, traceID string, latencyMS float64) (*CompletionResult, error) {
	var raw rawResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	result := &CompletionResult{
		Metadata: Metadata{
			Model:             raw.Model,
			ProviderRequestID: raw.ID,
			LatencyMS:         latencyMS,
			TraceID:           traceID,
		},
	}
	if raw.Usage != nil {
		result.Usage = Usage{
			PromptTokens:     raw.Usage.PromptTokens,
			CompletionTokens: raw.Usage.CompletionTokens,
			ReasoningTokens:  raw.Usage.ReasoningTokens,
		}
	} else {
		normLogger.Printf("missing usage field in response, defaulting to 0 (trace %s)", traceID)
	}

	if len(raw.Choices) == 0 {
		return result, nil
	}
	msg := raw.Choices[0].Message

	if msg.Content != nil {
		result.Content = *msg.Content
	}
	if providerType == TypeOpenAICompat && strings.TrimSpace(msg.ReasoningContent) != "" {
		result.Thinking = msg.ReasoningContent
	}
	result.ToolCalls = extractToolCalls(msg.ToolCalls)
	return result, nil
}

// extractToolCalls normalizes the tool_calls array, skipping entries with no
// function name and synthesizing stable ids for entries that lack one.
func extractToolCalls(rawCalls []json.RawMessage) []ToolCall {
	if len(rawCalls) == 0 {
		return nil
	}
	var out []ToolCall
	for _, rc := range rawCalls {
		var call struct {
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		}
		if err := json.Unmarshal(rc, &call); err != nil {
			normLogger.Printf("skipping malformed tool_call: %v", err)
			continue
		}
		if call.Function.Name == "" {
			normLogger.Print("skipping tool_call with missing function name")
			continue
		}
		id := call.ID
		if id == "" {
			sum := md5.Sum(rc)
			id = "call_" + hex.EncodeToString(sum[:])[:8]
		}
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out = append(out, ToolCall{
			ID:   id,
			Type: "function",
			Function: ToolFunction{
				Name:      call.Function.Name,
				Arguments: args,
			},
		})
	}
	return out
}
