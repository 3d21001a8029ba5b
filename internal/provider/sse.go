package provider

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Event is one Server-Sent Event.
type Event struct {
	Type  string
	Data  string
	ID    string
	Retry int
}

// DecodeSSE parses a buffered event stream per the WHATWG algorithm:
// CRLF/CR line endings normalized to LF, multi-line data fields joined with
// newlines, comment lines skipped, unknown fields ignored, and a trailing
// unterminated event still dispatched.
func DecodeSSE(body []byte) []Event {
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var events []Event
	eventType := "message"
	var dataLines []string
	eventID := ""
	retry := 0

	dispatch := func() {
		if len(dataLines) == 0 {
			return
		}
		events = append(events, Event{
			Type:  eventType,
			Data:  strings.Join(dataLines, "\n"),
			ID:    eventID,
			Retry: retry,
		})
		// id and retry persist across events per spec
		eventType = "message"
		dataLines = nil
	}

	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			dispatch()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := line, ""
		if i := strings.Index(line, ":"); i >= 0 {
			field, value = line[:i], line[i+1:]
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "event":
			eventType = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			if !strings.ContainsRune(value, 0) {
				eventID = value
			}
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				retry = n
			}
		}
	}
	dispatch()
	return events
}

// sseDone is the OpenAI-style stream terminator.
const sseDone = "[DONE]"

// rawChunk mirrors one streamed completion delta.
type rawChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		ReasoningTokens  int64 `json:"reasoning_tokens"`
	} `json:"usage"`
}

// AggregateSSE folds a streamed response into the same CompletionResult a
// buffered response normalizes to: content deltas concatenated, tool calls
// merged by index with arguments accumulated, usage taken from the last
// chunk carrying it. Malformed chunks are skipped, matching Normalize's
// tolerance for malformed tool calls.
func AggregateSSE(events []Event, providerType, traceID string, latencyMS float64) *CompletionResult {
	result := &CompletionResult{
		Metadata: Metadata{LatencyMS: latencyMS, TraceID: traceID},
	}

	var content, thinking strings.Builder
	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	calls := map[int]*partialCall{}

	for _, ev := range events {
		if strings.TrimSpace(ev.Data) == sseDone {
			break
		}
		var chunk rawChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			normLogger.Printf("skipping malformed stream chunk: %v", err)
			continue
		}
		if chunk.Model != "" {
			result.Metadata.Model = chunk.Model
		}
		if chunk.ID != "" {
			result.Metadata.ProviderRequestID = chunk.ID
		}
		if chunk.Usage != nil {
			result.Usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				ReasoningTokens:  chunk.Usage.ReasoningTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		content.WriteString(delta.Content)
		if providerType == TypeOpenAICompat {
			thinking.WriteString(delta.ReasoningContent)
		}
		for _, tc := range delta.ToolCalls {
			pc, ok := calls[tc.Index]
			if !ok {
				pc = &partialCall{}
				calls[tc.Index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
	}

	result.Content = content.String()
	if strings.TrimSpace(thinking.String()) != "" {
		result.Thinking = thinking.String()
	}

	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		pc := calls[i]
		if pc.name == "" {
			normLogger.Print("skipping streamed tool_call with missing function name")
			continue
		}
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		id := pc.id
		if id == "" {
			sum := md5.Sum([]byte(pc.name + args))
			id = "call_" + hex.EncodeToString(sum[:])[:8]
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:       id,
			Type:     "function",
			Function: ToolFunction{Name: pc.name, Arguments: args},
		})
	}
	return result
}
