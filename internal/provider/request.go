package provider

import "encoding/json"

// Message is one turn in the canonical conversation format.
type Message struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Text builds a plain content message.
func Text(role, content string) Message {
	return Message{Role: role, Content: &content}
}

// ToolCall is a normalized function invocation request from the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction carries the function name and its raw JSON arguments.
type ToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Options are the sampling and control knobs forwarded upstream.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	ToolChoice  string   `json:"tool_choice,omitempty"`
}

// Request is a completion request against a resolved model.
type Request struct {
	Model    string            `json:"model"`
	Messages []Message         `json:"messages"`
	Tools    []json.RawMessage `json:"tools,omitempty"`
	Options  Options           `json:"options"`
}

// BuildOpenAIBody converts a Request into the OpenAI chat-completions wire
// body. Assistant turns with null content (tool-call turns) omit the content
// field entirely; other roles get an empty string.
func BuildOpenAIBody(req Request) map[string]interface{} {
	body := map[string]interface{}{
		"model":    req.Model,
		"messages": convertMessages(req.Messages),
	}

	opts := req.Options
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if opts.MaxTokens != nil {
		body["max_tokens"] = *opts.MaxTokens
	}
	if len(opts.Stop) > 0 {
		body["stop"] = opts.Stop
	}

	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		if opts.ToolChoice != "" {
			body["tool_choice"] = opts.ToolChoice
		}
	}
	return body
}

func convertMessages(messages []Message) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		converted := map[string]interface{}{"role": m.Role}
		switch {
		case m.Content != nil:
			converted["content"] = *m.Content
		case m.Role == "assistant":
			// tool-call turn, content stays absent
		default:
			converted["content"] = ""
		}
		if len(m.ToolCalls) > 0 {
			converted["tool_calls"] = m.ToolCalls
		}
		if m.ToolCallID != "" {
			converted["tool_call_id"] = m.ToolCallID
		}
		if m.Name != "" {
			converted["name"] = m.Name
		}
		out = append(out, converted)
	}
	return out
}
