// Package provider holds the provider-type registry and the OpenAI-compatible
// HTTP invoker: request building, retry with backoff, and normalization of
// upstream responses into the gateway's CompletionResult shape.
package provider

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Supported provider types.
const (
	TypeOpenAI       = "openai"
	TypeOpenAICompat = "openai_compat"
	TypeAnthropic    = "anthropic"
)

// Defaults is the per-type default configuration: endpoint paths, auth
// style, and timeouts.
type Defaults struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TotalTimeout   time.Duration
	HealthPath     string
	ChatPath       string
	AuthHeader     string
	AuthPrefix     string
	ExtraHeaders   map[string]string
}

func baseDefaults() Defaults {
	return Defaults{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    60 * time.Second,
		TotalTimeout:   300 * time.Second,
		HealthPath:     "/models",
		ChatPath:       "/chat/completions",
		AuthHeader:     "Authorization",
		AuthPrefix:     "Bearer",
	}
}

var providerDefaults = map[string]Defaults{
	TypeOpenAI:       baseDefaults(),
	TypeOpenAICompat: baseDefaults(),
	TypeAnthropic: func() Defaults {
		d := baseDefaults()
		d.HealthPath = "/messages"
		d.ChatPath = "/messages"
		d.AuthHeader = "x-api-key"
		d.AuthPrefix = ""
		d.ExtraHeaders = map[string]string{"anthropic-version": "2023-06-01"}
		return d
	}(),
}

// SupportedTypes returns the known provider types in sorted order.
func SupportedTypes() []string {
	out := make([]string, 0, len(providerDefaults))
	for t := range providerDefaults {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// IsSupportedType reports whether t names a known provider type.
func IsSupportedType(t string) bool {
	_, ok := providerDefaults[t]
	return ok
}

// GetDefaults returns the defaults for a provider type, falling back to the
// OpenAI shape for unknown types.
func GetDefaults(providerType string) Defaults {
	if d, ok := providerDefaults[providerType]; ok {
		return d
	}
	return baseDefaults()
}

// Config is one configured upstream provider instance.
type Config struct {
	Name    string
	Type    string
	BaseURL string
	APIKey  string

	// Zero values take the type defaults.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TotalTimeout   time.Duration
}

// Validate returns every problem with the config; an empty slice means valid.
func (c Config) Validate() []string {
	var errs []string
	if c.Name == "" {
		errs = append(errs, "provider 'name' is required")
	}
	if c.BaseURL == "" {
		errs = append(errs, "provider 'base_url' is required")
	}
	if c.APIKey == "" {
		errs = append(errs, "provider 'api_key' is required")
	}
	ptype := c.Type
	if ptype == "" {
		ptype = TypeOpenAI
	}
	if !IsSupportedType(ptype) {
		errs = append(errs, fmt.Sprintf("unknown provider type %q, supported: %v", ptype, SupportedTypes()))
	}
	return errs
}

// AuthHeaders builds the request headers for this provider, honoring the
// Bearer vs x-api-key split per type.
func (c Config) AuthHeaders() map[string]string {
	d := GetDefaults(c.Type)
	headers := map[string]string{
		"Content-Type": "application/json",
	}
	if d.AuthPrefix != "" {
		headers[d.AuthHeader] = d.AuthPrefix + " " + c.APIKey
	} else {
		headers[d.AuthHeader] = c.APIKey
	}
	for k, v := range d.ExtraHeaders {
		headers[k] = v
	}
	return headers
}

// ChatURL resolves the chat completions endpoint for this provider.
func (c Config) ChatURL() string {
	return strings.TrimRight(c.BaseURL, "/") + GetDefaults(c.Type).ChatPath
}

// HealthURL resolves the endpoint probed by the health checker.
func (c Config) HealthURL() string {
	return strings.TrimRight(c.BaseURL, "/") + GetDefaults(c.Type).HealthPath
}

// EstimateTokens is the best-effort heuristic used for rate-limit
// acquisition: roughly 3.5 characters per token, conservative for English.
func EstimateTokens(text string) int {
	return int(float64(len(text)) / 3.5)
}

// EstimateMessageTokens sums the heuristic over message contents.
func EstimateMessageTokens(messages []Message) int {
	var b strings.Builder
	for _, m := range messages {
		if m.Content != nil {
			b.WriteString(*m.Content)
		}
	}
	return EstimateTokens(b.String())
}
