package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/health"
	"github.com/hounfour/gateway/internal/redact"
)

// Status sets that drive the retry decision. 4xx caller faults never retry;
// throttles and upstream 5xx do.
var (
	nonRetryableStatus = map[int]bool{400: true, 401: true, 403: true, 404: true}

	defaultRetryableStatus = []int{429, 500, 502, 503, 504}
)

// RetryConfig tunes the exponential backoff loop.
type RetryConfig struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	JitterPercent   int
	RetryableStatus []int
}

// DefaultRetry is the standard profile: 3 retries, 1s base doubling to a
// 30s ceiling, ±25% jitter.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		JitterPercent:   25,
		RetryableStatus: defaultRetryableStatus,
	}
}

func (rc RetryConfig) retryable(status int) bool {
	codes := rc.RetryableStatus
	if len(codes) == 0 {
		codes = defaultRetryableStatus
	}
	for _, c := range codes {
		if c == status {
			return true
		}
	}
	return false
}

// delay computes the backoff before attempt n (n >= 1), jittered.
func (rc RetryConfig) delay(attempt int) time.Duration {
	d := rc.BaseDelay << (attempt - 1)
	if rc.MaxDelay > 0 && d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	if rc.JitterPercent > 0 {
		spread := float64(d) * float64(rc.JitterPercent) / 100.0
		d += time.Duration(spread * (rand.Float64()*2 - 1))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Invoker posts completion requests to configured upstreams.
type Invoker struct {
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error // test hook
}

// NewInvoker builds an invoker over the given HTTP client. A nil client gets
// a default with the standard total timeout.
func NewInvoker(client *http.Client) *Invoker {
	if client == nil {
		client = &http.Client{Timeout: baseDefaults().TotalTimeout}
	}
	return &Invoker{client: client, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Invoke sends one completion request with retries and returns the
// normalized result. Errors are classified for the gateway taxonomy and
// wrap a health.StatusError when an upstream status was observed, so the
// circuit breaker can tell 5xx from caller faults.
func (inv *Invoker) Invoke(ctx context.Context, cfg Config, req Request, retry RetryConfig) (*CompletionResult, error) {
	body := BuildOpenAIBody(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, gwerr.CodeWireBoundaryViolation, "marshal request body", err)
	}

	traceID := uuid.NewString()
	url := cfg.ChatURL()
	headers := cfg.AuthHeaders()
	headers["X-Request-ID"] = traceID

	maxRetries := retry.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			metricRetries.WithLabelValues(cfg.Name).Inc()
			if err := inv.sleep(ctx, retry.delay(attempt)); err != nil {
				return nil, gwerr.Wrap(gwerr.KindTransient, gwerr.CodeProviderUnavailable, "request canceled during backoff", err)
			}
		}

		respBody, status, contentType, err := inv.post(ctx, url, headers, payload)
		if err != nil {
			// Transport-level failure: retryable.
			lastErr = gwerr.Wrap(gwerr.KindTransient, gwerr.CodeProviderUnavailable,
				fmt.Sprintf("provider %s unreachable", cfg.Name), err)
			metricRequests.WithLabelValues(cfg.Name, "network_error").Inc()
			continue
		}

		if status == http.StatusOK {
			metricRequests.WithLabelValues(cfg.Name, "ok").Inc()
			latency := float64(time.Since(start)) / float64(time.Millisecond)
			if strings.Contains(contentType, "text/event-stream") {
				return AggregateSSE(DecodeSSE(respBody), cfg.Type, traceID, latency), nil
			}
			result, nerr := Normalize(respBody, cfg.Type, traceID, latency)
			if nerr != nil {
				return nil, gwerr.Wrap(gwerr.KindTransient, gwerr.CodeProviderUnavailable,
					"non-JSON response body: "+redact.SafeErrorBody(string(respBody)), nerr)
			}
			return result, nil
		}

		se := &health.StatusError{
			StatusCode: status,
			Message:    fmt.Sprintf("HTTP %d: %s", status, safeBody(respBody)),
		}
		metricRequests.WithLabelValues(cfg.Name, fmt.Sprintf("http_%d", status)).Inc()

		if nonRetryableStatus[status] || !retry.retryable(status) {
			kind := gwerr.KindTransient
			if status < 500 && status != http.StatusTooManyRequests {
				kind = gwerr.KindPolicy
			}
			return nil, gwerr.Wrap(kind, gwerr.CodeProviderUnavailable, se.Message, se)
		}
		lastErr = gwerr.Wrap(gwerr.KindTransient, gwerr.CodeProviderUnavailable, se.Message, se)
	}

	if lastErr == nil {
		lastErr = gwerr.New(gwerr.KindTransient, gwerr.CodeProviderUnavailable, "all retries exhausted")
	}
	return nil, lastErr
}

// post performs one HTTP round trip and reads the body.
func (inv *Invoker) post(ctx context.Context, url string, headers map[string]string, payload []byte) ([]byte, int, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, "", err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := inv.client.Do(httpReq)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, 0, "", err
	}
	return body, resp.StatusCode, resp.Header.Get("Content-Type"), nil
}

// safeBody extracts the upstream error message without leaking the raw body.
func safeBody(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return redact.SafeErrorBody(envelope.Error.Message)
	}
	return redact.SafeErrorBody(string(body))
}
