package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(threshold int, cooldown time.Duration) *Tracker {
	return NewTracker(Config{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		MaxCooldown:      time.Minute,
	})
}

func TestClosedToOpenAfterThreshold(t *testing.T) {
	tr := newTestTracker(3, time.Minute)

	tr.RecordFailure("openai", "gpt-4o", errors.New("boom"))
	tr.RecordFailure("openai", "gpt-4o", errors.New("boom"))
	assert.True(t, tr.IsHealthy("openai", "gpt-4o"))

	tr.RecordFailure("openai", "gpt-4o", errors.New("boom"))
	assert.False(t, tr.IsHealthy("openai", "gpt-4o"))
	assert.Equal(t, StateOpen, tr.StateOf("openai", "gpt-4o"))
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	tr := newTestTracker(3, time.Minute)

	tr.RecordFailure("openai", "gpt-4o", errors.New("boom"))
	tr.RecordFailure("openai", "gpt-4o", errors.New("boom"))
	tr.RecordSuccess("openai", "gpt-4o")
	tr.RecordFailure("openai", "gpt-4o", errors.New("boom"))
	tr.RecordFailure("openai", "gpt-4o", errors.New("boom"))

	// Counter was reset; only 2 consecutive failures since the success.
	assert.True(t, tr.IsHealthy("openai", "gpt-4o"))
}

func TestOpenToHalfOpenAfterCooldown(t *testing.T) {
	tr := newTestTracker(1, 10*time.Millisecond)
	tr.RecordFailure("p", "m", errors.New("boom"))
	require.Equal(t, StateOpen, tr.StateOf("p", "m"))

	// Fake cooldown expiry.
	tr.now = func() time.Time { return time.Now().Add(time.Second) }
	assert.Equal(t, StateHalfOpen, tr.StateOf("p", "m"))
	assert.True(t, tr.IsHealthy("p", "m"))
}

func TestHalfOpenSuccessClosesAndResetsCooldown(t *testing.T) {
	tr := newTestTracker(1, 10*time.Millisecond)
	tr.RecordFailure("p", "m", errors.New("boom"))
	tr.now = func() time.Time { return time.Now().Add(time.Second) }
	require.Equal(t, StateHalfOpen, tr.StateOf("p", "m"))

	tr.RecordSuccess("p", "m")
	assert.Equal(t, StateClosed, tr.StateOf("p", "m"))
}

func TestHalfOpenFailureReopensWithLongerCooldown(t *testing.T) {
	tr := newTestTracker(1, 10*time.Millisecond)
	tr.RecordFailure("p", "m", errors.New("boom"))
	tr.now = func() time.Time { return time.Now().Add(time.Second) }
	require.Equal(t, StateHalfOpen, tr.StateOf("p", "m"))

	tr.RecordFailure("p", "m", errors.New("boom"))
	assert.Equal(t, StateOpen, tr.StateOf("p", "m"))

	tr.mu.Lock()
	cooldown := tr.states[Key("p", "m")].cooldown
	tr.mu.Unlock()
	assert.Equal(t, 20*time.Millisecond, cooldown)
}

func TestIsHealthFailureClassification(t *testing.T) {
	assert.False(t, IsHealthFailure(nil))
	assert.True(t, IsHealthFailure(&StatusError{StatusCode: 500, Message: "err"}))
	assert.True(t, IsHealthFailure(&StatusError{StatusCode: 503, Message: "err"}))
	assert.False(t, IsHealthFailure(&StatusError{StatusCode: 400, Message: "err"}))
	assert.False(t, IsHealthFailure(&StatusError{StatusCode: 401, Message: "err"}))
	assert.False(t, IsHealthFailure(&StatusError{StatusCode: 403, Message: "err"}))
	assert.False(t, IsHealthFailure(&StatusError{StatusCode: 429, Message: "err"}))
}

func TestSnapshot(t *testing.T) {
	tr := newTestTracker(5, time.Minute)
	tr.RecordFailure("a", "m1", errors.New("boom"))
	tr.RecordSuccess("b", "m2")

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "CLOSED", snap[Key("a", "m1")].State)
	assert.Equal(t, 1, snap[Key("a", "m1")].ConsecutiveFailures)
	assert.Equal(t, uint64(1), snap[Key("b", "m2")].TotalSuccesses)
}

func TestProberRecordsResults(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	tr := newTestTracker(1, time.Minute)
	p := NewProber(tr, []ProbeTarget{{Provider: "p", Model: "m", HealthURL: srv.URL}}, ProberConfig{
		Interval:     time.Hour, // never fires; we drive cycles manually
		ProbeTimeout: time.Second,
	})

	p.runCycle(context.Background())
	assert.Equal(t, StateClosed, tr.StateOf("p", "m"))

	status.Store(http.StatusInternalServerError)
	p.runCycle(context.Background())
	assert.Equal(t, StateOpen, tr.StateOf("p", "m"))
}
