package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToTypeAndWildcard(t *testing.T) {
	b := NewBus()
	typed := b.Subscribe(TypeGuardDegraded, 4)
	all := b.Subscribe("*", 4)

	b.Emit(TypeGuardDegraded, "guard", "evaluator", map[string]interface{}{"retries": 3})

	select {
	case ev := <-typed:
		assert.Equal(t, "1.0", ev.SpecVersion)
		assert.Equal(t, TypeGuardDegraded, ev.Type)
		assert.Equal(t, "evaluator", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("typed subscriber got nothing")
	}

	select {
	case ev := <-all:
		assert.Equal(t, TypeGuardDegraded, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber got nothing")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TypeBudgetWarning, 1)

	// Second emit must not block even though nobody drains.
	done := make(chan struct{})
	go func() {
		b.Emit(TypeBudgetWarning, "budget", "acct", nil)
		b.Emit(TypeBudgetWarning, "budget", "acct", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestCloudEventJSON(t *testing.T) {
	ev := NewCloudEvent(TypeCircuitOpened, "health", "openai:gpt-4o", map[string]interface{}{"failures": 5})
	raw, err := ev.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"specversion":"1.0"`)
	assert.Contains(t, string(raw), TypeCircuitOpened)
}
