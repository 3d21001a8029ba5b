package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{ items []Item }

func (s *fakeSource) Resolve(context.Context) ([]Item, error) { return s.items, nil }

type fakeMarker struct {
	processed map[string]bool
	// flipAfterInvoke simulates a concurrent run completing between the
	// pre-check and the re-check
	flipAfterInvoke bool
	checks          int
}

func (m *fakeMarker) IsProcessed(_ context.Context, item Item, stateHash string) (bool, error) {
	m.checks++
	if m.flipAfterInvoke && m.checks > 1 {
		return true, nil
	}
	return m.processed[stateHash], nil
}

type fakePoster struct {
	posts []string
	err   error
}

func (p *fakePoster) Post(_ context.Context, item Item, output string) error {
	if p.err != nil {
		return p.err
	}
	p.posts = append(p.posts, output)
	return nil
}

func okInvoke(out string) InvokeFunc {
	return func(context.Context, Item) (string, error) { return out, nil }
}

func item() Item {
	return Item{Repo: "acme/widgets", Number: 42, HeadSHA: "abc123", Title: "Fix race", Body: "details"}
}

func TestStateHashCanonicalFieldsOnly(t *testing.T) {
	a := item()
	b := item()
	assert.Equal(t, a.StateHash(), b.StateHash())

	b.HeadSHA = "def456"
	assert.NotEqual(t, a.StateHash(), b.StateHash())
	assert.NotEqual(t, a.ClaimKey(), b.ClaimKey())
}

func TestHappyPathPostsAndFinalizes(t *testing.T) {
	claims := NewMemClaims()
	poster := &fakePoster{}
	p := New(Config{}, &fakeSource{items: []Item{item()}}, &fakeMarker{}, claims, okInvoke("review text"), poster)

	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Resolved: 1, Posted: 1}, rep)
	require.Len(t, poster.posts, 1)

	state, err := claims.State(context.Background(), item().ClaimKey())
	require.NoError(t, err)
	assert.Equal(t, claimPosted, state)
}

func TestMarkerPrecheckSkips(t *testing.T) {
	marker := &fakeMarker{processed: map[string]bool{item().StateHash(): true}}
	poster := &fakePoster{}
	p := New(Config{}, &fakeSource{items: []Item{item()}}, marker, nil, okInvoke("x"), poster)

	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Resolved: 1, Skipped: 1}, rep)
	assert.Empty(t, poster.posts)
}

func TestConcurrentClaimSkips(t *testing.T) {
	claims := NewMemClaims()
	won, err := claims.Acquire(context.Background(), item().ClaimKey(), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	poster := &fakePoster{}
	p := New(Config{}, &fakeSource{items: []Item{item()}}, &fakeMarker{}, claims, okInvoke("x"), poster)
	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Resolved: 1, Skipped: 1}, rep)
	assert.Empty(t, poster.posts)
}

func TestInvokeFailureLeavesClaimToExpire(t *testing.T) {
	claims := NewMemClaims()
	base := time.Now()
	claims.now = func() time.Time { return base }

	invoke := func(context.Context, Item) (string, error) { return "", errors.New("provider down") }
	poster := &fakePoster{}
	p := New(Config{ClaimTTL: time.Minute}, &fakeSource{items: []Item{item()}}, &fakeMarker{}, claims, invoke, poster)

	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Resolved: 1, Failed: 1}, rep)
	assert.Empty(t, poster.posts)

	// claim still blocks a second run within the TTL
	won, err := claims.Acquire(context.Background(), item().ClaimKey(), time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	// after expiry the work is claimable again
	claims.now = func() time.Time { return base.Add(2 * time.Minute) }
	won, err = claims.Acquire(context.Background(), item().ClaimKey(), time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestMarkerRecheckAbortsPost(t *testing.T) {
	marker := &fakeMarker{flipAfterInvoke: true}
	poster := &fakePoster{}
	p := New(Config{}, &fakeSource{items: []Item{item()}}, marker, nil, okInvoke("x"), poster)

	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Resolved: 1, Skipped: 1}, rep)
	assert.Empty(t, poster.posts)
}

func TestOutputSanitized(t *testing.T) {
	poster := &fakePoster{}
	leaky := "looks fine, but sk-abcdefghijklmnopqrstuvwx appeared in the diff"
	p := New(Config{}, &fakeSource{items: []Item{item()}}, &fakeMarker{}, nil, okInvoke(leaky), poster)

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, poster.posts, 1)
	assert.NotContains(t, poster.posts[0], "sk-abcdefghijklmnop")
}

func TestPostFailureNotFinalized(t *testing.T) {
	claims := NewMemClaims()
	poster := &fakePoster{err: errors.New("403 from downstream")}
	p := New(Config{}, &fakeSource{items: []Item{item()}}, &fakeMarker{}, claims, okInvoke("x"), poster)

	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Resolved: 1, Failed: 1}, rep)

	state, err := claims.State(context.Background(), item().ClaimKey())
	require.NoError(t, err)
	assert.Equal(t, claimInProgress, state)
}

func TestMemClaimsFinalizeHasNoTTL(t *testing.T) {
	claims := NewMemClaims()
	base := time.Now()
	claims.now = func() time.Time { return base }

	ctx := context.Background()
	_, err := claims.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, claims.Finalize(ctx, "k"))

	claims.now = func() time.Time { return base.Add(24 * time.Hour) }
	state, err := claims.State(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, claimPosted, state)

	won, err := claims.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, won, "posted claims never reopen")
}
