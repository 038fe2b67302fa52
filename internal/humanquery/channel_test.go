package humanquery

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/arbor/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitPending blocks until the agent has an outstanding query
func waitPending(t *testing.T, c *Channel, agentID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.lookup(agentID) != nil
	}, 2*time.Second, 5*time.Millisecond)
}

type askResult struct {
	answer string
	ok     bool
	err    error
}

func askAsync(c *Channel, ctx context.Context, agentID, prompt string) <-chan askResult {
	out := make(chan askResult, 1)
	go func() {
		a, ok, err := c.Ask(ctx, agentID, prompt)
		out <- askResult{a, ok, err}
	}()
	return out
}

func TestAskRespond(t *testing.T) {
	var mu sync.Mutex
	var emitted []events.Event
	sink := events.SinkFunc(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		emitted = append(emitted, e)
	})
	c := New(sink, 0, testLogger())

	res := askAsync(c, context.Background(), "t-1", "Clarify: what?")
	waitPending(t, c, "t-1")

	pending := c.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "Clarify: what?", pending[0].Prompt)

	assert.True(t, c.Respond("t-1", "this"))

	r := <-res
	require.NoError(t, r.err)
	assert.True(t, r.ok)
	assert.Equal(t, "this", r.answer)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, emitted, 1)
	assert.Equal(t, events.KindHumanQuery, emitted[0].Kind)
	assert.Equal(t, "t-1", emitted[0].TaskID)
	assert.Empty(t, c.Pending())
}

func TestCancelResolvesAbsent(t *testing.T) {
	c := New(nil, 0, testLogger())
	res := askAsync(c, context.Background(), "t-1", "q")
	waitPending(t, c, "t-1")

	assert.True(t, c.Cancel("t-1"))
	r := <-res
	require.NoError(t, r.err)
	assert.False(t, r.ok)
	assert.Empty(t, r.answer)
}

func TestDoubleResolutionIsNoop(t *testing.T) {
	c := New(nil, 0, testLogger())
	res := askAsync(c, context.Background(), "t-1", "q")
	waitPending(t, c, "t-1")

	assert.True(t, c.Respond("t-1", "first"))
	assert.False(t, c.Respond("t-1", "second"))
	assert.False(t, c.Cancel("t-1"))

	r := <-res
	assert.True(t, r.ok)
	assert.Equal(t, "first", r.answer)

	// after the waiter returned there is nothing left to resolve
	assert.False(t, c.Respond("t-1", "late"))
	assert.False(t, c.Decline("t-1"))
}

func TestRespondAndCancelRace(t *testing.T) {
	for i := 0; i < 100; i++ {
		c := New(nil, 0, testLogger())
		res := askAsync(c, context.Background(), "t-1", "q")
		waitPending(t, c, "t-1")

		var wg sync.WaitGroup
		var resolved [2]bool
		wg.Add(2)
		go func() { defer wg.Done(); resolved[0] = c.Respond("t-1", "yes") }()
		go func() { defer wg.Done(); resolved[1] = c.Cancel("t-1") }()
		wg.Wait()

		assert.NotEqual(t, resolved[0], resolved[1], "exactly one resolution must win")
		r := <-res
		assert.Equal(t, resolved[0], r.ok)
	}
}

func TestOnePendingQueryPerAgent(t *testing.T) {
	c := New(nil, 0, testLogger())
	res := askAsync(c, context.Background(), "t-1", "q1")
	waitPending(t, c, "t-1")

	_, _, err := c.Ask(context.Background(), "t-1", "q2")
	assert.ErrorIs(t, err, ErrQueryPending)

	c.Decline("t-1")
	r := <-res
	assert.False(t, r.ok)
}

func TestTimeoutIsAbsent(t *testing.T) {
	c := New(nil, 20*time.Millisecond, testLogger())
	answer, ok, err := c.Ask(context.Background(), "t-1", "q")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, answer)
	assert.Empty(t, c.Pending())
}

func TestContextCancelIsAbsent(t *testing.T) {
	c := New(nil, 0, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	res := askAsync(c, ctx, "t-1", "q")
	waitPending(t, c, "t-1")

	cancel()
	r := <-res
	require.NoError(t, r.err)
	assert.False(t, r.ok)
}

func TestCancelAll(t *testing.T) {
	c := New(nil, 0, testLogger())
	a := askAsync(c, context.Background(), "a", "q")
	b := askAsync(c, context.Background(), "b", "q")
	waitPending(t, c, "a")
	waitPending(t, c, "b")

	assert.Equal(t, 2, c.CancelAll())
	assert.False(t, (<-a).ok)
	assert.False(t, (<-b).ok)
	assert.Equal(t, 0, c.CancelAll())
}

func TestAskUnlessAbortedResolvesAbsent(t *testing.T) {
	var emitted int
	sink := events.SinkFunc(func(e events.Event) { emitted++ })
	c := New(sink, 0, testLogger())

	answer, ok, err := c.AskUnless(context.Background(), "t-1", "Clarify?", func() bool { return true })
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, answer)
	assert.Zero(t, emitted)
	assert.Empty(t, c.Pending())

	// the agent can ask again afterwards
	res := make(chan askResult, 1)
	go func() {
		a, ok, err := c.AskUnless(context.Background(), "t-1", "again", func() bool { return false })
		res <- askResult{a, ok, err}
	}()
	waitPending(t, c, "t-1")
	require.True(t, c.Respond("t-1", "yes"))
	r := <-res
	require.NoError(t, r.err)
	assert.True(t, r.ok)
	assert.Equal(t, "yes", r.answer)
}
