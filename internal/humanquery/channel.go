// Package humanquery implements the per-task suspension point used to ask a
// person a question mid-execution.
package humanquery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/iambrandonn/arbor/internal/events"
)

// ErrQueryPending is returned by Ask when the agent already has an outstanding query
var ErrQueryPending = errors.New("humanquery: query already pending for agent")

// Query is an outstanding prompt awaiting a response
type Query struct {
	AgentID string    `json:"agent_id"`
	Prompt  string    `json:"prompt"`
	AskedAt time.Time `json:"asked_at"`
}

type reply struct {
	answer string
	ok     bool
}

type pending struct {
	query Query
	once  sync.Once
	done  chan reply
}

func (p *pending) resolve(r reply) bool {
	resolved := false
	p.once.Do(func() {
		p.done <- r
		resolved = true
	})
	return resolved
}

// Channel is a map of one-shot handoffs keyed by agent id
type Channel struct {
	sink    events.Sink
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pending
}

// New creates a channel publishing prompts to sink. A zero timeout waits forever.
func New(sink events.Sink, timeout time.Duration, logger *slog.Logger) *Channel {
	if sink == nil {
		sink = events.Discard
	}
	return &Channel{
		sink:    sink,
		logger:  logger,
		timeout: timeout,
		pending: make(map[string]*pending),
	}
}

// Ask publishes prompt and blocks until an answer, a decline, a cancellation,
// the timeout, or ctx is done. ok is false whenever no answer was given.
func (c *Channel) Ask(ctx context.Context, agentID, prompt string) (string, bool, error) {
	return c.AskUnless(ctx, agentID, prompt, nil)
}

// AskUnless is Ask with an abort check evaluated once the query is
// registered. A caller that flags abort and then calls Cancel can never leave
// the query pending: either Cancel finds it or abort reports true.
func (c *Channel) AskUnless(ctx context.Context, agentID, prompt string, abort func() bool) (string, bool, error) {
	p := &pending{
		query: Query{AgentID: agentID, Prompt: prompt, AskedAt: time.Now().UTC()},
		done:  make(chan reply, 1),
	}

	c.mu.Lock()
	if _, exists := c.pending[agentID]; exists {
		c.mu.Unlock()
		return "", false, fmt.Errorf("%w: %s", ErrQueryPending, agentID)
	}
	c.pending[agentID] = p
	c.mu.Unlock()

	defer c.forget(agentID, p)

	if abort != nil && abort() {
		c.logger.Info("human query aborted before publishing", "task_id", agentID)
		p.resolve(reply{})
		r := <-p.done
		return r.answer, r.ok, nil
	}

	c.logger.Info("asking human", "task_id", agentID, "prompt", prompt)
	c.sink.Emit(events.HumanQuery(agentID, prompt))

	var timeoutCh <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-p.done:
		return r.answer, r.ok, nil
	case <-timeoutCh:
		c.logger.Warn("human query timed out", "task_id", agentID, "timeout", c.timeout)
	case <-ctx.Done():
		c.logger.Info("human query abandoned", "task_id", agentID, "error", ctx.Err())
	}

	// A responder may have won the race with the timeout; prefer its answer.
	if p.resolve(reply{}) {
		return "", false, nil
	}
	r := <-p.done
	return r.answer, r.ok, nil
}

func (c *Channel) forget(agentID string, p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[agentID] == p {
		delete(c.pending, agentID)
	}
}

func (c *Channel) lookup(agentID string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[agentID]
}

// Respond delivers an answer. It returns false if nothing was waiting or the
// query had already been resolved.
func (c *Channel) Respond(agentID, answer string) bool {
	p := c.lookup(agentID)
	if p == nil {
		return false
	}
	ok := p.resolve(reply{answer: answer, ok: true})
	if ok {
		c.logger.Info("human answered", "task_id", agentID)
	}
	return ok
}

// Decline resolves the query with an absent answer on behalf of the responder
func (c *Channel) Decline(agentID string) bool {
	p := c.lookup(agentID)
	if p == nil {
		return false
	}
	return p.resolve(reply{})
}

// Cancel resolves the query as absent on behalf of the channel owner
func (c *Channel) Cancel(agentID string) bool {
	p := c.lookup(agentID)
	if p == nil {
		return false
	}
	ok := p.resolve(reply{})
	if ok {
		c.logger.Info("human query cancelled", "task_id", agentID)
	}
	return ok
}

// CancelAll resolves every outstanding query as absent and returns how many
// were cancelled
func (c *Channel) CancelAll() int {
	c.mu.Lock()
	all := make([]*pending, 0, len(c.pending))
	for _, p := range c.pending {
		all = append(all, p)
	}
	c.mu.Unlock()

	n := 0
	for _, p := range all {
		if p.resolve(reply{}) {
			n++
		}
	}
	if n > 0 {
		c.logger.Info("cancelled pending human queries", "count", n)
	}
	return n
}

// Pending lists outstanding queries, oldest first
func (c *Channel) Pending() []Query {
	c.mu.Lock()
	out := make([]Query, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.query)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AskedAt.Before(out[j].AskedAt) })
	return out
}
