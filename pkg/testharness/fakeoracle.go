// Package testharness provides deterministic stand-ins for the orchestrator's
// external collaborators.
package testharness

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/arbor/internal/scheduler"
	"github.com/iambrandonn/arbor/internal/task"
)

// FakeOracle is a scriptable scheduler.Oracle. Every hook is optional; the
// defaults never ask anything, never fan out, echo the task content and
// summarize by concatenation.
type FakeOracle struct {
	Clarify     func(goal string) bool
	Question    func(content string, history []task.Message) string
	Subqs       func(content string, history []task.Message) []string
	Reply       func(req scheduler.RespondRequest, call int) (scheduler.Reply, error)
	SummarizeFn func(content, primary string, outcomes []task.Outcome) (scheduler.Summary, error)

	// TokenDelay is slept before each streamed token
	TokenDelay time.Duration

	mu      sync.Mutex
	calls   map[string]int
	replies map[string]int
}

// NewFakeOracle creates an oracle with default behavior
func NewFakeOracle() *FakeOracle {
	return &FakeOracle{
		calls:   make(map[string]int),
		replies: make(map[string]int),
	}
}

func (f *FakeOracle) record(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
}

// Calls returns how many times a method was invoked
func (f *FakeOracle) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *FakeOracle) NeedsClarification(ctx context.Context, goal string) (bool, error) {
	f.record("NeedsClarification")
	if f.Clarify == nil {
		return false, nil
	}
	return f.Clarify(goal), nil
}

func (f *FakeOracle) BlockingQuestion(ctx context.Context, content string, history []task.Message) (string, error) {
	f.record("BlockingQuestion")
	if f.Question == nil {
		return "", nil
	}
	return f.Question(content, history), nil
}

func (f *FakeOracle) Subquestions(ctx context.Context, content string, history []task.Message) ([]string, error) {
	f.record("Subquestions")
	if f.Subqs == nil {
		return nil, nil
	}
	return f.Subqs(content, history), nil
}

// Respond streams the reply text word by word through onToken
func (f *FakeOracle) Respond(ctx context.Context, req scheduler.RespondRequest, onToken scheduler.TokenFunc) (scheduler.Reply, error) {
	f.record("Respond")

	f.mu.Lock()
	f.replies[req.TaskID]++
	n := f.replies[req.TaskID]
	f.mu.Unlock()

	reply := scheduler.Reply{Text: "answer: " + req.Content}
	if f.Reply != nil {
		var err error
		if reply, err = f.Reply(req, n); err != nil {
			return scheduler.Reply{}, err
		}
	}

	for _, tok := range strings.SplitAfter(reply.Text, " ") {
		if tok == "" {
			continue
		}
		if f.TokenDelay > 0 {
			select {
			case <-time.After(f.TokenDelay):
			case <-ctx.Done():
				return scheduler.Reply{}, ctx.Err()
			}
		}
		if err := onToken(tok); err != nil {
			return scheduler.Reply{}, err
		}
	}
	return reply, nil
}

func (f *FakeOracle) Summarize(ctx context.Context, content, primary string, outcomes []task.Outcome) (scheduler.Summary, error) {
	f.record("Summarize")
	if f.SummarizeFn != nil {
		return f.SummarizeFn(content, primary, outcomes)
	}
	parts := []string{primary}
	for _, o := range outcomes {
		if o.Status == task.StatusCompleted {
			parts = append(parts, o.Result)
		}
	}
	return scheduler.Summary{Text: strings.Join(parts, "\n")}, nil
}

var _ scheduler.Oracle = (*FakeOracle)(nil)
