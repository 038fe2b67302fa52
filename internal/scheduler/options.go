package scheduler

import (
	"time"

	"github.com/iambrandonn/arbor/internal/registry"
	"github.com/iambrandonn/arbor/internal/sandbox"
)

// Options bounds the per-task algorithm
type Options struct {
	// MaxBlockingQuestions caps the blocking-question loop
	MaxBlockingQuestions int
	// MaxSubquestions caps fan-out regardless of what the oracle proposes
	MaxSubquestions int
	// MaxIterations caps Respond calls in one primary-execution pass
	MaxIterations int
	// MaxDepth stops subquestion generation for tasks this far below the root
	MaxDepth int
	// QueryTimeout resolves unanswered human queries as absent; zero waits forever
	QueryTimeout time.Duration
	// RecentSnapshots sizes the cache of finished tasks
	RecentSnapshots int
	// Sandbox enables the run_script tool when non-nil
	Sandbox *sandbox.Config
}

// DefaultOptions returns the standard bounds
func DefaultOptions() Options {
	return Options{
		MaxBlockingQuestions: 3,
		MaxSubquestions:      4,
		MaxIterations:        8,
		MaxDepth:             2,
		RecentSnapshots:      registry.DefaultRecentSize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxBlockingQuestions <= 0 {
		o.MaxBlockingQuestions = d.MaxBlockingQuestions
	}
	if o.MaxSubquestions <= 0 {
		o.MaxSubquestions = d.MaxSubquestions
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.MaxDepth < 0 {
		o.MaxDepth = 0
	}
	if o.RecentSnapshots <= 0 {
		o.RecentSnapshots = d.RecentSnapshots
	}
	return o
}
