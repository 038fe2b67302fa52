package scheduler

import (
	"context"
	"sync"

	"github.com/iambrandonn/arbor/internal/task"
)

// workflow groups a root task with all of its descendants. Children run on
// the workflow context rather than their parent's, so a deleted parent never
// stops them.
type workflow struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	// tasks counts task goroutines that have not returned
	tasks sync.WaitGroup
	done  chan struct{}
	root  *future
}

func newWorkflow(parent context.Context, id string) *workflow {
	ctx, cancel := context.WithCancel(parent)
	return &workflow{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// future resolves once with a task's final snapshot
type future struct {
	id   string
	done chan struct{}
	snap task.Snapshot
}

func newFuture(id string) *future {
	return &future{id: id, done: make(chan struct{})}
}

func (f *future) resolve(snap task.Snapshot) {
	f.snap = snap
	close(f.done)
}

// wait blocks for the outcome or until ctx ends
func (f *future) wait(ctx context.Context) (task.Outcome, error) {
	select {
	case <-f.done:
		return task.OutcomeOf(f.snap), nil
	case <-ctx.Done():
		return task.Outcome{}, ctx.Err()
	}
}

func (f *future) outcome() task.Outcome {
	<-f.done
	return task.OutcomeOf(f.snap)
}
