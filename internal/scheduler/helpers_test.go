package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/arbor/internal/events"
	"github.com/iambrandonn/arbor/internal/scheduler"
	"github.com/iambrandonn/arbor/internal/task"
)

// recorder keeps every event and optionally reacts to each one on the
// emitting goroutine
type recorder struct {
	mu      sync.Mutex
	events  []events.Event
	onEvent func(events.Event)
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	hook := r.onEvent
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *recorder) statuses(taskID string) []task.Status {
	var out []task.Status
	for _, e := range r.all() {
		if e.Kind == events.KindStateChanged && e.TaskID == taskID {
			out = append(out, e.State.Status)
		}
	}
	return out
}

func (r *recorder) tokens(taskID string) []string {
	var out []string
	for _, e := range r.all() {
		if e.Kind == events.KindOutputToken && e.TaskID == taskID {
			out = append(out, e.Text)
		}
	}
	return out
}

func (r *recorder) count(kind events.Kind) int {
	n := 0
	for _, e := range r.all() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// children returns the latest snapshot of every task whose parent is parentID
func (r *recorder) children(parentID string) map[string]task.Snapshot {
	out := make(map[string]task.Snapshot)
	for _, e := range r.all() {
		if e.Kind == events.KindStateChanged && e.State.ParentID == parentID {
			out[e.TaskID] = *e.State
		}
	}
	return out
}

func (r *recorder) taskWithContent(content string) (task.Snapshot, bool) {
	var snap task.Snapshot
	found := false
	for _, e := range r.all() {
		if e.Kind == events.KindStateChanged && e.State.Content == content {
			snap, found = *e.State, true
		}
	}
	return snap, found
}

// assertLegalTransitions checks every task's emitted status sequence against
// the state machine
func assertLegalTransitions(t *testing.T, rec *recorder) {
	t.Helper()
	seqs := make(map[string][]task.Status)
	for _, e := range rec.all() {
		if e.Kind == events.KindStateChanged {
			seqs[e.TaskID] = append(seqs[e.TaskID], e.State.Status)
		}
	}
	for id, seq := range seqs {
		require.Equal(t, task.StatusRunning, seq[0], "task %s must start running", id)
		for i := 1; i < len(seq); i++ {
			from, to := seq[i-1], seq[i]
			if from == to {
				continue
			}
			require.True(t, task.CanTransition(from, to), "task %s: illegal %s -> %s in %v", id, from, to, seq)
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newOrchestrator(t *testing.T, oracle scheduler.Oracle, opts scheduler.Options, rec *recorder) *scheduler.Orchestrator {
	t.Helper()
	o, err := scheduler.New(opts, oracle, rec, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func runCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func words(n int, word string) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}
