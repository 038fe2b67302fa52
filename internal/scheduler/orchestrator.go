// Package scheduler drives trees of agent tasks: each task runs on its own
// goroutine through clarification, blocking questions, fan-out, primary
// execution, join and summarization.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/iambrandonn/arbor/internal/events"
	"github.com/iambrandonn/arbor/internal/humanquery"
	"github.com/iambrandonn/arbor/internal/registry"
	"github.com/iambrandonn/arbor/internal/task"
	"github.com/iambrandonn/arbor/internal/tools"
)

var (
	// ErrUnknownTask is returned for commands naming a task that is not live
	ErrUnknownTask = errors.New("scheduler: unknown task")
	// ErrUnknownWorkflow is returned by Wait for ids Start never returned
	ErrUnknownWorkflow = errors.New("scheduler: unknown workflow")
	// ErrInvalidIntervention rejects status overrides other than deleted or modified
	ErrInvalidIntervention = errors.New("scheduler: invalid intervention")
	// ErrClosed is returned by Start after Close
	ErrClosed = errors.New("scheduler: orchestrator closed")
)

// Orchestrator owns every live task and the workflows they belong to
type Orchestrator struct {
	opts    Options
	oracle  Oracle
	sink    events.Sink
	logger  *slog.Logger
	reg     *registry.Registry
	queries *humanquery.Channel
	tools   *tools.Registry
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	workflows map[string]*workflow
	// runs holds live task goroutines by task id
	runs   map[string]*run
	closed bool
}

// New creates an orchestrator. Events for every task go to sink.
func New(opts Options, oracle Oracle, sink events.Sink, logger *slog.Logger) (*Orchestrator, error) {
	if oracle == nil {
		return nil, fmt.Errorf("scheduler: oracle is required")
	}
	if sink == nil {
		sink = events.Discard
	}
	opts = opts.withDefaults()

	reg, err := registry.New(opts.RecentSnapshots, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:      opts,
		oracle:    oracle,
		sink:      sink,
		logger:    logger,
		reg:       reg,
		queries:   humanquery.New(sink, opts.QueryTimeout, logger),
		tools:     tools.NewRegistry(logger),
		ctx:       ctx,
		cancel:    cancel,
		workflows: make(map[string]*workflow),
		runs:      make(map[string]*run),
	}, nil
}

// SetTools replaces the tool set offered to every task
func (o *Orchestrator) SetTools(r *tools.Registry) {
	o.tools = r
}

// SetMetrics enables Prometheus instrumentation
func (o *Orchestrator) SetMetrics(m *Metrics) {
	o.metrics = m
}

// Start registers a root task for goal and runs it in the background. The
// returned id names both the root task and its workflow.
func (o *Orchestrator) Start(ctx context.Context, goal string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	id := newTaskID()
	wf := newWorkflow(o.ctx, id)
	o.workflows[id] = wf
	o.mu.Unlock()

	history := []task.Message{{Role: task.RoleUser, Content: goal}}
	if _, err := o.spawn(wf, nil, id, goal, history, goal, OriginRoot); err != nil {
		o.mu.Lock()
		delete(o.workflows, id)
		o.mu.Unlock()
		wf.cancel()
		return "", err
	}

	go o.watch(wf)
	o.logger.Info("workflow started", "workflow_id", id)
	return id, nil
}

// watch emits workflow_finished once the root and every descendant are
// terminal, then drops the workflow. Later Waits answer from the root's
// retired snapshot.
func (o *Orchestrator) watch(wf *workflow) {
	wf.tasks.Wait()
	wf.cancel()
	o.sink.Emit(events.WorkflowFinished(wf.id, wf.id))
	o.logger.Info("workflow finished", "workflow_id", wf.id)

	o.mu.Lock()
	delete(o.workflows, wf.id)
	o.mu.Unlock()
	close(wf.done)
}

// Wait blocks until every task of the workflow is terminal and returns the
// root outcome. Finished workflows are answered while the root is still
// among the recent snapshots.
func (o *Orchestrator) Wait(ctx context.Context, workflowID string) (task.Outcome, error) {
	o.mu.Lock()
	wf, ok := o.workflows[workflowID]
	o.mu.Unlock()
	if !ok {
		snap, found := o.reg.Lookup(workflowID)
		if found && snap.ParentID == "" && snap.Status.IsTerminal() {
			return task.OutcomeOf(snap), nil
		}
		return task.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}

	select {
	case <-wf.done:
		return wf.root.outcome(), nil
	case <-ctx.Done():
		return task.Outcome{}, ctx.Err()
	}
}

// Run starts a workflow for goal and waits for it to finish
func (o *Orchestrator) Run(ctx context.Context, goal string) (task.Outcome, error) {
	id, err := o.Start(ctx, goal)
	if err != nil {
		return task.Outcome{}, err
	}
	return o.Wait(ctx, id)
}

// AnswerQuery resolves the pending human query of a task. A nil answer is an
// explicit decline. It reports whether a query was pending.
func (o *Orchestrator) AnswerQuery(taskID string, answer *string) bool {
	if answer == nil {
		return o.queries.Decline(taskID)
	}
	return o.queries.Respond(taskID, *answer)
}

// PendingQueries lists outstanding human queries, oldest first
func (o *Orchestrator) PendingQueries() []humanquery.Query {
	return o.queries.Pending()
}

// CancelQueries resolves every pending query as absent
func (o *Orchestrator) CancelQueries() int {
	return o.queries.CancelAll()
}

// Intervention is an external command against a live task. Fields left at
// their zero value are not changed.
type Intervention struct {
	Comment *task.Comment  `json:"comment,omitempty"`
	Content *string        `json:"content,omitempty"`
	History []task.Message `json:"history,omitempty"`
	// Status may only be deleted or modified
	Status task.Status `json:"status,omitempty"`
}

// Intervene applies an intervention. Delete and modify take effect at the
// task's next checkpoint; a suspended task is woken immediately.
func (o *Orchestrator) Intervene(taskID string, iv Intervention) error {
	switch iv.Status {
	case "", task.StatusDeleted, task.StatusModified:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidIntervention, iv.Status)
	}

	t, ok := o.reg.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	kind := task.CommentUnchanged
	if iv.Comment != nil {
		kind = iv.Comment.Kind
	}
	logger := o.logger.With("task_id", taskID)

	switch {
	case iv.Status == task.StatusDeleted || kind == task.CommentDelete:
		t.SetComment(task.Delete())
		if r := o.runOf(taskID); r != nil {
			r.interrupt()
		}
		if o.queries.Cancel(taskID) {
			logger.Info("cancelled pending query for deleted task")
		}
		logger.Info("delete requested")
	case iv.Status == task.StatusModified || kind == task.CommentModify || iv.Content != nil || iv.History != nil:
		t.RequestModify(iv.Content, iv.History)
		logger.Info("modify requested", "content_override", iv.Content != nil, "history_override", iv.History != nil)
	case iv.Comment != nil:
		t.SetComment(*iv.Comment)
		logger.Info("comment set", "comment", iv.Comment.String())
	default:
		return nil
	}

	o.sink.Emit(events.StateChanged(o.workflowOf(taskID), t.Snapshot()))
	return nil
}

// Tree returns snapshots of all live tasks keyed by id
func (o *Orchestrator) Tree() map[string]task.Snapshot {
	return o.reg.Snapshot()
}

// Lookup returns a live or recently finished task
func (o *Orchestrator) Lookup(taskID string) (task.Snapshot, bool) {
	return o.reg.Lookup(taskID)
}

// Close cancels every workflow and pending query, then waits for all task
// goroutines to return
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	wfs := make([]*workflow, 0, len(o.workflows))
	for _, wf := range o.workflows {
		wfs = append(wfs, wf)
	}
	o.mu.Unlock()

	o.cancel()
	o.queries.CancelAll()
	for _, wf := range wfs {
		<-wf.done
	}
	return nil
}

func (o *Orchestrator) runOf(taskID string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[taskID]
}

func (o *Orchestrator) workflowOf(taskID string) string {
	if r := o.runOf(taskID); r != nil {
		return r.wf.id
	}
	return ""
}

func newTaskID() string {
	return uuid.NewString()
}

func (o *Orchestrator) emitState(wfID string, t *task.Task) {
	o.sink.Emit(events.StateChanged(wfID, t.Snapshot()))
}
