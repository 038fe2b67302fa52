package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/arbor/internal/events"
	"github.com/iambrandonn/arbor/internal/sandbox"
	"github.com/iambrandonn/arbor/internal/task"
	"github.com/iambrandonn/arbor/internal/tools"
)

var (
	errTaskDeleted  = errors.New("task deleted by intervention")
	errTaskModified = errors.New("task modified by intervention")
)

const deletedResult = "deleted by user"

// run is the state owned by one task goroutine
type run struct {
	o      *Orchestrator
	wf     *workflow
	t      *task.Task
	fut    *future
	goal   string
	depth  int
	start  time.Time
	logger *slog.Logger

	// deleted is closed when a delete intervention arrives
	deleted    chan struct{}
	deleteOnce sync.Once

	mu       sync.Mutex
	children []*future
}

// spawn registers a task and starts its goroutine. parent is nil for a root.
func (o *Orchestrator) spawn(wf *workflow, parent *run, id, content string, history []task.Message, goal string, origin Origin) (*future, error) {
	parentID, depth := "", 0
	if parent != nil {
		parentID, depth = parent.t.ID(), parent.depth+1
	}

	t := task.New(id, parentID, content, history)
	if err := o.reg.Register(t); err != nil {
		return nil, err
	}

	r := &run{
		o:       o,
		wf:      wf,
		t:       t,
		fut:     newFuture(id),
		goal:    goal,
		depth:   depth,
		start:   time.Now(),
		logger:  o.logger.With("task_id", id, "workflow_id", wf.id),
		deleted: make(chan struct{}),
	}
	o.mu.Lock()
	o.runs[id] = r
	o.mu.Unlock()
	if parent == nil {
		wf.root = r.fut
	} else {
		parent.t.AddChild(id)
		parent.addChild(r.fut)
		o.emitState(wf.id, parent.t)
	}

	o.metrics.taskStarted(origin)
	o.emitState(wf.id, t)
	r.logger.Info("task registered", "parent_id", parentID, "origin", origin, "depth", depth)

	wf.tasks.Add(1)
	go r.execute(wf.ctx)
	return r.fut, nil
}

// interrupt wakes a task blocked in join after a delete
func (r *run) interrupt() {
	r.deleteOnce.Do(func() { close(r.deleted) })
}

func (r *run) addChild(f *future) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children = append(r.children, f)
}

func (r *run) childFutures() []*future {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*future(nil), r.children...)
}

func (r *run) execute(ctx context.Context) {
	defer r.wf.tasks.Done()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked", "panic", p, "stack", string(debug.Stack()))
			r.finish(task.StatusError, fmt.Sprintf("internal error: %v", p))
		}
	}()

	result, err := r.drive(ctx)
	switch {
	case err == nil:
		r.finish(task.StatusCompleted, result)
	case errors.Is(err, errTaskDeleted):
		r.finish(task.StatusDeleted, deletedResult)
	default:
		r.logger.Warn("task failed", "error", err)
		r.finish(task.StatusError, err.Error())
	}
}

// finish records the terminal state, emits the final snapshot, evicts the
// task and resolves its future
func (r *run) finish(status task.Status, result string) {
	if err := r.t.Finish(status, result); err != nil {
		// already terminal, e.g. a panic after finish
		r.logger.Error("failed to finalize task", "status", status, "error", err)
		return
	}

	snap := r.t.Snapshot()
	r.o.sink.Emit(events.StateChanged(r.wf.id, snap))
	r.o.reg.Retire(snap)
	r.o.mu.Lock()
	delete(r.o.runs, r.t.ID())
	r.o.mu.Unlock()
	r.fut.resolve(snap)

	elapsed := time.Since(r.start)
	r.o.metrics.taskFinished(status, elapsed)
	r.logger.Info("task finished", "status", status, "duration", elapsed)
}

// drive runs the task algorithm and returns the final result text
func (r *run) drive(ctx context.Context) (string, error) {
	opts := r.o.opts

	if err := r.checkDeleted(); err != nil {
		return "", err
	}

	// Clarification
	if r.goal != "" {
		needs, err := r.o.oracle.NeedsClarification(ctx, r.goal)
		if err != nil {
			return "", fmt.Errorf("clarification check failed: %w", err)
		}
		if needs {
			answer, ok, err := r.ask(ctx, "Clarify: "+r.goal)
			if err != nil {
				return "", err
			}
			if ok && strings.TrimSpace(answer) != "" {
				r.t.SetContent(r.t.Content() + "\n[clarification: " + answer + "]")
				r.t.AppendHistory(task.Message{Role: task.RoleUser, Content: answer})
			}
		}
		if err := r.checkDeleted(); err != nil {
			return "", err
		}
	}

	// Blocking questions
	for i := 0; i < opts.MaxBlockingQuestions; i++ {
		if err := r.checkDeleted(); err != nil {
			return "", err
		}
		question, err := r.o.oracle.BlockingQuestion(ctx, r.t.Content(), r.t.History())
		if err != nil {
			return "", fmt.Errorf("blocking question failed: %w", err)
		}
		if question == "" {
			break
		}
		answer, ok, err := r.ask(ctx, question)
		if err != nil {
			return "", err
		}
		if !ok {
			r.logger.Info("blocking question unanswered, proceeding")
			break
		}
		r.t.AppendHistory(
			task.Message{Role: task.RoleAssistant, Content: question},
			task.Message{Role: task.RoleUser, Content: answer},
		)
		r.t.SetContent(r.t.Content() + " [answer: " + answer + "]")
	}
	if err := r.checkDeleted(); err != nil {
		return "", err
	}

	// Fan-out runs alongside primary execution
	if r.depth < opts.MaxDepth {
		subqs, err := r.o.oracle.Subquestions(ctx, r.t.Content(), r.t.History())
		if err != nil {
			return "", fmt.Errorf("subquestion generation failed: %w", err)
		}
		if len(subqs) > opts.MaxSubquestions {
			r.logger.Info("truncating subquestions", "proposed", len(subqs), "max", opts.MaxSubquestions)
			subqs = subqs[:opts.MaxSubquestions]
		}
		for _, q := range subqs {
			if _, err := r.spawnChild(q, OriginSubquestion); err != nil {
				return "", err
			}
		}
	}

	primary, err := r.primary(ctx)
	if err != nil {
		return "", err
	}

	outcomes, err := r.join(ctx)
	if err != nil {
		return "", err
	}
	r.recordChildren(outcomes)

	summary, err := r.o.oracle.Summarize(ctx, r.t.Content(), primary, outcomes)
	if err != nil {
		return "", fmt.Errorf("summarization failed: %w", err)
	}
	if !summary.Unresolved {
		return summary.Text, nil
	}

	// Final question
	r.logger.Info("summary flagged unresolved, asking final question")
	question, err := r.o.oracle.BlockingQuestion(ctx, r.t.Content()+"\n[summary: "+summary.Text+"]", r.t.History())
	if err != nil {
		return "", fmt.Errorf("final question failed: %w", err)
	}
	if question == "" {
		return summary.Text, nil
	}
	answer, ok, err := r.ask(ctx, question)
	if err != nil {
		return "", err
	}
	if !ok {
		return summary.Text, nil
	}
	r.t.AppendHistory(
		task.Message{Role: task.RoleAssistant, Content: question},
		task.Message{Role: task.RoleUser, Content: answer},
	)
	r.t.SetContent(r.t.Content() + " [answer: " + answer + "]")

	final, err := r.primary(ctx)
	if err != nil {
		return "", err
	}

	// Scripts in the final pass may fork children that were never waited on
	outcomes, err = r.join(ctx)
	if err != nil {
		return "", err
	}
	r.recordChildren(outcomes)
	return final, nil
}

// spawnChild starts a child whose starting context is this task's history
// plus the child's own prompt
func (r *run) spawnChild(prompt string, origin Origin) (*future, error) {
	history := append(r.t.History(), task.Message{Role: task.RoleUser, Content: prompt})
	return r.o.spawn(r.wf, r, newTaskID(), prompt, history, "", origin)
}

// checkDeleted is the lightweight checkpoint used outside primary execution
func (r *run) checkDeleted() error {
	if r.t.Comment().Kind == task.CommentDelete {
		return errTaskDeleted
	}
	return nil
}

// checkpoint observes the comment: delete stops the task, modify swaps in the
// intervener's content and history
func (r *run) checkpoint() (modified bool, err error) {
	switch r.t.Comment().Kind {
	case task.CommentDelete:
		return false, errTaskDeleted
	case task.CommentModify:
		applied, err := r.t.ApplyModify()
		if err != nil {
			return false, err
		}
		if applied {
			r.logger.Info("applied modification")
			r.o.emitState(r.wf.id, r.t)
		}
		return applied, nil
	}
	return false, nil
}

// ask suspends the task on the human query channel
func (r *run) ask(ctx context.Context, prompt string) (string, bool, error) {
	if err := r.t.Transition(task.StatusAwaitingUser); err != nil {
		return "", false, err
	}
	r.o.emitState(r.wf.id, r.t)

	deleted := func() bool { return r.t.Comment().Kind == task.CommentDelete }
	answer, ok, err := r.o.queries.AskUnless(ctx, r.t.ID(), prompt, deleted)
	r.o.metrics.queryResolved(ok)

	// A delete while suspended finalizes straight from awaiting_user.
	if r.t.Comment().Kind == task.CommentDelete {
		return "", false, errTaskDeleted
	}
	if terr := r.t.Transition(task.StatusRunning); terr != nil {
		return "", false, terr
	}
	r.o.emitState(r.wf.id, r.t)
	if err != nil {
		return "", false, err
	}
	return answer, ok, nil
}

// primary runs iterative Respond calls, executing requested tools in between
func (r *run) primary(ctx context.Context) (string, error) {
	toolset := r.o.tools
	if r.o.opts.Sandbox != nil {
		host := sandbox.NewHost(*r.o.opts.Sandbox, r.t.ID(), r.logger)
		defer host.Close()
		toolset = toolset.With(&scriptTool{run: r, host: host})
	}
	specs := toolset.Specs()

	var text string
	for iter := 0; iter < r.o.opts.MaxIterations; iter++ {
		if _, err := r.checkpoint(); err != nil {
			return "", err
		}

		reply, err := r.o.oracle.Respond(ctx, RespondRequest{
			TaskID:  r.t.ID(),
			Content: r.t.Content(),
			History: r.t.History(),
			Tools:   specs,
		}, r.forwardToken)
		switch {
		case errors.Is(err, errTaskDeleted):
			return "", errTaskDeleted
		case errors.Is(err, errTaskModified):
			r.logger.Info("reply interrupted by modification", "iteration", iter)
			continue
		case err != nil:
			return "", fmt.Errorf("oracle respond failed: %w", err)
		}

		text = reply.Text
		r.t.AppendHistory(task.Message{Role: task.RoleAssistant, Content: reply.Text})
		if reply.ToolCall == nil {
			return text, nil
		}

		out := toolset.Execute(ctx, tools.Call{
			TaskID: r.t.ID(),
			Name:   reply.ToolCall.Name,
			Input:  reply.ToolCall.Input,
		})
		r.t.AppendHistory(task.Message{Role: task.RoleTool, Content: out})
	}

	r.logger.Info("iteration limit reached", "max_iterations", r.o.opts.MaxIterations)
	return text, nil
}

// forwardToken is the per-token checkpoint
func (r *run) forwardToken(token string) error {
	switch r.t.Comment().Kind {
	case task.CommentDelete:
		return errTaskDeleted
	case task.CommentModify:
		return errTaskModified
	}
	r.o.sink.Emit(events.OutputToken(r.wf.id, r.t.ID(), token))
	r.o.metrics.tokenForwarded()
	return nil
}

// join waits for every child, subquestion and forked alike. A delete ends
// the wait at once; the children keep running.
func (r *run) join(ctx context.Context) ([]task.Outcome, error) {
	if err := r.checkDeleted(); err != nil {
		return nil, err
	}
	futures := r.childFutures()
	outcomes := make([]task.Outcome, 0, len(futures))
	for _, f := range futures {
		select {
		case <-f.done:
			outcomes = append(outcomes, f.outcome())
		case <-r.deleted:
			r.logger.Info("delete received while joining children")
			return nil, errTaskDeleted
		case <-ctx.Done():
			return nil, fmt.Errorf("join interrupted waiting for %s: %w", f.id, ctx.Err())
		}
	}
	return outcomes, nil
}

type childRecord struct {
	ID     string      `json:"id"`
	Status task.Status `json:"status"`
}

func (r *run) recordChildren(outcomes []task.Outcome) {
	if len(outcomes) == 0 {
		return
	}
	recs := make([]childRecord, 0, len(outcomes))
	for _, o := range outcomes {
		recs = append(recs, childRecord{ID: o.ID, Status: o.Status})
	}
	data, err := json.Marshal(recs)
	if err != nil {
		r.logger.Warn("failed to encode child metadata", "error", err)
		return
	}
	r.t.SetMetadata("children", string(data))
}
