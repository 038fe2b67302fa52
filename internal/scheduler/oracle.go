package scheduler

import (
	"context"

	"github.com/iambrandonn/arbor/internal/task"
	"github.com/iambrandonn/arbor/internal/tools"
)

// TokenFunc receives streamed output. A non-nil error aborts the reply and
// must be returned by Respond so errors.Is can see it.
type TokenFunc func(token string) error

// RespondRequest is the input to one primary-execution step
type RespondRequest struct {
	TaskID  string
	Content string
	History []task.Message
	Tools   []tools.Spec
}

// ToolCall asks the scheduler to run a tool before the next step
type ToolCall struct {
	Name  string `json:"name"`
	Input string `json:"input"`
}

// Reply is the complete output of one Respond call
type Reply struct {
	Text     string
	ToolCall *ToolCall
}

// Summary folds a task's own answer and its children's outcomes together
type Summary struct {
	Text       string
	Unresolved bool
}

// Oracle makes every judgement call the scheduler needs. Implementations
// must be safe for concurrent use; each task calls it from its own goroutine.
type Oracle interface {
	// NeedsClarification reports whether the goal is too ambiguous to start
	NeedsClarification(ctx context.Context, goal string) (bool, error)
	// BlockingQuestion returns a question whose answer is required before
	// progress is possible, or "" when there is none
	BlockingQuestion(ctx context.Context, content string, history []task.Message) (string, error)
	// Subquestions proposes independent sub-investigations
	Subquestions(ctx context.Context, content string, history []task.Message) ([]string, error)
	// Respond streams one reply through onToken
	Respond(ctx context.Context, req RespondRequest, onToken TokenFunc) (Reply, error)
	// Summarize combines the primary answer with child outcomes
	Summarize(ctx context.Context, content, primary string, outcomes []task.Outcome) (Summary, error)
}
