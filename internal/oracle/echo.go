package oracle

import (
	"context"
	"strings"

	"github.com/iambrandonn/arbor/internal/scheduler"
	"github.com/iambrandonn/arbor/internal/task"
)

// Echo is an offline oracle: it never asks or fans out and answers every
// task by restating it. It exists for smoke runs without model credentials.
type Echo struct{}

func (Echo) NeedsClarification(context.Context, string) (bool, error) { return false, nil }

func (Echo) BlockingQuestion(context.Context, string, []task.Message) (string, error) {
	return "", nil
}

func (Echo) Subquestions(context.Context, string, []task.Message) ([]string, error) {
	return nil, nil
}

func (Echo) Respond(ctx context.Context, req scheduler.RespondRequest, onToken scheduler.TokenFunc) (scheduler.Reply, error) {
	text := "echo: " + req.Content
	for _, tok := range strings.SplitAfter(text, " ") {
		if err := ctx.Err(); err != nil {
			return scheduler.Reply{}, err
		}
		if err := onToken(tok); err != nil {
			return scheduler.Reply{}, err
		}
	}
	return scheduler.Reply{Text: text}, nil
}

func (Echo) Summarize(_ context.Context, _, primary string, outcomes []task.Outcome) (scheduler.Summary, error) {
	parts := []string{primary}
	for _, o := range outcomes {
		parts = append(parts, o.Result)
	}
	return scheduler.Summary{Text: strings.Join(parts, "\n")}, nil
}

var _ scheduler.Oracle = Echo{}
