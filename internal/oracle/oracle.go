// Package oracle implements the scheduler's judgement calls on top of a
// language model.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/iambrandonn/arbor/internal/llm"
	"github.com/iambrandonn/arbor/internal/scheduler"
	"github.com/iambrandonn/arbor/internal/task"
)

// DefaultMaxSubquestions caps what the model may propose per task
const DefaultMaxSubquestions = 4

// Options tunes the model-backed oracle
type Options struct {
	// MaxSubquestions truncates proposals; zero means DefaultMaxSubquestions
	MaxSubquestions int
	// JudgeMaxTokens caps the short JSON verdict calls
	JudgeMaxTokens int
	// ReplyMaxTokens caps primary replies and summaries
	ReplyMaxTokens int
}

// Oracle asks a model for every decision. It holds no per-task state and is
// safe for concurrent use when the model is.
type Oracle struct {
	model  llm.Model
	opts   Options
	logger *slog.Logger
}

// New creates a model-backed oracle
func New(model llm.Model, opts Options, logger *slog.Logger) *Oracle {
	if opts.MaxSubquestions <= 0 {
		opts.MaxSubquestions = DefaultMaxSubquestions
	}
	if opts.JudgeMaxTokens <= 0 {
		opts.JudgeMaxTokens = 512
	}
	return &Oracle{model: model, opts: opts, logger: logger}
}

func (o *Oracle) judge(ctx context.Context, system, prompt string, history []task.Message, v any) error {
	msgs := append(convertHistory(history), llm.Message{Role: llm.RoleUser, Content: prompt})
	raw, err := o.model.Complete(ctx, llm.Request{
		System:    system,
		Messages:  msgs,
		MaxTokens: o.opts.JudgeMaxTokens,
	})
	if err != nil {
		return err
	}
	if err := decodeJSON(raw, v); err != nil {
		o.logger.Warn("unparseable oracle verdict", "error", err, "reply", truncate(raw, 200))
		return err
	}
	return nil
}

func (o *Oracle) NeedsClarification(ctx context.Context, goal string) (bool, error) {
	var verdict struct {
		NeedsClarification bool `json:"needs_clarification"`
	}
	if err := o.judge(ctx, clarifySystem, fmt.Sprintf(clarifyPrompt, goal), nil, &verdict); err != nil {
		return false, fmt.Errorf("clarification check: %w", err)
	}
	return verdict.NeedsClarification, nil
}

func (o *Oracle) BlockingQuestion(ctx context.Context, content string, history []task.Message) (string, error) {
	var verdict struct {
		Question string `json:"question"`
	}
	if err := o.judge(ctx, blockingSystem, fmt.Sprintf(blockingPrompt, content), history, &verdict); err != nil {
		return "", fmt.Errorf("blocking question check: %w", err)
	}
	return strings.TrimSpace(verdict.Question), nil
}

func (o *Oracle) Subquestions(ctx context.Context, content string, history []task.Message) ([]string, error) {
	var verdict struct {
		Subquestions []string `json:"subquestions"`
	}
	prompt := fmt.Sprintf(subquestionsPrompt, o.opts.MaxSubquestions, content)
	if err := o.judge(ctx, subquestionsSystem, prompt, history, &verdict); err != nil {
		return nil, fmt.Errorf("subquestion proposal: %w", err)
	}

	out := make([]string, 0, len(verdict.Subquestions))
	for _, q := range verdict.Subquestions {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	if len(out) > o.opts.MaxSubquestions {
		out = out[:o.opts.MaxSubquestions]
	}
	return out, nil
}

func (o *Oracle) Respond(ctx context.Context, req scheduler.RespondRequest, onToken scheduler.TokenFunc) (scheduler.Reply, error) {
	msgs := convertHistory(req.History)
	if len(msgs) == 0 {
		msgs = []llm.Message{{Role: llm.RoleUser, Content: req.Content}}
	}

	text, err := o.model.Stream(ctx, llm.Request{
		System:    respondSystem(req.Content, req.Tools),
		Messages:  msgs,
		MaxTokens: o.opts.ReplyMaxTokens,
	}, llm.DeltaFunc(onToken))
	if err != nil {
		return scheduler.Reply{}, err
	}

	reply := scheduler.Reply{Text: text}
	if len(req.Tools) > 0 {
		call, err := parseToolCall(text)
		if err != nil {
			o.logger.Warn("malformed tool call", "task_id", req.TaskID, "error", err)
			reply.ToolCall = &scheduler.ToolCall{Name: "invalid", Input: err.Error()}
		} else {
			reply.ToolCall = call
		}
	}
	return reply, nil
}

func (o *Oracle) Summarize(ctx context.Context, content, primary string, outcomes []task.Outcome) (scheduler.Summary, error) {
	if len(outcomes) == 0 {
		return scheduler.Summary{Text: primary}, nil
	}

	var verdict struct {
		Summary    string `json:"summary"`
		Unresolved bool   `json:"unresolved"`
	}
	prompt := summarizePrompt(content, primary, outcomes)
	msgs := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	raw, err := o.model.Complete(ctx, llm.Request{
		System:    summarizeSystem,
		Messages:  msgs,
		MaxTokens: o.opts.ReplyMaxTokens,
	})
	if err != nil {
		return scheduler.Summary{}, fmt.Errorf("summarize: %w", err)
	}
	if err := decodeJSON(raw, &verdict); err != nil {
		// A prose reply is still a usable summary
		o.logger.Warn("summary was not JSON", "error", err)
		return scheduler.Summary{Text: strings.TrimSpace(raw)}, nil
	}
	return scheduler.Summary{Text: verdict.Summary, Unresolved: verdict.Unresolved}, nil
}

func convertHistory(history []task.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case task.RoleAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		case task.RoleTool:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: "[tool result]\n" + m.Content})
		default:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		}
	}
	return out
}

// truncate cuts s to at most n bytes on a rune boundary
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

var _ scheduler.Oracle = (*Oracle)(nil)
