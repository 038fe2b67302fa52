package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/iambrandonn/arbor/internal/events"
	"github.com/iambrandonn/arbor/internal/transcript"
)

// answerer resolves human queries
type answerer interface {
	AnswerQuery(taskID string, answer *string) bool
}

const promptQueueSize = 64

// prompter answers human queries from a line-oriented input. An empty line
// declines; after EOF every further query is declined. Queries that do not
// fit the queue are declined by the loop.
type prompter struct {
	in      io.Reader
	out     io.Writer
	decline bool
	logger  *slog.Logger
	queries chan events.Event

	mu       sync.Mutex
	overflow []string
	spilled  chan struct{}
}

func newPrompter(in io.Reader, out io.Writer, declineAll bool, logger *slog.Logger) *prompter {
	return &prompter{
		in:      in,
		out:     out,
		decline: declineAll,
		logger:  logger,
		queries: make(chan events.Event, promptQueueSize),
		spilled: make(chan struct{}, 1),
	}
}

// Emit implements events.Sink, queueing human queries for the prompt loop
func (p *prompter) Emit(e events.Event) {
	if e.Kind != events.KindHumanQuery {
		return
	}
	select {
	case p.queries <- e:
	default:
		p.logger.Warn("prompt queue full, declining query", "task_id", e.TaskID)
		p.mu.Lock()
		p.overflow = append(p.overflow, e.TaskID)
		p.mu.Unlock()
		select {
		case p.spilled <- struct{}{}:
		default:
		}
	}
}

// declineOverflow declines every query that did not fit the queue
func (p *prompter) declineOverflow(a answerer) {
	p.mu.Lock()
	ids := p.overflow
	p.overflow = nil
	p.mu.Unlock()
	for _, id := range ids {
		a.AnswerQuery(id, nil)
	}
}

func (p *prompter) readLines() <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(p.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// loop serves queries until ctx is done
func (p *prompter) loop(ctx context.Context, a answerer) {
	var lines <-chan string
	eof := p.decline
	if !eof {
		lines = p.readLines()
	}

	for {
		var q events.Event
		select {
		case q = <-p.queries:
		case <-p.spilled:
			p.declineOverflow(a)
			continue
		case <-ctx.Done():
			return
		}

		var answer *string
		if !eof {
			fmt.Fprintf(p.out, "[%s] answer (empty to decline): ", transcript.ShortID(q.TaskID))
			select {
			case line, ok := <-lines:
				if !ok {
					eof = true
					fmt.Fprintln(p.out)
					break
				}
				if line = strings.TrimSpace(line); line != "" {
					answer = &line
				}
			case <-ctx.Done():
				return
			}
		}

		if !a.AnswerQuery(q.TaskID, answer) {
			fmt.Fprintf(p.out, "[%s] query is no longer pending\n", transcript.ShortID(q.TaskID))
		}
	}
}
