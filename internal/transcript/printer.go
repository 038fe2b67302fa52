package transcript

import (
	"fmt"
	"io"
	"sync"

	"github.com/iambrandonn/arbor/internal/events"
)

// Printer is an events.Sink that writes a live transcript. Tokens are
// written inline; a task switch or any other event starts a new line.
type Printer struct {
	w         io.Writer
	formatter *Formatter
	tokens    bool

	mu        sync.Mutex
	lastToken string
}

// NewPrinter creates a console printer. With tokens false only state
// changes, queries and workflow completion are printed.
func NewPrinter(w io.Writer, tokens bool) *Printer {
	return &Printer{w: w, formatter: NewFormatter(), tokens: tokens}
}

// Emit implements events.Sink
func (p *Printer) Emit(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.Kind == events.KindOutputToken {
		if !p.tokens {
			return
		}
		if p.lastToken != e.TaskID {
			p.endLine()
			fmt.Fprintf(p.w, "[%s] ", gray(ShortID(e.TaskID)))
			p.lastToken = e.TaskID
		}
		io.WriteString(p.w, e.Text)
		return
	}

	p.endLine()
	fmt.Fprintln(p.w, p.formatter.FormatEvent(e))
}

// Flush terminates a pending token line
func (p *Printer) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
}

func (p *Printer) endLine() {
	if p.lastToken != "" {
		io.WriteString(p.w, "\n")
		p.lastToken = ""
	}
}
