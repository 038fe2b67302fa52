package transcript

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/iambrandonn/arbor/internal/events"
	"github.com/iambrandonn/arbor/internal/task"
)

const maxContent = 60

var (
	gray   = color.New(color.FgHiBlack).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// Formatter renders orchestrator events for console display
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatEvent formats one non-token event as a single line
func (f *Formatter) FormatEvent(e events.Event) string {
	switch e.Kind {
	case events.KindStateChanged:
		if e.State == nil {
			return fmt.Sprintf("[%s] state changed", ShortID(e.TaskID))
		}
		return f.FormatState(*e.State)

	case events.KindHumanQuery:
		return fmt.Sprintf("[%s] %s %s", ShortID(e.TaskID), yellow("?"), e.Prompt)

	case events.KindWorkflowFinished:
		return fmt.Sprintf("[%s] %s", ShortID(e.WorkflowID), bold("workflow finished"))

	case events.KindOutputToken:
		return e.Text
	}
	return fmt.Sprintf("[%s] %s", ShortID(e.TaskID), e.Kind)
}

// FormatState formats a task snapshot
func (f *Formatter) FormatState(s task.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", ShortID(s.ID), f.formatStatus(s.Status))
	if s.ParentID != "" {
		fmt.Fprintf(&b, " %s", gray("parent="+ShortID(s.ParentID)))
	}
	if len(s.Children) > 0 {
		fmt.Fprintf(&b, " %s", gray(fmt.Sprintf("children=%d", len(s.Children))))
	}
	if s.Comment.Kind != task.CommentUnchanged {
		fmt.Fprintf(&b, " %s", gray("comment="+Truncate(s.Comment.String(), 24)))
	}
	fmt.Fprintf(&b, " %s", Truncate(s.Content, maxContent))
	return b.String()
}

func (f *Formatter) formatStatus(s task.Status) string {
	switch s {
	case task.StatusCompleted:
		return green(string(s))
	case task.StatusError:
		return red(string(s))
	case task.StatusDeleted:
		return gray(string(s))
	case task.StatusAwaitingUser:
		return yellow(string(s))
	default:
		return cyan(string(s))
	}
}

// FormatTree renders a registry listing as an indented tree. Tasks whose
// parent is not in the listing are treated as roots.
func (f *Formatter) FormatTree(snaps []task.Snapshot) string {
	byID := make(map[string]task.Snapshot, len(snaps))
	for _, s := range snaps {
		byID[s.ID] = s
	}

	var b strings.Builder
	var walk func(s task.Snapshot, depth int)
	walk = func(s task.Snapshot, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(f.FormatState(s))
		b.WriteByte('\n')
		for _, id := range s.Children {
			if child, ok := byID[id]; ok {
				walk(child, depth+1)
			}
		}
	}
	for _, s := range snaps {
		if _, ok := byID[s.ParentID]; s.ParentID == "" || !ok {
			walk(s, 0)
		}
	}
	return b.String()
}

// ShortID abbreviates a task id for display
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Truncate shortens s to n runes on one line
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
