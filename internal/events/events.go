// Package events defines the orchestrator's outbound event vocabulary and sinks.
package events

import (
	"time"

	"github.com/iambrandonn/arbor/internal/task"
)

// Kind identifies an event type
type Kind string

const (
	KindStateChanged     Kind = "state_changed"
	KindOutputToken      Kind = "output_token"
	KindHumanQuery       Kind = "human_query"
	KindWorkflowFinished Kind = "workflow_finished"
)

// Event is emitted per task, tagged by task id
type Event struct {
	Kind       Kind           `json:"kind"`
	TaskID     string         `json:"task_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	State      *task.Snapshot `json:"state,omitempty"`
	Text       string         `json:"text,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Sink receives events. Emit is called from the emitting task's goroutine and
// must preserve call order for a given task.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans one event out to several sinks in order
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// StateChanged builds a state_changed event from a snapshot
func StateChanged(workflowID string, snap task.Snapshot) Event {
	return Event{
		Kind:       KindStateChanged,
		TaskID:     snap.ID,
		WorkflowID: workflowID,
		State:      &snap,
		OccurredAt: time.Now().UTC(),
	}
}

// OutputToken builds an output_token event
func OutputToken(workflowID, taskID, text string) Event {
	return Event{
		Kind:       KindOutputToken,
		TaskID:     taskID,
		WorkflowID: workflowID,
		Text:       text,
		OccurredAt: time.Now().UTC(),
	}
}

// HumanQuery builds a human_query event
func HumanQuery(taskID, prompt string) Event {
	return Event{
		Kind:       KindHumanQuery,
		TaskID:     taskID,
		Prompt:     prompt,
		OccurredAt: time.Now().UTC(),
	}
}

// WorkflowFinished builds the workflow_finished event for a root task
func WorkflowFinished(workflowID, rootID string) Event {
	return Event{
		Kind:       KindWorkflowFinished,
		TaskID:     rootID,
		WorkflowID: workflowID,
		OccurredAt: time.Now().UTC(),
	}
}
