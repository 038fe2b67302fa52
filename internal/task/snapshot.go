package task

import (
	"maps"
	"time"
)

// Snapshot is an immutable view of a task. History is deliberately absent.
type Snapshot struct {
	ID        string            `json:"id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Status    Status            `json:"status"`
	Content   string            `json:"content"`
	Comment   Comment           `json:"comment"`
	Children  []string          `json:"children"`
	Result    *string           `json:"result,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Snapshot captures the current state of the task
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := t.status
	if status == StatusModified {
		status = StatusRunning
	}

	snap := Snapshot{
		ID:        t.id,
		ParentID:  t.parentID,
		Status:    status,
		Content:   t.content,
		Comment:   t.comment,
		Children:  append([]string{}, t.children...),
		Metadata:  maps.Clone(t.metadata),
		CreatedAt: t.createdAt,
		UpdatedAt: t.updatedAt,
	}
	if t.hasResult {
		r := t.result
		snap.Result = &r
	}
	return snap
}

// Outcome is what a joining parent collects from a finished child
type Outcome struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Result string `json:"result"`
}

// OutcomeOf builds an Outcome from a terminal snapshot
func OutcomeOf(s Snapshot) Outcome {
	o := Outcome{ID: s.ID, Status: s.Status}
	if s.Result != nil {
		o.Result = *s.Result
	}
	return o
}
