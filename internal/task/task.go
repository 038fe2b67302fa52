package task

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of an agent task
type Status string

const (
	StatusRunning      Status = "running"
	StatusAwaitingUser Status = "awaiting_user"
	StatusCompleted    Status = "completed"
	StatusDeleted      Status = "deleted"
	StatusModified     Status = "modified"
	StatusError        Status = "error"
)

// ErrInvalidTransition is returned when a status change is not an edge of the state machine
var ErrInvalidTransition = errors.New("task: invalid status transition")

// IsTerminal reports whether no further transitions are possible from s
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDeleted, StatusError:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusRunning:      {StatusCompleted, StatusError, StatusDeleted, StatusAwaitingUser, StatusModified},
	StatusAwaitingUser: {StatusRunning, StatusDeleted},
	StatusModified:     {StatusRunning},
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role tags a history message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a task's conversation history
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Task is one node of the orchestration tree.
//
// All mutable fields are guarded by the task's own mutex; the registry never
// locks more than one task at a time.
type Task struct {
	id        string
	parentID  string
	createdAt time.Time

	mu        sync.Mutex
	status    Status
	content   string
	comment   Comment
	history   []Message
	children  []string
	result    string
	hasResult bool
	metadata  map[string]string
	updatedAt time.Time

	// pending modification supplied by an intervener, consumed at the next checkpoint
	pendingContent *string
	pendingHistory []Message
}

// New creates a running task
func New(id, parentID, content string, history []Message) *Task {
	now := time.Now().UTC()
	h := make([]Message, len(history))
	copy(h, history)
	return &Task{
		id:        id,
		parentID:  parentID,
		createdAt: now,
		updatedAt: now,
		status:    StatusRunning,
		content:   content,
		comment:   Unchanged(),
		history:   h,
		metadata:  make(map[string]string),
	}
}

// ID returns the immutable task identifier
func (t *Task) ID() string { return t.id }

// ParentID returns the originating task id, empty for a root
func (t *Task) ParentID() string { return t.parentID }

// Status returns the current status
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Transition moves the task along a state machine edge
func (t *Task) Transition(to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to)
}

func (t *Task) transitionLocked(to Status) error {
	if !CanTransition(t.status, to) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.status, to, t.id)
	}
	t.status = to
	t.updatedAt = time.Now().UTC()
	return nil
}

// Content returns the current effective instruction
func (t *Task) Content() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.content
}

// SetContent replaces the effective instruction
func (t *Task) SetContent(content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.content = content
	t.updatedAt = time.Now().UTC()
}

// Comment returns the current control signal
func (t *Task) Comment() Comment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.comment
}

// SetComment records a control signal from an intervener
func (t *Task) SetComment(c Comment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.comment = c
	t.updatedAt = time.Now().UTC()
}

// RequestModify stages replacement content/history for the next checkpoint.
// A nil history with new content rebuilds the history from that content;
// with neither, the existing history is kept.
func (t *Task) RequestModify(content *string, history []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.comment = Modify()
	t.pendingContent = content
	if history != nil {
		t.pendingHistory = append([]Message(nil), history...)
	} else {
		t.pendingHistory = nil
	}
	t.updatedAt = time.Now().UTC()
}

// ApplyModify consumes a staged modification: the task passes through the
// transient modified status and lands back in running with replaced
// content and history. It returns false if no modify was pending.
func (t *Task) ApplyModify() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.comment.Kind != CommentModify {
		return false, nil
	}
	if err := t.transitionLocked(StatusModified); err != nil {
		return false, err
	}
	if t.pendingContent != nil {
		t.content = *t.pendingContent
	}
	switch {
	case t.pendingHistory != nil:
		t.history = t.pendingHistory
	case t.pendingContent != nil:
		t.history = []Message{{Role: RoleUser, Content: t.content}}
	}
	t.pendingContent = nil
	t.pendingHistory = nil
	t.comment = Unchanged()
	return true, t.transitionLocked(StatusRunning)
}

// AppendHistory adds messages to the conversation history
func (t *Task) AppendHistory(msgs ...Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, msgs...)
	t.updatedAt = time.Now().UTC()
}

// History returns a copy of the conversation history
func (t *Task) History() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.history))
	copy(out, t.history)
	return out
}

// AddChild records a spawned child id
func (t *Task) AddChild(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.children = append(t.children, id)
	t.updatedAt = time.Now().UTC()
}

// Children returns a copy of the child ids in spawn order
func (t *Task) Children() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.children...)
}

// SetMetadata stores a metadata entry exposed in snapshots
func (t *Task) SetMetadata(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metadata[key] = value
}

// Finish moves the task to a terminal status and records its result
func (t *Task) Finish(status Status, result string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(status); err != nil {
		return err
	}
	t.result = result
	t.hasResult = true
	return nil
}

// Result returns the final output, if the task is terminal
func (t *Task) Result() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.hasResult
}
