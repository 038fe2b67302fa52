package task

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskStartsRunning(t *testing.T) {
	tk := New("t-1", "", "goal", nil)

	assert.Equal(t, StatusRunning, tk.Status())
	assert.Equal(t, "unchanged", tk.Comment().String())
	assert.Empty(t, tk.Children())

	_, ok := tk.Result()
	assert.False(t, ok, "result must be absent before a terminal status")
}

func TestTransitionEdges(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusRunning, StatusAwaitingUser, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusError, true},
		{StatusRunning, StatusDeleted, true},
		{StatusRunning, StatusModified, true},
		{StatusAwaitingUser, StatusRunning, true},
		{StatusAwaitingUser, StatusDeleted, true},
		{StatusAwaitingUser, StatusCompleted, false},
		{StatusModified, StatusRunning, true},
		{StatusModified, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusDeleted, StatusRunning, false},
		{StatusError, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestFinishIsIrrevocable(t *testing.T) {
	tk := New("t-1", "", "goal", nil)
	require.NoError(t, tk.Finish(StatusCompleted, "4"))

	err := tk.Transition(StatusRunning)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	err = tk.Finish(StatusError, "boom")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	res, ok := tk.Result()
	require.True(t, ok)
	assert.Equal(t, "4", res)
}

func TestFinishRejectsNonTerminal(t *testing.T) {
	tk := New("t-1", "", "goal", nil)
	err := tk.Finish(StatusAwaitingUser, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusRunning, tk.Status())
}

func TestApplyModifyReplacesContentAndHistory(t *testing.T) {
	tk := New("t-1", "", "old goal", []Message{{Role: RoleUser, Content: "old goal"}})
	tk.AppendHistory(Message{Role: RoleAssistant, Content: "partial"})

	applied, err := tk.ApplyModify()
	require.NoError(t, err)
	assert.False(t, applied, "nothing staged yet")

	newContent := "new goal"
	tk.RequestModify(&newContent, nil)
	assert.Equal(t, CommentModify, tk.Comment().Kind)

	applied, err = tk.ApplyModify()
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, StatusRunning, tk.Status())
	assert.Equal(t, "new goal", tk.Content())
	assert.Equal(t, []Message{{Role: RoleUser, Content: "new goal"}}, tk.History())
	assert.Equal(t, CommentUnchanged, tk.Comment().Kind)
}

func TestApplyModifyWithExplicitHistory(t *testing.T) {
	tk := New("t-1", "", "goal", nil)
	hist := []Message{{Role: RoleUser, Content: "a"}, {Role: RoleAssistant, Content: "b"}}
	tk.RequestModify(nil, hist)

	applied, err := tk.ApplyModify()
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, "goal", tk.Content())
	assert.Equal(t, hist, tk.History())
}

func TestApplyModifyWithoutOverridesKeepsHistory(t *testing.T) {
	tk := New("t-1", "", "goal", []Message{{Role: RoleUser, Content: "goal"}})
	tk.AppendHistory(
		Message{Role: RoleAssistant, Content: "Which city?"},
		Message{Role: RoleUser, Content: "Lisbon"},
	)
	before := tk.History()

	tk.RequestModify(nil, nil)
	applied, err := tk.ApplyModify()
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, StatusRunning, tk.Status())
	assert.Equal(t, "goal", tk.Content())
	assert.Equal(t, before, tk.History())
}

func TestSnapshotOmitsHistoryAndCollapsesModified(t *testing.T) {
	tk := New("t-1", "p-1", "goal", []Message{{Role: RoleUser, Content: "secret"}})
	tk.AddChild("c-1")
	require.NoError(t, tk.Transition(StatusModified))

	snap := tk.Snapshot()
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, "p-1", snap.ParentID)
	assert.Equal(t, []string{"c-1"}, snap.Children)
	assert.Nil(t, snap.Result)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.NotContains(t, string(data), "history")
}

func TestSnapshotChildrenAreCopied(t *testing.T) {
	tk := New("t-1", "", "goal", nil)
	tk.AddChild("c-1")
	snap := tk.Snapshot()
	tk.AddChild("c-2")
	assert.Len(t, snap.Children, 1)
}

func TestCommentRoundTrip(t *testing.T) {
	tests := map[string]CommentKind{
		"unchanged":       CommentUnchanged,
		"":                CommentUnchanged,
		"DELETE":          CommentDelete,
		"modify":          CommentModify,
		"look at pricing": CommentCustom,
	}
	for in, kind := range tests {
		c := ParseComment(in)
		assert.Equal(t, kind, c.Kind, "input %q", in)
	}

	var c Comment
	require.NoError(t, json.Unmarshal([]byte(`"focus on EU"`), &c))
	assert.Equal(t, Custom("focus on EU"), c)

	data, err := json.Marshal(Delete())
	require.NoError(t, err)
	assert.JSONEq(t, `"delete"`, string(data))
}

func TestOutcomeOf(t *testing.T) {
	tk := New("t-1", "", "goal", nil)
	require.NoError(t, tk.Finish(StatusError, "oracle unavailable"))

	o := OutcomeOf(tk.Snapshot())
	assert.Equal(t, Outcome{ID: "t-1", Status: StatusError, Result: "oracle unavailable"}, o)
}
