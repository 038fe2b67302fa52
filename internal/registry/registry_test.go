package registry

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/arbor/internal/task"
)

func newTestRegistry(t *testing.T, size int) *Registry {
	t.Helper()
	reg, err := New(size, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return reg
}

func TestRegisterGetRemove(t *testing.T) {
	reg := newTestRegistry(t, 0)
	tk := task.New("t-1", "", "goal", nil)

	require.NoError(t, reg.Register(tk))
	got, ok := reg.Get("t-1")
	require.True(t, ok)
	assert.Same(t, tk, got)
	assert.Equal(t, 1, reg.Len())

	reg.Remove("t-1")
	_, ok = reg.Get("t-1")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestRetiredIDsAreNeverReused(t *testing.T) {
	reg := newTestRegistry(t, 0)
	tk := task.New("t-1", "", "goal", nil)
	require.NoError(t, reg.Register(tk))
	require.NoError(t, tk.Finish(task.StatusCompleted, "done"))
	reg.Retire(tk.Snapshot())

	err := reg.Register(task.New("t-1", "", "again", nil))
	assert.ErrorIs(t, err, ErrDuplicateID)
	_, ok := reg.Get("t-1")
	assert.False(t, ok)
}

func TestLookupFallsBackToRecent(t *testing.T) {
	reg := newTestRegistry(t, 2)
	for i := 0; i < 3; i++ {
		tk := task.New(fmt.Sprintf("t-%d", i), "", "goal", nil)
		require.NoError(t, reg.Register(tk))
		require.NoError(t, tk.Finish(task.StatusCompleted, fmt.Sprintf("r%d", i)))
		reg.Retire(tk.Snapshot())
	}

	_, ok := reg.Lookup("t-0")
	assert.False(t, ok, "oldest snapshot should have been evicted from the cache")

	snap, ok := reg.Lookup("t-2")
	require.True(t, ok)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "r2", *snap.Result)
	assert.Equal(t, task.StatusCompleted, snap.Status)
}

func TestSnapshotOnlyLiveTasks(t *testing.T) {
	reg := newTestRegistry(t, 0)
	a := task.New("a", "", "goal a", nil)
	b := task.New("b", "a", "goal b", nil)
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))
	a.AddChild("b")

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, []string{"b"}, snap["a"].Children)
	assert.Equal(t, "a", snap["b"].ParentID)

	require.NoError(t, b.Finish(task.StatusDeleted, ""))
	reg.Retire(b.Snapshot())
	assert.Len(t, reg.Snapshot(), 1)
}

func TestConcurrentAccess(t *testing.T) {
	reg := newTestRegistry(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk := task.New(fmt.Sprintf("t-%d", i), "", "goal", nil)
			assert.NoError(t, reg.Register(tk))
			_ = reg.Snapshot()
			tk.SetContent("changed")
			if i%2 == 0 {
				assert.NoError(t, tk.Finish(task.StatusCompleted, "ok"))
				reg.Retire(tk.Snapshot())
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, reg.Len())
}
