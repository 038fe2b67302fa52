package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/iambrandonn/arbor/internal/protocol"
	"github.com/iambrandonn/arbor/internal/sandbox"
	"github.com/iambrandonn/arbor/internal/tools"
)

// ErrUnknownHandle is returned by wait for handles never issued in the
// current execution or already consumed
var ErrUnknownHandle = errors.New("scheduler: unknown fork handle")

// ScriptToolName is the tool that executes a script in the task's sandbox
const ScriptToolName = "run_script"

// forkScope maps the handles of one sandbox execution to child futures.
// Handles count up from 1 and are never reused within the scope.
type forkScope struct {
	spawn func(prompt string) (*future, error)

	mu      sync.Mutex
	next    int64
	pending map[int64]*future
}

func newForkScope(spawn func(prompt string) (*future, error)) *forkScope {
	return &forkScope{spawn: spawn, pending: make(map[int64]*future)}
}

// fork starts a child and returns its handle without waiting for it
func (s *forkScope) fork(prompt string) (int64, error) {
	f, err := s.spawn(prompt)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.pending[s.next] = f
	return s.next, nil
}

// wait consumes a handle and blocks until the child is terminal
func (s *forkScope) wait(ctx context.Context, handle int64) (string, error) {
	s.mu.Lock()
	f, ok := s.pending[handle]
	delete(s.pending, handle)
	s.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownHandle, handle)
	}
	out, err := f.wait(ctx)
	if err != nil {
		return "", err
	}
	return out.Result, nil
}

// functions exposes fork and wait to a sandbox
func (s *forkScope) functions() sandbox.Functions {
	return sandbox.Functions{
		protocol.FuncFork: func(ctx context.Context, args []json.RawMessage) (any, error) {
			var prompt string
			if err := singleArg(args, &prompt); err != nil {
				return nil, fmt.Errorf("fork(prompt): %w", err)
			}
			return s.fork(prompt)
		},
		protocol.FuncWait: func(ctx context.Context, args []json.RawMessage) (any, error) {
			var handle int64
			if err := singleArg(args, &handle); err != nil {
				return nil, fmt.Errorf("wait(handle): %w", err)
			}
			return s.wait(ctx, handle)
		},
	}
}

func singleArg(args []json.RawMessage, v any) error {
	if len(args) != 1 {
		return fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	if err := json.Unmarshal(args[0], v); err != nil {
		return fmt.Errorf("invalid argument: %w", err)
	}
	return nil
}

// scriptTool runs a script in the owning task's sandbox with fork and wait
// bound to that task
type scriptTool struct {
	run  *run
	host *sandbox.Host
}

func (s *scriptTool) Name() string { return ScriptToolName }

func (s *scriptTool) Description() string {
	return "Execute a script in a sandbox. fork(prompt) starts a parallel sub-agent and " +
		"returns a handle; wait(handle) returns that sub-agent's result. Input: the script source."
}

func (s *scriptTool) Execute(ctx context.Context, call tools.Call) (string, error) {
	scope := newForkScope(func(prompt string) (*future, error) {
		return s.run.spawnChild(prompt, OriginFork)
	})

	value, err := s.host.Execute(ctx, call.Input, scope.functions())
	s.run.o.metrics.scriptFinished(err)
	if err != nil {
		var execErr *sandbox.ExecError
		if errors.As(err, &execErr) {
			return "", errors.New(execErr.Report())
		}
		return "", err
	}

	var text string
	if json.Unmarshal(value, &text) == nil {
		return text, nil
	}
	return string(value), nil
}
