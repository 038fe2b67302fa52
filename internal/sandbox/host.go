package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/arbor/internal/protocol"
)

// EnvTaskID carries the owning task id into the sandbox
const EnvTaskID = "ARBOR_TASK_ID"

const (
	defaultStderrLimit = 200
	stopGrace          = 2 * time.Second
)

// Config describes how to launch an interpreter
type Config struct {
	// Command is the interpreter argv; the script path is appended
	Command []string
	// Env is added on top of the inherited environment
	Env map[string]string
	// ScriptDir holds script files while they execute (default: os.TempDir)
	ScriptDir string
	// ExecTimeout bounds one execution; zero means no limit
	ExecTimeout time.Duration
	// StderrLimit caps how many diagnostic lines are kept for error reports
	StderrLimit int
}

// ExecError describes a failed execution together with buffered diagnostics
type ExecError struct {
	Message  string
	TimedOut bool
	ExitErr  error
	Stderr   []string
}

func (e *ExecError) Error() string {
	var b strings.Builder
	b.WriteString("sandbox execution failed: ")
	b.WriteString(e.Message)
	if e.ExitErr != nil {
		fmt.Fprintf(&b, " (%v)", e.ExitErr)
	}
	return b.String()
}

// Report renders the failure for the oracle, including diagnostic output
func (e *ExecError) Report() string {
	var b strings.Builder
	b.WriteString(e.Error())
	if len(e.Stderr) > 0 {
		b.WriteString("\n--- stderr ---\n")
		b.WriteString(strings.Join(e.Stderr, "\n"))
	}
	return b.String()
}

// Host runs scripts for one task, one interpreter subprocess at a time
type Host struct {
	cfg    Config
	taskID string
	logger *slog.Logger

	mu      sync.Mutex
	current *execution
	closed  bool
}

type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHost creates a host for the given task
func NewHost(cfg Config, taskID string, logger *slog.Logger) *Host {
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = defaultStderrLimit
	}
	return &Host{
		cfg:    cfg,
		taskID: taskID,
		logger: logger.With("task_id", taskID),
	}
}

// Execute runs script in a fresh interpreter. Any execution already running on
// this host is terminated first.
func (h *Host) Execute(ctx context.Context, script string, funcs Functions) (json.RawMessage, error) {
	if len(h.cfg.Command) == 0 {
		return nil, fmt.Errorf("sandbox: no interpreter command configured")
	}

	execCtx, cancel := context.WithCancel(ctx)
	if h.cfg.ExecTimeout > 0 {
		var timeoutCancel context.CancelFunc
		execCtx, timeoutCancel = context.WithTimeout(execCtx, h.cfg.ExecTimeout)
		prevCancel := cancel
		cancel = func() { timeoutCancel(); prevCancel() }
	}
	defer cancel()

	exe := &execution{cancel: cancel, done: make(chan struct{})}
	defer close(exe.done)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("sandbox: host closed")
	}
	prev := h.current
	h.current = exe
	h.mu.Unlock()

	if prev != nil {
		h.logger.Info("terminating previous sandbox execution")
		prev.cancel()
		<-prev.done
	}

	defer func() {
		h.mu.Lock()
		if h.current == exe {
			h.current = nil
		}
		h.mu.Unlock()
	}()

	scriptPath, err := h.writeScript(script)
	if err != nil {
		return nil, err
	}
	defer os.Remove(scriptPath)

	return h.run(execCtx, scriptPath, funcs)
}

func (h *Host) writeScript(script string) (string, error) {
	f, err := os.CreateTemp(h.cfg.ScriptDir, "arbor-script-*")
	if err != nil {
		return "", fmt.Errorf("failed to create script file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(script); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write script file: %w", err)
	}
	return f.Name(), nil
}

func (h *Host) run(ctx context.Context, scriptPath string, funcs Functions) (json.RawMessage, error) {
	argv := append(append([]string{}, h.cfg.Command...), scriptPath)
	proc := exec.CommandContext(ctx, argv[0], argv[1:]...)

	proc.Env = os.Environ()
	proc.Env = append(proc.Env,
		fmt.Sprintf("%s=%s", protocol.EnvFunctions, strings.Join(funcs.Names(), ",")),
		fmt.Sprintf("%s=%s", EnvTaskID, h.taskID))
	for k, v := range h.cfg.Env {
		proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := proc.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start interpreter: %w", err)
	}

	h.logger.Info("sandbox started", "cmd", h.cfg.Command, "pid", proc.Process.Pid)

	diag := newLineBuffer(h.cfg.StderrLimit)
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		h.readStderr(stderr, diag)
	}()

	session := NewSession(stdout, stdin, funcs, h.logger)
	value, serveErr := session.Serve(ctx)

	// Let the interpreter see EOF, then give it a moment to exit on its own.
	stdin.Close()
	go io.Copy(io.Discard, stdout)

	select {
	case <-stderrDone:
	case <-time.After(stopGrace):
		h.logger.Warn("sandbox did not exit after result, killing")
		proc.Process.Kill()
		<-stderrDone
	}
	exitErr := proc.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil && serveErr != nil {
		e := &ExecError{Message: "execution cancelled", Stderr: diag.Lines()}
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			e.Message = fmt.Sprintf("execution timed out after %s", h.cfg.ExecTimeout)
			e.TimedOut = true
		}
		return nil, e
	}

	var scriptErr *ScriptError
	switch {
	case errors.As(serveErr, &scriptErr):
		return nil, &ExecError{Message: scriptErr.Message, ExitErr: exitErr, Stderr: diag.Lines()}
	case serveErr != nil:
		return nil, &ExecError{Message: serveErr.Error(), ExitErr: exitErr, Stderr: diag.Lines()}
	}

	if exitErr != nil {
		h.logger.Warn("sandbox exited abnormally after result", "error", exitErr)
	}
	h.logger.Info("sandbox finished")
	return value, nil
}

func (h *Host) readStderr(r io.Reader, diag *lineBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		h.logger.Debug("sandbox stderr", "line", line)
		diag.Add(line)
	}

	if err := scanner.Err(); err != nil {
		h.logger.Debug("error reading sandbox stderr", "error", err)
	}
}

// Close terminates any running execution and rejects new ones
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	cur := h.current
	h.mu.Unlock()

	if cur != nil {
		cur.cancel()
		<-cur.done
	}
	return nil
}

// lineBuffer keeps the most recent lines up to a limit
type lineBuffer struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func newLineBuffer(limit int) *lineBuffer {
	return &lineBuffer{limit: limit}
}

func (b *lineBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.limit {
		b.lines = b.lines[len(b.lines)-b.limit:]
	}
}

func (b *lineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}
