// Command mocksandbox is a scriptable stand-in for a sandbox interpreter.
// It speaks the sandbox wire protocol on stdin/stdout and executes a tiny
// line-oriented script whose path is the last argument:
//
//	h = fork <prompt>        call fork, store the handle in h
//	r = wait $h              call wait, store the result in r
//	x = call <fn> [args...]  call any function; args are JSON or bare strings
//	x = try <fn> [args...]   like call, but a failure stores its message
//	print <text>             write text to stderr
//	emit <raw>               write a raw line to stdout
//	sleep <duration>         pause
//	fail <message>           finish with a script error
//	exit <code>              exit without a terminal message
//	result <text|$var>       finish with a value
//
// $name expands to a stored value. A script without a result line finishes
// with null.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/iambrandonn/arbor/internal/protocol"
	"github.com/iambrandonn/arbor/internal/sandbox"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if len(os.Args) < 2 {
		logger.Error("usage: mocksandbox <script>")
		os.Exit(2)
	}
	path := os.Args[len(os.Args)-1]

	lines, err := readScript(path)
	if err != nil {
		logger.Error("failed to load script", "path", path, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	logger.Info("mock sandbox starting",
		"task_id", os.Getenv(sandbox.EnvTaskID),
		"functions", os.Getenv(protocol.EnvFunctions),
		"pid", os.Getpid())

	m := &machine{
		client: sandbox.NewClient(os.Stdin, os.Stdout, logger),
		vars:   make(map[string]json.RawMessage),
		logger: logger,
	}
	if err := m.run(ctx, lines); err != nil {
		logger.Error("script failed", "error", err)
		os.Exit(1)
	}
}

func readScript(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

type machine struct {
	client *sandbox.Client
	vars   map[string]json.RawMessage
	logger *slog.Logger
}

func (m *machine) run(ctx context.Context, lines []string) error {
	for n, line := range lines {
		done, err := m.step(ctx, line)
		if err != nil {
			// Report the failure the way a raised exception would be.
			return m.client.Fail(fmt.Sprintf("line %d: %v", n+1, err))
		}
		if done {
			return nil
		}
	}
	return m.client.Result(nil)
}

// step executes one statement and reports whether the script finished
func (m *machine) step(ctx context.Context, line string) (bool, error) {
	if target, expr, ok := strings.Cut(line, "="); ok && isIdent(strings.TrimSpace(target)) {
		return false, m.assign(ctx, strings.TrimSpace(target), strings.TrimSpace(expr))
	}

	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "print":
		fmt.Fprintln(os.Stderr, m.expand(rest))
	case "emit":
		fmt.Fprintln(os.Stdout, rest)
	case "sleep":
		d, err := time.ParseDuration(rest)
		if err != nil {
			return false, err
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	case "fail":
		return true, m.client.Fail(m.expand(rest))
	case "exit":
		code, err := strconv.Atoi(rest)
		if err != nil {
			return false, err
		}
		os.Exit(code)
	case "result":
		if raw, ok := m.lookup(rest); ok {
			return true, m.client.Result(raw)
		}
		return true, m.client.Result(m.expand(rest))
	default:
		return false, fmt.Errorf("unknown statement %q", verb)
	}
	return false, nil
}

func (m *machine) assign(ctx context.Context, target, expr string) error {
	verb, rest, _ := strings.Cut(expr, " ")
	rest = strings.TrimSpace(rest)

	var (
		name string
		args []any
		try  bool
	)
	switch verb {
	case "fork":
		name, args = protocol.FuncFork, []any{m.expand(rest)}
	case "wait":
		name, args = protocol.FuncWait, []any{m.value(rest)}
	case "call", "try":
		try = verb == "try"
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return fmt.Errorf("%s needs a function name", verb)
		}
		name = fields[0]
		for _, f := range fields[1:] {
			args = append(args, m.value(f))
		}
	default:
		return fmt.Errorf("unknown expression %q", verb)
	}

	result, err := m.client.Call(ctx, name, args...)
	if err != nil {
		if !try {
			return err
		}
		result, _ = json.Marshal(err.Error())
	}
	m.vars[target] = result
	m.logger.Debug("assigned", "var", target, "value", string(result))
	return nil
}

func (m *machine) lookup(token string) (json.RawMessage, bool) {
	if !strings.HasPrefix(token, "$") {
		return nil, false
	}
	raw, ok := m.vars[token[1:]]
	return raw, ok
}

// value turns one argument token into a call argument
func (m *machine) value(token string) any {
	if raw, ok := m.lookup(token); ok {
		return raw
	}
	if json.Valid([]byte(token)) {
		return json.RawMessage(token)
	}
	return token
}

// expand replaces $name references inside free text
func (m *machine) expand(text string) string {
	fields := strings.Split(text, " ")
	for i, f := range fields {
		raw, ok := m.lookup(f)
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			fields[i] = s
		} else {
			fields[i] = string(raw)
		}
	}
	return strings.Join(fields, " ")
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
