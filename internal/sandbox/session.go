// Package sandbox bridges scripts running in an external interpreter back to
// orchestrator-provided functions over line-delimited JSON.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/iambrandonn/arbor/internal/ndjson"
	"github.com/iambrandonn/arbor/internal/protocol"
)

// ErrNoResult indicates the sandbox closed its output without a terminal message
var ErrNoResult = errors.New("sandbox: output closed without a result")

// ErrUnknownFunction is returned to the sandbox for calls to unregistered names
var ErrUnknownFunction = errors.New("sandbox: unknown function")

// Func is an orchestrator function callable from inside a sandbox.
// ctx is cancelled when the execution ends.
type Func func(ctx context.Context, args []json.RawMessage) (any, error)

// Functions maps callable names to implementations
type Functions map[string]Func

// Names returns the sorted function names
func (f Functions) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ScriptError is a failure reported by the script itself
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string {
	return "script raised: " + e.Message
}

// Session serves one script execution over a sandbox's standard streams
type Session struct {
	encoder *ndjson.Encoder
	decoder *ndjson.Decoder
	funcs   Functions
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewSession creates a session reading sandbox messages from r and writing
// replies to w
func NewSession(r io.Reader, w io.Writer, funcs Functions, logger *slog.Logger) *Session {
	return &Session{
		encoder: ndjson.NewEncoder(w, logger),
		decoder: ndjson.NewDecoder(r, logger),
		funcs:   funcs,
		logger:  logger,
	}
}

// Serve dispatches calls until the sandbox writes a terminal message. Each
// call runs on its own goroutine so a blocking call never stalls the others.
// Outstanding calls are cancelled and drained before Serve returns.
func (s *Session) Serve(ctx context.Context) (json.RawMessage, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		in, err := s.decoder.DecodeInbound()
		if err == io.EOF {
			return nil, ErrNoResult
		}
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedMessage) {
				s.logger.Warn("ignoring malformed sandbox message", "error", err)
				continue
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				s.logger.Warn("ignoring non-JSON sandbox output", "error", err)
				continue
			}
			return nil, fmt.Errorf("read sandbox output: %w", err)
		}

		if in.Terminal != nil {
			switch in.Terminal.Type {
			case protocol.MessageTypeResult:
				return in.Terminal.Value, nil
			default:
				return nil, &ScriptError{Message: in.Terminal.Message}
			}
		}

		call := in.Call
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(callCtx, call)
		}()
	}
}

func (s *Session) handle(ctx context.Context, call *protocol.Call) {
	s.logger.Debug("sandbox call", "id", call.ID, "call", call.Call, "args", len(call.Args))

	var reply protocol.Reply
	fn, ok := s.funcs[call.Call]
	if !ok {
		reply = protocol.ErrorReply(call.ID, fmt.Errorf("%w: %s (available: %s)",
			ErrUnknownFunction, call.Call, strings.Join(s.funcs.Names(), ", ")))
	} else {
		result, err := fn(ctx, call.Args)
		if err != nil {
			reply = protocol.ErrorReply(call.ID, err)
		} else if reply, err = protocol.OKReply(call.ID, result); err != nil {
			reply = protocol.ErrorReply(call.ID, err)
		}
	}

	if ctx.Err() != nil {
		// execution is over; nobody is listening
		return
	}
	if err := s.encoder.Encode(reply); err != nil {
		s.logger.Warn("failed to send reply to sandbox", "id", call.ID, "error", err)
	}
}
