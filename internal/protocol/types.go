// Package protocol defines the line-delimited JSON messages exchanged between
// the orchestrator and a sandboxed interpreter.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MessageType discriminates terminal messages written by the sandbox
type MessageType string

const (
	MessageTypeResult MessageType = "result"
	MessageTypeError  MessageType = "error"
)

// Well-known orchestrator functions exposed inside a sandbox
const (
	FuncFork = "fork"
	FuncWait = "wait"
)

// EnvFunctions names the environment variable listing callable functions,
// comma separated
const EnvFunctions = "ARBOR_RPC_FUNCTIONS"

// ErrMalformedMessage indicates a line that is neither a call nor a terminal message
var ErrMalformedMessage = errors.New("protocol: malformed sandbox message")

// Call is written by the sandbox to invoke an orchestrator function
type Call struct {
	ID   int64             `json:"id"`
	Call string            `json:"call"`
	Args []json.RawMessage `json:"args"`
}

// Reply is written by the orchestrator in answer to a Call
type Reply struct {
	ID     int64           `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Terminal signals script completion
type Terminal struct {
	Type    MessageType     `json:"type"`
	Value   json.RawMessage `json:"value,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Inbound is the union of everything a sandbox may write on stdout.
// Exactly one of Call or Terminal is non-nil after Classify.
type Inbound struct {
	Call     *Call
	Terminal *Terminal
}

// inboundWire is the superset of fields used to classify a line
type inboundWire struct {
	ID      *int64            `json:"id"`
	Call    string            `json:"call"`
	Args    []json.RawMessage `json:"args"`
	Type    MessageType       `json:"type"`
	Value   json.RawMessage   `json:"value"`
	Message string            `json:"message"`
}

// UnmarshalJSON classifies a sandbox line
func (in *Inbound) UnmarshalJSON(data []byte) error {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	switch {
	case w.Call != "":
		if w.ID == nil {
			return fmt.Errorf("%w: call %q without id", ErrMalformedMessage, w.Call)
		}
		in.Call = &Call{ID: *w.ID, Call: w.Call, Args: w.Args}
	case w.Type == MessageTypeResult || w.Type == MessageTypeError:
		in.Terminal = &Terminal{Type: w.Type, Value: w.Value, Message: w.Message}
	default:
		return fmt.Errorf("%w: %s", ErrMalformedMessage, truncate(string(data), 100))
	}
	return nil
}

// MarshalJSON writes whichever variant is set
func (in Inbound) MarshalJSON() ([]byte, error) {
	switch {
	case in.Call != nil:
		return json.Marshal(in.Call)
	case in.Terminal != nil:
		return json.Marshal(in.Terminal)
	default:
		return nil, ErrMalformedMessage
	}
}

// OKReply builds a successful reply
func OKReply(id int64, result any) (Reply, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal result for call %d: %w", id, err)
	}
	return Reply{ID: id, OK: true, Result: data}, nil
}

// ErrorReply builds a failed reply
func ErrorReply(id int64, err error) Reply {
	return Reply{ID: id, OK: false, Error: err.Error()}
}

// truncate cuts s to at most n bytes on a rune boundary
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
