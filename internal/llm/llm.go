// Package llm adapts conversational model APIs to a small text interface.
package llm

import "context"

// Role of a conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn
type Message struct {
	Role    Role
	Content string
}

// Request is a single model invocation
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// DeltaFunc receives streamed text. Returning an error stops the stream and
// the error is returned from Stream unchanged.
type DeltaFunc func(text string) error

// Model generates text
type Model interface {
	// Complete returns the whole reply
	Complete(ctx context.Context, req Request) (string, error)
	// Stream delivers the reply incrementally and returns the full text
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) (string, error)
}

// Normalize merges consecutive turns with the same role and makes sure the
// conversation opens with a user turn, as chat APIs require
func Normalize(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 || out[0].Role != RoleUser {
		out = append([]Message{{Role: RoleUser, Content: "(continue)"}}, out...)
	}
	return out
}
