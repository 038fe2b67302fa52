package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/iambrandonn/arbor/internal/ndjson"
	"github.com/iambrandonn/arbor/internal/protocol"
)

// ErrClientClosed is returned for calls outstanding when the orchestrator side goes away
var ErrClientClosed = errors.New("sandbox: orchestrator channel closed")

// RemoteError is a failure reported by the orchestrator for one call
type RemoteError struct {
	Call    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Call, e.Message)
}

// Client is the sandbox-side runtime: it issues calls to the orchestrator and
// blocks each caller on its own waiter until the reply with a matching id
// arrives. Calls may be made from many goroutines at once.
type Client struct {
	encoder *ndjson.Encoder
	decoder *ndjson.Decoder
	logger  *slog.Logger

	mu      sync.Mutex
	nextID  int64
	waiters map[int64]chan *protocol.Reply
	closed  bool
}

// NewClient starts routing replies read from r; calls are written to w
func NewClient(r io.Reader, w io.Writer, logger *slog.Logger) *Client {
	c := &Client{
		encoder: ndjson.NewEncoder(w, logger),
		decoder: ndjson.NewDecoder(r, logger),
		logger:  logger,
		waiters: make(map[int64]chan *protocol.Reply),
	}
	go c.readReplies()
	return c
}

func (c *Client) readReplies() {
	for {
		reply, err := c.decoder.DecodeReply()
		if err != nil {
			if err != io.EOF {
				c.logger.Error("failed to read reply", "error", err)
			}
			c.closeWaiters()
			return
		}

		c.mu.Lock()
		ch, ok := c.waiters[reply.ID]
		delete(c.waiters, reply.ID)
		c.mu.Unlock()

		if !ok {
			c.logger.Warn("reply for unknown call", "id", reply.ID)
			continue
		}
		ch <- reply
	}
}

func (c *Client) closeWaiters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
}

// Call invokes an orchestrator function and waits for its result
func (c *Client) Call(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	rawArgs := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal argument for %s: %w", name, err)
		}
		rawArgs = append(rawArgs, data)
	}

	ch := make(chan *protocol.Reply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.nextID++
	id := c.nextID
	c.waiters[id] = ch
	c.mu.Unlock()

	if err := c.encoder.Encode(protocol.Call{ID: id, Call: name, Args: rawArgs}); err != nil {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		if !reply.OK {
			return nil, &RemoteError{Call: name, Message: reply.Error}
		}
		return reply.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Result writes the terminal success message
func (c *Client) Result(value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return c.encoder.Encode(protocol.Terminal{Type: protocol.MessageTypeResult, Value: data})
}

// Fail writes the terminal error message
func (c *Client) Fail(message string) error {
	return c.encoder.Encode(protocol.Terminal{Type: protocol.MessageTypeError, Message: message})
}
