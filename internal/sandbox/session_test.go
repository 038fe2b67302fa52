package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pair struct {
	session *Session
	client  *Client
	callW   *io.PipeWriter
	replyW  *io.PipeWriter
}

// newPair wires a Session and a Client back to back over in-memory pipes
func newPair(t *testing.T, funcs Functions) *pair {
	t.Helper()
	callR, callW := io.Pipe()
	replyR, replyW := io.Pipe()

	p := &pair{
		session: NewSession(callR, replyW, funcs, testLogger()),
		client:  NewClient(replyR, callW, testLogger()),
		callW:   callW,
		replyW:  replyW,
	}
	t.Cleanup(func() {
		callW.Close()
		replyW.Close()
	})
	return p
}

type serveResult struct {
	value json.RawMessage
	err   error
}

func (p *pair) serve(ctx context.Context) <-chan serveResult {
	ch := make(chan serveResult, 1)
	go func() {
		v, err := p.session.Serve(ctx)
		ch <- serveResult{value: v, err: err}
	}()
	return ch
}

func awaitServe(t *testing.T, ch <-chan serveResult) serveResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return serveResult{}
	}
}

// forkTable is a minimal fork/wait implementation for exercising the bridge
type forkTable struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]chan string
}

func newForkTable() *forkTable {
	return &forkTable{pending: make(map[int64]chan string)}
}

func (f *forkTable) functions() Functions {
	return Functions{
		"fork": func(ctx context.Context, args []json.RawMessage) (any, error) {
			var prompt string
			if err := json.Unmarshal(args[0], &prompt); err != nil {
				return nil, err
			}
			f.mu.Lock()
			f.next++
			h := f.next
			ch := make(chan string, 1)
			f.pending[h] = ch
			f.mu.Unlock()

			go func() {
				time.Sleep(20 * time.Millisecond)
				ch <- "answer to " + prompt
			}()
			return h, nil
		},
		"wait": func(ctx context.Context, args []json.RawMessage) (any, error) {
			var h int64
			if err := json.Unmarshal(args[0], &h); err != nil {
				return nil, err
			}
			f.mu.Lock()
			ch, ok := f.pending[h]
			delete(f.pending, h)
			f.mu.Unlock()
			if !ok {
				return nil, fmt.Errorf("unknown handle %d", h)
			}
			select {
			case v := <-ch:
				return v, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func TestSessionForkWait(t *testing.T) {
	p := newPair(t, newForkTable().functions())
	done := p.serve(context.Background())
	ctx := context.Background()

	h1, err := p.client.Call(ctx, "fork", "alpha")
	require.NoError(t, err)
	h2, err := p.client.Call(ctx, "fork", "beta")
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(h1))
	assert.JSONEq(t, "2", string(h2))

	r2, err := p.client.Call(ctx, "wait", h2)
	require.NoError(t, err)
	r1, err := p.client.Call(ctx, "wait", h1)
	require.NoError(t, err)
	assert.JSONEq(t, `"answer to beta"`, string(r2))
	assert.JSONEq(t, `"answer to alpha"`, string(r1))

	_, err = p.client.Call(ctx, "wait", h1)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unknown handle 1")

	require.NoError(t, p.client.Result(map[string]string{"a": "done"}))
	res := awaitServe(t, done)
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"a":"done"}`, string(res.value))
}

func TestSessionUnknownFunction(t *testing.T) {
	p := newPair(t, Functions{"fork": nil, "wait": nil})
	done := p.serve(context.Background())

	_, err := p.client.Call(context.Background(), "launch_missiles")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "launch_missiles", remote.Call)
	assert.Contains(t, remote.Message, "unknown function")
	assert.Contains(t, remote.Message, "fork, wait")

	require.NoError(t, p.client.Result(nil))
	res := awaitServe(t, done)
	require.NoError(t, res.err)
	assert.JSONEq(t, "null", string(res.value))
}

func TestSessionScriptError(t *testing.T) {
	p := newPair(t, Functions{})
	done := p.serve(context.Background())

	require.NoError(t, p.client.Fail("ZeroDivisionError: division by zero"))
	res := awaitServe(t, done)

	var scriptErr *ScriptError
	require.ErrorAs(t, res.err, &scriptErr)
	assert.Equal(t, "ZeroDivisionError: division by zero", scriptErr.Message)
}

func TestSessionEOFWithoutResult(t *testing.T) {
	p := newPair(t, Functions{})
	done := p.serve(context.Background())

	p.callW.Close()
	res := awaitServe(t, done)
	assert.ErrorIs(t, res.err, ErrNoResult)
}

func TestSessionSkipsMalformedLines(t *testing.T) {
	p := newPair(t, Functions{})
	done := p.serve(context.Background())

	go func() {
		fmt.Fprintln(p.callW, "Traceback (most recent call last):")
		fmt.Fprintln(p.callW, `{"call":"fork","args":["no id"]}`)
		fmt.Fprintln(p.callW, `{"hello":"world"}`)
		fmt.Fprintln(p.callW, `{"type":"result","value":42}`)
	}()

	res := awaitServe(t, done)
	require.NoError(t, res.err)
	assert.JSONEq(t, "42", string(res.value))
}

func TestSessionConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	var blocked atomic.Int32

	funcs := Functions{
		"block": func(ctx context.Context, args []json.RawMessage) (any, error) {
			blocked.Add(1)
			select {
			case <-release:
				return "released", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		"release": func(ctx context.Context, args []json.RawMessage) (any, error) {
			close(release)
			return true, nil
		},
	}

	p := newPair(t, funcs)
	done := p.serve(context.Background())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]string, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := p.client.Call(ctx, "block")
			if assert.NoError(t, err) {
				results[i] = string(raw)
			}
		}(i)
	}

	// A blocked call must not stall the one that unblocks it.
	require.Eventually(t, func() bool { return blocked.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	_, err := p.client.Call(ctx, "release")
	require.NoError(t, err)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, `"released"`, r)
	}

	require.NoError(t, p.client.Result("ok"))
	res := awaitServe(t, done)
	require.NoError(t, res.err)
}

func TestSessionCancelsOutstandingCalls(t *testing.T) {
	var cancelled atomic.Bool
	started := make(chan struct{})

	funcs := Functions{
		"hang": func(ctx context.Context, args []json.RawMessage) (any, error) {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return nil, ctx.Err()
		},
	}

	p := newPair(t, funcs)
	done := p.serve(context.Background())

	go p.client.Call(context.Background(), "hang")
	<-started

	require.NoError(t, p.client.Result("early"))
	res := awaitServe(t, done)
	require.NoError(t, res.err)
	assert.True(t, cancelled.Load(), "outstanding call should observe cancellation before Serve returns")
}

func TestSessionContextCancel(t *testing.T) {
	p := newPair(t, Functions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := p.serve(ctx)

	cancel()
	// Serve notices cancellation on the next line it reads.
	go fmt.Fprintln(p.callW, `{"hello":"world"}`)

	res := awaitServe(t, done)
	assert.True(t, errors.Is(res.err, context.Canceled))
}

func TestClientClosedChannel(t *testing.T) {
	p := newPair(t, Functions{
		"slow": func(ctx context.Context, args []json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	p.serve(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := p.client.Call(context.Background(), "slow")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.replyW.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after channel closed")
	}

	_, err := p.client.Call(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestFunctionsNames(t *testing.T) {
	f := Functions{"wait": nil, "fork": nil, "ask": nil}
	assert.Equal(t, []string{"ask", "fork", "wait"}, f.Names())
}
