package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct {
	name string
	err  error
	seen []Call
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echoes " + e.name }
func (e *echoTool) Execute(ctx context.Context, call Call) (string, error) {
	e.seen = append(e.seen, call)
	if e.err != nil {
		return "", e.err
	}
	return call.Name + ":" + call.Input, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryExecute(t *testing.T) {
	echo := &echoTool{name: "echo"}
	r := NewRegistry(discard(), echo)

	out := r.Execute(context.Background(), Call{TaskID: "t1", Name: "echo", Input: "hi"})
	assert.Equal(t, "echo:hi", out)
	require.Len(t, echo.seen, 1)
	assert.Equal(t, "t1", echo.seen[0].TaskID)
}

func TestRegistryErrorsBecomeText(t *testing.T) {
	r := NewRegistry(discard(), &echoTool{name: "broken", err: errors.New("disk on fire")})

	assert.Equal(t, "Error: disk on fire", r.Execute(context.Background(), Call{Name: "broken"}))
	assert.Contains(t, r.Execute(context.Background(), Call{Name: "missing"}), "unknown tool")
}

func TestRegistryWithDoesNotMutateBase(t *testing.T) {
	base := NewRegistry(discard(), &echoTool{name: "b"})
	ext := base.With(&echoTool{name: "a"})

	assert.Equal(t, []Spec{{Name: "b", Description: "echoes b"}}, base.Specs())
	assert.Equal(t, []Spec{
		{Name: "a", Description: "echoes a"},
		{Name: "b", Description: "echoes b"},
	}, ext.Specs())
}

func TestWebFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, `<html><head><title>Capitals</title><script>var x=1;</script></head>
<body><nav>menu</nav><h2>France</h2><p>The capital of   France is Paris.</p>
<ul><li>Lyon</li><li>Nice</li></ul></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tool := NewWebFetch(srv.Client())

	out, err := tool.Execute(context.Background(), Call{Input: srv.URL + "/page"})
	require.NoError(t, err)
	assert.Contains(t, out, "# Capitals")
	assert.Contains(t, out, "## France")
	assert.Contains(t, out, "The capital of France is Paris.")
	assert.Contains(t, out, "- Lyon")
	assert.NotContains(t, out, "var x")
	assert.NotContains(t, out, "menu")

	_, err = tool.Execute(context.Background(), Call{Input: srv.URL + "/missing"})
	assert.ErrorContains(t, err, "HTTP 404")

	_, err = tool.Execute(context.Background(), Call{Input: "ftp://example.com"})
	assert.ErrorContains(t, err, "http or https")

	_, err = tool.Execute(context.Background(), Call{Input: " "})
	assert.Error(t, err)
}
