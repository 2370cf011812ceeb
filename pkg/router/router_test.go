package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stacklok/mcp-proxy/pkg/perrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixName(t *testing.T) {
	assert.Equal(t, "mcp__proxy__A__echo", PrefixName("A", "echo"))
	assert.Equal(t, "mcp__proxy__my_server__tool", PrefixName("my-server", "tool"))
}

func TestSplitName(t *testing.T) {
	server, name, ok := SplitName("mcp__proxy__my_server__tool__with__dunders")
	require.True(t, ok)
	assert.Equal(t, "my_server", server)
	assert.Equal(t, "tool__with__dunders", name)

	_, _, ok = SplitName("plain_tool")
	assert.False(t, ok)
}

// TestRoundTrip is the round-trip law: route(prefix(name, server))
// == (server, name) for every valid (server, name) pair.
func TestRoundTrip(t *testing.T) {
	r := New(nil)
	r.RegisterBackend("my-server")
	r.RegisterTool("my-server", "echo")

	prefixed := PrefixName("my-server", "echo")
	backend, original, err := r.RouteToolCall(prefixed)
	require.NoError(t, err)
	assert.Equal(t, "my-server", backend)
	assert.Equal(t, "echo", original)
}

func TestRouteToolCall_UnprefixedFallback(t *testing.T) {
	r := New(nil)
	r.RegisterBackend("A")
	r.RegisterTool("A", "echo")

	backend, original, err := r.RouteToolCall("echo")
	require.NoError(t, err)
	assert.Equal(t, "A", backend)
	assert.Equal(t, "echo", original)
}

func TestRouteToolCall_NotFound(t *testing.T) {
	r := New(nil)
	_, _, err := r.RouteToolCall("missing")
	require.Error(t, err)
	assert.True(t, perrors.IsServerNotFound(err))
}

func TestRemoveBackend_DropsEntriesAndFailsQueue(t *testing.T) {
	r := New(func(context.Context, string, string, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("forward should not be called")
		return nil, nil
	})
	r.RegisterBackend("A")
	r.RegisterTool("A", "echo")

	done := make(chan error, 1)
	go func() {
		_, err := r.Enqueue(context.Background(), "A", "tools/call", nil)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	failErr := perrors.NewServerNotFoundError("removed", nil)
	r.RemoveBackend("A", failErr)

	select {
	case err := <-done:
		assert.Equal(t, failErr, err)
	case <-time.After(time.Second):
		t.Fatal("queued request was never replied to")
	}

	_, _, err := r.RouteToolCall("echo")
	assert.True(t, perrors.IsServerNotFound(err))
}

// TestDrain_ForwardsInFIFOOrder is the "queued-then-drained" scenario of
// this design scenario 3.
func TestDrain_ForwardsInFIFOOrder(t *testing.T) {
	var order []string
	r := New(func(_ context.Context, backend, method string, params json.RawMessage) (json.RawMessage, error) {
		order = append(order, string(params))
		return []byte(`"ok:` + string(params) + `"`), nil
	})
	r.RegisterBackend("X")

	results := make(chan string, 2)
	for _, p := range []string{`"first"`, `"second"`} {
		p := p
		go func() {
			res, err := r.Enqueue(context.Background(), "X", "tools/call", json.RawMessage(p))
			require.NoError(t, err)
			results <- string(res)
		}()
		// Let this request reach the queue before the next one starts.
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	r.Drain(context.Background(), "X")

	got := []string{<-results, <-results}
	assert.ElementsMatch(t, []string{`"ok:"first""`, `"ok:"second""`}, got)
	assert.Equal(t, []string{`"first"`, `"second"`}, order)
}

func TestFailQueue_NeverSilentlyDrops(t *testing.T) {
	r := New(nil)
	r.RegisterBackend("A")

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Enqueue(context.Background(), "A", "m", nil)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	failErr := perrors.NewInternalError("backend failed", nil)
	r.FailQueue("A", failErr)

	select {
	case err := <-errCh:
		assert.Equal(t, failErr, err)
	case <-time.After(time.Second):
		t.Fatal("queued request was silently dropped")
	}
}
