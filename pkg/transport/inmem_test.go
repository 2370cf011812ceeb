package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPeer_SendRecvRoundTrip(t *testing.T) {
	a, b := NewInMemoryPair()
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(context.Background(), []byte(`{"ping":1}`)))
	line, err := b.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"ping":1}`, string(line))
}

func TestInMemoryPeer_RecvFailsAfterClose(t *testing.T) {
	a, b := NewInMemoryPair()
	defer b.Close()
	a.Close()

	_, err := a.Recv(context.Background())
	require.Error(t, err)
	assert.True(t, a.IsClosed())
}

func TestInMemoryPeer_SendRecvMultipleFrames(t *testing.T) {
	a, b := NewInMemoryPair()
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(context.Background(), []byte("one")))
	require.NoError(t, a.Send(context.Background(), []byte("two")))

	first, err := b.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "one", string(first))

	second, err := b.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "two", string(second))
}

func TestInMemoryTransport_Connect(t *testing.T) {
	a, _ := NewInMemoryPair()
	tr := &InMemoryTransport{Peer: a}
	conn, err := tr.Connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, conn)
}
