package courier

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	writes []*Envelope
	closes []Disconnect
}

func (c *fakeConn) WriteEnvelope(env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, env)
	return nil
}

func (c *fakeConn) Close(d Disconnect) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, d)
	return nil
}

func (c *fakeConn) closeReasons() []Disconnect {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Disconnect, len(c.closes))
	copy(out, c.closes)
	return out
}

func (c *fakeConn) written() []*Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Envelope, len(c.writes))
	copy(out, c.writes)
	return out
}

func TestHubAddReplacesPriorConnection(t *testing.T) {
	h := newHub()
	addr := NewAddress("42", 1)

	first := &fakeConn{}
	second := &fakeConn{}

	require.False(t, h.Add(addr, first))
	require.True(t, h.Add(addr, second))

	// Exactly one close signal, before the new claim is active.
	reasons := first.closeReasons()
	require.Len(t, reasons, 1)
	require.Equal(t, DisconnectConnectionReplaced, reasons[0])

	current, ok := h.Get(addr)
	require.True(t, ok)
	require.Same(t, second, current.(*fakeConn))
}

func TestHubRemoveOnlyCurrentConnection(t *testing.T) {
	h := newHub()
	addr := NewAddress("42", 1)

	first := &fakeConn{}
	second := &fakeConn{}
	h.Add(addr, first)
	h.Add(addr, second)

	// Stale remove from the replaced connection is a no-op.
	require.False(t, h.Remove(addr, first))
	_, ok := h.Get(addr)
	require.True(t, ok)

	require.True(t, h.Remove(addr, second))
	_, ok = h.Get(addr)
	require.False(t, ok)
}

func TestHubShutdownClosesEverything(t *testing.T) {
	h := newHub()
	conns := make([]*fakeConn, 0, 10)
	for i := 0; i < 10; i++ {
		conn := &fakeConn{}
		conns = append(conns, conn)
		h.Add(NewAddress("acct", uint8(i)), conn)
	}
	require.Equal(t, 10, h.NumConnections())

	require.NoError(t, h.shutdown(context.Background()))
	for _, conn := range conns {
		reasons := conn.closeReasons()
		require.Len(t, reasons, 1)
		require.Equal(t, DisconnectShutdown, reasons[0])
	}
}
