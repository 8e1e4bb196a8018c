package courier

import (
	"context"
	"hash/fnv"
	"sync"
)

const (
	numHubShards             = 64
	hubShutdownSemaphoreSize = 128
)

// Hub is the registry of local live connections, sharded by address. It
// enforces the single-connection invariant for this process: adding a
// connection for an address that already has one closes the previous
// connection before the new one is stored.
type Hub struct {
	connShards [numHubShards]*connShard
}

func newHub() *Hub {
	h := &Hub{}
	for i := 0; i < numHubShards; i++ {
		h.connShards[i] = newConnShard()
	}
	return h
}

// index chooses bucket number in range [0, numBuckets).
func index(s string, numBuckets int) int {
	if numBuckets == 1 {
		return 0
	}
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(s))
	return int(hash.Sum64() % uint64(numBuckets))
}

func (h *Hub) shard(addr Address) *connShard {
	return h.connShards[index(addr.String(), numHubShards)]
}

// Add stores conn as the connection for addr. It returns true if a previous
// connection was displaced; that connection is closed with
// DisconnectConnectionReplaced before Add returns.
func (h *Hub) Add(addr Address, conn Connection) bool {
	return h.shard(addr).add(addr, conn)
}

// Remove drops the entry for addr only if conn is still the stored
// connection, protecting against a disconnect racing a newer connect.
func (h *Hub) Remove(addr Address, conn Connection) bool {
	return h.shard(addr).remove(addr, conn)
}

func (h *Hub) Get(addr Address) (Connection, bool) {
	return h.shard(addr).get(addr)
}

func (h *Hub) NumConnections() int {
	var total int
	for i := 0; i < numHubShards; i++ {
		total += h.connShards[i].numConnections()
	}
	return total
}

// Addresses returns the addresses of all local connections.
func (h *Hub) Addresses() []Address {
	addrs := make([]Address, 0, h.NumConnections())
	for i := 0; i < numHubShards; i++ {
		addrs = append(addrs, h.connShards[i].addresses()...)
	}
	return addrs
}

func (h *Hub) shutdown(ctx context.Context) error {
	sem := make(chan struct{}, hubShutdownSemaphoreSize)

	var errMu sync.Mutex
	var shutdownErr error

	var wg sync.WaitGroup
	wg.Add(numHubShards)
	for i := 0; i < numHubShards; i++ {
		go func(i int) {
			defer wg.Done()
			err := h.connShards[i].shutdown(ctx, sem)
			if err != nil {
				errMu.Lock()
				if shutdownErr == nil {
					shutdownErr = err
				}
				errMu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return shutdownErr
}

type connShard struct {
	mu    sync.RWMutex
	conns map[Address]Connection
}

func newConnShard() *connShard {
	return &connShard{conns: make(map[Address]Connection)}
}

func (s *connShard) add(addr Address, conn Connection) bool {
	s.mu.Lock()
	prev, replaced := s.conns[addr]
	s.conns[addr] = conn
	s.mu.Unlock()
	if replaced && prev != conn {
		_ = prev.Close(DisconnectConnectionReplaced)
		return true
	}
	return false
}

func (s *connShard) remove(addr Address, conn Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.conns[addr]
	if !ok || current != conn {
		return false
	}
	delete(s.conns, addr)
	return true
}

func (s *connShard) get(addr Address) (Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[addr]
	return conn, ok
}

func (s *connShard) numConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *connShard) addresses() []Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]Address, 0, len(s.conns))
	for addr := range s.conns {
		addrs = append(addrs, addr)
	}
	return addrs
}

func (s *connShard) shutdown(ctx context.Context, sem chan struct{}) error {
	s.mu.RLock()
	// The node no longer accepts connections at this point, so the snapshot
	// is stable enough to close outside the lock.
	conns := make([]Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	if len(conns) == 0 {
		return nil
	}

	closeFinishedCh := make(chan struct{}, len(conns))
	finished := 0

	for _, conn := range conns {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		go func(c Connection) {
			defer func() { <-sem }()
			defer func() { closeFinishedCh <- struct{}{} }()
			_ = c.Close(DisconnectShutdown)
		}(conn)
	}

	for {
		select {
		case <-closeFinishedCh:
			finished++
			if finished == len(conns) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
