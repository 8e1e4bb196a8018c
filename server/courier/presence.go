package courier

import "sync"

// PresenceManager records which process owns the live connection for an
// address, cluster-wide. An address has at most one owner at any instant; the
// router's displacement protocol enforces this across concurrent connects.
type PresenceManager interface {
	// Lookup returns the owning process id for address, if any.
	Lookup(addr Address) (ownerID string, ok bool, err error)
	// Claim records ownerID as the owner of address, replacing any previous
	// owner.
	Claim(addr Address, ownerID string) error
	// Release removes the presence entry only if ownerID still owns it, so a
	// late release cannot clobber a newer claim.
	Release(addr Address, ownerID string) error
}

// MemoryPresenceManager keeps presence in process memory. Suitable for tests
// and single-process deployments.
type MemoryPresenceManager struct {
	mu     sync.RWMutex
	owners map[Address]string
}

func NewMemoryPresenceManager() *MemoryPresenceManager {
	return &MemoryPresenceManager{owners: make(map[Address]string)}
}

func (m *MemoryPresenceManager) Lookup(addr Address) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.owners[addr]
	return owner, ok, nil
}

func (m *MemoryPresenceManager) Claim(addr Address, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[addr] = ownerID
	return nil
}

func (m *MemoryPresenceManager) Release(addr Address, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[addr] == ownerID {
		delete(m.owners, addr)
	}
	return nil
}
