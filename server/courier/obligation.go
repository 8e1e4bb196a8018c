package courier

import (
	"sync"

	"github.com/venlock/courier/pkg/slot"
)

// ObligationStore is the cluster-partitioned record of outstanding fallback
// pushes. An obligation lives in the slot derived from hashing its address's
// channel name with the cluster's own slot function, so each process's sweep
// stays within slots the cluster already co-locates for it.
//
// Every mutation is a single atomic structure op against the store, never a
// multi-step transaction, so concurrent writers from different processes are
// safe within one slot.
type ObligationStore interface {
	// Schedule inserts or overwrites the obligation for addr with the new
	// due time (epoch millis). The retry count is kept.
	Schedule(addr Address, dueAt int64) error
	// Cancel removes the obligation and its retry count. Canceling an
	// obligation that does not exist is a no-op.
	Cancel(addr Address) error
	// Due returns addresses in sl whose due time is <= now.
	Due(sl int, now int64) ([]Address, error)
	// TryClaim removes addr from its slot and reports whether this caller
	// performed the removal. Exactly one concurrent sweeper claims a given
	// obligation.
	TryClaim(addr Address) (bool, error)
	// IncrRetries bumps and returns the retry count for addr.
	IncrRetries(addr Address) (int64, error)
	// ClearRetries drops the retry count for addr.
	ClearRetries(addr Address) error
	// Cursor returns the persisted next-slot-to-scan position.
	Cursor() (int, error)
	// AdvanceCursor persists the next-slot-to-scan position.
	AdvanceCursor(next int) error
}

func obligationSlot(addr Address) int {
	return slot.ForKey(addr.Channel())
}

// MemoryObligationStore keeps obligations in process memory. Suitable for
// tests and single-process deployments.
type MemoryObligationStore struct {
	mu      sync.Mutex
	slots   map[int]map[Address]int64
	retries map[Address]int64
	cursor  int
}

func NewMemoryObligationStore() *MemoryObligationStore {
	return &MemoryObligationStore{
		slots:   make(map[int]map[Address]int64),
		retries: make(map[Address]int64),
	}
}

func (s *MemoryObligationStore) Schedule(addr Address, dueAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := obligationSlot(addr)
	if s.slots[sl] == nil {
		s.slots[sl] = make(map[Address]int64)
	}
	s.slots[sl][addr] = dueAt
	return nil
}

func (s *MemoryObligationStore) Cancel(addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := obligationSlot(addr)
	delete(s.slots[sl], addr)
	delete(s.retries, addr)
	return nil
}

func (s *MemoryObligationStore) Due(sl int, now int64) ([]Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Address
	for addr, dueAt := range s.slots[sl] {
		if dueAt <= now {
			due = append(due, addr)
		}
	}
	return due, nil
}

func (s *MemoryObligationStore) TryClaim(addr Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := obligationSlot(addr)
	if _, ok := s.slots[sl][addr]; !ok {
		return false, nil
	}
	delete(s.slots[sl], addr)
	return true, nil
}

func (s *MemoryObligationStore) IncrRetries(addr Address) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[addr]++
	return s.retries[addr], nil
}

func (s *MemoryObligationStore) ClearRetries(addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, addr)
	return nil
}

func (s *MemoryObligationStore) Cursor() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *MemoryObligationStore) AdvanceCursor(next int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = next
	return nil
}
