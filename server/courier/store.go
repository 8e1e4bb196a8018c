package courier

import "context"

// DurableStore is the long-term message queue consumed by the router whenever
// delivery falls through to offline handling. The store itself lives outside
// this core.
type DurableStore interface {
	// Insert persists the envelope for later fetch by the device and
	// returns an opaque id.
	Insert(ctx context.Context, addr Address, env *Envelope) (string, error)
}
