package engine

import "sync"

// Registry holds the current driver<->order pairings. Both directions of a
// pairing are committed in one critical section, so the mutual-consistency
// invariant (driver points at order iff order points at driver) holds at
// every observable instant. The lock covers only O(1) map work; scans run
// on store snapshots outside it.
type Registry struct {
	mu            sync.Mutex
	orderByDriver map[string]string
	driverByOrder map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		orderByDriver: make(map[string]string),
		driverByOrder: make(map[string]string),
	}
}

// TryAssign commits the pairing only if both sides are still free at the
// instant of commit. First committer wins; the loser gets ErrConflict and
// no state is mutated.
func (r *Registry) TryAssign(driverID, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.orderByDriver[driverID]; busy {
		return ErrConflict
	}
	if _, taken := r.driverByOrder[orderID]; taken {
		return ErrConflict
	}
	r.orderByDriver[driverID] = orderID
	r.driverByOrder[orderID] = driverID
	return nil
}

// Release clears the pairing. Idempotent: releasing an already-cleared or
// mismatched pairing is a no-op.
func (r *Registry) Release(driverID, orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.orderByDriver[driverID] == orderID {
		delete(r.orderByDriver, driverID)
	}
	if r.driverByOrder[orderID] == driverID {
		delete(r.driverByOrder, orderID)
	}
}

func (r *Registry) OrderFor(driverID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.orderByDriver[driverID]
	return id, ok
}

func (r *Registry) DriverFor(orderID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.driverByOrder[orderID]
	return id, ok
}

// Pairs returns a snapshot of the pairing table keyed by driver id.
func (r *Registry) Pairs() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.orderByDriver))
	for d, o := range r.orderByDriver {
		out[d] = o
	}
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orderByDriver = make(map[string]string)
	r.driverByOrder = make(map[string]string)
}
