package controller

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jxucoder/efimeral/pkg/model"
)

// entry is the registry slot for one lease.
//
// mu serializes state transitions. lease is the working record and is only
// read or replaced under mu; every replacement is published to snap so
// status reads never wait on a transition in progress.
type entry struct {
	mu    sync.Mutex
	lease *model.Lease
	snap  atomic.Pointer[model.Lease]

	// provisioned is closed once launch has either committed ACTIVE or
	// started reclaiming the lease itself.
	provisioned chan struct{}
	settleOnce  sync.Once

	// teardown is the reclamation in flight, if any. Guarded by mu.
	teardown *teardown
}

type teardown struct {
	done chan struct{}
	err  error
}

func newEntry(l *model.Lease) *entry {
	e := &entry{lease: l, provisioned: make(chan struct{})}
	e.snap.Store(l)
	if l.State != model.StateProvisioning {
		e.settle()
	}
	return e
}

func (e *entry) settle() {
	e.settleOnce.Do(func() { close(e.provisioned) })
}

// snapshot returns a copy of the last committed record.
func (e *entry) snapshot() *model.Lease {
	return e.snap.Load().Clone()
}

// commit replaces the working record with next. States never move
// backwards. The caller holds e.mu.
func (e *entry) commit(next *model.Lease) error {
	if next.State.Before(e.lease.State) {
		return fmt.Errorf("lease %s: invalid transition %s -> %s", next.ID, e.lease.State, next.State)
	}
	e.lease = next
	e.snap.Store(next)
	return nil
}

// registry holds every known lease keyed by id, with a secondary index of
// the instances owned by non-terminal leases.
type registry struct {
	mu         sync.RWMutex
	leases     map[string]*entry
	byInstance map[string]string // instance key -> lease id
}

func newRegistry() *registry {
	return &registry{
		leases:     make(map[string]*entry),
		byInstance: make(map[string]string),
	}
}

// add registers a lease. A non-terminal lease whose instance is already
// owned by another non-terminal lease is rejected with
// model.ErrDuplicateInstance.
func (r *registry) add(l *model.Lease) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.leases[l.ID]; ok {
		return nil, fmt.Errorf("lease %s already registered", l.ID)
	}
	key := l.Instance.Key()
	if !l.State.Terminal() && !l.Instance.IsZero() {
		if owner, ok := r.byInstance[key]; ok {
			return nil, fmt.Errorf("%w: %s is held by lease %s", model.ErrDuplicateInstance, key, owner)
		}
		r.byInstance[key] = l.ID
	}
	e := newEntry(l)
	r.leases[l.ID] = e
	return e, nil
}

func (r *registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.leases[id]
	return e, ok
}

// release frees the lease's instance for reuse once the lease is terminal.
func (r *registry) release(l *model.Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := l.Instance.Key()
	if r.byInstance[key] == l.ID {
		delete(r.byInstance, key)
	}
}

// remove drops the lease entirely.
func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.leases[id]
	if !ok {
		return
	}
	key := e.snap.Load().Instance.Key()
	if r.byInstance[key] == id {
		delete(r.byInstance, key)
	}
	delete(r.leases, id)
}

// owner returns the id of the non-terminal lease holding the instance.
func (r *registry) owner(ref model.InstanceRef) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byInstance[ref.Key()]
	return id, ok
}

// entries returns all entries ordered newest first.
func (r *registry) entries() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.leases))
	for _, e := range r.leases {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].snap.Load(), out[j].snap.Load()
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return out
}

// live counts non-terminal leases.
func (r *registry) live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.leases {
		if !e.snap.Load().State.Terminal() {
			n++
		}
	}
	return n
}
