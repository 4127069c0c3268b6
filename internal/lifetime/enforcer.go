// Package lifetime enforces hard wall-clock deadlines on leases.
//
// The Enforcer keeps a min-heap of armed deadlines. Run sweeps it every
// interval and hands each expired lease to the fire callback, so no lease
// outlives its deadline by more than one interval.
package lifetime

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/jxucoder/efimeral/internal/clock"
)

// FireFunc is invoked for each lease whose deadline has passed. It runs on
// the sweeping goroutine and should hand off slow work.
type FireFunc func(leaseID string)

// Enforcer tracks armed lease deadlines.
type Enforcer struct {
	clock    clock.Clock
	interval time.Duration
	fire     FireFunc

	mu    sync.Mutex
	items deadlineHeap
	index map[string]*item
}

// New creates an Enforcer that sweeps every interval.
func New(c clock.Clock, interval time.Duration, fire FireFunc) *Enforcer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Enforcer{
		clock:    c,
		interval: interval,
		fire:     fire,
		index:    make(map[string]*item),
	}
}

// Interval returns the sweep granularity, the maximum slack between a
// deadline and the sweep that fires it.
func (e *Enforcer) Interval() time.Duration { return e.interval }

// Arm schedules leaseID to fire at deadline. Arming an already armed lease
// moves its deadline.
func (e *Enforcer) Arm(leaseID string, deadline time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if it, ok := e.index[leaseID]; ok {
		it.deadline = deadline
		heap.Fix(&e.items, it.pos)
		return
	}
	it := &item{leaseID: leaseID, deadline: deadline}
	heap.Push(&e.items, it)
	e.index[leaseID] = it
}

// Disarm cancels the pending fire for leaseID. It reports whether the lease
// was still armed; false means it already fired or was never armed.
func (e *Enforcer) Disarm(leaseID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	it, ok := e.index[leaseID]
	if !ok {
		return false
	}
	heap.Remove(&e.items, it.pos)
	delete(e.index, leaseID)
	return true
}

// Armed reports whether leaseID has a pending deadline.
func (e *Enforcer) Armed(leaseID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.index[leaseID]
	return ok
}

// Len returns the number of armed leases.
func (e *Enforcer) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

// Next returns the earliest armed deadline.
func (e *Enforcer) Next() (string, time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.items) == 0 {
		return "", time.Time{}, false
	}
	return e.items[0].leaseID, e.items[0].deadline, true
}

// Expired removes and returns every lease whose deadline is at or before now,
// earliest first.
func (e *Enforcer) Expired(now time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for len(e.items) > 0 && !now.Before(e.items[0].deadline) {
		it := heap.Pop(&e.items).(*item)
		delete(e.index, it.leaseID)
		ids = append(ids, it.leaseID)
	}
	return ids
}

// Sweep fires every expired lease and returns their ids.
func (e *Enforcer) Sweep() []string {
	ids := e.Expired(e.clock.Now())
	if e.fire != nil {
		for _, id := range ids {
			e.fire(id)
		}
	}
	return ids
}

// Run sweeps on every tick until ctx is done.
func (e *Enforcer) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

type item struct {
	leaseID  string
	deadline time.Time
	pos      int
}

type deadlineHeap []*item

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].leaseID < h[j].leaseID
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *deadlineHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.pos = -1
	*h = old[:n-1]
	return it
}
