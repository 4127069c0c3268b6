// Package model defines the lease data model shared by the efimeral controller,
// its stores, and its front ends.
package model

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a lease. States are totally ordered and a
// lease never moves to an earlier state.
type State string

const (
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	StateStopping     State = "stopping"
	StateTerminated   State = "terminated"
)

var stateRank = map[State]int{
	StateProvisioning: 0,
	StateActive:       1,
	StateStopping:     2,
	StateTerminated:   3,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// Terminal reports whether s is the final state.
func (s State) Terminal() bool { return s == StateTerminated }

// Before reports whether s precedes other in the lifecycle.
func (s State) Before(other State) bool {
	return stateRank[s] < stateRank[other]
}

// Reason records why a lease was reclaimed.
type Reason string

const (
	ReasonStopped      Reason = "stopped"
	ReasonTimeout      Reason = "timeout"
	ReasonFailed       Reason = "failed"
	ReasonAttachFailed Reason = "attach_failed"
	ReasonRecovered    Reason = "recovered"
)

// InstanceRef identifies a running task in the fleet substrate.
type InstanceRef struct {
	TaskID  string `json:"task_id"`
	Cluster string `json:"cluster"`
	// Host is the address the instance is reachable at inside the cluster
	// network. Empty until the substrate reports it.
	Host string `json:"host,omitempty"`
}

// Key returns the registry key for the instance.
func (r InstanceRef) Key() string {
	return r.Cluster + "/" + r.TaskID
}

// IsZero reports whether the reference is unset.
func (r InstanceRef) IsZero() bool { return r.TaskID == "" }

func (r InstanceRef) String() string { return r.Key() }

// RouteTarget is the routing layer registration for an instance.
type RouteTarget struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	URL     string `json:"url"`
}

// IsZero reports whether the target is unset.
func (t RouteTarget) IsZero() bool { return t.ID == "" }

// Lease is the tracked lifetime record of one sandbox instance.
type Lease struct {
	ID       string      `json:"id"`
	Instance InstanceRef `json:"instance"`
	Route    RouteTarget `json:"route"`
	Image    string      `json:"image"`
	State    State       `json:"state"`

	CreatedAt    time.Time `json:"created_at"`
	Deadline     time.Time `json:"deadline"`
	UpdatedAt    time.Time `json:"updated_at"`
	TerminatedAt time.Time `json:"terminated_at,omitzero"`

	// Teardown progress, persisted so an interrupted reclamation resumes
	// where it left off.
	Detached bool `json:"detached"`
	Stopped  bool `json:"stopped"`

	Reason Reason `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Clone returns a copy of l. Leases contain no reference fields, so a value
// copy is a full copy.
func (l *Lease) Clone() *Lease {
	cp := *l
	return &cp
}

// Summary returns the caller-facing view of the lease.
func (l *Lease) Summary() LeaseSummary {
	return LeaseSummary{
		LeaseID:      l.ID,
		State:        l.State,
		Image:        l.Image,
		RouteTarget:  l.Route.Address,
		URL:          l.Route.URL,
		TaskID:       l.Instance.TaskID,
		CreatedAt:    l.CreatedAt,
		Deadline:     l.Deadline,
		TerminatedAt: l.TerminatedAt,
		Reason:       l.Reason,
		Error:        l.Error,
	}
}

// LeaseSummary is the status view returned by status queries.
type LeaseSummary struct {
	LeaseID      string    `json:"lease_id"`
	State        State     `json:"state"`
	Image        string    `json:"image"`
	RouteTarget  string    `json:"route_target,omitempty"`
	URL          string    `json:"url,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Deadline     time.Time `json:"deadline"`
	TerminatedAt time.Time `json:"terminated_at,omitzero"`
	Reason       Reason    `json:"reason,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Remaining returns how long the lease has left before its deadline, or zero.
func (s LeaseSummary) Remaining(now time.Time) time.Duration {
	if s.State.Terminal() || !now.Before(s.Deadline) {
		return 0
	}
	return s.Deadline.Sub(now)
}

// ReclaimResult is the outcome of a reclamation request. Both values mean
// success.
type ReclaimResult int

const (
	Reclaimed ReclaimResult = iota
	AlreadyReclaimed
)

func (r ReclaimResult) String() string {
	switch r {
	case Reclaimed:
		return "reclaimed"
	case AlreadyReclaimed:
		return "already_reclaimed"
	default:
		return fmt.Sprintf("ReclaimResult(%d)", int(r))
	}
}
