// Package store defines the LeaseStore interface for efimeral persistence.
package store

import (
	"errors"

	"github.com/jxucoder/efimeral/pkg/model"
)

// ErrNotFound is returned when a lease row does not exist.
var ErrNotFound = errors.New("not found")

// LeaseStore persists lease records and their event log.
type LeaseStore interface {
	// SaveLease inserts or replaces the lease record.
	SaveLease(lease *model.Lease) error
	GetLease(id string) (*model.Lease, error)
	// ListLeases returns all leases, newest first.
	ListLeases() ([]*model.Lease, error)
	// DeleteLease removes the lease and its events.
	DeleteLease(id string) error
	AddEvent(event *model.Event) error
	GetEvents(leaseID string, afterID int64) ([]*model.Event, error)
	Close() error
}
