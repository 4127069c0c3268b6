// Package controller provides the lease lifecycle logic for efimeral: launch,
// deadline enforcement, reclamation and the lease registry. It depends only
// on interfaces (fleet, routing, store, eventbus).
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jxucoder/efimeral/internal/clock"
	"github.com/jxucoder/efimeral/internal/lifetime"
	"github.com/jxucoder/efimeral/internal/metrics"
	"github.com/jxucoder/efimeral/pkg/eventbus"
	"github.com/jxucoder/efimeral/pkg/fleet"
	"github.com/jxucoder/efimeral/pkg/model"
	"github.com/jxucoder/efimeral/pkg/routing"
	"github.com/jxucoder/efimeral/pkg/store"
)

// Config holds controller-specific configuration.
type Config struct {
	Template fleet.TaskTemplate

	// MaxLifetime is the hard wall-clock limit of every lease.
	MaxLifetime time.Duration

	// SweepInterval is how often deadlines are checked, and so the most a
	// lease can outlive its deadline before reclamation starts.
	SweepInterval time.Duration

	// FailureCheckInterval is how often ACTIVE instances are described to
	// detect tasks that died on their own. Zero disables the check.
	FailureCheckInterval time.Duration

	// Retention is how long TERMINATED leases stay queryable.
	Retention time.Duration

	Retry RetryPolicy
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Template:             fleet.DefaultTemplate(),
		MaxLifetime:          7200 * time.Second,
		SweepInterval:        5 * time.Second,
		FailureCheckInterval: 30 * time.Second,
		Retention:            10 * time.Minute,
		Retry:                DefaultRetryPolicy(),
	}
}

// Validate checks the configuration. Errors wrap model.ErrConfiguration.
func (c Config) Validate() error {
	if err := c.Template.Validate(); err != nil {
		return err
	}
	if c.MaxLifetime <= 0 {
		return fmt.Errorf("%w: max lifetime must be positive", model.ErrConfiguration)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", model.ErrConfiguration)
	}
	if c.FailureCheckInterval < 0 || c.Retention < 0 {
		return fmt.Errorf("%w: intervals must not be negative", model.ErrConfiguration)
	}
	return nil
}

// Controller owns every lease and is the only writer of lease state.
type Controller struct {
	cfg      Config
	fleet    fleet.Substrate
	routing  routing.Layer
	store    store.LeaseStore
	bus      eventbus.Bus
	clock    clock.Clock
	metrics  *metrics.Metrics
	log      zerolog.Logger
	reg      *registry
	enforcer *lifetime.Enforcer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures optional controller dependencies.
type Option func(*Controller)

// WithClock sets the clock. The default is clock.Real().
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l zerolog.Logger) Option {
	return func(ctl *Controller) { ctl.log = l }
}

// New creates a Controller with all dependencies.
func New(
	cfg Config,
	fl fleet.Substrate,
	rt routing.Layer,
	st store.LeaseStore,
	bus eventbus.Bus,
	opts ...Option,
) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:     cfg,
		fleet:   fl,
		routing: rt,
		store:   st,
		bus:     bus,
		clock:   clock.Real(),
		log:     zerolog.Nop(),
		reg:     newRegistry(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With().Str("component", "controller").Logger()
	c.enforcer = lifetime.New(c.clock, cfg.SweepInterval, c.expire)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Start recovers persisted leases and starts the background loops: the
// lifetime enforcer and the maintenance loop. Call Shutdown to stop them.
func (c *Controller) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.Recover(c.ctx); err != nil {
		return fmt.Errorf("recovering leases: %w", err)
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.enforcer.Run(c.ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.maintain(c.ctx)
	}()
	return nil
}

// Shutdown cancels all background work and waits for goroutines to finish.
// Leases are left as they are; a later Start recovers them.
func (c *Controller) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Bus returns the event bus.
func (c *Controller) Bus() eventbus.Bus { return c.bus }

// Clock returns the controller clock.
func (c *Controller) Clock() clock.Clock { return c.clock }

// Config returns the controller configuration.
func (c *Controller) Config() Config { return c.cfg }

// Status returns a snapshot of the lease. It never waits on a transition.
func (c *Controller) Status(id string) (model.LeaseSummary, error) {
	e, ok := c.reg.get(id)
	if !ok {
		return model.LeaseSummary{}, fmt.Errorf("%w: %s", model.ErrLeaseNotFound, id)
	}
	return e.snapshot().Summary(), nil
}

// Lease returns a copy of the full lease record.
func (c *Controller) Lease(id string) (*model.Lease, error) {
	e, ok := c.reg.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrLeaseNotFound, id)
	}
	return e.snapshot(), nil
}

// List returns summaries of all known leases, newest first.
func (c *Controller) List() []model.LeaseSummary {
	entries := c.reg.entries()
	out := make([]model.LeaseSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot().Summary())
	}
	return out
}

// Events returns the lease's event log after afterID.
func (c *Controller) Events(id string, afterID int64) ([]*model.Event, error) {
	if _, ok := c.reg.get(id); !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrLeaseNotFound, id)
	}
	return c.store.GetEvents(id, afterID)
}

// update applies mutate to a copy of the working record, commits it and
// persists it. The caller holds e.mu.
func (c *Controller) update(e *entry, mutate func(l *model.Lease)) error {
	next := e.lease.Clone()
	mutate(next)
	next.UpdatedAt = c.clock.Now()
	if err := e.commit(next); err != nil {
		return err
	}
	c.persist(next)
	return nil
}

func (c *Controller) persist(l *model.Lease) {
	if err := c.store.SaveLease(l); err != nil {
		c.log.Error().Err(err).Str("lease_id", l.ID).Str("state", string(l.State)).Msg("persisting lease")
	}
}

// emit stores an event and publishes it on the bus.
func (c *Controller) emit(leaseID, eventType, data string) {
	event := &model.Event{
		LeaseID:   leaseID,
		Type:      eventType,
		Data:      data,
		CreatedAt: c.clock.Now().UTC(),
	}
	if err := c.store.AddEvent(event); err != nil {
		c.log.Error().Err(err).Str("lease_id", leaseID).Msg("storing event")
	}
	c.bus.Publish(leaseID, event)
}

func (c *Controller) refreshGauge() {
	c.metrics.SetActive(c.reg.live())
}
