package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/jxucoder/efimeral/pkg/model"
)

// Recover rebuilds the registry from the store after a restart.
//
// ACTIVE leases are re-armed and re-attached, or reclaimed if their deadline
// has already passed. Leases a crash left PROVISIONING are reclaimed, and
// STOPPING teardowns are resumed. TERMINATED leases are reloaded so repeated
// stop requests stay idempotent until retention purges them.
func (c *Controller) Recover(ctx context.Context) error {
	leases, err := c.store.ListLeases()
	if err != nil {
		return fmt.Errorf("listing leases: %w", err)
	}

	now := c.clock.Now()
	var (
		expired  []string
		orphaned []string
		resume   []string
		reattach []*model.Lease
	)
	for _, l := range leases {
		if !l.State.Valid() {
			c.log.Warn().Str("lease_id", l.ID).Str("state", string(l.State)).Msg("skipping lease with unknown state")
			continue
		}
		if _, ok := c.reg.get(l.ID); ok {
			continue
		}
		e, err := c.reg.add(l)
		if err != nil {
			c.log.Error().Err(err).Str("lease_id", l.ID).Msg("skipping lease during recovery")
			continue
		}
		// The launch that owned a PROVISIONING lease is gone.
		e.settle()

		switch l.State {
		case model.StateActive:
			c.enforcer.Arm(l.ID, l.Deadline)
			if !now.Before(l.Deadline) {
				expired = append(expired, l.ID)
			} else {
				reattach = append(reattach, l)
			}
		case model.StateProvisioning:
			c.enforcer.Arm(l.ID, l.Deadline)
			orphaned = append(orphaned, l.ID)
		case model.StateStopping:
			resume = append(resume, l.ID)
		}
	}
	c.refreshGauge()

	c.log.Info().
		Int("leases", len(leases)).
		Int("expired", len(expired)).
		Int("orphaned", len(orphaned)).
		Int("resumed", len(resume)).
		Msg("recovered leases")

	for _, l := range reattach {
		c.reattach(ctx, l)
	}
	for _, id := range orphaned {
		c.emit(id, model.EventRecovered, string(model.StateProvisioning))
	}
	c.reclaimAll(ctx, orphaned, model.ReasonRecovered)
	c.reclaimAll(ctx, expired, model.ReasonTimeout)
	c.reclaimAll(ctx, resume, model.ReasonRecovered)
	c.purge()
	return nil
}

// reattach registers a recovered ACTIVE lease with the routing layer again.
// The routing layer may have lost its targets across the restart.
func (c *Controller) reattach(ctx context.Context, l *model.Lease) {
	var target model.RouteTarget
	err := c.retry(ctx, "attach_target", l.ID, func(ctx context.Context) error {
		t, err := c.routing.AttachTarget(ctx, l.Instance, c.cfg.Template.ContainerPort)
		if err != nil {
			return err
		}
		target = t
		return nil
	})
	if err == nil {
		err = c.recordRoute(ctx, l.ID, target)
	}
	if err == nil {
		c.emit(l.ID, model.EventRecovered, string(model.StateActive))
		return
	}
	c.log.Error().Err(err).Str("lease_id", l.ID).Msg("re-attaching recovered lease, reclaiming")
	c.emit(l.ID, model.EventError, err.Error())
	c.reclaimLogged(ctx, l.ID, model.ReasonRecovered)
}

// recordRoute commits the target a re-attach returned, so that teardown
// detaches what is actually routed. A lease that left ACTIVE meanwhile keeps
// its old route and the new target is detached here.
func (c *Controller) recordRoute(ctx context.Context, id string, target model.RouteTarget) error {
	e, ok := c.reg.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrLeaseNotFound, id)
	}
	e.mu.Lock()
	var err error
	active := e.lease.State == model.StateActive
	if active {
		err = c.update(e, func(l *model.Lease) { l.Route = target })
	}
	old := e.lease.Route
	e.mu.Unlock()
	if active || target.ID == old.ID {
		return err
	}
	if derr := c.routing.DetachTarget(ctx, target); derr != nil && !errors.Is(derr, model.ErrTargetAbsent) {
		c.log.Warn().Err(derr).Str("lease_id", id).Str("target", target.ID).Msg("detaching re-attached target")
	}
	return nil
}
