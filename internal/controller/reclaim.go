package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/jxucoder/efimeral/pkg/model"
)

// Stop reclaims the lease on the caller's request.
func (c *Controller) Stop(ctx context.Context, id string) (model.ReclaimResult, error) {
	return c.Reclaim(ctx, id, model.ReasonStopped)
}

// Reclaim tears the lease down: the route target is detached, then the task
// is stopped, then the lease is committed TERMINATED and its deadline
// disarmed. Targets and tasks that are already gone count as done.
//
// Reclaim is idempotent. Concurrent callers share one teardown; exactly one
// of them gets model.Reclaimed and the rest model.AlreadyReclaimed, as does
// any call after the lease has terminated. A lease still provisioning is
// reclaimed once its launch settles. If a step fails the lease stays
// STOPPING with its progress recorded, and the next call resumes from there.
func (c *Controller) Reclaim(ctx context.Context, id string, reason model.Reason) (model.ReclaimResult, error) {
	e, ok := c.reg.get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", model.ErrLeaseNotFound, id)
	}

	select {
	case <-e.provisioned:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	e.mu.Lock()
	td, lead := c.beginTeardown(e, reason)
	e.mu.Unlock()
	return c.finishTeardown(ctx, e, td, lead)
}

// beginTeardown marks the lease STOPPING and registers a teardown, or
// returns the one already in flight. It returns a nil teardown when the
// lease is already TERMINATED. The caller holds e.mu.
func (c *Controller) beginTeardown(e *entry, reason model.Reason) (*teardown, bool) {
	if e.lease.State.Terminal() {
		return nil, false
	}
	if e.teardown != nil {
		return e.teardown, false
	}

	td := &teardown{done: make(chan struct{})}
	e.teardown = td
	if e.lease.State != model.StateStopping || e.lease.Reason == "" {
		// A resumed teardown keeps the reason it was started with.
		err := c.update(e, func(l *model.Lease) {
			l.State = model.StateStopping
			if l.Reason == "" {
				l.Reason = reason
			}
		})
		if err != nil {
			c.log.Error().Err(err).Str("lease_id", e.lease.ID).Msg("entering stopping state")
		}
		c.emit(e.lease.ID, model.EventState, string(model.StateStopping))
	}
	return td, true
}

// finishTeardown runs the teardown if this caller leads it, otherwise waits
// for the leader's outcome.
func (c *Controller) finishTeardown(ctx context.Context, e *entry, td *teardown, lead bool) (model.ReclaimResult, error) {
	if td == nil {
		return model.AlreadyReclaimed, nil
	}
	if !lead {
		select {
		case <-td.done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		if td.err != nil {
			return 0, td.err
		}
		return model.AlreadyReclaimed, nil
	}

	// The teardown outlives a caller that gives up waiting; other callers
	// may be joined to it.
	err := c.runTeardown(context.WithoutCancel(ctx), e)

	e.mu.Lock()
	var final *model.Lease
	if err == nil {
		now := c.clock.Now()
		err = c.update(e, func(l *model.Lease) {
			l.State = model.StateTerminated
			l.TerminatedAt = now
		})
		final = e.lease.Clone()
	}
	td.err = err
	e.teardown = nil
	e.mu.Unlock()
	close(td.done)

	if err != nil {
		c.emit(e.snap.Load().ID, model.EventError, err.Error())
		return 0, err
	}

	c.enforcer.Disarm(final.ID)
	c.reg.release(final)
	c.refreshGauge()
	c.metrics.Reclaimed(final.Reason)
	c.emit(final.ID, model.EventReclaimed, string(final.Reason))
	c.log.Info().
		Str("lease_id", final.ID).
		Str("task_id", final.Instance.TaskID).
		Str("reason", string(final.Reason)).
		Msg("lease terminated")
	return model.Reclaimed, nil
}

// runTeardown performs the external steps not yet recorded as done. Stop is
// never attempted until detach has succeeded.
func (c *Controller) runTeardown(ctx context.Context, e *entry) error {
	l := e.snapshot()

	if !l.Detached {
		if !l.Route.IsZero() {
			err := c.retry(ctx, "detach_target", l.ID, func(ctx context.Context) error {
				err := c.routing.DetachTarget(ctx, l.Route)
				if errors.Is(err, model.ErrTargetAbsent) {
					return nil
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("detaching route target %s: %w", l.Route.ID, err)
			}
		}
		if err := c.markProgress(e, func(l *model.Lease) { l.Detached = true }); err != nil {
			return err
		}
	}

	if !l.Stopped {
		if !l.Instance.IsZero() {
			err := c.retry(ctx, "stop_task", l.ID, func(ctx context.Context) error {
				err := c.fleet.StopTask(ctx, l.Instance)
				if errors.Is(err, model.ErrInstanceAbsent) {
					return nil
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("stopping task %s: %w", l.Instance, err)
			}
		}
		if err := c.markProgress(e, func(l *model.Lease) { l.Stopped = true }); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) markProgress(e *entry, mutate func(l *model.Lease)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.update(e, mutate)
}
