package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jxucoder/efimeral/internal/metrics"
	"github.com/jxucoder/efimeral/pkg/fleet"
	"github.com/jxucoder/efimeral/pkg/model"
)

// Launch starts one box from the image tagged imageTag (the default tag when
// empty) and returns its lease once it is ACTIVE and reachable.
//
// Capacity exhaustion and substrate failures are returned without creating
// a lease. If the instance starts but cannot be attached to the routing
// layer it is reclaimed before Launch returns an error wrapping
// model.ErrAttachFailed.
func (c *Controller) Launch(ctx context.Context, imageTag string) (*model.Lease, error) {
	started := c.clock.Now()
	tmpl := c.cfg.Template

	image, err := tmpl.ImageRef(imageTag)
	if err != nil {
		c.metrics.Launch(metrics.ResultConfig)
		return nil, err
	}

	id := uuid.NewString()
	logger := c.log.With().Str("lease_id", id).Str("image", image).Logger()

	var ref model.InstanceRef
	err = c.retry(ctx, "start_task", id, func(ctx context.Context) error {
		r, err := c.fleet.StartTask(ctx, fleet.TaskRequest{LeaseID: id, Template: tmpl, Image: image})
		if err != nil {
			return err
		}
		ref = r
		return nil
	})
	if err != nil {
		c.metrics.Launch(launchResult(err))
		logger.Warn().Err(err).Msg("launch failed: task not started")
		return nil, fmt.Errorf("starting task: %w", err)
	}

	now := c.clock.Now()
	lease := &model.Lease{
		ID:        id,
		Instance:  ref,
		Image:     image,
		State:     model.StateProvisioning,
		CreatedAt: now,
		Deadline:  now.Add(c.cfg.MaxLifetime),
		UpdatedAt: now,
	}
	e, err := c.reg.add(lease)
	if err != nil {
		// The substrate handed out an instance another lease still owns.
		// Stopping it would tear down that lease's box, so leave it alone.
		c.metrics.Launch(metrics.ResultError)
		logger.Error().Err(err).Str("task_id", ref.TaskID).Msg("launch failed: instance already leased")
		return nil, err
	}
	c.persist(lease)
	c.refreshGauge()

	// The deadline must be armed before the instance becomes reachable.
	c.enforcer.Arm(id, lease.Deadline)
	c.emit(id, model.EventState, string(model.StateProvisioning))
	logger.Info().Str("task_id", ref.TaskID).Time("deadline", lease.Deadline).Msg("task started")

	var target model.RouteTarget
	err = c.retry(ctx, "attach_target", id, func(ctx context.Context) error {
		t, err := c.routing.AttachTarget(ctx, ref, tmpl.ContainerPort)
		if err != nil {
			return err
		}
		target = t
		return nil
	})
	if err != nil {
		c.metrics.Launch(metrics.ResultAttach)
		logger.Error().Err(err).Msg("attach failed, reclaiming instance")
		c.emit(id, model.EventError, err.Error())
		if _, rerr := c.reclaimProvisioning(context.WithoutCancel(ctx), e, err); rerr != nil {
			logger.Error().Err(rerr).Msg("reclaiming unattached instance")
			return nil, fmt.Errorf("%w: %v (reclaim: %v)", model.ErrAttachFailed, err, rerr)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrAttachFailed, err)
	}

	e.mu.Lock()
	err = c.update(e, func(l *model.Lease) {
		l.Route = target
		l.State = model.StateActive
	})
	active := e.lease.Clone()
	e.mu.Unlock()
	e.settle()
	if err != nil {
		return nil, err
	}

	c.metrics.Launch(metrics.ResultOK)
	c.metrics.LaunchDuration(c.clock.Now().Sub(started))
	c.emit(id, model.EventLaunched, target.URL)
	logger.Info().Str("route", target.Address).Str("url", target.URL).Msg("lease active")
	return active, nil
}

// reclaimProvisioning reclaims a lease whose launch could not complete. The
// teardown is registered before provisioning is marked settled so that
// callers waiting on the lease join it instead of starting their own.
func (c *Controller) reclaimProvisioning(ctx context.Context, e *entry, cause error) (model.ReclaimResult, error) {
	e.mu.Lock()
	td, lead := c.beginTeardown(e, model.ReasonAttachFailed)
	if lead {
		_ = c.update(e, func(l *model.Lease) { l.Error = cause.Error() })
	}
	e.mu.Unlock()
	e.settle()
	return c.finishTeardown(ctx, e, td, lead)
}

func launchResult(err error) string {
	switch {
	case errors.Is(err, model.ErrCapacityExhausted):
		return metrics.ResultCapacity
	case errors.Is(err, model.ErrConfiguration):
		return metrics.ResultConfig
	default:
		return metrics.ResultError
	}
}
