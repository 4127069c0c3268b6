package controller

import (
	"context"
	"sync"
	"time"

	"github.com/jxucoder/efimeral/pkg/model"
)

// expire is the enforcer's fire callback. It hands the reclamation to its
// own goroutine so one slow teardown does not hold up other deadlines.
func (c *Controller) expire(leaseID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reclaimLogged(c.ctx, leaseID, model.ReasonTimeout)
	}()
}

func (c *Controller) reclaimLogged(ctx context.Context, id string, reason model.Reason) {
	res, err := c.Reclaim(ctx, id, reason)
	if err != nil {
		c.log.Error().Err(err).Str("lease_id", id).Str("reason", string(reason)).Msg("reclaim failed")
		return
	}
	c.log.Debug().Str("lease_id", id).Str("reason", string(reason)).Str("result", res.String()).Msg("reclaim done")
}

// sweep runs one enforcement pass synchronously: leases past their deadline
// are reclaimed, then housekeeping runs as it does on every maintain tick.
func (c *Controller) sweep(ctx context.Context) {
	expired := c.enforcer.Expired(c.clock.Now())
	c.reclaimAll(ctx, expired, model.ReasonTimeout)
	c.housekeep(ctx)
}

// housekeep retries STOPPING leases whose teardown failed and purges
// TERMINATED leases older than the retention period.
func (c *Controller) housekeep(ctx context.Context) {
	c.redrive(ctx)
	c.purge()
}

func (c *Controller) reclaimAll(ctx context.Context, ids []string, reason model.Reason) {
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.reclaimLogged(ctx, id, reason)
		}()
	}
	wg.Wait()
}

// redrive resumes teardowns left STOPPING by a failed attempt.
func (c *Controller) redrive(ctx context.Context) {
	var stuck []string
	for _, e := range c.reg.entries() {
		e.mu.Lock()
		if e.lease.State == model.StateStopping && e.teardown == nil {
			stuck = append(stuck, e.lease.ID)
		}
		e.mu.Unlock()
	}
	c.reclaimAll(ctx, stuck, model.ReasonStopped)
}

// purge drops TERMINATED leases whose retention has elapsed from memory and
// from the store.
func (c *Controller) purge() {
	now := c.clock.Now()
	for _, e := range c.reg.entries() {
		l := e.snap.Load()
		if !l.State.Terminal() || now.Before(l.TerminatedAt.Add(c.cfg.Retention)) {
			continue
		}
		c.reg.remove(l.ID)
		if err := c.store.DeleteLease(l.ID); err != nil {
			c.log.Error().Err(err).Str("lease_id", l.ID).Msg("purging lease")
			continue
		}
		c.log.Debug().Str("lease_id", l.ID).Msg("lease purged")
	}
}

// CheckFailures describes every ACTIVE instance and reclaims those whose
// task has exited or disappeared.
func (c *Controller) CheckFailures(ctx context.Context) {
	var failed []string
	for _, e := range c.reg.entries() {
		l := e.snapshot()
		if l.State != model.StateActive {
			continue
		}
		status, err := c.fleet.DescribeTask(ctx, l.Instance)
		if err != nil {
			c.log.Warn().Err(err).Str("lease_id", l.ID).Msg("describing task")
			continue
		}
		if status.Alive() {
			continue
		}
		c.log.Warn().
			Str("lease_id", l.ID).
			Str("task_id", l.Instance.TaskID).
			Str("task_state", string(status.State)).
			Int("exit_code", status.ExitCode).
			Msg("task no longer running")
		failed = append(failed, l.ID)
	}
	c.reclaimAll(ctx, failed, model.ReasonFailed)
}

// maintain runs housekeeping every sweep interval and the failure
// check every failure-check interval until ctx is done. Deadlines are
// handled by the enforcer's own loop.
func (c *Controller) maintain(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	var failures <-chan time.Time
	if c.cfg.FailureCheckInterval > 0 {
		ft := c.clock.NewTicker(c.cfg.FailureCheckInterval)
		defer ft.Stop()
		failures = ft.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.housekeep(ctx)
		case <-failures:
			c.CheckFailures(ctx)
		}
	}
}
