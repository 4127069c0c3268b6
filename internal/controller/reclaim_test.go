package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jxucoder/efimeral/pkg/model"
)

func TestStopTwice(t *testing.T) {
	h := newHarness(t)
	lease := h.launch(t)

	res, err := h.ctl.Stop(context.Background(), lease.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res != model.Reclaimed {
		t.Fatalf("first Stop = %s, want reclaimed", res)
	}

	res, err = h.ctl.Stop(context.Background(), lease.ID)
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if res != model.AlreadyReclaimed {
		t.Fatalf("second Stop = %s, want already_reclaimed", res)
	}

	if _, stops := h.fleet.counts(); stops != 1 {
		t.Fatalf("StopTask called %d times, want 1", stops)
	}
	if _, detaches := h.routing.counts(); detaches != 1 {
		t.Fatalf("DetachTarget called %d times, want 1", detaches)
	}

	s := h.status(t, lease.ID)
	if s.State != model.StateTerminated || s.Reason != model.ReasonStopped {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if !s.TerminatedAt.Equal(epoch) {
		t.Fatalf("terminated_at = %v", s.TerminatedAt)
	}
	if h.ctl.enforcer.Armed(lease.ID) {
		t.Fatal("deadline still armed after reclamation")
	}
	if h.fleet.isRunning(lease.Instance.TaskID) || h.routing.attached(lease.Route.ID) {
		t.Fatal("instance or route target survived reclamation")
	}
}

func TestConcurrentReclaimSharesTeardown(t *testing.T) {
	h := newHarness(t)
	lease := h.launch(t)

	entered, release := h.routing.gateDetach(lease.Route.ID)
	defer release()

	const n = 16
	results := make([]model.ReclaimResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reason := model.ReasonStopped
			if i%2 == 1 {
				reason = model.ReasonTimeout
			}
			results[i], errs[i] = h.ctl.Reclaim(context.Background(), lease.ID, reason)
		}()
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("detach never started")
	}
	// Give the other callers time to join the in-flight teardown.
	time.Sleep(20 * time.Millisecond)
	if s := h.status(t, lease.ID); s.State != model.StateStopping {
		t.Fatalf("state during teardown = %s, want stopping", s.State)
	}
	release()
	wg.Wait()

	reclaimed := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] == model.Reclaimed {
			reclaimed++
		}
	}
	if reclaimed != 1 {
		t.Fatalf("%d callers got Reclaimed, want exactly 1", reclaimed)
	}
	if _, stops := h.fleet.counts(); stops != 1 {
		t.Fatalf("StopTask called %d times, want 1", stops)
	}
	if _, detaches := h.routing.counts(); detaches != 1 {
		t.Fatalf("DetachTarget called %d times, want 1", detaches)
	}
	if s := h.status(t, lease.ID); s.State != model.StateTerminated {
		t.Fatalf("final state = %s", s.State)
	}
}

func TestReclaimDoesNotBlockOtherLeases(t *testing.T) {
	h := newHarness(t)
	a := h.launch(t)
	b := h.launch(t)

	entered, release := h.routing.gateDetach(a.Route.ID)
	defer release()

	stopA := make(chan error, 1)
	go func() {
		_, err := h.ctl.Stop(context.Background(), a.ID)
		stopA <- err
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("detach of the first lease never started")
	}

	done := make(chan error, 1)
	go func() {
		if s, err := h.ctl.Status(a.ID); err != nil || s.State != model.StateStopping {
			done <- fmt.Errorf("status of stopping lease = %+v, %v", s, err)
			return
		}
		if s, err := h.ctl.Status(b.ID); err != nil || s.State != model.StateActive {
			done <- fmt.Errorf("status of other lease = %+v, %v", s, err)
			return
		}
		if got := len(h.ctl.List()); got != 2 {
			done <- fmt.Errorf("List returned %d leases, want 2", got)
			return
		}
		c, err := h.ctl.Launch(context.Background(), "")
		if err != nil {
			done <- fmt.Errorf("Launch: %w", err)
			return
		}
		if res, err := h.ctl.Stop(context.Background(), b.ID); err != nil || res != model.Reclaimed {
			done <- fmt.Errorf("Stop(other) = %s, %v", res, err)
			return
		}
		if res, err := h.ctl.Stop(context.Background(), c.ID); err != nil || res != model.Reclaimed {
			done <- fmt.Errorf("Stop(new) = %s, %v", res, err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("operations on other leases blocked behind an in-flight teardown")
	}

	if s := h.status(t, a.ID); s.State != model.StateStopping {
		t.Fatalf("first lease state = %s, want stopping while its detach is held", s.State)
	}
	release()
	if err := <-stopA; err != nil {
		t.Fatalf("Stop(first): %v", err)
	}
	if s := h.status(t, a.ID); s.State != model.StateTerminated {
		t.Fatalf("first lease final state = %s", s.State)
	}
}

func TestFailedDetachResumesAndNeverStopsFirst(t *testing.T) {
	h := newHarness(t)
	lease := h.launch(t)
	h.routing.setDetachErr(errors.New("routing api: 500"))

	_, err := h.ctl.Stop(context.Background(), lease.ID)
	if err == nil {
		t.Fatal("expected Stop to fail while detach fails")
	}
	if _, detaches := h.routing.counts(); detaches != 3 {
		t.Fatalf("DetachTarget called %d times, want 3 attempts", detaches)
	}
	if _, stops := h.fleet.counts(); stops != 0 {
		t.Fatalf("StopTask called %d times before detach succeeded", stops)
	}
	s := h.status(t, lease.ID)
	if s.State != model.StateStopping || s.Reason != model.ReasonStopped {
		t.Fatalf("unexpected summary after failed teardown: %+v", s)
	}

	h.routing.setDetachErr(nil)
	h.ctl.sweep(context.Background())

	s = h.status(t, lease.ID)
	if s.State != model.StateTerminated || s.Reason != model.ReasonStopped {
		t.Fatalf("unexpected summary after redrive: %+v", s)
	}
	if h.fleet.isRunning(lease.Instance.TaskID) {
		t.Fatal("instance still running after redrive")
	}
}

func TestFailedStopResumesWithoutDetachingAgain(t *testing.T) {
	h := newHarness(t)
	lease := h.launch(t)
	h.fleet.stopErr = model.ErrSubstrateUnavailable

	if _, err := h.ctl.Stop(context.Background(), lease.ID); !errors.Is(err, model.ErrSubstrateUnavailable) {
		t.Fatalf("err = %v, want ErrSubstrateUnavailable", err)
	}
	persisted, err := h.store.GetLease(lease.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !persisted.Detached || persisted.Stopped {
		t.Fatalf("progress flags = detached:%v stopped:%v", persisted.Detached, persisted.Stopped)
	}

	h.fleet.mu.Lock()
	h.fleet.stopErr = nil
	h.fleet.mu.Unlock()

	res, err := h.ctl.Stop(context.Background(), lease.ID)
	if err != nil || res != model.Reclaimed {
		t.Fatalf("retry Stop = %v, %v", res, err)
	}
	if _, detaches := h.routing.counts(); detaches != 1 {
		t.Fatalf("DetachTarget called %d times, want 1", detaches)
	}
}

func TestAbsentInstanceAndTargetCountAsDone(t *testing.T) {
	h := newHarness(t)
	lease := h.launch(t)

	// Both disappear behind the controller's back.
	h.fleet.kill(lease.Instance.TaskID)
	h.routing.mu.Lock()
	delete(h.routing.targets, lease.Route.ID)
	h.routing.mu.Unlock()

	res, err := h.ctl.Stop(context.Background(), lease.ID)
	if err != nil || res != model.Reclaimed {
		t.Fatalf("Stop = %v, %v", res, err)
	}
	if s := h.status(t, lease.ID); s.State != model.StateTerminated {
		t.Fatalf("state = %s", s.State)
	}
}

func TestStopDuringProvisioningWaitsForLaunch(t *testing.T) {
	h := newHarness(t)

	attaching := make(chan string, 1)
	release := make(chan struct{})
	h.routing.onAttach = func(ref model.InstanceRef) {
		id, _ := h.ctl.reg.owner(ref)
		attaching <- id
		<-release
	}

	type launchResult struct {
		lease *model.Lease
		err   error
	}
	launched := make(chan launchResult, 1)
	go func() {
		l, err := h.ctl.Launch(context.Background(), "")
		launched <- launchResult{l, err}
	}()

	id := <-attaching
	stopped := make(chan model.ReclaimResult, 1)
	go func() {
		res, err := h.ctl.Stop(context.Background(), id)
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
		stopped <- res
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the lease was still provisioning")
	case <-time.After(50 * time.Millisecond):
	}
	if s := h.status(t, id); s.State != model.StateProvisioning {
		t.Fatalf("state = %s, want provisioning", s.State)
	}

	close(release)
	lr := <-launched
	if lr.err != nil {
		t.Fatalf("Launch: %v", lr.err)
	}
	if res := <-stopped; res != model.Reclaimed {
		t.Fatalf("Stop = %s, want reclaimed", res)
	}
	if s := h.status(t, id); s.State != model.StateTerminated {
		t.Fatalf("state = %s, want terminated", s.State)
	}
	if h.fleet.isRunning(lr.lease.Instance.TaskID) {
		t.Fatal("instance still running")
	}
}

func TestReclaimEmitsEvents(t *testing.T) {
	h := newHarness(t)
	lease := h.launch(t)

	ch := h.ctl.Bus().Subscribe(lease.ID)
	defer h.ctl.Bus().Unsubscribe(lease.ID, ch)

	if _, err := h.ctl.Stop(context.Background(), lease.ID); err != nil {
		t.Fatal(err)
	}

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("events received: %v", got)
		}
	}
	if got[0] != model.EventState || got[1] != model.EventReclaimed {
		t.Fatalf("events = %v, want [state reclaimed]", got)
	}
}
