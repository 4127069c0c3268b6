package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jxucoder/efimeral/internal/clock"
	"github.com/jxucoder/efimeral/pkg/eventbus"
	"github.com/jxucoder/efimeral/pkg/fleet"
	"github.com/jxucoder/efimeral/pkg/model"
	sqliteStore "github.com/jxucoder/efimeral/pkg/store/sqlite"
)

// --- stubs ---

type stubFleet struct {
	mu         sync.Mutex
	startErrs  []error // returned by successive StartTask calls before succeeding
	startCalls int
	stopCalls  int
	stopErr    error
	running    map[string]bool
	seq        int
}

func newStubFleet() *stubFleet {
	return &stubFleet{running: make(map[string]bool)}
}

func (f *stubFleet) StartTask(_ context.Context, req fleet.TaskRequest) (model.InstanceRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		return model.InstanceRef{}, err
	}
	f.seq++
	id := fmt.Sprintf("task-%04d", f.seq)
	f.running[id] = true
	return model.InstanceRef{TaskID: id, Cluster: req.Template.Cluster, Host: fmt.Sprintf("10.0.0.%d", f.seq)}, nil
}

func (f *stubFleet) StopTask(_ context.Context, ref model.InstanceRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if f.stopErr != nil {
		return f.stopErr
	}
	if !f.running[ref.TaskID] {
		return fmt.Errorf("%w: %s", model.ErrInstanceAbsent, ref.TaskID)
	}
	delete(f.running, ref.TaskID)
	return nil
}

func (f *stubFleet) DescribeTask(_ context.Context, ref model.InstanceRef) (fleet.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[ref.TaskID] {
		return fleet.TaskStatus{State: fleet.TaskRunning, Host: ref.Host}, nil
	}
	return fleet.TaskStatus{State: fleet.TaskAbsent}, nil
}

func (f *stubFleet) kill(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, taskID)
}

func (f *stubFleet) isRunning(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[taskID]
}

func (f *stubFleet) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.stopCalls
}

type stubRouting struct {
	mu          sync.Mutex
	attachCalls int
	detachCalls int
	attachErr   error
	detachErr   error
	targets     map[string]model.RouteTarget

	// onAttach runs at the start of AttachTarget, outside the stub's lock.
	onAttach func(ref model.InstanceRef)
	// gates holds DetachTarget calls for a target id until released.
	gates map[string]*detachGate
}

type detachGate struct {
	entered chan struct{}
	release chan struct{}
}

func newStubRouting() *stubRouting {
	return &stubRouting{
		targets: make(map[string]model.RouteTarget),
		gates:   make(map[string]*detachGate),
	}
}

// gateDetach blocks DetachTarget for targetID until the returned release
// function is called. entered receives once the detach is waiting.
func (r *stubRouting) gateDetach(targetID string) (entered <-chan struct{}, release func()) {
	g := &detachGate{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r.mu.Lock()
	r.gates[targetID] = g
	r.mu.Unlock()
	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.release) }) }
}

func (r *stubRouting) AttachTarget(_ context.Context, ref model.InstanceRef, port int) (model.RouteTarget, error) {
	if r.onAttach != nil {
		r.onAttach(ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachCalls++
	if r.attachErr != nil {
		return model.RouteTarget{}, r.attachErr
	}
	t := model.RouteTarget{
		ID:      ref.TaskID,
		Address: fmt.Sprintf("%s:%d", ref.Host, port),
		URL:     "http://boxes.test/boxes/" + ref.TaskID + "/",
	}
	r.targets[t.ID] = t
	return t, nil
}

func (r *stubRouting) DetachTarget(_ context.Context, t model.RouteTarget) error {
	r.mu.Lock()
	g := r.gates[t.ID]
	r.mu.Unlock()
	if g != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachCalls++
	if r.detachErr != nil {
		return r.detachErr
	}
	if _, ok := r.targets[t.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrTargetAbsent, t.ID)
	}
	delete(r.targets, t.ID)
	return nil
}

func (r *stubRouting) attached(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.targets[id]
	return ok
}

func (r *stubRouting) counts() (attaches, detaches int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attachCalls, r.detachCalls
}

func (r *stubRouting) setDetachErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachErr = err
}

// --- helpers ---

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	ctl     *Controller
	fleet   *stubFleet
	routing *stubRouting
	clock   *clock.FakeClock
	store   *sqliteStore.Store
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 3}
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := sqliteStore.New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return newHarnessWithStore(t, st, newStubFleet())
}

func newHarnessWithStore(t *testing.T, st *sqliteStore.Store, fl *stubFleet) *harness {
	t.Helper()
	fc := clock.Fake(epoch)
	rt := newStubRouting()
	ctl, err := New(testConfig(), fl, rt, st, eventbus.NewInMemoryBus(), WithClock(fc))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(ctl.Shutdown)
	return &harness{ctl: ctl, fleet: fl, routing: rt, clock: fc, store: st}
}

func (h *harness) launch(t *testing.T) *model.Lease {
	t.Helper()
	lease, err := h.ctl.Launch(context.Background(), "")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	return lease
}

func (h *harness) status(t *testing.T, id string) model.LeaseSummary {
	t.Helper()
	s, err := h.ctl.Status(id)
	if err != nil {
		t.Fatalf("Status(%s): %v", id, err)
	}
	return s
}

func eventTypes(t *testing.T, h *harness, id string) []string {
	t.Helper()
	events, err := h.store.GetEvents(id, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

// --- tests ---

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLifetime = 0
	if _, err := New(cfg, newStubFleet(), newStubRouting(), nil, eventbus.NewInMemoryBus()); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("New with zero lifetime: err = %v, want ErrConfiguration", err)
	}

	cfg = testConfig()
	cfg.Template.CPU = 0
	if _, err := New(cfg, newStubFleet(), newStubRouting(), nil, eventbus.NewInMemoryBus()); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("New with bad template: err = %v, want ErrConfiguration", err)
	}
}

func TestLaunchActive(t *testing.T) {
	h := newHarness(t)

	lease := h.launch(t)
	if lease.ID == "" {
		t.Fatal("expected non-empty lease ID")
	}
	if lease.State != model.StateActive {
		t.Fatalf("state = %s, want active", lease.State)
	}
	if lease.Image != "efimeral-boxes:alpine" {
		t.Fatalf("image = %q, want default tag", lease.Image)
	}
	if !lease.CreatedAt.Equal(epoch) || !lease.Deadline.Equal(epoch.Add(7200*time.Second)) {
		t.Fatalf("created=%v deadline=%v", lease.CreatedAt, lease.Deadline)
	}
	if lease.Route.IsZero() || !strings.HasSuffix(lease.Route.Address, ":8080") {
		t.Fatalf("route = %+v", lease.Route)
	}

	s := h.status(t, lease.ID)
	if s.State != model.StateActive || s.URL != lease.Route.URL || s.TaskID != lease.Instance.TaskID {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if got := s.Remaining(h.clock.Now()); got != 7200*time.Second {
		t.Fatalf("remaining = %v", got)
	}

	if !h.ctl.enforcer.Armed(lease.ID) {
		t.Fatal("deadline not armed for active lease")
	}
	persisted, err := h.store.GetLease(lease.ID)
	if err != nil {
		t.Fatalf("lease not persisted: %v", err)
	}
	if persisted.State != model.StateActive {
		t.Fatalf("persisted state = %s", persisted.State)
	}

	types := eventTypes(t, h, lease.ID)
	if len(types) == 0 || types[len(types)-1] != model.EventLaunched {
		t.Fatalf("events = %v, want trailing launched", types)
	}
}

func TestLaunchWithTag(t *testing.T) {
	h := newHarness(t)
	lease, err := h.ctl.Launch(context.Background(), "ubuntu-24.04")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if lease.Image != "efimeral-boxes:ubuntu-24.04" {
		t.Fatalf("image = %q", lease.Image)
	}
}

func TestLaunchInvalidTag(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctl.Launch(context.Background(), "not a tag")
	if !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	if model.Retryable(err) {
		t.Fatal("configuration errors must not be retryable")
	}
	if starts, _ := h.fleet.counts(); starts != 0 {
		t.Fatalf("StartTask called %d times for invalid tag", starts)
	}
}

func TestLaunchCapacityExhausted(t *testing.T) {
	h := newHarness(t)
	h.fleet.startErrs = []error{fmt.Errorf("%w: 10/10", model.ErrCapacityExhausted)}

	lease, err := h.ctl.Launch(context.Background(), "")
	if !errors.Is(err, model.ErrCapacityExhausted) {
		t.Fatalf("err = %v, want ErrCapacityExhausted", err)
	}
	if !model.Retryable(err) {
		t.Fatal("capacity exhaustion should be retryable by the caller")
	}
	if lease != nil {
		t.Fatalf("expected no lease, got %+v", lease)
	}
	if starts, _ := h.fleet.counts(); starts != 1 {
		t.Fatalf("StartTask called %d times, want 1 (no internal retry)", starts)
	}
	if attaches, _ := h.routing.counts(); attaches != 0 {
		t.Fatalf("AttachTarget called %d times, want 0", attaches)
	}
	if got := h.ctl.List(); len(got) != 0 {
		t.Fatalf("expected no leases, got %d", len(got))
	}
}

func TestLaunchRetriesTransientStartFailure(t *testing.T) {
	h := newHarness(t)
	h.fleet.startErrs = []error{model.ErrSubstrateUnavailable, model.ErrSubstrateUnavailable}

	lease := h.launch(t)
	if lease.State != model.StateActive {
		t.Fatalf("state = %s", lease.State)
	}
	if starts, _ := h.fleet.counts(); starts != 3 {
		t.Fatalf("StartTask called %d times, want 3", starts)
	}
}

func TestLaunchSubstrateUnavailableExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	h.fleet.startErrs = []error{
		model.ErrSubstrateUnavailable, model.ErrSubstrateUnavailable, model.ErrSubstrateUnavailable,
	}

	_, err := h.ctl.Launch(context.Background(), "")
	if !errors.Is(err, model.ErrSubstrateUnavailable) {
		t.Fatalf("err = %v, want ErrSubstrateUnavailable", err)
	}
	if starts, _ := h.fleet.counts(); starts != 3 {
		t.Fatalf("StartTask called %d times, want 3", starts)
	}
	if got := h.ctl.List(); len(got) != 0 {
		t.Fatalf("expected no leases, got %d", len(got))
	}
}

func TestDeadlineArmedBeforeAttach(t *testing.T) {
	h := newHarness(t)

	var armedAtAttach, checked bool
	h.routing.onAttach = func(ref model.InstanceRef) {
		id, ok := h.ctl.reg.owner(ref)
		if !ok {
			t.Errorf("instance %s not registered before attach", ref)
			return
		}
		checked = true
		armedAtAttach = h.ctl.enforcer.Armed(id)
		if s, _ := h.ctl.Status(id); s.State != model.StateProvisioning {
			t.Errorf("state at attach = %s, want provisioning", s.State)
		}
	}

	h.launch(t)
	if !checked {
		t.Fatal("attach hook not called")
	}
	if !armedAtAttach {
		t.Fatal("deadline was not armed when the instance was attached")
	}
}

func TestAttachFailureLeavesNoOrphan(t *testing.T) {
	h := newHarness(t)
	h.routing.attachErr = fmt.Errorf("%w: load balancer unreachable", model.ErrSubstrateUnavailable)

	lease, err := h.ctl.Launch(context.Background(), "")
	if !errors.Is(err, model.ErrAttachFailed) {
		t.Fatalf("err = %v, want ErrAttachFailed", err)
	}
	if lease != nil {
		t.Fatal("expected no lease on attach failure")
	}
	if attaches, detaches := h.routing.counts(); attaches != 3 || detaches != 0 {
		t.Fatalf("attaches=%d detaches=%d, want 3 and 0", attaches, detaches)
	}
	if _, stops := h.fleet.counts(); stops != 1 {
		t.Fatalf("StopTask called %d times, want 1", stops)
	}
	if h.fleet.isRunning("task-0001") {
		t.Fatal("started instance still running after attach failure")
	}
	if h.ctl.enforcer.Len() != 0 {
		t.Fatalf("enforcer still has %d armed deadlines", h.ctl.enforcer.Len())
	}

	leases := h.ctl.List()
	if len(leases) != 1 {
		t.Fatalf("expected the failed lease to be retained, got %d", len(leases))
	}
	s := leases[0]
	if s.State != model.StateTerminated || s.Reason != model.ReasonAttachFailed || s.Error == "" {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if res, err := h.ctl.Stop(context.Background(), s.LeaseID); err != nil || res != model.AlreadyReclaimed {
		t.Fatalf("Stop after attach failure = %v, %v", res, err)
	}
}

func TestStatusUnknownLease(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ctl.Status("nope"); !errors.Is(err, model.ErrLeaseNotFound) {
		t.Fatalf("err = %v, want ErrLeaseNotFound", err)
	}
	if _, err := h.ctl.Stop(context.Background(), "nope"); !errors.Is(err, model.ErrLeaseNotFound) {
		t.Fatalf("Stop err = %v, want ErrLeaseNotFound", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	h := newHarness(t)
	first := h.launch(t)
	h.clock.Advance(time.Second)
	second := h.launch(t)

	list := h.ctl.List()
	if len(list) != 2 {
		t.Fatalf("got %d leases", len(list))
	}
	if list[0].LeaseID != second.ID || list[1].LeaseID != first.ID {
		t.Fatalf("unexpected order: %s, %s", list[0].LeaseID, list[1].LeaseID)
	}
}

func TestOneLeasePerInstance(t *testing.T) {
	r := newRegistry()
	ref := model.InstanceRef{TaskID: "t1", Cluster: "c"}
	if _, err := r.add(&model.Lease{ID: "a", Instance: ref, State: model.StateActive}); err != nil {
		t.Fatal(err)
	}
	_, err := r.add(&model.Lease{ID: "b", Instance: ref, State: model.StateProvisioning})
	if !errors.Is(err, model.ErrDuplicateInstance) {
		t.Fatalf("err = %v, want ErrDuplicateInstance", err)
	}

	a, _ := r.get("a")
	r.release(a.snapshot())
	if _, err := r.add(&model.Lease{ID: "b", Instance: ref, State: model.StateProvisioning}); err != nil {
		t.Fatalf("instance should be free after release: %v", err)
	}
}

func TestStatesNeverMoveBackwards(t *testing.T) {
	e := newEntry(&model.Lease{ID: "x", State: model.StateStopping})
	next := e.lease.Clone()
	next.State = model.StateActive
	if err := e.commit(next); err == nil {
		t.Fatal("expected error moving stopping -> active")
	}
	if e.snapshot().State != model.StateStopping {
		t.Fatal("snapshot changed on rejected transition")
	}
}
