// Package docker implements fleet.Substrate on a Docker host by driving the
// docker CLI. The configured max capacity bounds the number of running box
// containers per cluster label.
package docker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jxucoder/efimeral/pkg/fleet"
	"github.com/jxucoder/efimeral/pkg/model"
)

const (
	labelLease        = "efimeral.lease"
	labelCluster      = "efimeral.cluster"
	labelInstanceType = "efimeral.instance-type"
)

// runFunc executes the docker CLI and returns its combined output.
type runFunc func(ctx context.Context, args ...string) ([]byte, error)

// Substrate implements fleet.Substrate using Docker.
type Substrate struct {
	dockerBin string
	network   string
	run       runFunc

	// startMu serializes the capacity check with the container start so
	// concurrent launches cannot overshoot max capacity.
	startMu sync.Mutex
}

// New creates a Docker substrate that attaches containers to network.
func New(network string) *Substrate {
	s := &Substrate{
		dockerBin: findDocker(),
		network:   network,
	}
	s.run = s.execDocker
	return s
}

// findDocker locates the docker binary, checking PATH first and then
// well-known install locations.
func findDocker() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	candidates := []string{
		"/Applications/Docker.app/Contents/Resources/bin/docker",
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (s *Substrate) execDocker(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, s.dockerBin, args...).CombinedOutput()
}

// StartTask starts one box container from the request's template.
func (s *Substrate) StartTask(ctx context.Context, req fleet.TaskRequest) (model.InstanceRef, error) {
	tmpl := req.Template
	if err := tmpl.Validate(); err != nil {
		return model.InstanceRef{}, err
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	running, err := s.countRunning(ctx, tmpl.Cluster)
	if err != nil {
		return model.InstanceRef{}, err
	}
	if running >= tmpl.MaxCapacity {
		return model.InstanceRef{}, fmt.Errorf("%w: %d/%d tasks running in %s",
			model.ErrCapacityExhausted, running, tmpl.MaxCapacity, tmpl.Cluster)
	}

	name := containerName(req)
	output, err := s.run(ctx, runArgs(req, name, s.network)...)
	if err != nil {
		// docker run creates the container before starting it, and a canceled
		// CLI may leave a box the daemon already started. Either way the name
		// must be free for the retry.
		_, _ = s.run(context.WithoutCancel(ctx), "rm", "-f", name)
		return model.InstanceRef{}, classify("starting task", err, output)
	}

	ref := model.InstanceRef{
		TaskID:  strings.TrimSpace(string(output)),
		Cluster: tmpl.Cluster,
	}
	host, err := s.hostAddress(ctx, ref.TaskID)
	if err != nil {
		// The container exists; remove it so a failed start leaves nothing behind.
		_, _ = s.run(context.WithoutCancel(ctx), "rm", "-f", ref.TaskID)
		return model.InstanceRef{}, err
	}
	ref.Host = host
	return ref, nil
}

// containerName is derived from the lease so that a failed start can be
// cleaned up without knowing the container id.
func containerName(req fleet.TaskRequest) string {
	name := req.Template.Container
	if name == "" {
		name = "box"
	}
	return fmt.Sprintf("efimeral-%s-%s", name, req.LeaseID)
}

func runArgs(req fleet.TaskRequest, name, network string) []string {
	tmpl := req.Template
	args := []string{
		"run", "-d",
		"--name", name,
		"--label", labelLease + "=" + req.LeaseID,
		"--label", labelCluster + "=" + tmpl.Cluster,
	}
	if tmpl.InstanceType != "" {
		args = append(args, "--label", labelInstanceType+"="+tmpl.InstanceType)
	}
	if network != "" {
		args = append(args, "--network", network)
	}

	// CPU units follow the 1024-per-vCPU convention.
	args = append(args,
		"--cpus", strconv.FormatFloat(float64(tmpl.CPU)/1024, 'f', 3, 64),
		"--memory", fmt.Sprintf("%dm", tmpl.MemoryMiB),
		"--expose", strconv.Itoa(tmpl.ContainerPort),
		"--pids-limit", "512",
	)
	if tmpl.StopTimeout > 0 {
		args = append(args, "--stop-timeout", strconv.Itoa(int(tmpl.StopTimeout.Round(time.Second).Seconds())))
	}

	keys := make([]string, 0, len(tmpl.Env))
	for k := range tmpl.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+tmpl.Env[k])
	}
	args = append(args,
		"-e", "EFIMERAL_LEASE_ID="+req.LeaseID,
		"-e", "EFIMERAL_PORT="+strconv.Itoa(tmpl.ContainerPort),
	)

	return append(args, req.Image)
}

func (s *Substrate) countRunning(ctx context.Context, cluster string) (int, error) {
	output, err := s.run(ctx, "ps", "-q", "--filter", "label="+labelCluster+"="+cluster)
	if err != nil {
		return 0, classify("listing tasks", err, output)
	}
	return len(strings.Fields(string(output))), nil
}

func (s *Substrate) hostAddress(ctx context.Context, taskID string) (string, error) {
	output, err := s.run(ctx, "inspect", "-f",
		"{{range .NetworkSettings.Networks}}{{.IPAddress}} {{end}}", taskID)
	if err != nil {
		return "", classify("inspecting task", err, output)
	}
	fields := strings.Fields(string(output))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: task %s has no network address", model.ErrSubstrateUnavailable, taskID)
	}
	return fields[0], nil
}

// StopTask stops the task's container, giving it the template's stop
// timeout to exit after SIGTERM, then removes it. A container that no longer
// exists yields an error wrapping model.ErrInstanceAbsent.
func (s *Substrate) StopTask(ctx context.Context, ref model.InstanceRef) error {
	output, err := s.run(ctx, "stop", ref.TaskID)
	if err != nil {
		if err := classify("stopping task", err, output); errors.Is(err, model.ErrInstanceAbsent) {
			return err
		}
		// Anything else falls through; rm -f kills the container.
	}
	output, err = s.run(ctx, "rm", "-f", ref.TaskID)
	if err != nil {
		return classify("stopping task", err, output)
	}
	return nil
}

// DescribeTask reports the container's state.
func (s *Substrate) DescribeTask(ctx context.Context, ref model.InstanceRef) (fleet.TaskStatus, error) {
	output, err := s.run(ctx, "inspect", "-f", "{{.State.Status}} {{.State.ExitCode}}", ref.TaskID)
	if err != nil {
		err = classify("describing task", err, output)
		if errors.Is(err, model.ErrInstanceAbsent) {
			return fleet.TaskStatus{State: fleet.TaskAbsent}, nil
		}
		return fleet.TaskStatus{}, err
	}

	fields := strings.Fields(string(output))
	if len(fields) == 0 {
		return fleet.TaskStatus{}, fmt.Errorf("%w: empty inspect output for %s", model.ErrSubstrateUnavailable, ref.TaskID)
	}
	status := fleet.TaskStatus{State: taskState(fields[0]), Host: ref.Host}
	if len(fields) > 1 {
		status.ExitCode, _ = strconv.Atoi(fields[1])
	}
	return status, nil
}

func taskState(dockerStatus string) fleet.TaskState {
	switch dockerStatus {
	case "created":
		return fleet.TaskPending
	case "running", "restarting", "paused":
		return fleet.TaskRunning
	default:
		return fleet.TaskStopped
	}
}

// EnsureNetwork creates the Docker network if it doesn't exist.
func (s *Substrate) EnsureNetwork(ctx context.Context) error {
	if s.network == "" {
		return nil
	}
	if _, err := s.run(ctx, "network", "inspect", s.network); err == nil {
		return nil
	}
	if output, err := s.run(ctx, "network", "create", s.network); err != nil {
		return fmt.Errorf("creating network %q: %w\noutput: %s", s.network, err, string(output))
	}
	return nil
}

// classify maps docker CLI failures onto the fleet error taxonomy.
func classify(op string, err error, output []byte) error {
	msg := strings.TrimSpace(string(output))
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no such container"), strings.Contains(lower, "no such object"):
		return fmt.Errorf("%s: %w: %s", op, model.ErrInstanceAbsent, msg)
	case strings.Contains(lower, "invalid reference format"),
		strings.Contains(lower, "pull access denied"),
		strings.Contains(lower, "manifest unknown"),
		strings.Contains(lower, "unable to find image"),
		strings.Contains(lower, "invalid argument"):
		return fmt.Errorf("%s: %w: %s", op, model.ErrConfiguration, msg)
	default:
		// Daemon unreachable, timeouts and anything unrecognized are treated as
		// transient and retried by the controller.
		return fmt.Errorf("%s: %w: %v: %s", op, model.ErrSubstrateUnavailable, err, msg)
	}
}
