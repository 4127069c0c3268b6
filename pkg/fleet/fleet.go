// Package fleet defines the Substrate interface to the compute cluster that
// runs sandbox tasks.
package fleet

import (
	"context"

	"github.com/jxucoder/efimeral/pkg/model"
)

// TaskRequest describes one task to start from the fixed template.
type TaskRequest struct {
	LeaseID  string
	Template TaskTemplate
	// Image is the fully qualified image reference (repository:tag).
	Image string
}

// TaskState is the substrate's view of a task.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskStopped TaskState = "stopped"
	TaskAbsent  TaskState = "absent"
)

// TaskStatus is returned by DescribeTask.
type TaskStatus struct {
	State    TaskState
	Host     string
	ExitCode int
}

// Alive reports whether the task is pending or running.
func (s TaskStatus) Alive() bool {
	return s.State == TaskPending || s.State == TaskRunning
}

// Substrate starts, stops and describes tasks.
//
// StartTask returns an error wrapping model.ErrCapacityExhausted when the pool
// is at its maximum, model.ErrSubstrateUnavailable on transient failures and
// model.ErrConfiguration when the request cannot succeed. StopTask returns an
// error wrapping model.ErrInstanceAbsent when the task no longer exists.
type Substrate interface {
	StartTask(ctx context.Context, req TaskRequest) (model.InstanceRef, error)
	StopTask(ctx context.Context, ref model.InstanceRef) error
	DescribeTask(ctx context.Context, ref model.InstanceRef) (TaskStatus, error)
}
