// Package routing defines the Layer interface through which box instances are
// made reachable from outside the cluster.
package routing

import (
	"context"

	"github.com/jxucoder/efimeral/pkg/model"
)

// Layer registers and deregisters instances as route targets.
//
// AttachTarget returns an error wrapping model.ErrSubstrateUnavailable on
// transient failures. DetachTarget returns an error wrapping
// model.ErrTargetAbsent when the target is not registered.
type Layer interface {
	AttachTarget(ctx context.Context, ref model.InstanceRef, port int) (model.RouteTarget, error)
	DetachTarget(ctx context.Context, target model.RouteTarget) error
}
