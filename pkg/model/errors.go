package model

import (
	"errors"
	"net/http"
)

// Error taxonomy. Implementations of the fleet substrate and routing layer
// wrap these so callers can classify failures with errors.Is.
var (
	// ErrCapacityExhausted means the compute pool cannot take another task
	// right now. Retryable by the caller.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrSubstrateUnavailable is a transient infrastructure failure.
	ErrSubstrateUnavailable = errors.New("fleet substrate unavailable")

	// ErrAttachFailed means the instance started but could not be attached
	// to the routing layer. The instance has been reclaimed.
	ErrAttachFailed = errors.New("attach to routing layer failed")

	// ErrConfiguration is an invalid template, image tag, or setting. Never
	// retried.
	ErrConfiguration = errors.New("configuration error")

	ErrLeaseNotFound = errors.New("lease not found")

	// ErrInstanceAbsent is returned by the substrate when a task does not
	// exist. Stop treats it as success.
	ErrInstanceAbsent = errors.New("instance absent")

	// ErrTargetAbsent is returned by the routing layer when a target is not
	// registered. Detach treats it as success.
	ErrTargetAbsent = errors.New("route target absent")

	// ErrDuplicateInstance means a non-terminal lease already tracks the
	// instance.
	ErrDuplicateInstance = errors.New("instance already leased")
)

// Retryable reports whether the caller may retry the operation that
// produced err.
func Retryable(err error) bool {
	return errors.Is(err, ErrCapacityExhausted) || errors.Is(err, ErrSubstrateUnavailable)
}

// Transient reports whether err should be retried locally with backoff.
// Capacity exhaustion is retryable by the caller but is not retried inside
// the controller.
func Transient(err error) bool {
	return errors.Is(err, ErrSubstrateUnavailable)
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrLeaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, ErrCapacityExhausted), errors.Is(err, ErrSubstrateUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAttachFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrDuplicateInstance):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
