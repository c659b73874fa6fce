package types

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// Typed failure sentinels. Each wraps an errdefs kind so callers can branch
// either on the precise condition (errors.Is against these) or on the broad
// class (errors.Is against errdefs) for transport mapping.
var (
	ErrNoWorkersAvailable = fmt.Errorf("no eligible workers available: %w", errdefs.ErrResourceExhausted)
	ErrWorkerAtCapacity   = fmt.Errorf("worker at task capacity: %w", errdefs.ErrResourceExhausted)
	ErrQueueFull          = fmt.Errorf("message queue full: %w", errdefs.ErrResourceExhausted)
	ErrCapabilityMismatch = fmt.Errorf("worker lacks required capabilities: %w", errdefs.ErrFailedPrecondition)
	ErrWorkerOffline      = fmt.Errorf("worker is offline: %w", errdefs.ErrUnavailable)
)

// NotFound wraps errdefs.ErrNotFound with entity context.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, errdefs.ErrNotFound)
}

// Invalid wraps errdefs.ErrInvalidArgument with a reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrInvalidArgument)...)
}

// Precondition wraps errdefs.ErrFailedPrecondition with a reason.
func Precondition(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrFailedPrecondition)...)
}
