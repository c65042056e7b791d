package registry

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("session not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidName            = fmt.Errorf("%w: invalid name", ErrInvalidInput)
	ErrDeliveryFailed         = errors.New("delivery failed")
	ErrAuthFailure            = errors.New("authentication failed")
	ErrProviderError          = errors.New("provider error")
	ErrAttachmentDecodeFailed = errors.New("attachment decode failed")
)

// Err returns the failure a snapshot reports, or nil for a healthy session
func (s Snapshot) Err() error {
	switch s.Status {
	case StateAuthFailure:
		return fmt.Errorf("%w: %s", ErrAuthFailure, s.Error)
	case StateError:
		return fmt.Errorf("%w: %s", ErrProviderError, s.Error)
	default:
		return nil
	}
}

// DeliveryError carries the provider's reason for a failed send. Its text is
// the provider's text unchanged.
type DeliveryError struct {
	Cause error
}

func (e *DeliveryError) Error() string {
	return e.Cause.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrDeliveryFailed) hold
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}
