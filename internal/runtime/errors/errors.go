package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired        = sterrors.New("relay: relay service is required")
	ErrConfigRequired         = sterrors.New("relay: configuration is required")
	ErrLoggerRequired         = sterrors.New("relay: logger is required")
	ErrBusRequired            = sterrors.New("relay: event bus is required")
	ErrBusClosed              = sterrors.New("relay: event bus is closed")
	ErrChannelRequired        = sterrors.New("relay: bus channel is required")
	ErrHandlerRequired        = sterrors.New("relay: handler function is required")
	ErrNoDispatcher           = sterrors.New("relay: confined dispatch requested but no dispatcher is configured")
	ErrEventTypeRequired      = sterrors.New("relay: event type is required")
	ErrEventPointerNeeded     = sterrors.New("relay: event type must be a pointer")
	ErrEventPayloadRequired   = sterrors.New("relay: event payload is required")
	ErrUnknownEventKind       = sterrors.New("relay: unknown event kind")
	ErrIdentityRequired       = sterrors.New("relay: application instance identity is required")
	ErrInvalidIdentityKey     = sterrors.New("relay: identity key must be 64 hexadecimal characters")
	ErrServiceStarted         = sterrors.New("relay: service already started")
	ErrTopicRequired          = sterrors.New("relay: topic is required")
	ErrTransportNotConfigured = sterrors.New("relay: transport is not configured")
)

// ConfigValidationError reports a configuration that failed validation.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("relay: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
