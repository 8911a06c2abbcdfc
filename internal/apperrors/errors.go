package apperrors

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
)

// Error kinds surfaced by the ingestion core. The errors that the handlers
// and workers route on wrap exactly one of these sentinels, so callers can
// route on the kind without knowing the component that produced it. The bus,
// chunk index and blob provider packages return their own errors; their
// callers wrap those (usually as Transient).
var (
	// ErrInvalidInput marks a request that violates a declared constraint.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks a referenced session, video or blob that is absent.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorised marks a request with no identified caller.
	ErrUnauthorised = errors.New("unauthorised")

	// ErrForbidden marks an owner mismatch on an existing resource.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict marks an operation against a session in a terminal state,
	// or a blob that already exists at the destination of a rename.
	ErrConflict = errors.New("conflict")

	// ErrTransient marks a temporary failure of storage, queue, index or
	// database. Queue consumers retry these; endpoints return 5xx.
	ErrTransient = errors.New("transient failure")

	// ErrFatal marks an invariant violation detected by a worker. Never
	// retried; the message goes straight to the DLQ.
	ErrFatal = errors.New("fatal")
)

// InvalidInput wraps ErrInvalidInput with a formatted reason.
func InvalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidInput}, args...)...)
}

// NotFound wraps ErrNotFound with a formatted reason.
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotFound}, args...)...)
}

// Conflict wraps ErrConflict with a formatted reason.
func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConflict}, args...)...)
}

// Transient wraps an underlying failure as retryable. The cause stays on the
// chain so errors.Is can still see it.
func Transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// Fatal wraps an invariant violation. Never retried.
func Fatal(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrFatal}, args...)...)
}

// IsTransient reports whether err should be routed to the retry queue.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsFatal reports whether err is an invariant violation that must go straight
// to the DLQ.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// HTTPStatus maps an error kind to the status code client-facing endpoints
// return. Endpoints recover nothing; they translate and return.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return fiber.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrUnauthorised):
		return fiber.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, ErrTransient):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
