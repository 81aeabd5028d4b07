package harvest

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by transports, adapters and stores. Callers classify with errors.Is.
var (
	// ErrTransient covers timeouts, 5xx and 429 responses.
	ErrTransient = errors.New("transient fetch failure")
	// ErrChallenge marks a bot-protection challenge page.
	ErrChallenge = errors.New("protection challenge")
	// ErrPermanent covers responses that retrying will not fix (404, 410, other 4xx).
	ErrPermanent = errors.New("permanent fetch failure")
	// ErrParse marks a malformed payload or unexpected schema.
	ErrParse = errors.New("parse failure")
	// ErrIntegrity marks a storage or queue integrity failure; it is fatal for a job.
	ErrIntegrity = errors.New("storage integrity failure")
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
)

// FetchError carries the classification of a failed fetch.
type FetchError struct {
	Kind   error
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%v: %s (status %d): %v", e.Kind, e.URL, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.URL, e.Err)
	default:
		return fmt.Sprintf("%v: %s (status %d)", e.Kind, e.URL, e.Status)
	}
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches the error kind.
func (e *FetchError) Is(target error) bool {
	return target == e.Kind
}

// ParseError wraps a decode failure for a single item.
func ParseError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

// IntegrityError marks err as fatal for the current job.
func IntegrityError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIntegrity, op, err)
}
