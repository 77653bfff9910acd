package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure for the router's fallback logic.
type ErrorKind int

const (
	// KindTransient covers timeouts, rate limits, and 5xx responses. The
	// router advances to the next provider in the fallback chain.
	KindTransient ErrorKind = iota

	// KindPermanent covers bad requests and authentication failures. Retrying
	// elsewhere with the same payload would fail the same way, so the router
	// aborts immediately.
	KindPermanent
)

// Error wraps a backend failure with its fallback classification. Adapters
// classify at the edge, where the SDK-specific status is still visible.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindPermanent:
		return fmt.Sprintf("permanent provider error: %v", e.Err)
	default:
		return fmt.Sprintf("transient provider error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retriable provider failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retriable provider failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// IsPermanent reports whether err is classified as a permanent provider
// failure. Context cancellation counts as permanent: falling back to another
// provider cannot help a caller that has already gone away.
func IsPermanent(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindPermanent
	}
	return false
}

// IsTransient reports whether err should trigger fallback to the next
// provider. Unclassified errors default to transient — an unknown network
// failure is more likely to be the backend's fault than the request's.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
