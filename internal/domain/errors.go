package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a capability failure for fallback decisions.
type ErrorKind string

const (
	// Transient kinds: the next provider in the chain may still succeed.
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindUnavailable ErrorKind = "unavailable"

	// Permanent kinds: retrying another provider will not help.
	KindBadInput ErrorKind = "bad_input"
	KindAuth     ErrorKind = "auth"
)

// ErrCapabilityUnavailable is returned when no provider is registered for a
// capability, typically because no credential setting exists.
var ErrCapabilityUnavailable = errors.New("capability unavailable")

// CapabilityError wraps a provider failure with its kind and origin.
type CapabilityError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *CapabilityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// NewCapabilityError builds a CapabilityError.
func NewCapabilityError(provider string, kind ErrorKind, err error) *CapabilityError {
	return &CapabilityError{Kind: kind, Provider: provider, Err: err}
}

// IsTransient reports whether err is a capability failure worth passing to
// the next provider in a chain. Unknown errors count as transient so that a
// misbehaving provider never blocks its fallbacks.
func IsTransient(err error) bool {
	var ce *CapabilityError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case KindBadInput, KindAuth:
			return false
		}
	}
	return true
}

// KindOf extracts the error kind, defaulting to unavailable.
func KindOf(err error) ErrorKind {
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnavailable
}
