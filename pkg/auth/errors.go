package auth

import (
	"errors"
	"fmt"
)

// Reason distinguishes the two handshake failures.
type Reason int

const (
	// ReasonExpired means the challenge lapsed before it could be verified.
	ReasonExpired Reason = iota + 1
	// ReasonRejected means the bus refused the signature.
	ReasonRejected
)

func (r Reason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonRejected:
		return "rejected"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

var (
	// ErrChallengeExpired matches any AuthError with ReasonExpired.
	ErrChallengeExpired = &AuthError{Reason: ReasonExpired}
	// ErrRejected matches any AuthError with ReasonRejected.
	ErrRejected = &AuthError{Reason: ReasonRejected}
)

// AuthError is a handshake failure reported by, or detected against, the
// auth endpoints.
type AuthError struct {
	Reason Reason
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return "auth: challenge " + e.Reason.String()
	}
	return fmt.Sprintf("auth: challenge %s: %s", e.Reason, e.Detail)
}

// Is makes errors.Is(err, ErrRejected) and errors.Is(err, ErrChallengeExpired) work.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Reason == e.Reason
}

// TransientError is a network or server-side failure worth retrying later.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("auth: %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
