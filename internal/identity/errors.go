package identity

import "errors"

var (
	// ErrInvalidInput marks malformed input or policy violations.
	ErrInvalidInput = errors.New("identity: invalid input")
	// ErrNotFound is returned when no account matches the lookup.
	ErrNotFound = errors.New("identity: not found")
	// ErrDuplicateIdentity is returned on unique-constraint collisions
	// (email, phone, employee id).
	ErrDuplicateIdentity = errors.New("identity: duplicate identity")
	// ErrAuthenticationFailed is deliberately generic: callers must not be able
	// to distinguish an unknown identifier from a wrong secret.
	ErrAuthenticationFailed = errors.New("identity: authentication failed")
	// ErrCapacityExceeded guards protected-tier cardinality (chief ceiling,
	// last active super_admin).
	ErrCapacityExceeded = errors.New("identity: capacity exceeded")
	// ErrInvalidStateTransition is returned when an approval-workflow action
	// does not apply to the target's current status.
	ErrInvalidStateTransition = errors.New("identity: invalid state transition")
)
