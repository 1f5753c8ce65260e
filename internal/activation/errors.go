package activation

import (
	"errors"
	"fmt"
)

// Kind classifies coordination failures. The kind is fixed where the error
// is created; callers never inspect messages.
type Kind int

const (
	// KindUnknown is reported for errors that did not originate here.
	KindUnknown Kind = iota
	// KindRestartable means the observed state changed before we could act.
	// Re-running the whole start-or-attach decision is expected to succeed.
	KindRestartable
	// KindTimeout means a live starter did not finish within the attach window.
	KindTimeout
	// KindRegistry covers lock, read, write and decode failures of the registry.
	KindRegistry
)

func (k Kind) String() string {
	switch k {
	case KindRestartable:
		return "restartable"
	case KindTimeout:
		return "timeout"
	case KindRegistry:
		return "registry"
	default:
		return "unknown"
	}
}

// ErrNotFound is wrapped when an activation id does not exist in the registry.
var ErrNotFound = errors.New("activation not found")

// Error is a classified coordination failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Restartable wraps a failure that should restart the start-or-attach decision.
func Restartable(msg string) error {
	return &Error{Kind: KindRestartable, Err: errors.New(msg)}
}

// Timeout builds the fatal attach timeout error.
func Timeout(msg string) error {
	return &Error{Kind: KindTimeout, Err: errors.New(msg)}
}

// RegistryError tags err as a registry failure for operation op.
func RegistryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRegistry, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsRestartable(err error) bool { return KindOf(err) == KindRestartable }
func IsTimeout(err error) bool     { return KindOf(err) == KindTimeout }
func IsRegistry(err error) bool    { return KindOf(err) == KindRegistry }
