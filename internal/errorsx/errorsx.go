// Package errorsx attaches machine-readable kinds to pipeline errors.
package errorsx

import "errors"

// Kind is a short machine-readable error category.
type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindEmptyInput     Kind = "empty_input"
	KindNoSegments     Kind = "no_segments_found"
	KindSynthesis      Kind = "synthesis"
	KindRetryExhausted Kind = "retry_exhausted"
	KindAssembly       Kind = "assembly"
	KindPartialFailure Kind = "partial_failure"
	KindInvalidRequest Kind = "invalid_request"
)

// Kinded is implemented by errors that know their own kind.
type Kinded interface {
	Kind() Kind
}

// KindedError wraps an error with a kind.
type KindedError struct {
	Err  error
	kind Kind
}

func (e KindedError) Error() string {
	if e.Err == nil {
		return string(e.kind)
	}
	return e.Err.Error()
}

func (e KindedError) Unwrap() error { return e.Err }

func (e KindedError) Kind() Kind { return e.kind }

// Wrap attaches a kind to err (no-op if err is nil or already kinded).
func Wrap(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	var k Kinded
	if errors.As(err, &k) {
		return err
	}
	return KindedError{Err: err, kind: kind}
}

// KindOf extracts the outermost kind from an error chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
