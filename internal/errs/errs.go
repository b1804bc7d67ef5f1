// Package errs defines the error kinds from the cycle engine's error
// handling design (populate/publish/integrity/validation/announce/
// listener failures, plus the blob and schema codec failures) as
// sentinel values, wrapped with github.com/pkg/errors so callers get
// a stack trace to the first fatal cause.
package errs

import "github.com/pkg/errors"

// Kind-level sentinels. Use errors.Is against these after wrapping
// with Wrap/Wrapf.
var (
	ErrPopulateFailure      = errors.New("populate failure")
	ErrPublishFailure       = errors.New("publish failure")
	ErrIntegrityFailure     = errors.New("integrity failure")
	ErrValidationFailure    = errors.New("validation failure")
	ErrValidatorError       = errors.New("validator error")
	ErrAnnounceFailure      = errors.New("announce failure")
	ErrListenerFailure      = errors.New("listener failure")
	ErrMalformedBlob        = errors.New("malformed blob")
	ErrSchemaMismatch       = errors.New("schema mismatch")
	ErrTruncatedBlob        = errors.New("truncated blob")
	ErrUnknownFormatVersion = errors.New("unknown format version")
	ErrMalformedSchema      = errors.New("malformed schema")
	ErrCycleAlreadyRunning  = errors.New("cycle already running")
)

// Wrap attaches msg and a stack trace to the given kind sentinel so
// the result still satisfies errors.Is(result, kind).
func Wrap(kind error, msg string) error {
	return &kindError{kind: kind, err: errors.WithMessage(errors.WithStack(kind), msg)}
}

// Wrapf is Wrap with fmt-style formatting.
func Wrapf(kind error, format string, args ...any) error {
	return &kindError{kind: kind, err: errors.WithMessage(errors.WithStack(kind), sprintf(format, args...))}
}

// From wraps an existing error (e.g. a stage's returned error) under
// kind. errors.Unwrap on the result yields kind; the original error
// stays reachable through the Cause chain (github.com/pkg/errors.Cause).
func From(kind error, cause error) error {
	if cause == nil {
		return kind
	}
	return &kindError{kind: kind, err: errors.Wrap(cause, kind.Error())}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.kind }
func (e *kindError) Cause() error  { return e.err }

func sprintf(format string, args ...any) string {
	return errors.Errorf(format, args...).Error()
}
