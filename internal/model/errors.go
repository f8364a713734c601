package model

import "errors"

// ErrorKind classifies failures per spec.md §7, so the arbitrator can
// decide whether to retry, degrade, or surface an error to the caller.
type ErrorKind string

const (
	KindInvalidInput      ErrorKind = "InvalidInput"
	KindUpstreamTransient ErrorKind = "UpstreamTransient"
	KindUpstreamPermanent ErrorKind = "UpstreamPermanent"
	KindTimeoutStage1     ErrorKind = "TimeoutStage1"
	KindTimeoutStage2     ErrorKind = "TimeoutStage2"
	KindIndexSkew         ErrorKind = "IndexSkew"
	KindInternal          ErrorKind = "Internal"
)

// CoreError wraps an underlying error with its spec.md §7 classification.
type CoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *CoreError) Unwrap() error { return e.Err }

// NewError builds a CoreError of the given kind.
func NewError(kind ErrorKind, op string, err error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to KindInternal when
// err is not a *CoreError.
func KindOf(err error) ErrorKind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == KindUpstreamTransient
}

var (
	// ErrInvalidInput is returned immediately, no analysis performed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned by store lookups that find nothing.
	ErrNotFound = errors.New("not found")
)
