package types

import "fmt"

// ErrorKind classifies failures surfaced in outcomes and audit rows.
type ErrorKind string

const (
	ErrConfiguration ErrorKind = "ConfigurationError"
	ErrUnreachable   ErrorKind = "Unreachable"
	ErrTimeout       ErrorKind = "Timeout"
	ErrQuery         ErrorKind = "QueryError"
	ErrPrecondition  ErrorKind = "PreconditionError"
	ErrAggregation   ErrorKind = "AggregationError"
)

// RunError is a classified error carrying its ErrorKind.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Errorf builds a RunError of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
