package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies why a run, a step or a rollback action failed.
type Kind string

const (
	Connection   Kind = "ConnectionError"
	Auth         Kind = "AuthError"
	Timeout      Kind = "TimeoutError"
	Exec         Kind = "ExecError"
	Transfer     Kind = "TransferError"
	Verification Kind = "VerificationFailure"
	HealthCheck  Kind = "HealthCheckFailure"
	Rollback     Kind = "RollbackFailure"
	Validation   Kind = "ValidationError"
	Precondition Kind = "PreconditionFailed"
	Cancelled    Kind = "Cancelled"
	Unknown      Kind = "UnknownError"
)

// Error is the structured error every executor, the session and the runner
// return. Retryable is only ever honoured by the executor that produced it.
type Error struct {
	Kind      Kind
	Step      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Kind, e.Step, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a fatal error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a fatal error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Retry marks e as retryable and returns it.
func (e *Error) Retry() *Error {
	e.Retryable = true
	return e
}

// AtStep returns a copy of err attributed to the given step. Non-structured
// errors are classified first.
func AtStep(step string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		cp := *fe
		cp.Step = step
		return &cp
	}
	return &Error{Kind: classify(err), Step: step, Err: err}
}

// KindOf returns the kind of the first structured error in err's chain.
// Context errors map to Timeout and Cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return classify(err)
}

// IsRetryable reports whether err was marked retryable by its producer.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Cancelled
	default:
		return Unknown
	}
}

// Report is the serializable form of an error carried in a run result.
type Report struct {
	Kind    Kind   `json:"kind"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
}

// ToReport converts err into its serializable form. It returns nil for a nil error.
func ToReport(err error) *Report {
	if err == nil {
		return nil
	}
	r := &Report{Kind: KindOf(err), Message: err.Error()}
	var fe *Error
	if errors.As(err, &fe) {
		r.Step = fe.Step
	}
	return r
}
