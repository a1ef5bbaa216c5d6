package domain

import (
	"errors"
	"fmt"
)

// FailureKind separates retry-eligible failures from the rest.
type FailureKind int

const (
	FailureTransient FailureKind = iota + 1
	FailurePermanent
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a failure classified at a component boundary.
type Error struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retry-eligible.
func Transient(op string, err error) error {
	return &Error{Kind: FailureTransient, Op: op, Err: err}
}

// Permanent marks err as not retry-eligible.
func Permanent(op string, err error) error {
	return &Error{Kind: FailurePermanent, Op: op, Err: err}
}

// KindOf returns the outermost classification in err's chain, or 0.
func KindOf(err error) FailureKind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return 0
}

func IsPermanent(err error) bool { return KindOf(err) == FailurePermanent }

// IsTransient reports whether err may be retried. Unclassified errors count as
// transient; callers bound their retries anyway.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) != FailurePermanent
}
