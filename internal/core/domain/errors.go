package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("entity not found")
	ErrPreconditionRequired = errors.New("precondition required")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrUnknownLine          = errors.New("unknown inventory line")
	ErrInvalidInventory     = errors.New("inventory line violates available >= 0")
	ErrReservationClosed    = errors.New("reservation is no longer active")
	ErrReservationNotDue    = errors.New("reservation has not expired")
	ErrRetriesExhausted     = errors.New("conditional update retries exhausted")
	ErrCountsImmutable      = errors.New("inventory counts change only through conditional updates")
)

// Kind classifies an error so boundaries can map it onto transport status
// codes without caring about the concrete type.
type Kind int

const (
	KindUnknown Kind = iota
	KindConflict
	KindPreconditionRequired
	KindMalformedPrecondition
	KindNotFound
	KindInsufficientInventory
	KindInvalidArgument
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindPreconditionRequired:
		return "precondition_required"
	case KindMalformedPrecondition:
		return "malformed_precondition"
	case KindNotFound:
		return "not_found"
	case KindInsufficientInventory:
		return "insufficient_inventory"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// ConflictError reports that the caller's token no longer matches the
// entity's current token.
type ConflictError struct {
	Expected VersionToken
	Actual   VersionToken
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected %s, actual %s",
		e.Expected.EntityType, e.Expected.EntityID, e.Expected.Header(), e.Actual.Header())
}

// MalformedPreconditionError means a token was supplied but could not be parsed.
type MalformedPreconditionError struct {
	Header string
	Reason string
}

func (e *MalformedPreconditionError) Error() string {
	return fmt.Sprintf("malformed precondition %q: %s", e.Header, e.Reason)
}

// InsufficientInventoryError is the domain refusal of a transition. Remaining
// is whatever the transition draws from: available seats for a reserve,
// reserved seats for a release or sale.
type InsufficientInventoryError struct {
	EventID   string
	LineID    string
	Requested int
	Remaining int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory on %s/%s: requested %d, remaining %d",
		e.EventID, e.LineID, e.Requested, e.Remaining)
}

// InfrastructureError wraps store failures: lock timeouts, lost connections,
// deadlocks. These are never retried by the engine.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// Infrastructure wraps err as an InfrastructureError unless it already
// carries a domain kind.
func Infrastructure(op string, err error) error {
	if err == nil {
		return nil
	}
	if k := KindOf(err); k != KindUnknown {
		return err
	}
	return &InfrastructureError{Op: op, Err: err}
}

// KindOf returns the taxonomy kind of err, or KindUnknown for nil and foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		conflict     *ConflictError
		malformed    *MalformedPreconditionError
		insufficient *InsufficientInventoryError
		infra        *InfrastructureError
	)
	switch {
	case errors.As(err, &conflict),
		errors.Is(err, ErrReservationClosed),
		errors.Is(err, ErrRetriesExhausted):
		return KindConflict
	case errors.Is(err, ErrPreconditionRequired):
		return KindPreconditionRequired
	case errors.As(err, &malformed):
		return KindMalformedPrecondition
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.As(err, &insufficient):
		return KindInsufficientInventory
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrUnknownLine),
		errors.Is(err, ErrInvalidInventory),
		errors.Is(err, ErrCountsImmutable),
		errors.Is(err, ErrReservationNotDue):
		return KindInvalidArgument
	case errors.As(err, &infra),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindInfrastructure
	}
	return KindUnknown
}

// Outcome is the result of a conditional mutation. Only OutcomeApplied
// changed state.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeApplied
	OutcomeConflict
	OutcomeRejected
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeConflict:
		return "conflict"
	case OutcomeRejected:
		return "rejected"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Kind maps an outcome onto the error taxonomy. Applied maps to KindUnknown.
func (o Outcome) Kind() Kind {
	switch o {
	case OutcomeConflict:
		return KindConflict
	case OutcomeRejected:
		return KindInsufficientInventory
	case OutcomeNotFound:
		return KindNotFound
	default:
		return KindUnknown
	}
}
