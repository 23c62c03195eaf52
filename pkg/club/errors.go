package club

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidID          = errors.New("invalid identifier")
	ErrNotAuthorized      = errors.New("user is not an admin of the club")
	ErrLastAdmin          = errors.New("last admin cannot leave the club")
	ErrPartialConsistency = errors.New("relationship update partially applied")
)

// Outcome classifies how far a two-step relationship update got.
type Outcome int

const (
	BothSucceeded Outcome = iota
	FirstSucceededSecondFailed
	FirstFailed
)

func (o Outcome) String() string {
	switch o {
	case BothSucceeded:
		return "both_succeeded"
	case FirstSucceededSecondFailed:
		return "first_succeeded_second_failed"
	case FirstFailed:
		return "first_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Operation names a relationship update.
type Operation string

const (
	OpJoin   Operation = "join"
	OpLeave  Operation = "leave"
	OpCreate Operation = "create"
	OpDelete Operation = "delete"
)

// SagaError reports a failed step of a relationship update. When the first
// step already committed it also matches ErrPartialConsistency.
type SagaError struct {
	Op      Operation
	Outcome Outcome
	ClubID  string
	UserID  string
	Err     error
}

func (e *SagaError) Error() string {
	return fmt.Sprintf("club %s %s (club=%s user=%s): %v", e.Op, e.Outcome, e.ClubID, e.UserID, e.Err)
}

func (e *SagaError) Unwrap() []error {
	if e.Outcome == FirstSucceededSecondFailed {
		return []error{ErrPartialConsistency, e.Err}
	}
	return []error{e.Err}
}
