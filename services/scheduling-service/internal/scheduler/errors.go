package scheduler

import (
	"errors"

	"github.com/medsched/medsched/services/scheduling-service/internal/conflict"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// InvalidIntervalError rejects a malformed candidate time range before any
// availability or conflict check runs.
type InvalidIntervalError struct {
	Detail string
}

func (e *InvalidIntervalError) Error() string {
	return "invalid interval: " + e.Detail
}

// UnavailableError means the requested time falls outside the staff member's
// working hours, on an exclusion, or the entity cannot take bookings.
type UnavailableError struct {
	Detail string
}

func (e *UnavailableError) Error() string {
	return "unavailable: " + e.Detail
}

// ConflictError means the slot is taken. It covers both the application-level
// detector and the database exclusion constraint firing under a race; callers
// cannot tell the two apart and should not need to.
type ConflictError struct {
	Reason conflict.Reason
}

func (e *ConflictError) Error() string {
	return "scheduling conflict: " + string(e.Reason)
}

// LimitExceededError means the clinic's subscription tier does not allow
// another scheduled appointment this month.
type LimitExceededError struct {
	Limit int
}

func (e *LimitExceededError) Error() string {
	return "monthly appointment limit reached"
}
