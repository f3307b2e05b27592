package sim

import (
	"errors"
	"fmt"
)

var (
	// ErrPastEvent is returned when an event is scheduled before the current clock.
	ErrPastEvent = errors.New("event scheduled in the past")

	// ErrQueryTimeout marks a routing query that got no answer in time. Transports
	// may return it from their own deadlines; the kernel treats it like its own timer.
	ErrQueryTimeout = errors.New("routing query timed out")

	// ErrRoutingFailureThreshold aborts a run whose routing failure rate exceeds
	// the configured limit.
	ErrRoutingFailureThreshold = errors.New("routing failure rate exceeded threshold")

	// ErrAlreadyRun is returned by Run on a simulator that has already run.
	ErrAlreadyRun = errors.New("simulator already ran")
)

// InvariantViolation is the panic value raised when kernel state is
// inconsistent: a buffer over capacity, a tray in two places, a clock going
// backwards. It signals a kernel bug, never a recoverable condition.
type InvariantViolation struct {
	Clock   float64
	Message string
}

func (v InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated at t=%g: %s", v.Clock, v.Message)
}

func violatef(clock float64, format string, args ...any) {
	panic(InvariantViolation{Clock: clock, Message: fmt.Sprintf(format, args...)})
}
