package search

import (
	"errors"
	"fmt"

	"github.com/kalambet/crossdisc/internal/gateway"
)

// ErrPreconditionFailed is wrapped by every error returned when an
// operation is invoked without the state it needs. No network call is
// made in that case.
var ErrPreconditionFailed = errors.New("precondition failed")

var (
	ErrNoConcept     = fmt.Errorf("%w: no concept set", ErrPreconditionFailed)
	ErrNoDisciplines = fmt.Errorf("%w: no disciplines selected", ErrPreconditionFailed)
	ErrNoActiveTask  = fmt.Errorf("%w: no active search task", ErrPreconditionFailed)
)

// ErrTaskSuperseded is returned when a response arrives for a task that
// has since been cancelled, reset or replaced. The response is discarded.
var ErrTaskSuperseded = errors.New("search task superseded")

// ErrClassificationFailed wraps the cause of a failed classify call.
var ErrClassificationFailed = errors.New("classification failed")

var (
	ErrSearchFailed    = errors.New("search task failed")
	ErrSearchCancelled = errors.New("search task cancelled")
)

// TerminalError reports that a polled task ended without completing.
// errors.Is matches ErrSearchFailed or ErrSearchCancelled by Status.
type TerminalError struct {
	TaskID string
	Status gateway.Status
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("search task %s %s", e.TaskID, e.Status)
}

func (e *TerminalError) Is(target error) bool {
	switch target {
	case ErrSearchFailed:
		return e.Status == gateway.StatusFailed
	case ErrSearchCancelled:
		return e.Status == gateway.StatusCancelled
	}
	return false
}
