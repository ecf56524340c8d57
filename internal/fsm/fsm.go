// Package fsm holds the booking lifecycle: which action may move a
// booking from which status, and the message a caller sees when it may not.
package fsm

import (
	"errors"
	"fmt"

	"github.com/devghori1264/aerophoenix/bookd/internal/models"
)

// Action names a request to move a booking along its lifecycle.
type Action string

const (
	ActionMatch  Action = "match"
	ActionCancel Action = "cancel"
	ActionFinish Action = "finish"
)

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError reports an action that does not apply to the current
// status of a booking.
type TransitionError struct {
	Action    Action
	Current   models.Status
	Attempted models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s: %s", e.Action, e.Current, e.Attempted, e.Hint())
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Hint is the user-facing explanation, pointing at the action the caller
// probably wanted.
func (e *TransitionError) Hint() string {
	switch e.Current {
	case models.StatusCancelled:
		return "booking was already cancelled"
	case models.StatusFinished:
		return "booking was already finished"
	case models.StatusWaiting:
		if e.Action == ActionFinish {
			return "booking is still waiting for a resource; did you mean cancel?"
		}
	case models.StatusOn:
		if e.Action == ActionCancel {
			return "booking already has a resource assigned; did you mean finish?"
		}
		if e.Action == ActionMatch {
			return "booking already has a resource assigned"
		}
	}
	return fmt.Sprintf("cannot %s a booking in status %s", e.Action, e.Current)
}

type transition func(current models.Status) (models.Status, bool)

func from(src, dst models.Status) transition {
	return func(current models.Status) (models.Status, bool) {
		return dst, current == src
	}
}

var table = map[Action]transition{
	ActionMatch:  from(models.StatusWaiting, models.StatusOn),
	ActionCancel: from(models.StatusWaiting, models.StatusCancelled),
	ActionFinish: from(models.StatusOn, models.StatusFinished),
}

// Next returns the status action leads to from current, or a
// *TransitionError when the action is not legal there.
func Next(action Action, current models.Status) (models.Status, error) {
	fn, ok := table[action]
	if !ok {
		return current, fmt.Errorf("unknown action %q", action)
	}
	next, ok := fn(current)
	if !ok {
		return current, &TransitionError{Action: action, Current: current, Attempted: next}
	}
	return next, nil
}

// Apply moves b along action, updating Status in place only on success.
func Apply(b *models.Booking, action Action) error {
	next, err := Next(action, b.Status)
	if err != nil {
		return err
	}
	b.Status = next
	return nil
}
