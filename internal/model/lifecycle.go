package model

import (
	"fmt"

	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
)

// transitions is the only place that decides which status moves are legal.
// sent only leaves to bounced, when an asynchronous bounce is matched.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusProcessing, StatusCancelled, StatusSkipped},
	StatusProcessing: {StatusSent, StatusScheduled, StatusFailed, StatusBounced, StatusCancelled},
	StatusSent:       {StatusBounced},
	StatusSkipped:    {StatusScheduled, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition for moves outside the table.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", appErrors.ErrInvalidTransition, from, to)
	}
	return nil
}

// Terminal reports whether the dispatcher will never touch a row again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusBounced, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether a row still counts towards the unique
// (campaign, lead, step) slot.
func (s Status) Active() bool {
	return s != StatusCancelled
}
