// Package placement turns an ordered lead list and an ordered account list
// into absolute send instants. It is stateless: callers decide which leads
// still need a slot.
package placement

import (
	"fmt"
	"time"

	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
	"github.com/unclebandit/outreach-scheduler/internal/model"
	"github.com/unclebandit/outreach-scheduler/internal/window"
)

// Request describes one initial placement run.
type Request struct {
	Leads    []model.Lead
	Accounts []int64
	Interval time.Duration
	Start    time.Time
	Policy   window.Policy

	// FirstOrdinal is the rotation position of Leads[0]. A restart passes
	// the number of leads already placed so rotation continues unbroken.
	FirstOrdinal int
}

type Placement struct {
	Lead      model.Lead
	AccountID int64
	SendAt    time.Time
	Ordinal   int
}

// PlaceInitial assigns lead i to Accounts[(FirstOrdinal+i) mod len(Accounts)].
// Each send is snapped into the window and the next one is placed Interval
// after it, so consecutive sends are exactly Interval apart unless a window
// boundary intervenes.
func PlaceInitial(req Request) ([]Placement, error) {
	if len(req.Accounts) == 0 {
		return nil, appErrors.NewConfigError("accounts", "no active sending accounts")
	}
	if req.Interval <= 0 {
		return nil, appErrors.NewConfigError("sending_interval", "must be positive")
	}
	if req.FirstOrdinal < 0 {
		return nil, fmt.Errorf("negative first ordinal %d", req.FirstOrdinal)
	}

	out := make([]Placement, 0, len(req.Leads))
	cursor := req.Start
	for i, lead := range req.Leads {
		at, err := window.Next(cursor, req.Policy)
		if err != nil {
			return nil, fmt.Errorf("placing lead %d: %w", lead.ID, err)
		}
		ordinal := req.FirstOrdinal + i
		out = append(out, Placement{
			Lead:      lead,
			AccountID: req.Accounts[ordinal%len(req.Accounts)],
			SendAt:    at,
			Ordinal:   ordinal,
		})
		cursor = at.Add(req.Interval)
	}
	return out, nil
}

// PlaceFollowUp returns the send instant of the step after parent: delayDays
// local calendar days after the parent was sent, never before now, snapped
// into the window.
func PlaceFollowUp(parent model.ScheduledMessage, delayDays int, p window.Policy, now time.Time) (time.Time, error) {
	if parent.SentAt == nil {
		return time.Time{}, fmt.Errorf("parent message %d has not been sent", parent.ID)
	}
	if delayDays < 0 {
		return time.Time{}, appErrors.NewConfigError("sequence.delay_days", "must not be negative")
	}
	if err := p.Validate(); err != nil {
		return time.Time{}, err
	}
	raw := parent.SentAt.In(p.Location).AddDate(0, 0, delayDays)
	if raw.Before(now) {
		raw = now
	}
	return window.Next(raw, p)
}
