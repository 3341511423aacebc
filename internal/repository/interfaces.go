package repository

import (
	"context"
	"time"

	"github.com/unclebandit/outreach-scheduler/internal/model"
)

type CampaignRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	// MarkStarted moves a draft, paused or running campaign to running,
	// provided its status has not changed since now-guard, and freezes its
	// sequence on first start.
	MarkStarted(ctx context.Context, id int64, now time.Time, guard time.Duration) (*model.Campaign, error)
	// UpdateStatus moves the campaign to `to` if its status is one of from.
	UpdateStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, now time.Time) error
	// CompleteDrained marks running campaigns with no pending rows completed.
	// Campaigns whose status changed within grace of now are left alone.
	CompleteDrained(ctx context.Context, now time.Time, grace time.Duration) ([]int64, error)
}

// LeadRepositoryInterface is the read side of the lead-list collaborator,
// plus the bounce flag.
type LeadRepositoryInterface interface {
	ListLeads(ctx context.Context, leadListID int64) ([]model.Lead, error)
	GetByID(ctx context.Context, id int64) (*model.Lead, error)
	MarkBounced(ctx context.Context, id int64) error
}

type AccountRepositoryInterface interface {
	// ActiveAccounts returns the campaign's active accounts in configured order.
	ActiveAccounts(ctx context.Context, campaignID int64) ([]model.Account, error)
	HasCapacity(ctx context.Context, accountID int64, now time.Time) (bool, error)
}

// Update carries the columns written alongside a status transition.
// Zero values leave the column untouched.
type Update struct {
	SentAt            *time.Time
	ProviderMessageID string
	ThreadingID       string
	LastError         string
	BounceType        string
	IncrementAttempts bool
}

// InitialSlots summarises the non-cancelled step-0 rows of a campaign.
type InitialSlots struct {
	LeadIDs    map[int64]struct{}
	LastSendAt *time.Time
}

func (s InitialSlots) Count() int { return len(s.LeadIDs) }

type ScheduledMessageRepositoryInterface interface {
	// InsertInitial inserts step-0 rows, skipping any (campaign, lead, step)
	// slot already held by a non-cancelled row. It returns the number inserted.
	InsertInitial(ctx context.Context, rows []model.ScheduledMessage) (int, error)
	InitialSlots(ctx context.Context, campaignID int64) (InitialSlots, error)

	GetByID(ctx context.Context, id int64) (*model.ScheduledMessage, error)
	GetByThreadingID(ctx context.Context, threadingID string) (*model.ScheduledMessage, error)

	// Claim atomically moves up to limit due rows of running campaigns from
	// scheduled to processing under token and returns them by send_at.
	Claim(ctx context.Context, now time.Time, limit int, token string) ([]model.ScheduledMessage, error)
	// ReleaseStale returns processing rows claimed before cutoff to scheduled.
	ReleaseStale(ctx context.Context, cutoff time.Time, now time.Time) (int64, error)
	// Renew restamps claimed_at on a row still held under token. It fails
	// with ErrConcurrencyConflict once the claim has been released or taken.
	Renew(ctx context.Context, id int64, token string, now time.Time) error

	// MarkSent finishes a claimed row as sent and, in the same transaction,
	// inserts followUp if given. The follow-up insert is skipped when its
	// slot is taken; created reports whether it was inserted.
	MarkSent(ctx context.Context, id int64, token string, u Update, followUp *model.ScheduledMessage) (created bool, err error)
	// Finish moves a claimed row out of processing. It fails with
	// ErrConcurrencyConflict if the claim is no longer held.
	Finish(ctx context.Context, id int64, token string, to model.Status, u Update, now time.Time) error
	// Transition moves an unclaimed row from one status to another.
	Transition(ctx context.Context, id int64, from, to model.Status, u Update, now time.Time) error

	CancelDescendants(ctx context.Context, campaignID, leadID int64, afterStep int, now time.Time) (int64, error)
	CancelOrphans(ctx context.Context, campaignID int64, keepLeadIDs []int64, now time.Time) (int64, error)
	SkipScheduled(ctx context.Context, campaignID int64, now time.Time) (int64, error)
	RestoreSkipped(ctx context.Context, campaignID int64, now time.Time) (int64, error)

	Stats(ctx context.Context, campaignID int64) ([]model.StatusCount, error)
}
