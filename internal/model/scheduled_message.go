package model

import "time"

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusBounced    Status = "bounced"
	StatusCancelled  Status = "cancelled"
	StatusSkipped    Status = "skipped"
)

// AllStatuses lists every status a row can hold, in display order.
var AllStatuses = []Status{
	StatusScheduled, StatusProcessing, StatusSent, StatusFailed,
	StatusBounced, StatusCancelled, StatusSkipped,
}

type ScheduledMessage struct {
	ID                int64      `db:"id" json:"id"`
	CampaignID        int64      `db:"campaign_id" json:"campaign_id"`
	LeadID            int64      `db:"lead_id" json:"lead_id"`
	Step              int        `db:"step" json:"step"`
	ParentID          *int64     `db:"parent_id" json:"parent_id,omitempty"`
	AccountID         int64      `db:"account_id" json:"account_id"`
	SendAt            time.Time  `db:"send_at" json:"send_at"`
	Status            Status     `db:"status" json:"status"`
	Attempts          int        `db:"attempts" json:"attempts"`
	LastError         string     `db:"last_error" json:"last_error,omitempty"`
	SentAt            *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	ProviderMessageID string     `db:"provider_message_id" json:"provider_message_id,omitempty"`
	ThreadingID       string     `db:"threading_id" json:"threading_id,omitempty"`
	BounceType        string     `db:"bounce_type" json:"bounce_type,omitempty"`
	ClaimToken        string     `db:"claim_token" json:"-"`
	ClaimedAt         *time.Time `db:"claimed_at" json:"-"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// StatusCount is one cell of the stats projection.
type StatusCount struct {
	Step   int    `json:"step"`
	Status Status `json:"status"`
	Count  int    `json:"count"`
}
