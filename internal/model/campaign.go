package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignStopped   CampaignStatus = "stopped"
	CampaignCompleted CampaignStatus = "completed"
)

type SendingHours struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Jitter bounds the random delay applied to each send at execution time.
type Jitter struct {
	Enabled    bool `json:"enabled"`
	MaxSeconds int  `json:"max_seconds"`
}

// Content is the subject and body of one message, passed through verbatim.
type Content struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Step is a follow-up: sent DelayDays calendar days after its parent.
type Step struct {
	DelayDays int    `json:"delay_days"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

type CampaignConfig struct {
	Timezone        string         `json:"timezone"`
	SendingHours    SendingHours   `json:"sending_hours"`
	ActiveDays      []time.Weekday `json:"active_days"`
	SendingInterval int            `json:"sending_interval"` // minutes between consecutive sends
	DayJitter       int            `json:"day_jitter_minutes"`
	Jitter          Jitter         `json:"jitter"`
	Accounts        []int64        `json:"accounts"`
	Initial         Content        `json:"initial"`
	Sequence        []Step         `json:"sequence"`
	LeadListID      int64          `json:"lead_list_id"`
}

// Interval returns the spacing between two consecutive campaign sends.
func (c CampaignConfig) Interval() time.Duration {
	return time.Duration(c.SendingInterval) * time.Minute
}

type Campaign struct {
	ID               int64          `db:"id" json:"id"`
	Name             string         `db:"name" json:"name"`
	Status           CampaignStatus `db:"status" json:"status"`
	Config           CampaignConfig `db:"config" json:"config"`
	SequenceSnapshot []Step         `db:"sequence_snapshot" json:"sequence_snapshot,omitempty"`
	StatusChangedAt  *time.Time     `db:"status_changed_at" json:"status_changed_at,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// Sequence returns the follow-up steps frozen at first start, falling back
// to the live config for campaigns that never started.
func (c *Campaign) Sequence() []Step {
	if c.SequenceSnapshot != nil {
		return c.SequenceSnapshot
	}
	return c.Config.Sequence
}

// StepContent returns the content for step (0 = initial) and false when the
// sequence has no such step.
func (c *Campaign) StepContent(step int) (Content, bool) {
	if step == 0 {
		return c.Config.Initial, true
	}
	seq := c.Sequence()
	if step < 1 || step > len(seq) {
		return Content{}, false
	}
	s := seq[step-1]
	return Content{Subject: s.Subject, Body: s.Body}, true
}
