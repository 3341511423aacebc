// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-scheduler/internal/clock"
	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
	"github.com/unclebandit/outreach-scheduler/internal/guard"
	"github.com/unclebandit/outreach-scheduler/internal/metrics"
	"github.com/unclebandit/outreach-scheduler/internal/model"
	"github.com/unclebandit/outreach-scheduler/internal/placement"
	"github.com/unclebandit/outreach-scheduler/internal/repository"
	"github.com/unclebandit/outreach-scheduler/internal/window"
)

// Repositories bundles the stores the services work against.
type Repositories struct {
	Campaigns repository.CampaignRepositoryInterface
	Leads     repository.LeadRepositoryInterface
	Accounts  repository.AccountRepositoryInterface
	Messages  repository.ScheduledMessageRepositoryInterface
}

// CampaignService implements the lifecycle commands and the stats read.
type CampaignService struct {
	Repos       Repositories
	Guard       guard.StartGuard
	GuardWindow time.Duration
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	Log         *zap.Logger
}

func NewCampaignService(repos Repositories, g guard.StartGuard, guardWindow time.Duration, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *CampaignService {
	if g == nil {
		g = guard.Noop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CampaignService{Repos: repos, Guard: g, GuardWindow: guardWindow, Clock: clk, Metrics: m, Log: log}
}

type StartResult struct {
	CampaignID       int64                `json:"campaign_id"`
	Status           model.CampaignStatus `json:"status"`
	Placed           int                  `json:"placed"`
	AlreadyPlaced    int                  `json:"already_placed"`
	BouncedExcluded  int                  `json:"bounced_excluded"`
	OrphansCancelled int64                `json:"orphans_cancelled"`
	FirstSendAt      *time.Time           `json:"first_send_at,omitempty"`
}

// PolicyFor builds the sending window of a campaign.
func PolicyFor(c *model.Campaign) (window.Policy, error) {
	cfg := c.Config
	return window.NewPolicy(cfg.Timezone, cfg.SendingHours.StartHour, cfg.SendingHours.EndHour, cfg.ActiveDays, cfg.DayJitter)
}

// ValidateConfig rejects a campaign configuration that cannot be scheduled
// and returns its window policy otherwise.
func ValidateConfig(c *model.Campaign) (window.Policy, error) {
	p, err := PolicyFor(c)
	if err != nil {
		return window.Policy{}, err
	}
	cfg := c.Config
	if cfg.SendingInterval <= 0 {
		return window.Policy{}, appErrors.NewConfigError("sending_interval", "must be a positive number of minutes")
	}
	if len(cfg.Accounts) == 0 {
		return window.Policy{}, appErrors.NewConfigError("accounts", "at least one sending account is required")
	}
	if cfg.Jitter.MaxSeconds < 0 {
		return window.Policy{}, appErrors.NewConfigError("jitter.max_seconds", "must not be negative")
	}
	for i, s := range c.Sequence() {
		if s.DelayDays < 0 {
			return window.Policy{}, appErrors.NewConfigError(fmt.Sprintf("sequence[%d].delay_days", i), "must not be negative")
		}
	}
	return p, nil
}

// Start places every lead of the campaign's list that does not yet own a
// step-0 row and moves the campaign to running. Re-running it after a
// partial placement only fills the gaps.
func (s *CampaignService) Start(ctx context.Context, campaignID int64) (*StartResult, error) {
	log := s.Log.With(zap.Int64("campaign_id", campaignID))

	c, err := s.Repos.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case model.CampaignStopped, model.CampaignCompleted:
		return nil, fmt.Errorf("%w: campaign %d is %s", appErrors.ErrInvalidState, campaignID, c.Status)
	}
	policy, err := ValidateConfig(c)
	if err != nil {
		return nil, err
	}

	accounts, err := s.Repos.Accounts.ActiveAccounts(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, appErrors.NewConfigError("accounts", "no active sending accounts")
	}
	accountIDs := make([]int64, len(accounts))
	for i, a := range accounts {
		accountIDs[i] = a.ID
	}

	ok, err := s.Guard.Acquire(ctx, campaignID, s.GuardWindow)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign %d start already in progress", appErrors.ErrStartConflict, campaignID)
	}

	now := s.Clock.Now()
	c, err = s.Repos.Campaigns.MarkStarted(ctx, campaignID, now, s.GuardWindow)
	if err != nil {
		return nil, err
	}

	leads, err := s.Repos.Leads.ListLeads(ctx, c.Config.LeadListID)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	keep := make([]int64, len(leads))
	for i, l := range leads {
		keep[i] = l.ID
	}
	orphans, err := s.Repos.Messages.CancelOrphans(ctx, campaignID, keep, now)
	if err != nil {
		return nil, fmt.Errorf("cancel orphans: %w", err)
	}
	if orphans > 0 {
		s.Metrics.Transitions.WithLabelValues(string(model.StatusCancelled)).Add(float64(orphans))
	}

	slots, err := s.Repos.Messages.InitialSlots(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load initial slots: %w", err)
	}

	res := &StartResult{CampaignID: campaignID, Status: c.Status, OrphansCancelled: orphans}
	pending := make([]model.Lead, 0, len(leads))
	for _, l := range leads {
		if _, placed := slots.LeadIDs[l.ID]; placed {
			res.AlreadyPlaced++
			continue
		}
		if l.Bounced {
			res.BouncedExcluded++
			continue
		}
		pending = append(pending, l)
	}

	start := now
	if slots.LastSendAt != nil {
		if next := slots.LastSendAt.Add(c.Config.Interval()); next.After(start) {
			start = next
		}
	}
	placements, err := placement.PlaceInitial(placement.Request{
		Leads:        pending,
		Accounts:     accountIDs,
		Interval:     c.Config.Interval(),
		Start:        start,
		Policy:       policy,
		FirstOrdinal: slots.Count(),
	})
	if err != nil {
		return nil, err
	}

	rows := make([]model.ScheduledMessage, len(placements))
	for i, p := range placements {
		rows[i] = model.ScheduledMessage{
			CampaignID: campaignID,
			LeadID:     p.Lead.ID,
			Step:       0,
			AccountID:  p.AccountID,
			SendAt:     p.SendAt,
			Status:     model.StatusScheduled,
			CreatedAt:  now,
		}
	}
	inserted, err := s.Repos.Messages.InsertInitial(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("insert initial rows: %w", err)
	}
	res.Placed = inserted
	res.AlreadyPlaced += len(rows) - inserted
	if len(placements) > 0 {
		first := placements[0].SendAt
		res.FirstSendAt = &first
	}

	log.Info("campaign started",
		zap.Int("placed", res.Placed),
		zap.Int("already_placed", res.AlreadyPlaced),
		zap.Int("bounced_excluded", res.BouncedExcluded),
		zap.Int64("orphans_cancelled", orphans),
	)
	return res, nil
}

// Pause only flips the campaign status; rows are left alone and the next
// tick stops claiming them.
func (s *CampaignService) Pause(ctx context.Context, campaignID int64) error {
	err := s.Repos.Campaigns.UpdateStatus(ctx, campaignID,
		[]model.CampaignStatus{model.CampaignRunning}, model.CampaignPaused, s.Clock.Now())
	if err == nil {
		s.Log.Info("campaign paused", zap.Int64("campaign_id", campaignID))
	}
	return err
}

type StopResult struct {
	CampaignID int64 `json:"campaign_id"`
	Skipped    int64 `json:"skipped"`
}

// Stop moves the campaign to stopped and parks its scheduled rows as
// skipped. RestoreStopped undoes both.
func (s *CampaignService) Stop(ctx context.Context, campaignID int64) (*StopResult, error) {
	now := s.Clock.Now()
	err := s.Repos.Campaigns.UpdateStatus(ctx, campaignID,
		[]model.CampaignStatus{model.CampaignRunning, model.CampaignPaused}, model.CampaignStopped, now)
	if err != nil {
		return nil, err
	}
	n, err := s.Repos.Messages.SkipScheduled(ctx, campaignID, now)
	if err != nil {
		return nil, fmt.Errorf("skip scheduled rows: %w", err)
	}
	s.Metrics.Transitions.WithLabelValues(string(model.StatusSkipped)).Add(float64(n))
	s.Log.Info("campaign stopped", zap.Int64("campaign_id", campaignID), zap.Int64("skipped", n))
	return &StopResult{CampaignID: campaignID, Skipped: n}, nil
}

type RestoreResult struct {
	CampaignID int64 `json:"campaign_id"`
	Restored   int64 `json:"restored"`
}

// RestoreStopped returns skipped rows to scheduled with their original
// send_at and resumes the campaign.
func (s *CampaignService) RestoreStopped(ctx context.Context, campaignID int64) (*RestoreResult, error) {
	now := s.Clock.Now()
	err := s.Repos.Campaigns.UpdateStatus(ctx, campaignID,
		[]model.CampaignStatus{model.CampaignStopped}, model.CampaignRunning, now)
	if err != nil {
		return nil, err
	}
	n, err := s.Repos.Messages.RestoreSkipped(ctx, campaignID, now)
	if err != nil {
		return nil, fmt.Errorf("restore skipped rows: %w", err)
	}
	s.Metrics.Transitions.WithLabelValues(string(model.StatusScheduled)).Add(float64(n))
	s.Log.Info("campaign restored", zap.Int64("campaign_id", campaignID), zap.Int64("restored", n))
	return &RestoreResult{CampaignID: campaignID, Restored: n}, nil
}

type Stats struct {
	CampaignID int64                        `json:"campaign_id"`
	Status     model.CampaignStatus         `json:"status"`
	Total      int                          `json:"total"`
	ByStatus   map[model.Status]int         `json:"by_status"`
	ByStep     map[int]map[model.Status]int `json:"by_step"`
}

func (s *CampaignService) Stats(ctx context.Context, campaignID int64) (*Stats, error) {
	c, err := s.Repos.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := s.Repos.Messages.Stats(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		CampaignID: campaignID,
		Status:     c.Status,
		ByStatus:   make(map[model.Status]int, len(model.AllStatuses)),
		ByStep:     map[int]map[model.Status]int{},
	}
	for _, status := range model.AllStatuses {
		st.ByStatus[status] = 0
	}
	for _, sc := range counts {
		st.Total += sc.Count
		st.ByStatus[sc.Status] += sc.Count
		if st.ByStep[sc.Step] == nil {
			st.ByStep[sc.Step] = map[model.Status]int{}
		}
		st.ByStep[sc.Step][sc.Status] += sc.Count
	}
	return st, nil
}

const (
	BounceHard = "hard"
	BounceSoft = "soft"
)

// maxBounceAttempts bounds re-reads of a row that keeps changing under a
// bounce.
const maxBounceAttempts = 3

type BounceResult struct {
	ScheduledMessageID int64 `json:"scheduled_message_id"`
	AlreadyBounced     bool  `json:"already_bounced"`
	Cancelled          int64 `json:"cancelled"`
	LeadFlagged        bool  `json:"lead_flagged"`
}

// MarkBounced records an asynchronous bounce of a sent row: the row becomes
// bounced and the lead's later steps are cancelled. Hard bounces also flag
// the lead. Repeated events for the same row are no-ops.
func (s *CampaignService) MarkBounced(ctx context.Context, messageID int64, bounceType string) (*BounceResult, error) {
	switch bounceType {
	case BounceHard, BounceSoft:
	case "":
		bounceType = BounceHard
	default:
		return nil, appErrors.NewConfigError("bounce_type", fmt.Sprintf("unknown bounce type %q", bounceType))
	}

	res := &BounceResult{ScheduledMessageID: messageID}
	var (
		m   *model.ScheduledMessage
		err error
		now time.Time
	)
	for attempt := 1; ; attempt++ {
		m, err = s.Repos.Messages.GetByID(ctx, messageID)
		if err != nil {
			return nil, err
		}
		if m.Status == model.StatusBounced {
			res.AlreadyBounced = true
			return res, nil
		}
		now = s.Clock.Now()
		err = s.Repos.Messages.Transition(ctx, m.ID, m.Status, model.StatusBounced, repository.Update{BounceType: bounceType}, now)
		if err == nil {
			break
		}
		if !errors.Is(err, appErrors.ErrConcurrencyConflict) || attempt >= maxBounceAttempts {
			return nil, err
		}
	}
	s.Metrics.Transition(model.StatusBounced)

	res.Cancelled, err = s.Repos.Messages.CancelDescendants(ctx, m.CampaignID, m.LeadID, m.Step, now)
	if err != nil {
		return nil, fmt.Errorf("cancel descendants of %d: %w", m.ID, err)
	}
	s.Metrics.Transitions.WithLabelValues(string(model.StatusCancelled)).Add(float64(res.Cancelled))

	if bounceType == BounceHard {
		if err := s.Repos.Leads.MarkBounced(ctx, m.LeadID); err != nil {
			return nil, fmt.Errorf("flag lead %d: %w", m.LeadID, err)
		}
		res.LeadFlagged = true
	}

	s.Log.Info("bounce recorded",
		zap.Int64("campaign_id", m.CampaignID),
		zap.Int64("message_id", m.ID),
		zap.Int64("lead_id", m.LeadID),
		zap.Int("step", m.Step),
		zap.String("bounce_type", bounceType),
		zap.Int64("cancelled", res.Cancelled),
	)
	return res, nil
}

// MarkBouncedByThreadingID resolves the row from the Message-ID a bounce
// report refers to.
func (s *CampaignService) MarkBouncedByThreadingID(ctx context.Context, threadingID, bounceType string) (*BounceResult, error) {
	m, err := s.Repos.Messages.GetByThreadingID(ctx, threadingID)
	if err != nil {
		return nil, err
	}
	return s.MarkBounced(ctx, m.ID, bounceType)
}
