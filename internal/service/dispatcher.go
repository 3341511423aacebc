package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/outreach-scheduler/internal/clock"
	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
	"github.com/unclebandit/outreach-scheduler/internal/gateway"
	"github.com/unclebandit/outreach-scheduler/internal/metrics"
	"github.com/unclebandit/outreach-scheduler/internal/model"
	"github.com/unclebandit/outreach-scheduler/internal/placement"
	"github.com/unclebandit/outreach-scheduler/internal/repository"
	"github.com/unclebandit/outreach-scheduler/internal/window"
)

type DispatchOptions struct {
	BatchSize   int
	Concurrency int
	MaxAttempts int
	SendTimeout time.Duration
	ClaimLease  time.Duration
	// JitterMax caps the per-send execution jitter of every campaign.
	JitterMax time.Duration
	// FromDomain names threading IDs when an account email has no domain.
	FromDomain string
	// CompletionGrace keeps a campaign whose status just changed out of
	// completion, so a start still inserting rows is not completed under it.
	CompletionGrace time.Duration
}

// Dispatcher claims due rows and drives them through the send state machine.
// Any number of dispatchers may tick against the same store.
type Dispatcher struct {
	Repos   Repositories
	Gateway gateway.Gateway
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Opts    DispatchOptions
	// Rand returns a value in [0, n).
	Rand func(n int64) int64
}

func NewDispatcher(repos Repositories, gw gateway.Gateway, opts DispatchOptions, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 10 * time.Minute
	}
	if opts.CompletionGrace <= 0 {
		opts.CompletionGrace = opts.ClaimLease
	}
	if opts.FromDomain == "" {
		opts.FromDomain = "localhost"
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
	return &Dispatcher{Repos: repos, Gateway: gw, Clock: clk, Metrics: m, Log: log, Opts: opts, Rand: rand.Int63n}
}

// TickResult summarises one tick. FollowUpErrors counts sent rows whose next
// step could not be placed.
type TickResult struct {
	Released       int64   `json:"released"`
	Claimed        int     `json:"claimed"`
	Sent           int     `json:"sent"`
	FollowUps      int     `json:"follow_ups"`
	FollowUpErrors int     `json:"follow_up_errors"`
	Retried        int     `json:"retried"`
	Failed         int     `json:"failed"`
	Bounced        int     `json:"bounced"`
	Cancelled      int     `json:"cancelled"`
	Deferred       int     `json:"deferred"`
	Conflicts      int     `json:"conflicts"`
	Completed      []int64 `json:"completed,omitempty"`
}

type tally struct {
	mu sync.Mutex
	r  TickResult
}

func (t *tally) add(f func(r *TickResult)) {
	t.mu.Lock()
	f(&t.r)
	t.mu.Unlock()
}

// campaignRun is what every row of one campaign needs during a tick.
type campaignRun struct {
	campaign *model.Campaign
	policy   window.Policy
	accounts map[int64]model.Account
}

// Tick releases expired claims, claims due rows and processes them on a
// bounded pool. A row's failure never aborts the others; only store errors
// before the fan-out are returned.
func (d *Dispatcher) Tick(ctx context.Context) (*TickResult, error) {
	started := time.Now()
	defer func() { d.Metrics.TickDuration.Observe(time.Since(started).Seconds()) }()

	now := d.Clock.Now()
	t := &tally{}

	released, err := d.Repos.Messages.ReleaseStale(ctx, now.Add(-d.Opts.ClaimLease), now)
	if err != nil {
		return nil, fmt.Errorf("release stale claims: %w", err)
	}
	if released > 0 {
		d.Log.Warn("released expired claims", zap.Int64("count", released))
		d.Metrics.Transitions.WithLabelValues(string(model.StatusScheduled)).Add(float64(released))
	}
	t.r.Released = released

	token := uuid.NewString()
	rows, err := d.Repos.Messages.Claim(ctx, now, d.Opts.BatchSize, token)
	if err != nil {
		return nil, fmt.Errorf("claim due rows: %w", err)
	}
	t.r.Claimed = len(rows)
	d.Metrics.Claimed.Add(float64(len(rows)))

	runs := d.loadCampaigns(ctx, rows)

	var g errgroup.Group
	g.SetLimit(d.Opts.Concurrency)
	for _, m := range rows {
		m := m
		g.Go(func() error {
			d.process(ctx, m, token, runs[m.CampaignID], t)
			return nil
		})
	}
	g.Wait()

	completed, err := d.Repos.Campaigns.CompleteDrained(context.WithoutCancel(ctx), d.Clock.Now(), d.Opts.CompletionGrace)
	if err != nil {
		d.Log.Error("complete drained campaigns", zap.Error(err))
	}
	for _, id := range completed {
		d.Log.Info("campaign completed", zap.Int64("campaign_id", id))
	}
	t.r.Completed = completed

	if t.r.Claimed > 0 || released > 0 {
		d.Log.Info("tick finished",
			zap.Int("claimed", t.r.Claimed),
			zap.Int("sent", t.r.Sent),
			zap.Int("retried", t.r.Retried),
			zap.Int("failed", t.r.Failed),
			zap.Int("bounced", t.r.Bounced),
			zap.Int("deferred", t.r.Deferred),
			zap.Int("cancelled", t.r.Cancelled),
			zap.Int("follow_up_errors", t.r.FollowUpErrors),
			zap.Duration("took", time.Since(started)),
		)
	}
	return &t.r, nil
}

// loadCampaigns fetches each distinct campaign once. Campaigns that fail to
// load are missing from the result and their rows are released.
func (d *Dispatcher) loadCampaigns(ctx context.Context, rows []model.ScheduledMessage) map[int64]*campaignRun {
	runs := map[int64]*campaignRun{}
	for _, m := range rows {
		if _, seen := runs[m.CampaignID]; seen {
			continue
		}
		runs[m.CampaignID] = nil
		log := d.Log.With(zap.Int64("campaign_id", m.CampaignID))

		c, err := d.Repos.Campaigns.GetByID(ctx, m.CampaignID)
		if err != nil {
			log.Error("load campaign", zap.Error(err))
			continue
		}
		policy, err := PolicyFor(c)
		if err != nil {
			log.Error("campaign window", zap.Error(err))
			continue
		}
		accounts, err := d.Repos.Accounts.ActiveAccounts(ctx, c.ID)
		if err != nil {
			log.Error("load accounts", zap.Error(err))
			continue
		}
		run := &campaignRun{campaign: c, policy: policy, accounts: map[int64]model.Account{}}
		for _, a := range accounts {
			run.accounts[a.ID] = a
		}
		runs[m.CampaignID] = run
	}
	return runs
}

func (d *Dispatcher) process(ctx context.Context, m model.ScheduledMessage, token string, run *campaignRun, t *tally) {
	log := d.Log.With(
		zap.Int64("campaign_id", m.CampaignID),
		zap.Int64("message_id", m.ID),
		zap.Int("step", m.Step),
		zap.Int64("account_id", m.AccountID),
	)
	// Store writes must land even if the tick is being shut down.
	store := context.WithoutCancel(ctx)

	if run == nil {
		d.release(store, m, token, "campaign unavailable", log, t)
		return
	}
	account, ok := run.accounts[m.AccountID]
	if !ok {
		d.release(store, m, token, "account inactive", log, t)
		return
	}
	hasCapacity, err := d.Repos.Accounts.HasCapacity(ctx, m.AccountID, d.Clock.Now())
	if err != nil {
		log.Error("capacity check", zap.Error(err))
		d.release(store, m, token, "capacity check failed", log, t)
		return
	}
	if !hasCapacity {
		d.release(store, m, token, "account at daily limit", log, t)
		return
	}

	if delay := d.jitter(run.campaign); delay > 0 {
		if err := d.Clock.Sleep(ctx, delay); err != nil {
			d.release(store, m, token, "interrupted during jitter", log, t)
			return
		}
	}

	lead, err := d.Repos.Leads.GetByID(ctx, m.LeadID)
	if err != nil {
		log.Error("load lead", zap.Error(err))
		d.release(store, m, token, "lead lookup failed", log, t)
		return
	}
	if lead == nil || lead.LeadListID != run.campaign.Config.LeadListID {
		d.fail(store, m, token, model.StatusCancelled, "lead removed from list", "", log, t)
		return
	}
	if lead.Bounced {
		d.fail(store, m, token, model.StatusFailed, "lead address has bounced", "", log, t)
		return
	}
	content, ok := run.campaign.StepContent(m.Step)
	if !ok {
		d.fail(store, m, token, model.StatusFailed, fmt.Sprintf("campaign has no step %d", m.Step), "", log, t)
		return
	}

	refs, err := d.ancestors(ctx, m)
	if err != nil {
		log.Error("load thread", zap.Error(err))
		d.release(store, m, token, "parent lookup failed", log, t)
		return
	}
	var inReplyTo string
	if len(refs) > 0 {
		inReplyTo = refs[len(refs)-1]
	}

	msg := gateway.Message{
		To:          lead.Email,
		From:        account.Email,
		Subject:     content.Subject,
		Body:        content.Body,
		ThreadingID: d.threadingID(account),
		InReplyTo:   inReplyTo,
		References:  refs,
	}

	// The lease may have run out while queued or jittering. Renewing it
	// fails if another tick has taken the row.
	if err := d.Repos.Messages.Renew(store, m.ID, token, d.Clock.Now()); err != nil {
		d.finishError(err, log, t)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.Opts.SendTimeout)
	res, err := d.Gateway.Send(sendCtx, m.AccountID, msg)
	cancel()

	if err != nil {
		d.onSendError(store, m, token, err, log, t)
		return
	}
	if res.ThreadingID == "" {
		res.ThreadingID = msg.ThreadingID
	}
	d.onSent(store, m, token, res, run, log, t)
}

func (d *Dispatcher) onSent(ctx context.Context, m model.ScheduledMessage, token string, res gateway.Result, run *campaignRun, log *zap.Logger, t *tally) {
	now := d.Clock.Now()
	m.SentAt = &now

	var followUp *model.ScheduledMessage
	var placeErr error
	if seq := run.campaign.Sequence(); m.Step < len(seq) {
		at, err := placement.PlaceFollowUp(m, seq[m.Step].DelayDays, run.policy, now)
		if err != nil {
			placeErr = err
			log.Error("place follow-up", zap.Error(err))
		} else {
			parentID := m.ID
			followUp = &model.ScheduledMessage{
				CampaignID: m.CampaignID,
				LeadID:     m.LeadID,
				Step:       m.Step + 1,
				ParentID:   &parentID,
				AccountID:  m.AccountID,
				SendAt:     at,
				Status:     model.StatusScheduled,
				CreatedAt:  now,
			}
		}
	}

	u := repository.Update{
		SentAt:            &now,
		ProviderMessageID: res.ProviderMessageID,
		ThreadingID:       res.ThreadingID,
	}
	if placeErr != nil {
		u.LastError = "follow-up not placed: " + placeErr.Error()
	}
	created, err := d.Repos.Messages.MarkSent(ctx, m.ID, token, u, followUp)
	if err != nil {
		if errors.Is(err, appErrors.ErrConcurrencyConflict) {
			log.Warn("claim lost after send", zap.String("provider_message_id", res.ProviderMessageID))
			t.add(func(r *TickResult) { r.Conflicts++ })
			return
		}
		log.Error("mark sent", zap.Error(err))
		return
	}
	d.Metrics.Transition(model.StatusSent)
	t.add(func(r *TickResult) {
		r.Sent++
		if placeErr != nil {
			r.FollowUpErrors++
		}
	})
	if created {
		d.Metrics.FollowUpsCreated.Inc()
		t.add(func(r *TickResult) { r.FollowUps++ })
		log.Debug("follow-up scheduled", zap.Time("send_at", followUp.SendAt))
	}
}

func (d *Dispatcher) onSendError(ctx context.Context, m model.ScheduledMessage, token string, sendErr error, log *zap.Logger, t *tally) {
	kind := appErrors.Classify(sendErr)
	if appErrors.IsTimeout(sendErr) {
		kind = appErrors.Transient
	}
	log = log.With(zap.String("kind", kind.String()), zap.Error(sendErr))

	switch kind {
	case appErrors.Bounce:
		d.fail(ctx, m, token, model.StatusBounced, sendErr.Error(), BounceHard, log, t)
		if err := d.Repos.Leads.MarkBounced(ctx, m.LeadID); err != nil {
			log.Error("flag bounced lead", zap.Int64("lead_id", m.LeadID), zap.Error(err))
		}
	case appErrors.Permanent:
		d.fail(ctx, m, token, model.StatusFailed, sendErr.Error(), "", log, t)
	default:
		if m.Attempts+1 >= d.Opts.MaxAttempts {
			d.fail(ctx, m, token, model.StatusFailed, sendErr.Error(), "", log, t)
			return
		}
		err := d.Repos.Messages.Finish(ctx, m.ID, token, model.StatusScheduled, repository.Update{
			LastError:         sendErr.Error(),
			IncrementAttempts: true,
		}, d.Clock.Now())
		if err != nil {
			d.finishError(err, log, t)
			return
		}
		d.Metrics.Transition(model.StatusScheduled)
		t.add(func(r *TickResult) { r.Retried++ })
		log.Warn("send failed, will retry", zap.Int("attempts", m.Attempts+1))
	}
}

// fail finishes the row in a terminal status other than sent and cancels the
// lead's later steps.
func (d *Dispatcher) fail(ctx context.Context, m model.ScheduledMessage, token string, to model.Status, reason, bounceType string, log *zap.Logger, t *tally) {
	now := d.Clock.Now()
	err := d.Repos.Messages.Finish(ctx, m.ID, token, to, repository.Update{
		LastError:         reason,
		BounceType:        bounceType,
		IncrementAttempts: true,
	}, now)
	if err != nil {
		d.finishError(err, log, t)
		return
	}
	d.Metrics.Transition(to)
	t.add(func(r *TickResult) {
		switch to {
		case model.StatusBounced:
			r.Bounced++
		case model.StatusCancelled:
			r.Cancelled++
		default:
			r.Failed++
		}
	})
	log.Warn("message "+string(to), zap.String("reason", reason))

	n, err := d.Repos.Messages.CancelDescendants(ctx, m.CampaignID, m.LeadID, m.Step, now)
	if err != nil {
		log.Error("cancel descendants", zap.Error(err))
		return
	}
	if n > 0 {
		d.Metrics.Transitions.WithLabelValues(string(model.StatusCancelled)).Add(float64(n))
	}
}

// release hands the row back to scheduled without consuming an attempt.
func (d *Dispatcher) release(ctx context.Context, m model.ScheduledMessage, token, reason string, log *zap.Logger, t *tally) {
	err := d.Repos.Messages.Finish(ctx, m.ID, token, model.StatusScheduled, repository.Update{}, d.Clock.Now())
	if err != nil {
		d.finishError(err, log, t)
		return
	}
	d.Metrics.Transition(model.StatusScheduled)
	t.add(func(r *TickResult) { r.Deferred++ })
	log.Info("message deferred", zap.String("reason", reason))
}

func (d *Dispatcher) finishError(err error, log *zap.Logger, t *tally) {
	if errors.Is(err, appErrors.ErrConcurrencyConflict) {
		t.add(func(r *TickResult) { r.Conflicts++ })
		log.Warn("claim lost", zap.Error(err))
		return
	}
	log.Error("update message", zap.Error(err))
}

func (d *Dispatcher) jitter(c *model.Campaign) time.Duration {
	if !c.Config.Jitter.Enabled || c.Config.Jitter.MaxSeconds <= 0 {
		return 0
	}
	bound := time.Duration(c.Config.Jitter.MaxSeconds) * time.Second
	if bound > d.Opts.JitterMax {
		bound = d.Opts.JitterMax
	}
	if bound <= 0 {
		return 0
	}
	return time.Duration(d.Rand(int64(bound)))
}

// ancestors returns the ThreadingIDs of m's parent chain, root first.
func (d *Dispatcher) ancestors(ctx context.Context, m model.ScheduledMessage) ([]string, error) {
	var refs []string
	for pid := m.ParentID; pid != nil; {
		parent, err := d.Repos.Messages.GetByID(ctx, *pid)
		if err != nil {
			return nil, fmt.Errorf("parent %d: %w", *pid, err)
		}
		if parent.ThreadingID != "" {
			refs = append(refs, parent.ThreadingID)
		}
		pid = parent.ParentID
	}
	slices.Reverse(refs)
	return refs, nil
}

func (d *Dispatcher) threadingID(a model.Account) string {
	domain := d.Opts.FromDomain
	if _, host, ok := strings.Cut(a.Email, "@"); ok && host != "" {
		domain = host
	}
	return uuid.NewString() + "@" + domain
}

// Run ticks immediately and then every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Tick(ctx); err != nil {
			d.Log.Error("tick", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
