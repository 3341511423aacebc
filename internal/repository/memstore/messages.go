package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
	"github.com/unclebandit/outreach-scheduler/internal/model"
	"github.com/unclebandit/outreach-scheduler/internal/repository"
)

type messageRepo struct{ s *Store }

// slotTaken reports whether a non-cancelled row holds (campaign, lead, step).
func (s *Store) slotTaken(campaignID, leadID int64, step int) bool {
	for _, m := range s.messages {
		if m.CampaignID == campaignID && m.LeadID == leadID && m.Step == step && m.Status.Active() {
			return true
		}
	}
	return false
}

func (s *Store) insert(m model.ScheduledMessage, now time.Time) bool {
	if s.slotTaken(m.CampaignID, m.LeadID, m.Step) {
		return false
	}
	s.nextID++
	m.ID = s.nextID
	m.Status = model.StatusScheduled
	m.SendAt = m.SendAt.UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	s.messages[m.ID] = &m
	return true
}

func (r messageRepo) InsertInitial(ctx context.Context, rows []model.ScheduledMessage) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range rows {
		if m.Step != 0 || m.ParentID != nil {
			return 0, fmt.Errorf("insert initial: lead %d has step %d", m.LeadID, m.Step)
		}
	}
	inserted := 0
	for _, m := range rows {
		if r.s.insert(m, m.CreatedAt) {
			inserted++
		}
	}
	return inserted, nil
}

func (r messageRepo) InitialSlots(ctx context.Context, campaignID int64) (repository.InitialSlots, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	slots := repository.InitialSlots{LeadIDs: map[int64]struct{}{}}
	for _, m := range r.s.messages {
		if m.CampaignID != campaignID || m.Step != 0 || !m.Status.Active() {
			continue
		}
		slots.LeadIDs[m.LeadID] = struct{}{}
		if slots.LastSendAt == nil || m.SendAt.After(*slots.LastSendAt) {
			at := m.SendAt
			slots.LastSendAt = &at
		}
	}
	return slots, nil
}

func (r messageRepo) GetByID(ctx context.Context, id int64) (*model.ScheduledMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return nil, appErrors.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (r messageRepo) GetByThreadingID(ctx context.Context, threadingID string) (*model.ScheduledMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if threadingID != "" {
		for _, m := range r.s.messages {
			if m.ThreadingID == threadingID {
				cp := *m
				return &cp, nil
			}
		}
	}
	return nil, appErrors.ErrMessageNotFound
}

func (r messageRepo) Claim(ctx context.Context, now time.Time, limit int, token string) ([]model.ScheduledMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	due := []*model.ScheduledMessage{}
	for _, m := range r.s.messages {
		if m.Status != model.StatusScheduled || m.SendAt.After(now) {
			continue
		}
		if c, ok := r.s.campaigns[m.CampaignID]; !ok || c.Status != model.CampaignRunning {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].SendAt.Equal(due[j].SendAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].SendAt.Before(due[j].SendAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]model.ScheduledMessage, 0, len(due))
	for _, m := range due {
		at := now
		m.Status = model.StatusProcessing
		m.ClaimToken = token
		m.ClaimedAt = &at
		m.UpdatedAt = now
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (r messageRepo) ReleaseStale(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, m := range r.s.messages {
		if m.Status == model.StatusProcessing && m.ClaimedAt != nil && m.ClaimedAt.Before(cutoff) {
			m.Status = model.StatusScheduled
			m.ClaimToken = ""
			m.ClaimedAt = nil
			m.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r messageRepo) Renew(ctx context.Context, id int64, token string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, err := r.s.claimed(id, token)
	if err != nil {
		return err
	}
	at := now
	m.ClaimedAt = &at
	m.UpdatedAt = now
	return nil
}

func apply(m *model.ScheduledMessage, to model.Status, u repository.Update, now time.Time) {
	m.Status = to
	m.UpdatedAt = now
	if u.SentAt != nil {
		at := u.SentAt.UTC()
		m.SentAt = &at
	}
	if u.ProviderMessageID != "" {
		m.ProviderMessageID = u.ProviderMessageID
	}
	if u.ThreadingID != "" {
		m.ThreadingID = u.ThreadingID
	}
	if u.LastError != "" {
		m.LastError = u.LastError
	}
	if u.BounceType != "" {
		m.BounceType = u.BounceType
	}
	if u.IncrementAttempts {
		m.Attempts++
	}
}

func (s *Store) claimed(id int64, token string) (*model.ScheduledMessage, error) {
	m, ok := s.messages[id]
	if !ok || m.Status != model.StatusProcessing || m.ClaimToken != token {
		return nil, fmt.Errorf("%w: message %d", appErrors.ErrConcurrencyConflict, id)
	}
	return m, nil
}

func release(m *model.ScheduledMessage) {
	m.ClaimToken = ""
	m.ClaimedAt = nil
}

func (r messageRepo) Finish(ctx context.Context, id int64, token string, to model.Status, u repository.Update, now time.Time) error {
	if err := model.ValidateTransition(model.StatusProcessing, to); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, err := r.s.claimed(id, token)
	if err != nil {
		return err
	}
	apply(m, to, u, now)
	release(m)
	return nil
}

func (r messageRepo) MarkSent(ctx context.Context, id int64, token string, u repository.Update, followUp *model.ScheduledMessage) (bool, error) {
	if u.SentAt == nil {
		return false, fmt.Errorf("mark sent %d: missing sent_at", id)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, err := r.s.claimed(id, token)
	if err != nil {
		return false, err
	}
	if followUp != nil && (followUp.ParentID == nil || *followUp.ParentID != id || followUp.Step < 1) {
		return false, fmt.Errorf("mark sent %d: follow-up does not descend from it", id)
	}
	apply(m, model.StatusSent, u, *u.SentAt)
	release(m)
	if followUp == nil {
		return false, nil
	}
	return r.s.insert(*followUp, *u.SentAt), nil
}

func (r messageRepo) Transition(ctx context.Context, id int64, from, to model.Status, u repository.Update, now time.Time) error {
	if from == model.StatusProcessing {
		return fmt.Errorf("%w: processing rows are finished through their claim", appErrors.ErrInvalidTransition)
	}
	if err := model.ValidateTransition(from, to); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status != from {
		return fmt.Errorf("%w: message %d", appErrors.ErrConcurrencyConflict, id)
	}
	apply(m, to, u, now)
	return nil
}

func (r messageRepo) bulk(from []model.Status, to model.Status, now time.Time, match func(*model.ScheduledMessage) bool) (int64, error) {
	for _, f := range from {
		if err := model.ValidateTransition(f, to); err != nil {
			return 0, err
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, m := range r.s.messages {
		if !match(m) {
			continue
		}
		for _, f := range from {
			if m.Status == f {
				m.Status = to
				m.UpdatedAt = now
				n++
				break
			}
		}
	}
	return n, nil
}

var pending = []model.Status{model.StatusScheduled, model.StatusSkipped}

func (r messageRepo) CancelDescendants(ctx context.Context, campaignID, leadID int64, afterStep int, now time.Time) (int64, error) {
	return r.bulk(pending, model.StatusCancelled, now, func(m *model.ScheduledMessage) bool {
		return m.CampaignID == campaignID && m.LeadID == leadID && m.Step > afterStep
	})
}

func (r messageRepo) CancelOrphans(ctx context.Context, campaignID int64, keepLeadIDs []int64, now time.Time) (int64, error) {
	keep := make(map[int64]bool, len(keepLeadIDs))
	for _, id := range keepLeadIDs {
		keep[id] = true
	}
	return r.bulk(pending, model.StatusCancelled, now, func(m *model.ScheduledMessage) bool {
		return m.CampaignID == campaignID && !keep[m.LeadID]
	})
}

func (r messageRepo) SkipScheduled(ctx context.Context, campaignID int64, now time.Time) (int64, error) {
	return r.bulk([]model.Status{model.StatusScheduled}, model.StatusSkipped, now, func(m *model.ScheduledMessage) bool {
		return m.CampaignID == campaignID
	})
}

func (r messageRepo) RestoreSkipped(ctx context.Context, campaignID int64, now time.Time) (int64, error) {
	return r.bulk([]model.Status{model.StatusSkipped}, model.StatusScheduled, now, func(m *model.ScheduledMessage) bool {
		return m.CampaignID == campaignID
	})
}

func (r messageRepo) Stats(ctx context.Context, campaignID int64) ([]model.StatusCount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	type key struct {
		step   int
		status model.Status
	}
	counts := map[key]int{}
	for _, m := range r.s.messages {
		if m.CampaignID == campaignID {
			counts[key{m.Step, m.Status}]++
		}
	}
	stats := make([]model.StatusCount, 0, len(counts))
	for k, n := range counts {
		stats = append(stats, model.StatusCount{Step: k.step, Status: k.status, Count: n})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Step != stats[j].Step {
			return stats[i].Step < stats[j].Step
		}
		return stats[i].Status < stats[j].Status
	})
	return stats, nil
}

var _ repository.ScheduledMessageRepositoryInterface = messageRepo{}
