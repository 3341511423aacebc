// Package memstore is an in-process implementation of the repository
// interfaces with the same conditional-update semantics as the Postgres
// store. It backs the service and HTTP tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
	"github.com/unclebandit/outreach-scheduler/internal/model"
	"github.com/unclebandit/outreach-scheduler/internal/repository"
)

type Store struct {
	mu        sync.Mutex
	campaigns map[int64]*model.Campaign
	leads     map[int64]*model.Lead
	accounts  map[int64]*model.Account
	messages  map[int64]*model.ScheduledMessage
	nextID    int64
}

func New() *Store {
	return &Store{
		campaigns: map[int64]*model.Campaign{},
		leads:     map[int64]*model.Lead{},
		accounts:  map[int64]*model.Account{},
		messages:  map[int64]*model.ScheduledMessage{},
	}
}

func (s *Store) AddCampaign(c model.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	s.campaigns[c.ID] = &c
}

func (s *Store) AddLead(l model.Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[l.ID] = &l
}

// RemoveLead drops a lead from its list, leaving its rows behind.
func (s *Store) RemoveLead(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leads, id)
}

func (s *Store) AddAccount(a model.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = &a
}

// Messages returns a copy of every row, ordered by id.
func (s *Store) Messages() []model.ScheduledMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScheduledMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Campaigns adapts the store to CampaignRepositoryInterface.
func (s *Store) Campaigns() repository.CampaignRepositoryInterface { return campaignRepo{s} }

// Leads adapts the store to LeadRepositoryInterface.
func (s *Store) Leads() repository.LeadRepositoryInterface { return leadRepo{s} }

// Accounts adapts the store to AccountRepositoryInterface.
func (s *Store) Accounts() repository.AccountRepositoryInterface { return accountRepo{s} }

// ScheduledMessages adapts the store to ScheduledMessageRepositoryInterface.
func (s *Store) ScheduledMessages() repository.ScheduledMessageRepositoryInterface { return messageRepo{s} }

type campaignRepo struct{ s *Store }

func (r campaignRepo) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.campaign(id)
}

func (s *Store) campaign(id int64) (*model.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r campaignRepo) MarkStarted(ctx context.Context, id int64, now time.Time, guard time.Duration) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	switch c.Status {
	case model.CampaignStopped, model.CampaignCompleted:
		return nil, fmt.Errorf("%w: campaign %d is %s", appErrors.ErrInvalidState, id, c.Status)
	}
	if c.StatusChangedAt != nil && c.StatusChangedAt.After(now.Add(-guard)) {
		return nil, fmt.Errorf("%w: campaign %d", appErrors.ErrStartConflict, id)
	}
	c.Status = model.CampaignRunning
	at := now
	c.StatusChangedAt = &at
	c.UpdatedAt = &at
	if c.SequenceSnapshot == nil {
		c.SequenceSnapshot = append([]model.Step{}, c.Config.Sequence...)
	}
	cp := *c
	return &cp, nil
}

func (r campaignRepo) UpdateStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			at := now
			c.StatusChangedAt = &at
			c.UpdatedAt = &at
			return nil
		}
	}
	return fmt.Errorf("%w: campaign %d is %s, cannot become %s", appErrors.ErrInvalidState, id, c.Status, to)
}

func (r campaignRepo) CompleteDrained(ctx context.Context, now time.Time, grace time.Duration) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := map[int64]int{}
	pending := map[int64]bool{}
	for _, m := range r.s.messages {
		rows[m.CampaignID]++
		switch m.Status {
		case model.StatusScheduled, model.StatusProcessing, model.StatusSkipped:
			pending[m.CampaignID] = true
		}
	}
	var ids []int64
	for id, c := range r.s.campaigns {
		if c.Status != model.CampaignRunning || rows[id] == 0 || pending[id] {
			continue
		}
		if c.StatusChangedAt != nil && c.StatusChangedAt.After(now.Add(-grace)) {
			continue
		}
		c.Status = model.CampaignCompleted
		at := now
		c.StatusChangedAt = &at
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type leadRepo struct{ s *Store }

func (r leadRepo) ListLeads(ctx context.Context, leadListID int64) ([]model.Lead, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	leads := []model.Lead{}
	for _, l := range r.s.leads {
		if l.LeadListID == leadListID {
			leads = append(leads, *l)
		}
	}
	sort.Slice(leads, func(i, j int) bool { return leads[i].ID < leads[j].ID })
	return leads, nil
}

func (r leadRepo) GetByID(ctx context.Context, id int64) (*model.Lead, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.leads[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (r leadRepo) MarkBounced(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if l, ok := r.s.leads[id]; ok {
		l.Bounced = true
	}
	return nil
}

type accountRepo struct{ s *Store }

func (r accountRepo) ActiveAccounts(ctx context.Context, campaignID int64) ([]model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[campaignID]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}
	accounts := []model.Account{}
	for _, id := range c.Config.Accounts {
		if a, ok := r.s.accounts[id]; ok && a.Active {
			accounts = append(accounts, *a)
		}
	}
	return accounts, nil
}

func (r accountRepo) HasCapacity(ctx context.Context, accountID int64, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[accountID]
	if !ok {
		return false, fmt.Errorf("sending account %d not found", accountID)
	}
	if a.DailyLimit == 0 {
		return true, nil
	}
	dayStart := now.UTC().Truncate(24 * time.Hour)
	sent := 0
	for _, m := range r.s.messages {
		if m.AccountID != accountID || m.SentAt == nil || m.SentAt.Before(dayStart) {
			continue
		}
		if m.Status == model.StatusSent || m.Status == model.StatusBounced {
			sent++
		}
	}
	return sent < a.DailyLimit, nil
}

var (
	_ repository.CampaignRepositoryInterface = campaignRepo{}
	_ repository.LeadRepositoryInterface     = leadRepo{}
	_ repository.AccountRepositoryInterface  = accountRepo{}
)
