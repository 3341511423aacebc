package service_test

import (
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-scheduler/internal/clock"
	"github.com/unclebandit/outreach-scheduler/internal/gateway"
	"github.com/unclebandit/outreach-scheduler/internal/model"
	"github.com/unclebandit/outreach-scheduler/internal/repository"
	"github.com/unclebandit/outreach-scheduler/internal/repository/memstore"
	"github.com/unclebandit/outreach-scheduler/internal/service"
)

var rome = mustLoad("Europe/Rome")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func romeTime(month time.Month, day, hour, min int) time.Time {
	return time.Date(2025, month, day, hour, min, 0, 0, rome)
}

const campaignID = 1

type fixture struct {
	store      *memstore.Store
	clock      *clock.Fake
	gateway    *gateway.Mock
	campaigns  *service.CampaignService
	dispatcher *service.Dispatcher
}

func baseConfig() model.CampaignConfig {
	return model.CampaignConfig{
		Timezone:        "Europe/Rome",
		SendingHours:    model.SendingHours{StartHour: 9, EndHour: 17},
		ActiveDays:      []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		SendingInterval: 15,
		Accounts:        []int64{100, 101, 102},
		Initial:         model.Content{Subject: "Hello", Body: "First touch"},
		Sequence:        []model.Step{{DelayDays: 3, Subject: "Re: Hello", Body: "Following up"}},
		LeadListID:      1,
	}
}

func newFixture(t *testing.T, now time.Time, cfg model.CampaignConfig, leads int) *fixture {
	t.Helper()
	store := memstore.New()
	store.AddCampaign(model.Campaign{ID: campaignID, Name: "launch", Config: cfg})
	for _, id := range []int64{100, 101, 102} {
		store.AddAccount(model.Account{ID: id, Email: fmt.Sprintf("rep%d@sales.example", id), Active: true})
	}
	for i := 1; i <= leads; i++ {
		addLead(store, int64(i))
	}

	clk := clock.NewFake(now)
	gw := &gateway.Mock{}
	repos := service.Repositories{
		Campaigns: store.Campaigns(),
		Leads:     store.Leads(),
		Accounts:  store.Accounts(),
		Messages:  store.ScheduledMessages(),
	}
	log := zap.NewNop()
	return &fixture{
		store:     store,
		clock:     clk,
		gateway:   gw,
		campaigns: service.NewCampaignService(repos, nil, 10*time.Second, clk, nil, log),
		dispatcher: service.NewDispatcher(repos, gw, service.DispatchOptions{
			BatchSize:   50,
			Concurrency: 4,
			MaxAttempts: 3,
			SendTimeout: time.Second,
			ClaimLease:  10 * time.Minute,
			JitterMax:   2 * time.Minute,
		}, clk, nil, log),
	}
}

func addLead(store *memstore.Store, id int64) {
	store.AddLead(model.Lead{ID: id, LeadListID: 1, Email: fmt.Sprintf("lead%d@example.com", id)})
}

func (f *fixture) rows(step int) []model.ScheduledMessage {
	var out []model.ScheduledMessage
	for _, m := range f.store.Messages() {
		if m.Step == step {
			out = append(out, m)
		}
	}
	return out
}

func repositoryUpdateNow(f *fixture) repository.Update {
	now := f.clock.Now()
	return repository.Update{SentAt: &now}
}
