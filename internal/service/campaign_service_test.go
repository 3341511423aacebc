package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
	"github.com/unclebandit/outreach-scheduler/internal/model"
	"github.com/unclebandit/outreach-scheduler/internal/repository"
	"github.com/unclebandit/outreach-scheduler/internal/service"
)

func TestStartPlacesLeadsWithRotation(t *testing.T) {
	f := newFixture(t, romeTime(time.June, 3, 16, 50), baseConfig(), 6)

	res, err := f.campaigns.Start(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Placed)
	assert.Equal(t, model.CampaignRunning, res.Status)

	want := []struct {
		at      time.Time
		account int64
	}{
		{romeTime(time.June, 3, 16, 50), 100},
		{romeTime(time.June, 4, 9, 0), 101},
		{romeTime(time.June, 4, 9, 15), 102},
		{romeTime(time.June, 4, 9, 30), 100},
		{romeTime(time.June, 4, 9, 45), 101},
		{romeTime(time.June, 4, 10, 0), 102},
	}
	rows := f.rows(0)
	require.Len(t, rows, len(want))
	for i, w := range want {
		assert.True(t, w.at.Equal(rows[i].SendAt), "lead %d: got %s want %s", i, rows[i].SendAt.In(rome), w.at)
		assert.Equal(t, w.account, rows[i].AccountID, "lead %d", i)
		assert.Equal(t, model.StatusScheduled, rows[i].Status)
		assert.Nil(t, rows[i].ParentID)
	}
}

func TestRestartPlacesOnlyRemainingLeads(t *testing.T) {
	f := newFixture(t, romeTime(time.June, 3, 16, 50), baseConfig(), 10)
	ctx := context.Background()

	_, err := f.campaigns.Start(ctx, campaignID)
	require.NoError(t, err)
	require.Len(t, f.rows(0), 10)

	for id := int64(11); id <= 22; id++ {
		addLead(f.store, id)
	}
	f.clock.Advance(time.Minute)
	res, err := f.campaigns.Start(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Placed)
	assert.Equal(t, 10, res.AlreadyPlaced)

	rows := f.rows(0)
	require.Len(t, rows, 22)
	seen := map[int64]bool{}
	for _, r := range rows {
		assert.False(t, seen[r.LeadID], "lead %d placed twice", r.LeadID)
		seen[r.LeadID] = true
	}

	// Rotation and cadence continue from the last existing slot (Wed 11:00).
	assert.True(t, romeTime(time.June, 4, 11, 15).Equal(rows[10].SendAt), "got %s", rows[10].SendAt.In(rome))
	for i := 10; i < 22; i++ {
		assert.Equal(t, baseConfig().Accounts[i%3], rows[i].AccountID, "ordinal %d", i)
	}
}

func TestStartInsideGuardWindowIsRejected(t *testing.T) {
	f := newFixture(t, romeTime(time.June, 3, 10, 0), baseConfig(), 3)
	ctx := context.Background()

	_, err := f.campaigns.Start(ctx, campaignID)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	_, err = f.campaigns.Start(ctx, campaignID)
	assert.ErrorIs(t, err, appErrors.ErrStartConflict)
	assert.Len(t, f.rows(0), 3)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	cases := map[string]func(*model.CampaignConfig){
		"inverted hours": func(c *model.CampaignConfig) { c.SendingHours = model.SendingHours{StartHour: 17, EndHour: 9} },
		"no active days": func(c *model.CampaignConfig) { c.ActiveDays = nil },
		"no accounts":    func(c *model.CampaignConfig) { c.Accounts = nil },
		"bad timezone":   func(c *model.CampaignConfig) { c.Timezone = "Mars/Olympus" },
		"zero interval":  func(c *model.CampaignConfig) { c.SendingInterval = 0 },
		"inactive accounts only": func(c *model.CampaignConfig) {
			c.Accounts = []int64{999}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := baseConfig()
			mutate(&cfg)
			f := newFixture(t, romeTime(time.June, 3, 10, 0), cfg, 3)

			_, err := f.campaigns.Start(context.Background(), campaignID)
			var ce *appErrors.ConfigError
			require.True(t, errors.As(err, &ce), "got %v", err)

			c, err := f.store.Campaigns().GetByID(context.Background(), campaignID)
			require.NoError(t, err)
			assert.Equal(t, model.CampaignDraft, c.Status)
			assert.Empty(t, f.store.Messages())
		})
	}
}

func TestStartCancelsOrphansAndSkipsBouncedLeads(t *testing.T) {
	f := newFixture(t, romeTime(time.June, 3, 10, 0), baseConfig(), 3)
	ctx := context.Background()

	_, err := f.campaigns.Start(ctx, campaignID)
	require.NoError(t, err)

	f.store.RemoveLead(2)
	f.store.AddLead(model.Lead{ID: 4, LeadListID: 1, Email: "gone@example.com", Bounced: true})
	f.clock.Advance(time.Minute)

	res, err := f.campaigns.Start(ctx, campaignID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.OrphansCancelled)
	assert.Equal(t, 1, res.BouncedExcluded)
	assert.Equal(t, 0, res.Placed)

	for _, m := range f.store.Messages() {
		if m.LeadID == 2 {
			assert.Equal(t, model.StatusCancelled, m.Status)
		}
		assert.NotEqual(t, int64(4), m.LeadID)
	}
}

func TestStartStoppedCampaignIsInvalidState(t *testing.T) {
	f := newFixture(t, romeTime(time.June, 3, 10, 0), baseConfig(), 2)
	ctx := context.Background()

	_, err := f.campaigns.Start(ctx, campaignID)
	require.NoError(t, err)
	_, err = f.campaigns.Stop(ctx, campaignID)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.campaigns.Start(ctx, campaignID)
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)
}

func TestStopAndRestoreKeepSendAt(t *testing.T) {
	f := newFixture(t, romeTime(time.June, 3, 10, 0), baseConfig(), 4)
	ctx := context.Background()

	_, err := f.campaigns.Start(ctx, campaignID)
	require.NoError(t, err)
	before := f.store.Messages()

	stop, err := f.campaigns.Stop(ctx, campaignID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stop.Skipped)
	for _, m := range f.store.Messages() {
		assert.Equal(t, model.StatusSkipped, m.Status)
	}

	f.clock.Advance(time.Hour)
	tick, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, tick.Claimed)

	restore, err := f.campaigns.RestoreStopped(ctx, campaignID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, restore.Restored)

	after := f.store.Messages()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, model.StatusScheduled, after[i].Status)
		assert.True(t, before[i].SendAt.Equal(after[i].SendAt))
	}

	c, err := f.store.Campaigns().GetByID(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignRunning, c.Status)
}

func TestPauseLeavesRowsAndHaltsClaims(t *testing.T) {
	f := newFixture(t, romeTime(time.June, 3, 10, 0), baseConfig(), 2)
	ctx := context.Background()

	_, err := f.campaigns.Start(ctx, campaignID)
	require.NoError(t, err)
	require.NoError(t, f.campaigns.Pause(ctx, campaignID))

	f.clock.Advance(time.Hour)
	tick, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, tick.Claimed)
	for _, m := range f.store.Messages() {
		assert.Equal(t, model.StatusScheduled, m.Status)
	}
	assert.Empty(t, f.gateway.Sent())

	assert.ErrorIs(t, f.campaigns.Pause(ctx, campaignID), appErrors.ErrInvalidState)
}

func TestStatsAccountingIdentity(t *testing.T) {
	f := newFixture(t, romeTime(time.June, 3, 10, 0), baseConfig(), 5)
	ctx := context.Background()

	_, err := f.campaigns.Start(ctx, campaignID)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	_, err = f.dispatcher.Tick(ctx)
	require.NoError(t, err)

	st, err := f.campaigns.Stats(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, len(f.store.Messages()), st.Total)

	sum := 0
	for _, n := range st.ByStatus {
		sum += n
	}
	assert.Equal(t, st.Total, sum)
	assert.Equal(t, 3, st.ByStatus[model.StatusSent])
	assert.Equal(t, 2, st.ByStep[0][model.StatusScheduled])
	assert.Equal(t, 3, st.ByStep[1][model.StatusScheduled])
	assert.Contains(t, st.ByStatus, model.StatusBounced, "every status is reported")
}

func TestMarkBouncedCascadesAndFlagsLead(t *testing.T) {
	for _, tc := range []struct {
		bounceType  string
		leadFlagged bool
	}{
		{"hard", true},
		{"soft", false},
	} {
		t.Run(tc.bounceType, func(t *testing.T) {
			f := newFixture(t, romeTime(time.June, 3, 10, 0), baseConfig(), 1)
			ctx := context.Background()

			_, err := f.campaigns.Start(ctx, campaignID)
			require.NoError(t, err)
			_, err = f.dispatcher.Tick(ctx)
			require.NoError(t, err)

			initial := f.rows(0)[0]
			require.Equal(t, model.StatusSent, initial.Status)
			require.Len(t, f.rows(1), 1)

			res, err := f.campaigns.MarkBounced(ctx, initial.ID, tc.bounceType)
			require.NoError(t, err)
			assert.EqualValues(t, 1, res.Cancelled)
			assert.Equal(t, tc.leadFlagged, res.LeadFlagged)

			assert.Equal(t, model.StatusBounced, f.rows(0)[0].Status)
			assert.Equal(t, tc.bounceType, f.rows(0)[0].BounceType)
			assert.Equal(t, model.StatusCancelled, f.rows(1)[0].Status)

			lead, err := f.store.Leads().GetByID(ctx, initial.LeadID)
			require.NoError(t, err)
			assert.Equal(t, tc.leadFlagged, lead.Bounced)

			again, err := f.campaigns.MarkBounced(ctx, initial.ID, tc.bounceType)
			require.NoError(t, err)
			assert.True(t, again.AlreadyBounced)
		})
	}
}

func TestMarkBouncedByThreadingID(t *testing.T) {
	f := newFixture(t, romeTime(time.June, 3, 10, 0), baseConfig(), 1)
	ctx := context.Background()

	_, err := f.campaigns.Start(ctx, campaignID)
	require.NoError(t, err)
	_, err = f.dispatcher.Tick(ctx)
	require.NoError(t, err)

	sent := f.rows(0)[0]
	require.NotEmpty(t, sent.ThreadingID)
	res, err := f.campaigns.MarkBouncedByThreadingID(ctx, sent.ThreadingID, "")
	require.NoError(t, err)
	assert.True(t, res.LeadFlagged)

	_, err = f.campaigns.MarkBouncedByThreadingID(ctx, "unknown@nowhere", "hard")
	assert.True(t, appErrors.IsNotFound(err))
}

func TestMarkBouncedRejectsUnsentRow(t *testing.T) {
	f := newFixture(t, romeTime(time.June, 3, 8, 0), baseConfig(), 1)
	ctx := context.Background()

	_, err := f.campaigns.Start(ctx, campaignID)
	require.NoError(t, err)

	_, err = f.campaigns.MarkBounced(ctx, f.rows(0)[0].ID, "hard")
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	_, err = f.campaigns.MarkBounced(ctx, f.rows(0)[0].ID, "sideways")
	var ce *appErrors.ConfigError
	assert.True(t, errors.As(err, &ce))
}

// hookedMessages runs beforeInsert ahead of InsertInitial and, when
// transitionErr is set, fails every Transition with it.
type hookedMessages struct {
	repository.ScheduledMessageRepositoryInterface
	beforeInsert  func()
	transitionErr error
	transitions   int
}

func (h *hookedMessages) InsertInitial(ctx context.Context, rows []model.ScheduledMessage) (int, error) {
	if h.beforeInsert != nil {
		h.beforeInsert()
	}
	return h.ScheduledMessageRepositoryInterface.InsertInitial(ctx, rows)
}

func (h *hookedMessages) Transition(ctx context.Context, id int64, from, to model.Status, u repository.Update, now time.Time) error {
	h.transitions++
	if h.transitionErr != nil {
		return h.transitionErr
	}
	return h.ScheduledMessageRepositoryInterface.Transition(ctx, id, from, to, u, now)
}

func (f *fixture) serviceWith(messages repository.ScheduledMessageRepositoryInterface) *service.CampaignService {
	repos := f.dispatcher.Repos
	repos.Messages = messages
	return service.NewCampaignService(repos, nil, 10*time.Second, f.clock, nil, zap.NewNop())
}

func TestRestartIsNotCompletedByConcurrentTick(t *testing.T) {
	cfg := baseConfig()
	cfg.Sequence = nil
	f := newFixture(t, romeTime(time.June, 3, 10, 0), cfg, 1)
	ctx := context.Background()

	_, err := f.campaigns.Start(ctx, campaignID)
	require.NoError(t, err)
	res, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Sent)
	require.NoError(t, f.campaigns.Pause(ctx, campaignID))

	f.clock.Advance(time.Hour)
	addLead(f.store, 2)

	var during *service.TickResult
	hooked := &hookedMessages{ScheduledMessageRepositoryInterface: f.store.ScheduledMessages()}
	hooked.beforeInsert = func() {
		during, err = f.dispatcher.Tick(ctx)
	}
	started, err := f.serviceWith(hooked).Start(ctx, campaignID)
	require.NoError(t, err)
	require.NotNil(t, during)
	assert.Empty(t, during.Completed, "campaign restarting while the tick ran")
	assert.Equal(t, 1, started.Placed)

	c, err := f.store.Campaigns().GetByID(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignRunning, c.Status)

	res, err = f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Empty(t, res.Completed)

	f.clock.Advance(11 * time.Minute)
	res, err = f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{campaignID}, res.Completed)
}

func TestMarkBouncedGivesUpOnPersistentConflict(t *testing.T) {
	f := newFixture(t, romeTime(time.June, 3, 10, 0), baseConfig(), 1)
	ctx := context.Background()

	_, err := f.campaigns.Start(ctx, campaignID)
	require.NoError(t, err)
	_, err = f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	sent := f.rows(0)[0]

	hooked := &hookedMessages{
		ScheduledMessageRepositoryInterface: f.store.ScheduledMessages(),
		transitionErr:                       appErrors.ErrConcurrencyConflict,
	}
	_, err = f.serviceWith(hooked).MarkBounced(ctx, sent.ID, service.BounceHard)
	assert.ErrorIs(t, err, appErrors.ErrConcurrencyConflict)
	assert.Equal(t, 3, hooked.transitions)
	assert.Equal(t, model.StatusSent, f.rows(0)[0].Status)
}
