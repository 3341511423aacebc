package bounce

import (
	"context"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-scheduler/internal/clock"
	"github.com/unclebandit/outreach-scheduler/internal/model"
	"github.com/unclebandit/outreach-scheduler/internal/repository"
	"github.com/unclebandit/outreach-scheduler/internal/repository/memstore"
	"github.com/unclebandit/outreach-scheduler/internal/service"
)

func dsn(status, action string) string {
	return strings.ReplaceAll(`From: MAILER-DAEMON@mx.example.com
To: rep100@sales.example
Subject: Undelivered Mail Returned to Sender
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="BOUNDARY"

--BOUNDARY
Content-Type: text/plain

Your message could not be delivered.
--BOUNDARY
Content-Type: message/delivery-status

Reporting-MTA: dns; mx.example.com

Final-Recipient: rfc822; lead1@example.com
Action: `+action+`
Status: `+status+`
Diagnostic-Code: smtp; 550 5.1.1 user unknown

--BOUNDARY
Content-Type: text/rfc822-headers

Message-Id: <abc-123@sales.example>
From: rep100@sales.example
To: lead1@example.com
Subject: Hello

--BOUNDARY--
`, "\n", "\r\n")
}

func TestParseDSNHardBounce(t *testing.T) {
	e, err := ParseDSN(strings.NewReader(dsn("5.1.1", "failed")))
	require.NoError(t, err)
	assert.Equal(t, "hard", e.BounceType)
	assert.Equal(t, "abc-123@sales.example", e.ThreadingID)
}

func TestParseDSNSoftBounce(t *testing.T) {
	e, err := ParseDSN(strings.NewReader(dsn("4.2.2", "delayed")))
	require.NoError(t, err)
	assert.Equal(t, "soft", e.BounceType)
}

func TestParseDSNReadsEmbeddedOriginalMessage(t *testing.T) {
	raw := strings.Replace(dsn("5.0.0", "failed"),
		"Content-Type: text/rfc822-headers\r\n",
		"Content-Type: message/rfc822\r\n", 1)
	e, err := ParseDSN(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "hard", e.BounceType)
	assert.Equal(t, "abc-123@sales.example", e.ThreadingID)
}

func TestParseDSNRejectsOtherMail(t *testing.T) {
	_, err := ParseDSN(strings.NewReader("From: a@b\r\nContent-Type: text/plain\r\n\r\nhi\r\n"))
	assert.ErrorIs(t, err, ErrNotDSN)

	_, err = ParseDSN(strings.NewReader(dsn("2.0.0", "delivered")))
	assert.ErrorIs(t, err, ErrNotDSN)
}

type harness struct {
	store    *memstore.Store
	consumer *Consumer
	sent     model.ScheduledMessage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	store.AddCampaign(model.Campaign{ID: 1, Config: model.CampaignConfig{
		Timezone:        "UTC",
		SendingHours:    model.SendingHours{StartHour: 0, EndHour: 24},
		ActiveDays:      []time.Weekday{0, 1, 2, 3, 4, 5, 6},
		SendingInterval: 5,
		Accounts:        []int64{100},
		Sequence:        []model.Step{{DelayDays: 2}},
		LeadListID:      1,
	}})
	store.AddAccount(model.Account{ID: 100, Email: "rep100@sales.example", Active: true})
	store.AddLead(model.Lead{ID: 1, LeadListID: 1, Email: "lead1@example.com"})

	repos := service.Repositories{
		Campaigns: store.Campaigns(),
		Leads:     store.Leads(),
		Accounts:  store.Accounts(),
		Messages:  store.ScheduledMessages(),
	}
	clk := clock.NewFake(time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC))
	svc := service.NewCampaignService(repos, nil, time.Second, clk, nil, zap.NewNop())
	ctx := context.Background()
	_, err := svc.Start(ctx, 1)
	require.NoError(t, err)

	row := store.Messages()[0]
	claimed, err := repos.Messages.Claim(ctx, clk.Now(), 1, "tok")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	now := clk.Now()
	parentID := row.ID
	_, err = repos.Messages.MarkSent(ctx, row.ID, "tok", serviceUpdate(now, "abc-123@sales.example"),
		&model.ScheduledMessage{CampaignID: 1, LeadID: 1, Step: 1, ParentID: &parentID, AccountID: 100, SendAt: now.Add(48 * time.Hour)})
	require.NoError(t, err)

	return &harness{
		store:    store,
		consumer: &Consumer{Service: svc, Log: zap.NewNop()},
		sent:     row,
	}
}

func TestConsumerAppliesDSNByThreadingID(t *testing.T) {
	h := newHarness(t)
	e, err := ParseDSN(strings.NewReader(dsn("5.1.1", "failed")))
	require.NoError(t, err)

	res, err := h.consumer.Apply(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, h.sent.ID, res.ScheduledMessageID)
	assert.EqualValues(t, 1, res.Cancelled)
	assert.True(t, res.LeadFlagged)

	msgs := h.store.Messages()
	assert.Equal(t, model.StatusBounced, msgs[0].Status)
	assert.Equal(t, model.StatusCancelled, msgs[1].Status)
}

func TestConsumerHandleJSON(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.consumer.Handle(ctx, []byte(`{"scheduled_message_id":1,"bounce_type":"soft"}`)))
	assert.Equal(t, model.StatusBounced, h.store.Messages()[0].Status)

	// Duplicates, unknown rows and garbage are acknowledged, not retried.
	assert.NoError(t, h.consumer.Handle(ctx, []byte(`{"scheduled_message_id":1,"bounce_type":"soft"}`)))
	assert.NoError(t, h.consumer.Handle(ctx, []byte(`{"scheduled_message_id":999,"bounce_type":"hard"}`)))
	assert.NoError(t, h.consumer.Handle(ctx, []byte(`not json`)))
	assert.NoError(t, h.consumer.Handle(ctx, []byte(`{"scheduled_message_id":2,"bounce_type":"hard"}`)), "unsent rows cannot bounce")

	lead, err := h.store.Leads().GetByID(ctx, 1)
	require.NoError(t, err)
	assert.False(t, lead.Bounced, "soft bounces do not flag the lead")
}

func TestEventValidate(t *testing.T) {
	assert.Error(t, Event{BounceType: "hard"}.Validate())
	assert.NoError(t, Event{ThreadingID: "x@y"}.Validate())
}

func serviceUpdate(at time.Time, threadingID string) repository.Update {
	return repository.Update{SentAt: &at, ThreadingID: threadingID, ProviderMessageID: threadingID}
}
