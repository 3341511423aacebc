package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
	"github.com/unclebandit/outreach-scheduler/internal/model"
)

// ScheduledMessageRepository is the Postgres store for scheduled_messages.
// Every status write is a conditional UPDATE on the current status; callers
// learn they lost a race through ErrConcurrencyConflict.
type ScheduledMessageRepository struct {
	DB *sql.DB
}

const messageColumns = `id, campaign_id, lead_id, step, parent_id, account_id, send_at, status, attempts,
        last_error, sent_at, provider_message_id, threading_id, bounce_type, claim_token, claimed_at,
        created_at, updated_at`

const insertMessage = `
        INSERT INTO scheduled_messages
        (campaign_id, lead_id, step, parent_id, account_id, send_at, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, 'scheduled', $7, $7)
        ON CONFLICT (campaign_id, lead_id, step) WHERE status <> 'cancelled' DO NOTHING
    `

func scanMessage(row rowScanner) (*model.ScheduledMessage, error) {
	var m model.ScheduledMessage
	err := row.Scan(
		&m.ID, &m.CampaignID, &m.LeadID, &m.Step, &m.ParentID, &m.AccountID, &m.SendAt, &m.Status, &m.Attempts,
		&m.LastError, &m.SentAt, &m.ProviderMessageID, &m.ThreadingID, &m.BounceType, &m.ClaimToken, &m.ClaimedAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *ScheduledMessageRepository) InsertInitial(ctx context.Context, rows []model.ScheduledMessage) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertMessage)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range rows {
		if m.Step != 0 || m.ParentID != nil {
			return 0, fmt.Errorf("insert initial: lead %d has step %d", m.LeadID, m.Step)
		}
		res, err := stmt.ExecContext(ctx, m.CampaignID, m.LeadID, 0, nil, m.AccountID, m.SendAt.UTC(), m.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("insert lead %d: %w", m.LeadID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return inserted, nil
}

func (r *ScheduledMessageRepository) InitialSlots(ctx context.Context, campaignID int64) (InitialSlots, error) {
	query := `
        SELECT lead_id, send_at FROM scheduled_messages
        WHERE campaign_id = $1 AND step = 0 AND status <> 'cancelled'
    `
	slots := InitialSlots{LeadIDs: map[int64]struct{}{}}
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return slots, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			leadID int64
			sendAt time.Time
		)
		if err := rows.Scan(&leadID, &sendAt); err != nil {
			return slots, err
		}
		slots.LeadIDs[leadID] = struct{}{}
		if slots.LastSendAt == nil || sendAt.After(*slots.LastSendAt) {
			at := sendAt
			slots.LastSendAt = &at
		}
	}
	return slots, rows.Err()
}

func (r *ScheduledMessageRepository) get(ctx context.Context, where string, arg any) (*model.ScheduledMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM scheduled_messages WHERE ` + where
	m, err := scanMessage(r.DB.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrMessageNotFound
		}
		return nil, err
	}
	return m, nil
}

func (r *ScheduledMessageRepository) GetByID(ctx context.Context, id int64) (*model.ScheduledMessage, error) {
	return r.get(ctx, `id = $1`, id)
}

func (r *ScheduledMessageRepository) GetByThreadingID(ctx context.Context, threadingID string) (*model.ScheduledMessage, error) {
	if threadingID == "" {
		return nil, appErrors.ErrMessageNotFound
	}
	return r.get(ctx, `threading_id = $1`, threadingID)
}

func (r *ScheduledMessageRepository) Claim(ctx context.Context, now time.Time, limit int, token string) ([]model.ScheduledMessage, error) {
	query := `
        UPDATE scheduled_messages sm
        SET status = 'processing', claim_token = $3, claimed_at = $1, updated_at = $1
        WHERE sm.id IN (
            SELECT m.id FROM scheduled_messages m
            JOIN campaigns c ON c.id = m.campaign_id
            WHERE m.status = 'scheduled' AND m.send_at <= $1 AND c.status = 'running'
            ORDER BY m.send_at ASC, m.id ASC
            LIMIT $2
            FOR UPDATE OF m SKIP LOCKED
        )
        AND sm.status = 'scheduled'
        RETURNING ` + messageColumns
	rows, err := r.DB.QueryContext(ctx, query, now, limit, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed := []model.ScheduledMessage{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING carries no order guarantee.
	sort.SliceStable(claimed, func(i, j int) bool {
		if claimed[i].SendAt.Equal(claimed[j].SendAt) {
			return claimed[i].ID < claimed[j].ID
		}
		return claimed[i].SendAt.Before(claimed[j].SendAt)
	})
	return claimed, nil
}

func (r *ScheduledMessageRepository) ReleaseStale(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	query := `
        UPDATE scheduled_messages
        SET status = 'scheduled', claim_token = '', claimed_at = NULL, updated_at = $2
        WHERE status = 'processing' AND claimed_at < $1
    `
	return r.exec(ctx, query, cutoff, now)
}

func (r *ScheduledMessageRepository) Renew(ctx context.Context, id int64, token string, now time.Time) error {
	query := `
        UPDATE scheduled_messages
        SET claimed_at = $3, updated_at = $3
        WHERE id = $1 AND status = 'processing' AND claim_token = $2
    `
	res, err := r.DB.ExecContext(ctx, query, id, token, now)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

// setClause renders the SET list for a transition, numbering placeholders
// from argPos.
func setClause(to model.Status, u Update, now time.Time, argPos int, clearClaim bool) (string, []any) {
	sets := []string{fmt.Sprintf("status=$%d", argPos), fmt.Sprintf("updated_at=$%d", argPos+1)}
	args := []any{string(to), now}
	argPos += 2

	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s=$%d", col, argPos))
		args = append(args, v)
		argPos++
	}
	if u.SentAt != nil {
		add("sent_at", u.SentAt.UTC())
	}
	if u.ProviderMessageID != "" {
		add("provider_message_id", u.ProviderMessageID)
	}
	if u.ThreadingID != "" {
		add("threading_id", u.ThreadingID)
	}
	if u.LastError != "" {
		add("last_error", u.LastError)
	}
	if u.BounceType != "" {
		add("bounce_type", u.BounceType)
	}
	if u.IncrementAttempts {
		sets = append(sets, "attempts=attempts+1")
	}
	if clearClaim {
		sets = append(sets, "claim_token=''", "claimed_at=NULL")
	}
	return strings.Join(sets, ", "), args
}

func (r *ScheduledMessageRepository) Finish(ctx context.Context, id int64, token string, to model.Status, u Update, now time.Time) error {
	if err := model.ValidateTransition(model.StatusProcessing, to); err != nil {
		return err
	}
	return finish(ctx, r.DB, id, token, to, u, now)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func finish(ctx context.Context, db execer, id int64, token string, to model.Status, u Update, now time.Time) error {
	set, args := setClause(to, u, now, 3, true)
	query := `UPDATE scheduled_messages SET ` + set + ` WHERE id=$1 AND status='processing' AND claim_token=$2`
	res, err := db.ExecContext(ctx, query, append([]any{id, token}, args...)...)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

func (r *ScheduledMessageRepository) MarkSent(ctx context.Context, id int64, token string, u Update, followUp *model.ScheduledMessage) (bool, error) {
	if u.SentAt == nil {
		return false, fmt.Errorf("mark sent %d: missing sent_at", id)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin mark sent: %w", err)
	}
	defer tx.Rollback()

	if err := finish(ctx, tx, id, token, model.StatusSent, u, *u.SentAt); err != nil {
		return false, err
	}

	created := false
	if followUp != nil {
		if followUp.ParentID == nil || *followUp.ParentID != id || followUp.Step < 1 {
			return false, fmt.Errorf("mark sent %d: follow-up does not descend from it", id)
		}
		res, err := tx.ExecContext(ctx, insertMessage, followUp.CampaignID, followUp.LeadID, followUp.Step,
			*followUp.ParentID, followUp.AccountID, followUp.SendAt.UTC(), *u.SentAt)
		if err != nil {
			return false, fmt.Errorf("insert follow-up of %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		created = n == 1
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit mark sent: %w", err)
	}
	return created, nil
}

func (r *ScheduledMessageRepository) Transition(ctx context.Context, id int64, from, to model.Status, u Update, now time.Time) error {
	if from == model.StatusProcessing {
		return fmt.Errorf("%w: processing rows are finished through their claim", appErrors.ErrInvalidTransition)
	}
	if err := model.ValidateTransition(from, to); err != nil {
		return err
	}
	set, args := setClause(to, u, now, 3, false)
	query := `UPDATE scheduled_messages SET ` + set + ` WHERE id=$1 AND status=$2`
	res, err := r.DB.ExecContext(ctx, query, append([]any{id, string(from)}, args...)...)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

// bulk moves every row of the campaign matching where from one of from to to.
func (r *ScheduledMessageRepository) bulk(ctx context.Context, from []model.Status, to model.Status, where string, args ...any) (int64, error) {
	names := make([]string, len(from))
	for i, s := range from {
		if err := model.ValidateTransition(s, to); err != nil {
			return 0, err
		}
		names[i] = string(s)
	}
	query := fmt.Sprintf(`UPDATE scheduled_messages SET status='%s', updated_at=$1 WHERE status = ANY($2) AND %s`, to, where)
	return r.exec(ctx, query, append([]any{args[0], pq.Array(names)}, args[1:]...)...)
}

func (r *ScheduledMessageRepository) CancelDescendants(ctx context.Context, campaignID, leadID int64, afterStep int, now time.Time) (int64, error) {
	return r.bulk(ctx, []model.Status{model.StatusScheduled, model.StatusSkipped}, model.StatusCancelled,
		`campaign_id=$3 AND lead_id=$4 AND step>$5`, now, campaignID, leadID, afterStep)
}

func (r *ScheduledMessageRepository) CancelOrphans(ctx context.Context, campaignID int64, keepLeadIDs []int64, now time.Time) (int64, error) {
	if keepLeadIDs == nil {
		keepLeadIDs = []int64{}
	}
	return r.bulk(ctx, []model.Status{model.StatusScheduled, model.StatusSkipped}, model.StatusCancelled,
		`campaign_id=$3 AND NOT (lead_id = ANY($4))`, now, campaignID, pq.Array(keepLeadIDs))
}

func (r *ScheduledMessageRepository) SkipScheduled(ctx context.Context, campaignID int64, now time.Time) (int64, error) {
	return r.bulk(ctx, []model.Status{model.StatusScheduled}, model.StatusSkipped, `campaign_id=$3`, now, campaignID)
}

func (r *ScheduledMessageRepository) RestoreSkipped(ctx context.Context, campaignID int64, now time.Time) (int64, error) {
	return r.bulk(ctx, []model.Status{model.StatusSkipped}, model.StatusScheduled, `campaign_id=$3`, now, campaignID)
}

func (r *ScheduledMessageRepository) Stats(ctx context.Context, campaignID int64) ([]model.StatusCount, error) {
	query := `
        SELECT step, status, COUNT(*)
        FROM scheduled_messages
        WHERE campaign_id = $1
        GROUP BY step, status
        ORDER BY step, status
    `
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []model.StatusCount{}
	for rows.Next() {
		var sc model.StatusCount
		if err := rows.Scan(&sc.Step, &sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		stats = append(stats, sc)
	}
	return stats, rows.Err()
}

func (r *ScheduledMessageRepository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func expectOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: message %d", appErrors.ErrConcurrencyConflict, id)
	}
	return nil
}

var _ ScheduledMessageRepositoryInterface = (*ScheduledMessageRepository)(nil)
