package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
	"github.com/unclebandit/outreach-scheduler/internal/model"
)

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, status, config, sequence_snapshot, status_changed_at, created_at, updated_at`

// startableStatuses are the states MarkStarted may leave. A stopped campaign
// resumes through RestoreSkipped, never through a fresh start.
var startableStatuses = []string{
	string(model.CampaignDraft), string(model.CampaignPaused), string(model.CampaignRunning),
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var (
		c        model.Campaign
		config   []byte
		snapshot []byte
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Status, &config, &snapshot, &c.StatusChangedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(config, &c.Config); err != nil {
		return nil, fmt.Errorf("decode campaign %d config: %w", c.ID, err)
	}
	if snapshot != nil {
		c.SequenceSnapshot = []model.Step{}
		if err := json.Unmarshal(snapshot, &c.SequenceSnapshot); err != nil {
			return nil, fmt.Errorf("decode campaign %d sequence snapshot: %w", c.ID, err)
		}
	}
	return &c, nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) MarkStarted(ctx context.Context, id int64, now time.Time, guard time.Duration) (*model.Campaign, error) {
	query := `
        UPDATE campaigns
        SET status='running', status_changed_at=$2, updated_at=$2,
            sequence_snapshot=COALESCE(sequence_snapshot, config->'sequence', '[]'::jsonb)
        WHERE id=$1
          AND status = ANY($3)
          AND (status_changed_at IS NULL OR status_changed_at <= $4)
        RETURNING ` + campaignColumns
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id, now, pq.Array(startableStatuses), now.Add(-guard)))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case model.CampaignStopped, model.CampaignCompleted:
		return nil, fmt.Errorf("%w: campaign %d is %s", appErrors.ErrInvalidState, id, current.Status)
	}
	return nil, fmt.Errorf("%w: campaign %d", appErrors.ErrStartConflict, id)
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, now time.Time) error {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	query := `UPDATE campaigns SET status=$2, status_changed_at=$3, updated_at=$3 WHERE id=$1 AND status = ANY($4)`
	res, err := r.DB.ExecContext(ctx, query, id, to, now, pq.Array(allowed))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: campaign %d is %s, cannot become %s", appErrors.ErrInvalidState, id, current.Status, to)
}

func (r *CampaignRepository) CompleteDrained(ctx context.Context, now time.Time, grace time.Duration) ([]int64, error) {
	query := `
        UPDATE campaigns c
        SET status='completed', status_changed_at=$1, updated_at=$1
        WHERE c.status='running'
          AND (c.status_changed_at IS NULL OR c.status_changed_at <= $2)
          AND EXISTS (SELECT 1 FROM scheduled_messages m WHERE m.campaign_id=c.id)
          AND NOT EXISTS (
              SELECT 1 FROM scheduled_messages m
              WHERE m.campaign_id=c.id AND m.status IN ('scheduled', 'processing', 'skipped')
          )
        RETURNING c.id
    `
	rows, err := r.DB.QueryContext(ctx, query, now, now.Add(-grace))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
