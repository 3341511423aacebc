package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/outreach-scheduler/internal/model"
)

// LeadRepository reads leads in list insertion order.
type LeadRepository struct {
	DB *sql.DB
}

func (r *LeadRepository) ListLeads(ctx context.Context, leadListID int64) ([]model.Lead, error) {
	query := `
        SELECT id, lead_list_id, email, first_name, last_name, is_bounced
        FROM leads
        WHERE lead_list_id = $1
        ORDER BY id
    `
	rows, err := r.DB.QueryContext(ctx, query, leadListID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leads := []model.Lead{}
	for rows.Next() {
		var l model.Lead
		if err := rows.Scan(&l.ID, &l.LeadListID, &l.Email, &l.FirstName, &l.LastName, &l.Bounced); err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// GetByID returns nil, nil when the lead does not exist.
func (r *LeadRepository) GetByID(ctx context.Context, id int64) (*model.Lead, error) {
	query := `SELECT id, lead_list_id, email, first_name, last_name, is_bounced FROM leads WHERE id = $1`
	var l model.Lead
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&l.ID, &l.LeadListID, &l.Email, &l.FirstName, &l.LastName, &l.Bounced)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

func (r *LeadRepository) MarkBounced(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE leads SET is_bounced = TRUE WHERE id = $1`, id)
	return err
}

// AccountRepository resolves a campaign's sending accounts and their daily caps.
type AccountRepository struct {
	DB *sql.DB
}

func (r *AccountRepository) ActiveAccounts(ctx context.Context, campaignID int64) ([]model.Account, error) {
	query := `
        SELECT a.id, a.email, a.active, a.daily_limit
        FROM campaigns c
        CROSS JOIN LATERAL jsonb_array_elements_text(c.config->'accounts') WITH ORDINALITY AS x(account_id, ord)
        JOIN sending_accounts a ON a.id = x.account_id::bigint
        WHERE c.id = $1 AND a.active
        ORDER BY x.ord
    `
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []model.Account{}
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.Email, &a.Active, &a.DailyLimit); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// HasCapacity compares today's (UTC) sends against the account's daily
// limit. A zero limit means unlimited.
func (r *AccountRepository) HasCapacity(ctx context.Context, accountID int64, now time.Time) (bool, error) {
	query := `
        SELECT a.daily_limit, COUNT(m.id)
        FROM sending_accounts a
        LEFT JOIN scheduled_messages m
               ON m.account_id = a.id AND m.sent_at >= $2 AND m.status = ANY($3)
        WHERE a.id = $1
        GROUP BY a.daily_limit
    `
	dayStart := now.UTC().Truncate(24 * time.Hour)
	var limit, sent int
	err := r.DB.QueryRowContext(ctx, query, accountID, dayStart,
		pq.Array([]string{string(model.StatusSent), string(model.StatusBounced)})).Scan(&limit, &sent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("sending account %d not found", accountID)
		}
		return false, err
	}
	return limit == 0 || sent < limit, nil
}

var (
	_ LeadRepositoryInterface    = (*LeadRepository)(nil)
	_ AccountRepositoryInterface = (*AccountRepository)(nil)
)
