package model

type Lead struct {
	ID         int64  `db:"id" json:"id"`
	LeadListID int64  `db:"lead_list_id" json:"lead_list_id"`
	Email      string `db:"email" json:"email"`
	FirstName  string `db:"first_name" json:"first_name"`
	LastName   string `db:"last_name" json:"last_name"`
	Bounced    bool   `db:"is_bounced" json:"is_bounced"`
}

// Account is a sending identity.
type Account struct {
	ID         int64  `db:"id" json:"id"`
	Email      string `db:"email" json:"email"`
	Active     bool   `db:"active" json:"active"`
	DailyLimit int    `db:"daily_limit" json:"daily_limit"`
}
