package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/lib/pq"
)

// RecipientRepo updates recipient opt-out flags and loads internal users
// for test sends.
type RecipientRepo struct{ db *sql.DB }

// NewRecipientRepo creates a Postgres-backed recipient repository.
func NewRecipientRepo(db *sql.DB) *RecipientRepo { return &RecipientRepo{db: db} }

// OptOutEmail implements suppression.Repository.
func (r *RecipientRepo) OptOutEmail(ctx context.Context, email string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recipients SET email_opt_out = TRUE, updated_at = NOW()
		WHERE LOWER(email) = LOWER($1) AND COALESCE(email_opt_out, FALSE) = FALSE
	`, email)
	if err != nil {
		return 0, fmt.Errorf("opt out email: %w", err)
	}
	return res.RowsAffected()
}

// OptOutPhones implements suppression.Repository. Stored numbers are
// compared with formatting characters stripped.
func (r *RecipientRepo) OptOutPhones(ctx context.Context, phones []string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recipients SET sms_opt_out = TRUE, updated_at = NOW()
		WHERE regexp_replace(phone, '[^0-9+]', '', 'g') = ANY($1)
		  AND COALESCE(sms_opt_out, FALSE) = FALSE
	`, pq.Array(phones))
	if err != nil {
		return 0, fmt.Errorf("opt out phones: %w", err)
	}
	return res.RowsAffected()
}

// ListInternalUsers returns the active users among ids.
func (r *RecipientRepo) ListInternalUsers(ctx context.Context, ids []string) ([]domain.InternalUser, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, COALESCE(name,''), COALESCE(email,''), COALESCE(phone,'')
		FROM users WHERE id = ANY($1) AND active
		ORDER BY id
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list internal users: %w", err)
	}
	defer rows.Close()

	var out []domain.InternalUser
	for rows.Next() {
		var u domain.InternalUser
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Phone); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
