package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/service/campaign"
	"github.com/ignite/audience-dispatch/internal/service/delivery"
)

// SendRepo stores campaign_sends rows and derives campaign counters from
// them.
type SendRepo struct{ db *sql.DB }

// NewSendRepo creates a Postgres-backed send repository.
func NewSendRepo(db *sql.DB) *SendRepo { return &SendRepo{db: db} }

const sendColumns = `
	id, campaign_id, recipient_id, destination, state, external_id,
	COALESCE(error_code,''), COALESCE(error_message,''),
	created_at, sent_at, delivered_at, opened_at, clicked_at, failed_at, updated_at`

func scanSend(row rowScanner) (*domain.Send, error) {
	var (
		s   domain.Send
		ext sql.NullString
	)
	if err := row.Scan(&s.ID, &s.CampaignID, &s.RecipientID, &s.Destination, &s.State, &ext,
		&s.ErrorCode, &s.ErrorMessage,
		&s.CreatedAt, &s.SentAt, &s.DeliveredAt, &s.OpenedAt, &s.ClickedAt, &s.FailedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if ext.Valid {
		s.ExternalID = &ext.String
	}
	return &s, nil
}

// recomputeCountersSQL derives every counter from the full send set in one
// statement, so concurrent callers converge on the same values.
const recomputeCountersSQL = `
	UPDATE campaigns c SET
		total_sent = agg.total_sent,
		delivered  = agg.delivered,
		failed     = agg.failed,
		opened     = agg.opened,
		clicked    = agg.clicked,
		updated_at = NOW()
	FROM (
		SELECT
			COUNT(*) FILTER (WHERE state <> 'queued')           AS total_sent,
			COUNT(*) FILTER (WHERE delivered_at IS NOT NULL)    AS delivered,
			COUNT(*) FILTER (WHERE state = 'failed')            AS failed,
			COUNT(*) FILTER (WHERE opened_at IS NOT NULL)       AS opened,
			COUNT(*) FILTER (WHERE clicked_at IS NOT NULL)      AS clicked
		FROM campaign_sends WHERE campaign_id = $1
	) agg
	WHERE c.id = $1`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CreateQueued inserts s in the queued state.
func (r *SendRepo) CreateQueued(ctx context.Context, s *domain.Send) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	s.State = domain.SendQueued
	s.CreatedAt, s.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_sends (id, campaign_id, recipient_id, destination, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', $5, $5)
	`, s.ID, s.CampaignID, s.RecipientID, s.Destination, now)
	if err != nil {
		return fmt.Errorf("create send: %w", err)
	}
	return nil
}

// MarkSent records a provider acceptance.
func (r *SendRepo) MarkSent(ctx context.Context, id, externalID string, at time.Time) error {
	var ext interface{}
	if externalID != "" {
		ext = externalID
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_sends SET state = 'sent', external_id = $1, sent_at = $2, updated_at = NOW()
		WHERE id = $3 AND state = 'queued'
	`, ext, at, id)
	if err != nil {
		return fmt.Errorf("mark send %s sent: %w", id, err)
	}
	return nil
}

// MarkFailed records a provider rejection.
func (r *SendRepo) MarkFailed(ctx context.Context, id, code, message string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_sends SET state = 'failed', error_code = $1, error_message = $2,
			failed_at = $3, updated_at = NOW()
		WHERE id = $4 AND state = 'queued'
	`, code, message, at, id)
	if err != nil {
		return fmt.Errorf("mark send %s failed: %w", id, err)
	}
	return nil
}

// AttemptedRecipientIDs returns every recipient that already has a send for
// the campaign, whatever its state.
func (r *SendRepo) AttemptedRecipientIDs(ctx context.Context, campaignID string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT recipient_id FROM campaign_sends WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("attempted recipients: %w", err)
	}
	defer rows.Close()
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// GetByExternalID implements delivery.Repository.
func (r *SendRepo) GetByExternalID(ctx context.Context, externalID string) (*domain.Send, error) {
	s, err := scanSend(r.db.QueryRowContext(ctx,
		`SELECT `+sendColumns+` FROM campaign_sends WHERE external_id = $1`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, delivery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get send by external id: %w", err)
	}
	return s, nil
}

// UpdateState writes the state, timestamps and error fields of s if the
// stored state is still prev.
func (r *SendRepo) UpdateState(ctx context.Context, s *domain.Send, prev domain.SendState) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_sends SET
			state = $1, sent_at = $2, delivered_at = $3, opened_at = $4, clicked_at = $5,
			failed_at = $6, error_code = $7, error_message = $8, updated_at = NOW()
		WHERE id = $9 AND state = $10
	`, s.State, s.SentAt, s.DeliveredAt, s.OpenedAt, s.ClickedAt,
		s.FailedAt, s.ErrorCode, s.ErrorMessage, s.ID, prev)
	if err != nil {
		return false, fmt.Errorf("update send state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RecomputeCounters rebuilds the campaign's counters from its sends.
func (r *SendRepo) RecomputeCounters(ctx context.Context, campaignID string) error {
	return recomputeCounters(ctx, r.db, campaignID)
}

func recomputeCounters(ctx context.Context, db execer, campaignID string) error {
	if _, err := db.ExecContext(ctx, recomputeCountersSQL, campaignID); err != nil {
		return fmt.Errorf("recompute counters: %w", err)
	}
	return nil
}

// ListByCampaign implements campaign.SendReader.
func (r *SendRepo) ListByCampaign(ctx context.Context, campaignID string, f campaign.SendFilter) ([]domain.Send, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := " WHERE campaign_id = $1"
	args := []interface{}{campaignID}
	if f.State != "" {
		args = append(args, f.State)
		where += " AND state = $2"
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_sends`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sends: %w", err)
	}

	q := `SELECT ` + sendColumns + ` FROM campaign_sends` + where +
		fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, q, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sends: %w", err)
	}
	defer rows.Close()

	var out []domain.Send
	for rows.Next() {
		s, err := scanSend(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan send: %w", err)
		}
		out = append(out, *s)
	}
	return out, total, rows.Err()
}

// CountStaleQueued counts queued sends created before cutoff.
func (r *SendRepo) CountStaleQueued(ctx context.Context, campaignID string, cutoff time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_sends
		WHERE campaign_id = $1 AND state = 'queued' AND created_at < $2
	`, campaignID, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale sends: %w", err)
	}
	return n, nil
}

// CompleteStuck reclassifies stale queued sends as sent, recomputes the
// counters and moves the campaign from sending to sent, all in one
// transaction. It returns the number of sends reclassified, or
// ok=false when the campaign left sending first.
func (r *SendRepo) CompleteStuck(ctx context.Context, campaignID string, cutoff time.Time) (int, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaign_sends SET state = 'sent', sent_at = created_at, updated_at = NOW()
		WHERE campaign_id = $1 AND state = 'queued' AND created_at < $2
	`, campaignID, cutoff)
	if err != nil {
		return 0, false, fmt.Errorf("reclassify stale sends: %w", err)
	}
	fixed, _ := res.RowsAffected()

	if err := recomputeCounters(ctx, tx, campaignID); err != nil {
		return 0, false, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE campaigns SET status = 'sent', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, campaignID)
	if err != nil {
		return 0, false, fmt.Errorf("complete campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return int(fixed), true, nil
}

// StuckCampaignIDs lists sending campaigns that hold queued sends created
// before cutoff.
func (r *SendRepo) StuckCampaignIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id FROM campaigns c
		WHERE c.status = 'sending' AND EXISTS (
			SELECT 1 FROM campaign_sends s
			WHERE s.campaign_id = c.id AND s.state = 'queued' AND s.created_at < $1
		)
		ORDER BY c.started_at NULLS FIRST, c.id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stuck campaigns: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}
