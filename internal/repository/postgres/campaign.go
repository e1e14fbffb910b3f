package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/service/campaign"
	"github.com/lib/pq"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `
	id, name, channel, status, audience_rules, template_id,
	COALESCE(subject,''), COALESCE(body,''), COALESCE(html_body,''), COALESCE(from_address,''),
	schedule_mode, scheduled_at,
	estimated_recipients, total_sent, delivered, failed, opened, clicked,
	started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	var (
		c        domain.Campaign
		rules    []byte
		template sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.Channel, &c.Status, &rules, &template,
		&c.Subject, &c.Body, &c.HTMLBody, &c.FromAddress,
		&c.ScheduleMode, &c.ScheduledAt,
		&c.EstimatedRecipients, &c.TotalSent, &c.Delivered, &c.Failed, &c.Opened, &c.Clicked,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &c.AudienceRules); err != nil {
			return nil, fmt.Errorf("decode audience_rules for %s: %w", c.ID, err)
		}
	}
	if template.Valid {
		c.TemplateID = &template.String
	}
	return &c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var where []string
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Channel != "" {
		add("channel = $%d", f.Channel)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		add("name ILIKE $%d", "%"+s+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns` + clause +
		fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, q, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	rules, err := json.Marshal(c.AudienceRules)
	if err != nil {
		return fmt.Errorf("encode audience_rules: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, name, channel, status, audience_rules, template_id, subject, body,
			 html_body, from_address, schedule_mode, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`, c.ID, c.Name, c.Channel, c.Status, rules, c.TemplateID, c.Subject, c.Body,
		c.HTMLBody, c.FromAddress, c.ScheduleMode, c.ScheduledAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepo) Update(ctx context.Context, id string, u campaign.UpdateFields) error {
	sets := []string{}
	args := []interface{}{}
	add := func(col string, val interface{}) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.Channel != nil {
		add("channel", *u.Channel)
	}
	if u.AudienceRules != nil {
		rules, err := json.Marshal(u.AudienceRules)
		if err != nil {
			return fmt.Errorf("encode audience_rules: %w", err)
		}
		add("audience_rules", rules)
	}
	if u.TemplateID != nil {
		add("template_id", *u.TemplateID)
	}
	if u.Subject != nil {
		add("subject", *u.Subject)
	}
	if u.Body != nil {
		add("body", *u.Body)
	}
	if u.HTMLBody != nil {
		add("html_body", *u.HTMLBody)
	}
	if u.FromAddress != nil {
		add("from_address", *u.FromAddress)
	}
	if u.ScheduleMode != nil {
		add("schedule_mode", *u.ScheduleMode)
	}
	if u.ScheduledAt != nil {
		add("scheduled_at", *u.ScheduledAt)
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	q := fmt.Sprintf("UPDATE campaigns SET %s, updated_at = NOW() WHERE id = $%d AND status IN ('draft', 'scheduled')",
		strings.Join(sets, ", "), len(args))
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return r.editConflict(ctx, id)
	}
	return nil
}

// editConflict explains a guarded update that matched no row: the campaign
// is gone, or a dispatch claimed it after the caller's check.
func (r *CampaignRepo) editConflict(ctx context.Context, id string) error {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read campaign status: %w", err)
	}
	return &campaign.StateConflictError{Op: "update", Current: domain.CampaignStatus(status)}
}

// Delete removes the campaign's sends and then the campaign in one
// transaction.
func (r *CampaignRepo) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_sends WHERE campaign_id = $1`, id); err != nil {
		return fmt.Errorf("delete sends: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrNotFound
	}
	return tx.Commit()
}

// TransitionStatus is a compare-and-swap on status. Entering sending stamps
// started_at once; entering sent stamps completed_at.
func (r *CampaignRepo) TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET
			status = $1,
			started_at = CASE WHEN $1 = 'sending' THEN COALESCE(started_at, NOW()) ELSE started_at END,
			completed_at = CASE WHEN $1 = 'sent' THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, string(to), id, pq.Array(statusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("transition campaign %s to %s: %w", id, to, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *CampaignRepo) Schedule(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'scheduled', schedule_mode = 'scheduled',
			scheduled_at = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'draft'
	`, at, id)
	if err != nil {
		return false, fmt.Errorf("schedule campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *CampaignRepo) SetEstimate(ctx context.Context, id string, n int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET estimated_recipients = $1, updated_at = NOW() WHERE id = $2`, n, id)
	if err != nil {
		return fmt.Errorf("set estimate: %w", err)
	}
	return nil
}

func (r *CampaignRepo) Stats(ctx context.Context) (*domain.CampaignStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*),
		       COALESCE(SUM(total_sent),0), COALESCE(SUM(delivered),0), COALESCE(SUM(failed),0),
		       COALESCE(SUM(opened),0), COALESCE(SUM(clicked),0)
		FROM campaigns GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}
	defer rows.Close()

	st := &domain.CampaignStats{ByStatus: map[domain.CampaignStatus]int{}}
	for rows.Next() {
		var (
			status                                      domain.CampaignStatus
			count, sent, delivered, failed, open, click int
		)
		if err := rows.Scan(&status, &count, &sent, &delivered, &failed, &open, &click); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.ByStatus[status] = count
		st.Total += count
		st.TotalSent += sent
		st.Delivered += delivered
		st.Failed += failed
		st.Opened += open
		st.Clicked += click
	}
	return st, rows.Err()
}

func (r *CampaignRepo) GetTemplate(ctx context.Context, id string) (*domain.MessageTemplate, error) {
	t := &domain.MessageTemplate{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(subject,''), COALESCE(body,''), COALESCE(html_body,''), created_at
		FROM message_templates WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Subject, &t.Body, &t.HTMLBody, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// DueScheduled returns scheduled campaigns whose time has come, oldest first.
func (r *CampaignRepo) DueScheduled(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due scheduled campaigns: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func statusStrings(in []domain.CampaignStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
