package segmentation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/pkg/logger"
)

const (
	DefaultPreviewLimit = 10
	MaxPreviewLimit     = 100
)

// Resolver evaluates compiled audience predicates against PostgreSQL.
type Resolver struct {
	db *sql.DB
}

// NewResolver creates a Resolver over db.
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// Estimate counts the recipients rules select on channel.
func (r *Resolver) Estimate(ctx context.Context, channel domain.Channel, rules domain.AudienceRules) (int, error) {
	p, err := Compile(channel, rules)
	if err != nil {
		return 0, err
	}
	var count int
	if err := r.db.QueryRowContext(ctx, p.CountSQL(), p.Args()...).Scan(&count); err != nil {
		return 0, fmt.Errorf("estimate audience: %w", err)
	}
	logger.Debug("audience estimated", "channel", string(channel), "predicate", p.Fingerprint(), "count", count)
	return count, nil
}

// Preview returns the full count and the first limit matching rows.
// limit <= 0 uses DefaultPreviewLimit; it is capped at MaxPreviewLimit.
func (r *Resolver) Preview(ctx context.Context, channel domain.Channel, rules domain.AudienceRules, limit int) (*domain.AudiencePreview, error) {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	if limit > MaxPreviewLimit {
		limit = MaxPreviewLimit
	}
	p, err := Compile(channel, rules)
	if err != nil {
		return nil, err
	}

	preview := &domain.AudiencePreview{Rows: []domain.PreviewRow{}}
	if err := r.db.QueryRowContext(ctx, p.CountSQL(), p.Args()...).Scan(&preview.Count); err != nil {
		return nil, fmt.Errorf("preview count: %w", err)
	}

	query, args := p.LimitSQL(limit)
	recipients, err := r.query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("preview rows: %w", err)
	}
	for i := range recipients {
		rc := &recipients[i]
		preview.Rows = append(preview.Rows, domain.PreviewRow{
			ID:          rc.ID,
			Name:        rc.FullName(),
			Address:     rc.AddressFor(channel),
			Status:      rc.Status,
			Source:      rc.Source,
			AccountName: rc.AccountName,
		})
	}
	return preview, nil
}

// Resolve returns every matching recipient with its address and merge
// fields. There is no upper bound.
func (r *Resolver) Resolve(ctx context.Context, channel domain.Channel, rules domain.AudienceRules) ([]domain.ResolvedRecipient, error) {
	p, err := Compile(channel, rules)
	if err != nil {
		return nil, err
	}
	recipients, err := r.query(ctx, p.SelectSQL(), p.Args())
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	out := make([]domain.ResolvedRecipient, 0, len(recipients))
	for i := range recipients {
		rc := &recipients[i]
		out = append(out, domain.ResolvedRecipient{
			ID:          rc.ID,
			Address:     rc.AddressFor(channel),
			MergeFields: rc.MergeFields(),
		})
	}
	logger.Info("audience resolved", "channel", string(channel), "predicate", p.Fingerprint(), "count", len(out))
	return out, nil
}

func (r *Resolver) query(ctx context.Context, query string, args []interface{}) ([]domain.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var rc domain.Recipient
		var custom []byte
		if err := rows.Scan(&rc.ID, &rc.FirstName, &rc.LastName, &rc.Email, &rc.Phone,
			&rc.Status, &rc.Source, &rc.AccountName, &custom, &rc.CreatedAt); err != nil {
			return nil, err
		}
		if len(custom) > 0 {
			if err := json.Unmarshal(custom, &rc.CustomFields); err != nil {
				logger.Warn("skipping malformed custom_fields", "recipient_id", rc.ID, "error", err)
			}
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}
