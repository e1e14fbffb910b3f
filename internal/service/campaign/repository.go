package campaign

import (
	"context"
	"time"

	"github.com/ignite/audience-dispatch/internal/domain"
)

// ListFilter narrows a campaign listing.
type ListFilter struct {
	Channel string
	Status  string
	Search  string
	Limit   int
	Offset  int
}

// SendFilter narrows a send listing.
type SendFilter struct {
	State  string
	Limit  int
	Offset int
}

// UpdateFields carries optional updates; nil fields are left unchanged.
type UpdateFields struct {
	Name          *string
	Channel       *domain.Channel
	AudienceRules *domain.AudienceRules
	TemplateID    *string
	Subject       *string
	Body          *string
	HTMLBody      *string
	FromAddress   *string
	ScheduleMode  *domain.ScheduleMode
	ScheduledAt   *time.Time
}

// Repository persists campaigns.
type Repository interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error)
	Create(ctx context.Context, c *domain.Campaign) error
	Update(ctx context.Context, id string, u UpdateFields) error
	// Delete removes the campaign and its sends in one transaction.
	Delete(ctx context.Context, id string) error
	// TransitionStatus moves id from any of from to to, atomically. It
	// returns false when the campaign was not in one of from.
	TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error)
	// Schedule moves a draft to scheduled at the given time.
	Schedule(ctx context.Context, id string, at time.Time) (bool, error)
	SetEstimate(ctx context.Context, id string, n int) error
	Stats(ctx context.Context) (*domain.CampaignStats, error)
	GetTemplate(ctx context.Context, id string) (*domain.MessageTemplate, error)
}

// SendReader lists the sends of a campaign.
type SendReader interface {
	ListByCampaign(ctx context.Context, campaignID string, f SendFilter) ([]domain.Send, int, error)
}

// Estimator counts and previews audiences.
type Estimator interface {
	Estimate(ctx context.Context, channel domain.Channel, rules domain.AudienceRules) (int, error)
	Preview(ctx context.Context, channel domain.Channel, rules domain.AudienceRules, limit int) (*domain.AudiencePreview, error)
}

// Dispatcher starts and resumes dispatch runs in the background.
type Dispatcher interface {
	SendAsync(ctx context.Context, id string) error
	ResumeAsync(ctx context.Context, id string) error
}
