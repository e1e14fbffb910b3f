package campaign

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/pkg/logger"
)

// CreateInput is the payload for Create.
type CreateInput struct {
	Name          string               `json:"name" validate:"required,max=200"`
	Channel       domain.Channel       `json:"channel" validate:"required,channel"`
	AudienceRules domain.AudienceRules `json:"audience_rules"`
	TemplateID    *string              `json:"template_id" validate:"omitempty,uuid"`
	Subject       string               `json:"subject" validate:"max=500"`
	Body          string               `json:"body"`
	HTMLBody      string               `json:"html_body"`
	FromAddress   string               `json:"from_address" validate:"max=320"`
	ScheduleMode  domain.ScheduleMode  `json:"schedule_mode" validate:"schedule_mode"`
	ScheduledAt   *time.Time           `json:"scheduled_at"`
}

// Service implements campaign business logic. All methods are safe for
// concurrent use when the repositories are.
type Service struct {
	repo       Repository
	sends      SendReader
	estimator  Estimator
	dispatcher Dispatcher
	now        func() time.Time
}

// NewService creates a campaign service.
func NewService(repo Repository, sends SendReader, estimator Estimator) *Service {
	return &Service{repo: repo, sends: sends, estimator: estimator, now: time.Now}
}

// SetDispatcher wires the background dispatcher used by Send and Resume.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns matching the filter and the total match count.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.List(ctx, f)
}

// Create validates and persists a new draft campaign, then records its
// recipient estimate. A failed estimate is logged, not returned.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Campaign, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	if err := s.validateContent(ctx, in.Channel, in.TemplateID, in.Subject, in.Body); err != nil {
		return nil, err
	}
	if err := validateRules(in.Channel, in.AudienceRules); err != nil {
		return nil, err
	}
	mode := in.ScheduleMode
	if mode == "" {
		mode = domain.ScheduleImmediate
	}
	if mode == domain.ScheduleAt && (in.ScheduledAt == nil || !in.ScheduledAt.After(s.now())) {
		return nil, NewValidationError("scheduled_at", "must be in the future")
	}

	now := s.now().UTC()
	c := &domain.Campaign{
		ID:            uuid.New().String(),
		Name:          in.Name,
		Channel:       in.Channel,
		Status:        domain.CampaignDraft,
		AudienceRules: in.AudienceRules,
		TemplateID:    in.TemplateID,
		Subject:       in.Subject,
		Body:          in.Body,
		HTMLBody:      in.HTMLBody,
		FromAddress:   in.FromAddress,
		ScheduleMode:  mode,
		ScheduledAt:   in.ScheduledAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	s.refreshEstimate(ctx, c)
	logger.Info("campaign created", "campaign_id", c.ID, "channel", string(c.Channel), "estimated", c.EstimatedRecipients)
	return c, nil
}

// Update applies u to a draft or scheduled campaign. Changing the channel
// or the rules re-runs the estimate.
func (s *Service) Update(ctx context.Context, id string, u UpdateFields) (*domain.Campaign, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.CanEdit() {
		return nil, &StateConflictError{Op: "update", Current: c.Status}
	}

	channel := c.Channel
	if u.Channel != nil {
		channel = *u.Channel
		if !channel.Valid() {
			return nil, NewValidationError("channel", "must be email or sms")
		}
	}
	if u.Name != nil && *u.Name == "" {
		return nil, NewValidationError("name", "is required")
	}
	if u.ScheduleMode != nil {
		if m := *u.ScheduleMode; m != domain.ScheduleImmediate && m != domain.ScheduleAt {
			return nil, NewValidationError("schedule_mode", "must be immediate or scheduled")
		}
	}
	rules := c.AudienceRules
	if u.AudienceRules != nil {
		rules = *u.AudienceRules
	}
	rulesChanged := channel != c.Channel || !reflect.DeepEqual(rules, c.AudienceRules)
	if rulesChanged {
		if err := validateRules(channel, rules); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Update(ctx, id, u); err != nil {
		return nil, fmt.Errorf("update campaign: %w", err)
	}
	updated, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rulesChanged {
		s.refreshEstimate(ctx, updated)
	}
	return updated, nil
}

// Delete removes a campaign and its sends. A sending campaign must be
// paused first.
func (s *Service) Delete(ctx context.Context, id string) error {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == domain.CampaignSending {
		return &StateConflictError{Op: "delete", Current: c.Status}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	logger.Info("campaign deleted", "campaign_id", id)
	return nil
}

// Duplicate copies a campaign into a new draft with fresh statistics and
// immediate scheduling.
func (s *Service) Duplicate(ctx context.Context, id string) (*domain.Campaign, error) {
	src, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	dup := &domain.Campaign{
		ID:            uuid.New().String(),
		Name:          src.Name + " (Copy)",
		Channel:       src.Channel,
		Status:        domain.CampaignDraft,
		AudienceRules: src.AudienceRules,
		TemplateID:    src.TemplateID,
		Subject:       src.Subject,
		Body:          src.Body,
		HTMLBody:      src.HTMLBody,
		FromAddress:   src.FromAddress,
		ScheduleMode:  domain.ScheduleImmediate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, dup); err != nil {
		return nil, fmt.Errorf("duplicate campaign: %w", err)
	}
	s.refreshEstimate(ctx, dup)
	return dup, nil
}

// Schedule moves a draft to scheduled; at must be in the future.
func (s *Service) Schedule(ctx context.Context, id string, at time.Time) (*domain.Campaign, error) {
	if !at.After(s.now()) {
		return nil, NewValidationError("scheduled_at", "must be in the future")
	}
	ok, err := s.repo.Schedule(ctx, id, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("schedule campaign: %w", err)
	}
	if !ok {
		return nil, s.conflict(ctx, id, "schedule")
	}
	return s.repo.Get(ctx, id)
}

// Pause stops a sending campaign at the next batch boundary.
func (s *Service) Pause(ctx context.Context, id string) (*domain.Campaign, error) {
	ok, err := s.repo.TransitionStatus(ctx, id, []domain.CampaignStatus{domain.CampaignSending}, domain.CampaignPaused)
	if err != nil {
		return nil, fmt.Errorf("pause campaign: %w", err)
	}
	if !ok {
		return nil, s.conflict(ctx, id, "pause")
	}
	logger.Info("campaign paused", "campaign_id", id)
	return s.repo.Get(ctx, id)
}

// Send starts dispatch in the background.
func (s *Service) Send(ctx context.Context, id string) error {
	if s.dispatcher == nil {
		return ErrNoDispatcher
	}
	return s.dispatcher.SendAsync(ctx, id)
}

// Resume continues a paused campaign in the background.
func (s *Service) Resume(ctx context.Context, id string) error {
	if s.dispatcher == nil {
		return ErrNoDispatcher
	}
	return s.dispatcher.ResumeAsync(ctx, id)
}

// Stats aggregates counters across campaigns with zero-guarded rates.
func (s *Service) Stats(ctx context.Context) (*domain.CampaignStats, error) {
	st, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}
	st.ComputeRates()
	return st, nil
}

// Sends lists the sends of a campaign.
func (s *Service) Sends(ctx context.Context, id string, f SendFilter) ([]domain.Send, int, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	if f.State != "" && !domain.SendState(f.State).Valid() {
		return nil, 0, NewValidationError("state", "unknown send state")
	}
	return s.sends.ListByCampaign(ctx, id, f)
}

// Estimate counts an audience without persisting anything.
func (s *Service) Estimate(ctx context.Context, channel domain.Channel, rules domain.AudienceRules) (int, error) {
	if !channel.Valid() {
		return 0, NewValidationError("channel", "must be email or sms")
	}
	n, err := s.estimator.Estimate(ctx, channel, rules)
	return n, asValidation(err)
}

// Preview returns a count and a sample of an audience.
func (s *Service) Preview(ctx context.Context, channel domain.Channel, rules domain.AudienceRules, limit int) (*domain.AudiencePreview, error) {
	if !channel.Valid() {
		return nil, NewValidationError("channel", "must be email or sms")
	}
	p, err := s.estimator.Preview(ctx, channel, rules, limit)
	return p, asValidation(err)
}

func (s *Service) refreshEstimate(ctx context.Context, c *domain.Campaign) {
	n, err := s.estimator.Estimate(ctx, c.Channel, c.AudienceRules)
	if err != nil {
		logger.Warn("recipient estimate failed", "campaign_id", c.ID, "error", err)
		return
	}
	if err := s.repo.SetEstimate(ctx, c.ID, n); err != nil {
		logger.Warn("saving recipient estimate failed", "campaign_id", c.ID, "error", err)
		return
	}
	c.EstimatedRecipients = n
}

func (s *Service) validateContent(ctx context.Context, ch domain.Channel, templateID *string, subject, body string) error {
	if templateID != nil {
		if _, err := s.repo.GetTemplate(ctx, *templateID); err != nil {
			if errors.Is(err, ErrTemplateNotFound) {
				return NewValidationError("template_id", "template does not exist")
			}
			return err
		}
		return nil
	}
	if ch == domain.ChannelEmail && subject == "" {
		return NewValidationError("subject", "is required for email campaigns")
	}
	if body == "" {
		return NewValidationError("body", "is required")
	}
	return nil
}

// conflict loads the current status to build a StateConflictError.
func (s *Service) conflict(ctx context.Context, id, op string) error {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return &StateConflictError{Op: op, Current: c.Status}
}
