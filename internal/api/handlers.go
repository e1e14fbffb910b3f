// Package api exposes the campaign, opt-out and delivery webhook HTTP
// surface.
package api

import (
	"context"
	"time"

	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/service/campaign"
	"github.com/ignite/audience-dispatch/internal/service/delivery"
	"github.com/ignite/audience-dispatch/internal/worker"
)

// CampaignService is the campaign lifecycle the handlers drive.
type CampaignService interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error)
	Create(ctx context.Context, in campaign.CreateInput) (*domain.Campaign, error)
	Update(ctx context.Context, id string, u campaign.UpdateFields) (*domain.Campaign, error)
	Delete(ctx context.Context, id string) error
	Duplicate(ctx context.Context, id string) (*domain.Campaign, error)
	Schedule(ctx context.Context, id string, at time.Time) (*domain.Campaign, error)
	Pause(ctx context.Context, id string) (*domain.Campaign, error)
	Send(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Stats(ctx context.Context) (*domain.CampaignStats, error)
	Sends(ctx context.Context, id string, f campaign.SendFilter) ([]domain.Send, int, error)
	Estimate(ctx context.Context, channel domain.Channel, rules domain.AudienceRules) (int, error)
	Preview(ctx context.Context, channel domain.Channel, rules domain.AudienceRules, limit int) (*domain.AudiencePreview, error)
}

// TestSender delivers a campaign to internal users only.
type TestSender interface {
	TestSend(ctx context.Context, id string, userIDs []string) ([]worker.TestSendResult, error)
}

// StuckFixer repairs one campaign.
type StuckFixer interface {
	FixStuck(ctx context.Context, id string, dryRun bool) (*domain.RepairReport, error)
}

// RepairLister reads the repair audit trail.
type RepairLister interface {
	ListRepairs(ctx context.Context, campaignID string) ([]domain.RepairReport, error)
}

// OptOutService handles unsubscribe links and manual phone opt-outs.
type OptOutService interface {
	Unsubscribe(ctx context.Context, token string) (string, error)
	OptOutPhones(ctx context.Context, phones []string) (int, error)
}

// CallbackApplier applies a delivery callback synchronously.
type CallbackApplier interface {
	Apply(ctx context.Context, cb domain.DeliveryCallback) (*delivery.Outcome, error)
}

// CallbackPublisher queues a delivery callback for the worker.
type CallbackPublisher interface {
	Publish(ctx context.Context, cb domain.DeliveryCallback) error
}

// Handlers holds the services behind the HTTP routes. Optional
// collaborators are attached with the Set methods.
type Handlers struct {
	campaigns  CampaignService
	optouts    OptOutService
	tracker    CallbackApplier
	testSender TestSender
	fixer      StuckFixer
	repairs    RepairLister
	publisher  CallbackPublisher
}

// NewHandlers creates a new Handlers instance
func NewHandlers(campaigns CampaignService, optouts OptOutService, tracker CallbackApplier) *Handlers {
	return &Handlers{
		campaigns: campaigns,
		optouts:   optouts,
		tracker:   tracker,
	}
}

// SetTestSender enables POST /campaigns/{id}/test-send.
func (h *Handlers) SetTestSender(t TestSender) {
	h.testSender = t
}

// SetStuckFixer enables POST /campaigns/{id}/fix-stuck.
func (h *Handlers) SetStuckFixer(f StuckFixer) {
	h.fixer = f
}

// SetRepairLister enables GET /campaigns/{id}/repairs.
func (h *Handlers) SetRepairLister(l RepairLister) {
	h.repairs = l
}

// SetCallbackPublisher routes webhooks through the callback queue instead
// of applying them inline.
func (h *Handlers) SetCallbackPublisher(p CallbackPublisher) {
	h.publisher = p
}
