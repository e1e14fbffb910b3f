// Package delivery applies asynchronous provider callbacks to Sends.
//
// A Send's state only moves forward (queued, sent, delivered, opened,
// clicked), with failed reachable from queued or sent. Every applied change
// recomputes the owning campaign's counters from its full Send set.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/pkg/logger"
)

var (
	// ErrNotFound means no Send carries the callback's external id.
	ErrNotFound = errors.New("send not found")
	// ErrInvalidStatus means the callback status is not one a provider may report.
	ErrInvalidStatus = errors.New("invalid delivery status")
	// ErrConflict is returned when the Send kept changing under every retry.
	ErrConflict = errors.New("send changed concurrently")
)

const maxCASAttempts = 3

// Repository is the Send storage the tracker needs.
type Repository interface {
	GetByExternalID(ctx context.Context, externalID string) (*domain.Send, error)
	// UpdateState persists s if its stored state is still prev.
	UpdateState(ctx context.Context, s *domain.Send, prev domain.SendState) (bool, error)
	RecomputeCounters(ctx context.Context, campaignID string) error
}

// Outcome describes what Apply did.
type Outcome struct {
	SendID     string           `json:"send_id"`
	CampaignID string           `json:"campaign_id"`
	Applied    bool             `json:"applied"`
	Previous   domain.SendState `json:"previous"`
	Current    domain.SendState `json:"current"`
}

// Tracker applies delivery callbacks.
type Tracker struct {
	repo Repository
	now  func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(repo Repository) *Tracker {
	return &Tracker{repo: repo, now: time.Now}
}

// Apply moves the Send named by cb.ExternalID to cb.Status when that is
// forward progress. A stale or repeated callback is a no-op.
func (t *Tracker) Apply(ctx context.Context, cb domain.DeliveryCallback) (*Outcome, error) {
	if cb.ExternalID == "" {
		return nil, fmt.Errorf("%w: external id is required", ErrInvalidStatus)
	}
	if cb.Status == domain.SendQueued || !cb.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, cb.Status)
	}
	at := cb.OccurredAt
	if at.IsZero() {
		at = t.now()
	}
	at = at.UTC()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		s, err := t.repo.GetByExternalID(ctx, cb.ExternalID)
		if err != nil {
			return nil, err
		}
		out := &Outcome{SendID: s.ID, CampaignID: s.CampaignID, Previous: s.State, Current: s.State}

		next, ok := domain.AdvanceSendState(s.State, cb.Status)
		if !ok {
			return out, nil
		}
		prev := s.State
		s.State = next
		s.Stamp(next, at)
		if next == domain.SendFailed {
			s.ErrorCode = cb.ErrorCode
			s.ErrorMessage = cb.ErrorMessage
		}
		s.UpdatedAt = t.now().UTC()

		swapped, err := t.repo.UpdateState(ctx, s, prev)
		if err != nil {
			return nil, fmt.Errorf("update send %s: %w", s.ID, err)
		}
		if !swapped {
			logger.Debug("send changed during callback, retrying", "send_id", s.ID, "attempt", attempt+1)
			continue
		}

		if err := t.repo.RecomputeCounters(ctx, s.CampaignID); err != nil {
			return nil, fmt.Errorf("recompute counters for %s: %w", s.CampaignID, err)
		}
		out.Applied = true
		out.Current = next
		return out, nil
	}
	return nil, ErrConflict
}

// ApplyFunc adapts Apply for the callback queue consumer. An invalid status
// can never apply and is dropped. ErrNotFound is returned so the message is
// redelivered: the callback may have arrived before MarkSent stored the
// external id. The queue's redrive policy bounds the retries.
func (t *Tracker) ApplyFunc() func(context.Context, domain.DeliveryCallback) error {
	return func(ctx context.Context, cb domain.DeliveryCallback) error {
		_, err := t.Apply(ctx, cb)
		if errors.Is(err, ErrInvalidStatus) {
			logger.Warn("dropping delivery callback", "external_id", cb.ExternalID, "status", string(cb.Status), "error", err)
			return nil
		}
		return err
	}
}
