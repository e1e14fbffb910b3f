package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/mailing"
	"github.com/ignite/audience-dispatch/internal/pkg/distlock"
	"github.com/ignite/audience-dispatch/internal/service/campaign"
	"github.com/ignite/audience-dispatch/internal/service/sending"
	"github.com/ignite/audience-dispatch/internal/tracking"
	"github.com/redis/go-redis/v9"
)

// memDB is an in-memory stand-in for the campaign, send and user tables.
type memDB struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	templates map[string]*domain.MessageTemplate
	sends     map[string]*domain.Send
	users     map[string]domain.InternalUser
	// failCreate makes CreateQueued fail for these recipient ids.
	failCreate map[string]bool
}

func newMemDB() *memDB {
	return &memDB{
		campaigns:  map[string]*domain.Campaign{},
		templates:  map[string]*domain.MessageTemplate{},
		sends:      map[string]*domain.Send{},
		users:      map[string]domain.InternalUser{},
		failCreate: map[string]bool{},
	}
}

func (m *memDB) put(c domain.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = &c
}

func (m *memDB) status(id string) domain.CampaignStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.campaigns[id].Status
}

func (m *memDB) setStatus(id string, s domain.CampaignStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[id].Status = s
}

func (m *memDB) Get(_ context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memDB) TransitionStatus(_ context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, campaign.ErrNotFound
	}
	if !statusIn(c.Status, from) {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (m *memDB) GetTemplate(_ context.Context, id string) (*domain.MessageTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, campaign.ErrTemplateNotFound
	}
	return t, nil
}

func (m *memDB) DueScheduled(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, c := range m.campaigns {
		if c.Status == domain.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memDB) CreateQueued(_ context.Context, s *domain.Send) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate[s.RecipientID] {
		return fmt.Errorf("insert failed")
	}
	s.ID = uuid.New().String()
	s.State = domain.SendQueued
	s.CreatedAt = time.Now()
	cp := *s
	m.sends[s.ID] = &cp
	return nil
}

func (m *memDB) MarkSent(_ context.Context, id, externalID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sends[id]
	s.State = domain.SendSent
	s.ExternalID = &externalID
	s.SentAt = &at
	return nil
}

func (m *memDB) MarkFailed(_ context.Context, id, code, message string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sends[id]
	s.State = domain.SendFailed
	s.ErrorCode, s.ErrorMessage = code, message
	s.FailedAt = &at
	return nil
}

func (m *memDB) AttemptedRecipientIDs(_ context.Context, campaignID string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for _, s := range m.sends {
		if s.CampaignID == campaignID {
			out[s.RecipientID] = true
		}
	}
	return out, nil
}

func (m *memDB) RecomputeCounters(_ context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recomputeLocked(campaignID)
	return nil
}

func (m *memDB) recomputeLocked(campaignID string) {
	var all []domain.Send
	for _, s := range m.sends {
		if s.CampaignID == campaignID {
			all = append(all, *s)
		}
	}
	c := m.campaigns[campaignID]
	est := c.EstimatedRecipients
	c.CampaignCounters = domain.CountersFromSends(all)
	c.EstimatedRecipients = est
}

func (m *memDB) CountStaleQueued(_ context.Context, campaignID string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sends {
		if s.CampaignID == campaignID && s.State == domain.SendQueued && s.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (m *memDB) CompleteStuck(_ context.Context, campaignID string, cutoff time.Time) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[campaignID]
	if c.Status != domain.CampaignSending {
		return 0, false, nil
	}
	n := 0
	for _, s := range m.sends {
		if s.CampaignID == campaignID && s.State == domain.SendQueued && s.CreatedAt.Before(cutoff) {
			s.State = domain.SendSent
			at := s.CreatedAt
			s.SentAt = &at
			n++
		}
	}
	m.recomputeLocked(campaignID)
	c.Status = domain.CampaignSent
	return n, true, nil
}

func (m *memDB) StuckCampaignIDs(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var ids []string
	for _, s := range m.sends {
		c := m.campaigns[s.CampaignID]
		if c.Status == domain.CampaignSending && s.State == domain.SendQueued && s.CreatedAt.Before(cutoff) && !seen[c.ID] {
			seen[c.ID] = true
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memDB) ListInternalUsers(_ context.Context, ids []string) ([]domain.InternalUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.InternalUser
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memDB) sendsFor(campaignID string) []domain.Send {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Send
	for _, s := range m.sends {
		if s.CampaignID == campaignID {
			out = append(out, *s)
		}
	}
	return out
}

// staticAudience resolves to a fixed recipient list.
type staticAudience []domain.ResolvedRecipient

func (a staticAudience) Resolve(_ context.Context, _ domain.Channel, _ domain.AudienceRules) ([]domain.ResolvedRecipient, error) {
	out := make([]domain.ResolvedRecipient, len(a))
	copy(out, a)
	return out, nil
}

func audience(n int) staticAudience {
	out := make(staticAudience, n)
	for i := range out {
		id := fmt.Sprintf("r%03d", i+1)
		out[i] = domain.ResolvedRecipient{
			ID:          id,
			Address:     id + "@example.com",
			MergeFields: map[string]string{"first_name": "Name" + id},
		}
	}
	return out
}

// fakeProvider records messages and fails for addresses in fail.
type fakeProvider struct {
	mu      sync.Mutex
	channel domain.Channel
	fail    map[string]bool
	sent    []sending.Message
	onSend  func(n int)
}

func (p *fakeProvider) Channel() domain.Channel { return p.channel }

func (p *fakeProvider) Send(_ context.Context, msg *sending.Message) (*sending.Result, error) {
	p.mu.Lock()
	p.sent = append(p.sent, *msg)
	n := len(p.sent)
	hook := p.onSend
	p.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if p.fail[msg.To] {
		return nil, &sending.ProviderError{Code: "rejected", Message: "mailbox unavailable"}
	}
	return &sending.Result{ProviderID: "pm-" + msg.RecipientID, SentAt: time.Now()}, nil
}

func (p *fakeProvider) messages() []sending.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sending.Message(nil), p.sent...)
}

func newLockFactory(t *testing.T) (distlock.Factory, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return distlock.NewFactory(client, nil, time.Minute), client
}

func testPersonalizer() *mailing.Personalizer {
	return mailing.NewPersonalizer(nil, tracking.NewTokenService("test-key", 0), "https://dispatch.example.com")
}
