package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ignite/audience-dispatch/internal/config"
	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/service/campaign"
	"github.com/ignite/audience-dispatch/internal/service/delivery"
	"github.com/ignite/audience-dispatch/internal/service/suppression"
	"github.com/ignite/audience-dispatch/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCampaigns is a scriptable CampaignService.
type fakeCampaigns struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	err       error // returned by every call when set
	lastList  campaign.ListFilter
	lastSends campaign.SendFilter
	lastRules domain.AudienceRules
	listTotal int
	sendErr   error
	sent      []string
}

func newFakeCampaigns() *fakeCampaigns {
	return &fakeCampaigns{campaigns: map[string]*domain.Campaign{
		"c1": {ID: "c1", Name: "Spring", Channel: domain.ChannelEmail, Status: domain.CampaignDraft},
	}}
}

func (f *fakeCampaigns) get(id string) (*domain.Campaign, error) {
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCampaigns) Get(_ context.Context, id string) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get(id)
}

func (f *fakeCampaigns) List(_ context.Context, lf campaign.ListFilter) ([]domain.Campaign, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastList = lf
	if f.err != nil {
		return nil, 0, f.err
	}
	var out []domain.Campaign
	for _, c := range f.campaigns {
		out = append(out, *c)
	}
	total := f.listTotal
	if total == 0 {
		total = len(out)
	}
	return out, total, nil
}

func (f *fakeCampaigns) Create(_ context.Context, in campaign.CreateInput) (*domain.Campaign, error) {
	if err := campaign.Validate(in); err != nil {
		return nil, err
	}
	return &domain.Campaign{ID: "new", Name: in.Name, Channel: in.Channel, Status: domain.CampaignDraft}, nil
}

func (f *fakeCampaigns) Update(_ context.Context, id string, u campaign.UpdateFields) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		c.Name = *u.Name
	}
	return c, nil
}

func (f *fakeCampaigns) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.get(id)
	return err
}

func (f *fakeCampaigns) Duplicate(_ context.Context, id string) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	c.ID, c.Name = "copy", c.Name+" (Copy)"
	return c, nil
}

func (f *fakeCampaigns) Schedule(_ context.Context, id string, at time.Time) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	c.Status, c.ScheduledAt = domain.CampaignScheduled, &at
	return c, nil
}

func (f *fakeCampaigns) Pause(_ context.Context, id string) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignSending {
		return nil, &campaign.StateConflictError{Op: "pause", Current: c.Status}
	}
	c.Status = domain.CampaignPaused
	return c, nil
}

func (f *fakeCampaigns) Send(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return err
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeCampaigns) Resume(ctx context.Context, id string) error { return f.Send(ctx, id) }

func (f *fakeCampaigns) Stats(context.Context) (*domain.CampaignStats, error) {
	st := &domain.CampaignStats{
		Total:     2,
		ByStatus:  map[domain.CampaignStatus]int{domain.CampaignSent: 1, domain.CampaignDraft: 1},
		Delivered: 100, Opened: 25, Clicked: 5,
	}
	st.ComputeRates()
	return st, nil
}

func (f *fakeCampaigns) Sends(_ context.Context, id string, sf campaign.SendFilter) ([]domain.Send, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSends = sf
	if _, err := f.get(id); err != nil {
		return nil, 0, err
	}
	return []domain.Send{{ID: "s1", CampaignID: id, State: domain.SendDelivered}}, 1, nil
}

func (f *fakeCampaigns) Estimate(_ context.Context, ch domain.Channel, rules domain.AudienceRules) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRules = rules
	if !ch.Valid() {
		return 0, campaign.NewValidationError("channel", "must be email or sms")
	}
	return 42, nil
}

func (f *fakeCampaigns) Preview(_ context.Context, ch domain.Channel, _ domain.AudienceRules, limit int) (*domain.AudiencePreview, error) {
	return &domain.AudiencePreview{Count: 42, Rows: []domain.PreviewRow{}}, nil
}

type fakeOptOuts struct {
	err    error
	phones []string
}

func (f *fakeOptOuts) Unsubscribe(_ context.Context, token string) (string, error) {
	if token == "bad" {
		return "", suppression.ErrInvalidToken
	}
	if f.err != nil {
		return "", f.err
	}
	return suppression.UnsubscribedMessage, nil
}

func (f *fakeOptOuts) OptOutPhones(_ context.Context, phones []string) (int, error) {
	if len(phones) == 0 {
		return 0, suppression.ErrNoPhones
	}
	f.phones = phones
	return len(phones), nil
}

type fakeTracker struct {
	applied []domain.DeliveryCallback
}

func (f *fakeTracker) Apply(_ context.Context, cb domain.DeliveryCallback) (*delivery.Outcome, error) {
	if cb.ExternalID == "missing" {
		return nil, delivery.ErrNotFound
	}
	if !cb.Status.Valid() || cb.Status == domain.SendQueued {
		return nil, delivery.ErrInvalidStatus
	}
	f.applied = append(f.applied, cb)
	return &delivery.Outcome{SendID: "s1", CampaignID: "c1", Applied: true, Previous: domain.SendSent, Current: cb.Status}, nil
}

type fakePublisher struct {
	published []domain.DeliveryCallback
}

func (f *fakePublisher) Publish(_ context.Context, cb domain.DeliveryCallback) error {
	f.published = append(f.published, cb)
	return nil
}

type fakeTestSender struct{}

func (fakeTestSender) TestSend(_ context.Context, id string, userIDs []string) ([]worker.TestSendResult, error) {
	if len(userIDs) == 0 {
		return nil, campaign.NewValidationError("user_ids", "between 1 and 10 users are required")
	}
	out := make([]worker.TestSendResult, len(userIDs))
	for i, u := range userIDs {
		out[i] = worker.TestSendResult{UserID: u, Success: u != "u-bad"}
	}
	return out, nil
}

type fakeFixer struct{ dryRun *bool }

func (f *fakeFixer) FixStuck(_ context.Context, id string, dryRun bool) (*domain.RepairReport, error) {
	f.dryRun = &dryRun
	return &domain.RepairReport{CampaignID: id, Stuck: true, DryRun: dryRun, StaleSends: 3}, nil
}

type fakeRepairs struct{}

func (fakeRepairs) ListRepairs(_ context.Context, id string) ([]domain.RepairReport, error) {
	return []domain.RepairReport{{CampaignID: id, Stuck: true, Reclassified: 3}}, nil
}

type testEnv struct {
	campaigns *fakeCampaigns
	optouts   *fakeOptOuts
	tracker   *fakeTracker
	handlers  *Handlers
	router    http.Handler
}

func setupTestHandlers(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		campaigns: newFakeCampaigns(),
		optouts:   &fakeOptOuts{},
		tracker:   &fakeTracker{},
	}
	env.handlers = NewHandlers(env.campaigns, env.optouts, env.tracker)
	env.router = SetupRoutes(env.handlers, nil, config.CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestListCampaignsPaginates(t *testing.T) {
	env := setupTestHandlers(t)
	env.campaigns.listTotal = 45

	rec := env.do(t, http.MethodGet, "/campaigns?channel=email&status=draft&search=spr&page=2&limit=20", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, campaign.ListFilter{Channel: "email", Status: "draft", Search: "spr", Limit: 20, Offset: 20}, env.campaigns.lastList)
	body := decodeBody(t, rec)
	pg := body["pagination"].(map[string]interface{})
	assert.EqualValues(t, 45, pg["total"])
	assert.EqualValues(t, 3, pg["total_pages"])
	assert.Equal(t, true, pg["has_more"])
}

func TestListCampaignsCapsLimit(t *testing.T) {
	env := setupTestHandlers(t)
	env.do(t, http.MethodGet, "/campaigns?limit=5000", nil)
	assert.Equal(t, maxPageLimit, env.campaigns.lastList.Limit)
}

func TestListCampaignsAcceptsTypeFilter(t *testing.T) {
	env := setupTestHandlers(t)
	env.do(t, http.MethodGet, "/campaigns?type=sms", nil)
	assert.Equal(t, "sms", env.campaigns.lastList.Channel)
}

func TestCreateCampaign(t *testing.T) {
	env := setupTestHandlers(t)

	rec := env.do(t, http.MethodPost, "/campaigns", map[string]interface{}{
		"name": "Launch", "channel": "sms", "body": "hi",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Launch", decodeBody(t, rec)["name"])

	rec = env.do(t, http.MethodPost, "/campaigns", map[string]interface{}{"channel": "fax"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "validation_error", body["code"])
	assert.NotEmpty(t, body["details"])

	rec = env.do(t, http.MethodPost, "/campaigns", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCampaignNotFound(t *testing.T) {
	env := setupTestHandlers(t)
	rec := env.do(t, http.MethodGet, "/campaigns/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/campaigns/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Spring", decodeBody(t, rec)["name"])
}

func TestUpdateAndDeleteCampaign(t *testing.T) {
	env := setupTestHandlers(t)

	rec := env.do(t, http.MethodPut, "/campaigns/c1", map[string]string{"name": "Summer"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Summer", decodeBody(t, rec)["name"])

	rec = env.do(t, http.MethodDelete, "/campaigns/c1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSendCampaign(t *testing.T) {
	env := setupTestHandlers(t)

	rec := env.do(t, http.MethodPost, "/campaigns/c1/send", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"c1"}, env.campaigns.sent)

	env.campaigns.sendErr = &campaign.StateConflictError{Op: "send", Current: domain.CampaignSent}
	rec = env.do(t, http.MethodPost, "/campaigns/c1/send", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body["error"], `"sent"`)
	assert.Equal(t, "sent", body["details"].(map[string]interface{})["current_status"])

	env.campaigns.sendErr = worker.ErrLeaseHeld
	rec = env.do(t, http.MethodPost, "/campaigns/c1/send", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.campaigns.sendErr = campaign.ErrNoDispatcher
	rec = env.do(t, http.MethodPost, "/campaigns/c1/resume", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPauseConflictNamesCurrentStatus(t *testing.T) {
	env := setupTestHandlers(t)
	rec := env.do(t, http.MethodPost, "/campaigns/c1/pause", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "draft")

	env.campaigns.campaigns["c1"].Status = domain.CampaignSending
	rec = env.do(t, http.MethodPost, "/campaigns/c1/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paused", decodeBody(t, rec)["status"])
}

func TestDuplicateAndSchedule(t *testing.T) {
	env := setupTestHandlers(t)

	rec := env.do(t, http.MethodPost, "/campaigns/c1/duplicate", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Spring (Copy)", decodeBody(t, rec)["name"])

	rec = env.do(t, http.MethodPost, "/campaigns/c1/schedule", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	rec = env.do(t, http.MethodPost, "/campaigns/c1/schedule", map[string]time.Time{"scheduled_at": at})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "scheduled", decodeBody(t, rec)["status"])
}

func TestEstimateAndPreview(t *testing.T) {
	env := setupTestHandlers(t)

	rec := env.do(t, http.MethodPost, "/campaigns/estimate-recipients", map[string]interface{}{
		"channel":        "email",
		"audience_rules": map[string]interface{}{"statuses": []string{"lead"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 42, decodeBody(t, rec)["count"])
	assert.Equal(t, []string{"lead"}, env.campaigns.lastRules.Statuses)

	rec = env.do(t, http.MethodPost, "/campaigns/estimate-recipients", map[string]string{"channel": "fax"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/campaigns/audience-preview", map[string]interface{}{"channel": "sms", "limit": 5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 42, decodeBody(t, rec)["count"])
}

func TestStats(t *testing.T) {
	env := setupTestHandlers(t)
	rec := env.do(t, http.MethodGet, "/campaigns/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.InDelta(t, 0.25, body["avg_open_rate"], 1e-9)
	assert.InDelta(t, 0.2, body["avg_click_rate"], 1e-9)
}

func TestListSends(t *testing.T) {
	env := setupTestHandlers(t)
	rec := env.do(t, http.MethodGet, "/campaigns/c1/sends?state=delivered&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, campaign.SendFilter{State: "delivered", Limit: 10}, env.campaigns.lastSends)
	assert.Len(t, decodeBody(t, rec)["data"], 1)
}

func TestTestSend(t *testing.T) {
	env := setupTestHandlers(t)

	rec := env.do(t, http.MethodPost, "/campaigns/c1/test-send", map[string][]string{"user_ids": {"u1"}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.handlers.SetTestSender(fakeTestSender{})
	rec = env.do(t, http.MethodPost, "/campaigns/c1/test-send", map[string][]string{"user_ids": {"u1", "u-bad"}})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["sent"])
	assert.Len(t, body["results"], 2)

	rec = env.do(t, http.MethodPost, "/campaigns/c1/test-send", map[string][]string{"user_ids": {}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFixStuckAndRepairs(t *testing.T) {
	env := setupTestHandlers(t)
	rec := env.do(t, http.MethodPost, "/campaigns/c1/fix-stuck", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	fixer := &fakeFixer{}
	env.handlers.SetStuckFixer(fixer)
	rec = env.do(t, http.MethodPost, "/campaigns/c1/fix-stuck", map[string]bool{"dry_run": true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, fixer.dryRun)
	assert.True(t, *fixer.dryRun)
	assert.Equal(t, true, decodeBody(t, rec)["dry_run"])

	rec = env.do(t, http.MethodPost, "/campaigns/c1/fix-stuck", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, *fixer.dryRun)

	rec = env.do(t, http.MethodGet, "/campaigns/c1/repairs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["repairs"], 0)

	env.handlers.SetRepairLister(fakeRepairs{})
	rec = env.do(t, http.MethodGet, "/campaigns/c1/repairs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["repairs"], 1)

	rec = env.do(t, http.MethodGet, "/campaigns/nope/repairs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalErrorsAreSanitized(t *testing.T) {
	env := setupTestHandlers(t)
	env.campaigns.err = errors.New(`pq: relation "campaigns" does not exist`)

	rec := env.do(t, http.MethodGet, "/campaigns", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "A database error occurred", body["error"])
	assert.NotContains(t, rec.Body.String(), "relation")
}

func TestUnsubscribe(t *testing.T) {
	env := setupTestHandlers(t)

	rec := env.do(t, http.MethodGet, "/campaigns/unsubscribe/good", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "You have been unsubscribed")

	rec = env.do(t, http.MethodGet, "/campaigns/unsubscribe/bad", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid link")

	env.optouts.err = errors.New("db down")
	rec = env.do(t, http.MethodGet, "/campaigns/unsubscribe/good", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestOptOutPhones(t *testing.T) {
	env := setupTestHandlers(t)

	rec := env.do(t, http.MethodPost, "/campaigns/opt-out", map[string][]string{"phones": {"+15551234567", "+15557654321"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeBody(t, rec)["updated"])

	rec = env.do(t, http.MethodPost, "/campaigns/opt-out", map[string][]string{"phones": {}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeliveryWebhookInline(t *testing.T) {
	env := setupTestHandlers(t)

	rec := env.do(t, http.MethodPost, "/webhooks/delivery", map[string]string{
		"externalId": "pm-1", "status": "DELIVERED",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.tracker.applied, 1)
	assert.Equal(t, domain.SendDelivered, env.tracker.applied[0].Status)

	rec = env.do(t, http.MethodPost, "/webhooks/delivery", map[string]string{"externalId": "missing", "status": "delivered"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/webhooks/delivery", map[string]string{"externalId": "pm-1", "status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/webhooks/delivery", map[string]string{"status": "delivered"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeliveryWebhookQueued(t *testing.T) {
	env := setupTestHandlers(t)
	pub := &fakePublisher{}
	env.handlers.SetCallbackPublisher(pub)

	rec := env.do(t, http.MethodPost, "/webhooks/delivery", map[string]string{
		"externalId": "pm-1", "status": "failed", "errorCode": "550", "errorMessage": "mailbox full",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.published, 1)
	assert.Equal(t, "550", pub.published[0].ErrorCode)
	assert.Empty(t, env.tracker.applied)

	rec = env.do(t, http.MethodPost, "/webhooks/delivery", map[string]string{"externalId": "pm-1", "status": "queued"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTwilioStatusWebhook(t *testing.T) {
	env := setupTestHandlers(t)
	post := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	rec := post(url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.tracker.applied, 1)
	assert.Equal(t, "SM1", env.tracker.applied[0].ExternalID)

	rec = post(url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"undelivered"}, "ErrorCode": {"30003"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SendFailed, env.tracker.applied[1].Status)
	assert.Equal(t, "30003", env.tracker.applied[1].ErrorCode)

	rec = post(url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"sending"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, env.tracker.applied, 2)

	rec = post(url.Values{"MessageSid": {"missing"}, "MessageStatus": {"delivered"}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	rec = post(url.Values{"MessageStatus": {"delivered"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestHandlers(t)
	env.do(t, http.MethodGet, "/campaigns/c1", nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `dispatch_http_requests_total{method="GET",route="/campaigns/{id}`)
}
