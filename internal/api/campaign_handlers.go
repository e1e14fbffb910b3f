package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/pkg/httputil"
	"github.com/ignite/audience-dispatch/internal/service/campaign"
)

type updateCampaignRequest struct {
	Name          *string               `json:"name"`
	Channel       *domain.Channel       `json:"channel"`
	AudienceRules *domain.AudienceRules `json:"audience_rules"`
	TemplateID    *string               `json:"template_id"`
	Subject       *string               `json:"subject"`
	Body          *string               `json:"body"`
	HTMLBody      *string               `json:"html_body"`
	FromAddress   *string               `json:"from_address"`
	ScheduleMode  *domain.ScheduleMode  `json:"schedule_mode"`
	ScheduledAt   *time.Time            `json:"scheduled_at"`
}

type audienceRequest struct {
	Channel       domain.Channel       `json:"channel"`
	AudienceRules domain.AudienceRules `json:"audience_rules"`
	Limit         int                  `json:"limit"`
}

type scheduleRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type testSendRequest struct {
	UserIDs []string `json:"user_ids"`
}

type fixStuckRequest struct {
	DryRun bool `json:"dry_run"`
}

// ListCampaigns handles GET /campaigns
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	p := pageFromQuery(r)
	q := r.URL.Query()
	channel := q.Get("channel")
	if channel == "" {
		channel = q.Get("type")
	}
	items, total, err := h.campaigns.List(r.Context(), campaign.ListFilter{
		Channel: channel,
		Status:  q.Get("status"),
		Search:  q.Get("search"),
		Limit:   p.Limit,
		Offset:  p.Offset,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, newListPage(items, p, total))
}

// GetCampaignStats handles GET /campaigns/stats
func (h *Handlers) GetCampaignStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.campaigns.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, st)
}

// CreateCampaign handles POST /campaigns
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	c, err := h.campaigns.Create(r.Context(), in)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, c)
}

// GetCampaign handles GET /campaigns/{id}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, c)
}

// UpdateCampaign handles PUT /campaigns/{id}
func (h *Handlers) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req updateCampaignRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	c, err := h.campaigns.Update(r.Context(), chi.URLParam(r, "id"), campaign.UpdateFields{
		Name:          req.Name,
		Channel:       req.Channel,
		AudienceRules: req.AudienceRules,
		TemplateID:    req.TemplateID,
		Subject:       req.Subject,
		Body:          req.Body,
		HTMLBody:      req.HTMLBody,
		FromAddress:   req.FromAddress,
		ScheduleMode:  req.ScheduleMode,
		ScheduledAt:   req.ScheduledAt,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, c)
}

// DeleteCampaign handles DELETE /campaigns/{id}
func (h *Handlers) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.campaigns.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	httputil.NoContent(w)
}

// EstimateRecipients handles POST /campaigns/estimate-recipients. Nothing
// is persisted.
func (h *Handlers) EstimateRecipients(w http.ResponseWriter, r *http.Request) {
	var req audienceRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	n, err := h.campaigns.Estimate(r.Context(), req.Channel, req.AudienceRules)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"count": n})
}

// AudiencePreview handles POST /campaigns/audience-preview
func (h *Handlers) AudiencePreview(w http.ResponseWriter, r *http.Request) {
	var req audienceRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	p, err := h.campaigns.Preview(r.Context(), req.Channel, req.AudienceRules, req.Limit)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, p)
}

// SendCampaign handles POST /campaigns/{id}/send. Dispatch continues in
// the background after the 202.
func (h *Handlers) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.campaigns.Send(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	httputil.Accepted(w, map[string]string{"campaign_id": id, "status": string(domain.CampaignSending)})
}

// PauseCampaign handles POST /campaigns/{id}/pause
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, c)
}

// ResumeCampaign handles POST /campaigns/{id}/resume
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.campaigns.Resume(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	httputil.Accepted(w, map[string]string{"campaign_id": id, "status": string(domain.CampaignSending)})
}

// DuplicateCampaign handles POST /campaigns/{id}/duplicate
func (h *Handlers) DuplicateCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Duplicate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, c)
}

// ScheduleCampaign handles POST /campaigns/{id}/schedule
func (h *Handlers) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ScheduledAt == nil {
		respondError(w, campaign.NewValidationError("scheduled_at", "is required"))
		return
	}
	c, err := h.campaigns.Schedule(r.Context(), chi.URLParam(r, "id"), *req.ScheduledAt)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, c)
}

// TestSendCampaign handles POST /campaigns/{id}/test-send
func (h *Handlers) TestSendCampaign(w http.ResponseWriter, r *http.Request) {
	if h.testSender == nil {
		respondError(w, campaign.ErrNoDispatcher)
		return
	}
	var req testSendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	results, err := h.testSender.TestSend(r.Context(), chi.URLParam(r, "id"), req.UserIDs)
	if err != nil {
		respondError(w, err)
		return
	}
	sent := 0
	for _, res := range results {
		if res.Success {
			sent++
		}
	}
	httputil.OK(w, map[string]interface{}{"results": results, "sent": sent})
}

// ListSends handles GET /campaigns/{id}/sends
func (h *Handlers) ListSends(w http.ResponseWriter, r *http.Request) {
	p := pageFromQuery(r)
	sends, total, err := h.campaigns.Sends(r.Context(), chi.URLParam(r, "id"), campaign.SendFilter{
		State:  r.URL.Query().Get("state"),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, newListPage(sends, p, total))
}

// FixStuckCampaign handles POST /campaigns/{id}/fix-stuck. An empty body
// is a real run.
func (h *Handlers) FixStuckCampaign(w http.ResponseWriter, r *http.Request) {
	if h.fixer == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "reconciler is not configured")
		return
	}
	var req fixStuckRequest
	if r.ContentLength != 0 && !httputil.Decode(w, r, &req) {
		return
	}
	rep, err := h.fixer.FixStuck(r.Context(), chi.URLParam(r, "id"), req.DryRun)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, rep)
}

// ListRepairs handles GET /campaigns/{id}/repairs
func (h *Handlers) ListRepairs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.campaigns.Get(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	reports := []domain.RepairReport{}
	if h.repairs != nil {
		var err error
		if reports, err = h.repairs.ListRepairs(r.Context(), id); err != nil {
			respondError(w, err)
			return
		}
	}
	httputil.OK(w, map[string]interface{}{"campaign_id": id, "repairs": reports})
}
