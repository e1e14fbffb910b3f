package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/pkg/httputil"
	"github.com/ignite/audience-dispatch/internal/service/delivery"
)

// deliveryWebhook is the provider-neutral callback body.
type deliveryWebhook struct {
	ExternalID   string `json:"externalId"`
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// twilioStatuses maps Twilio MessageStatus values to send states. Statuses
// not listed (queued, accepted, sending) carry no new information.
var twilioStatuses = map[string]domain.SendState{
	"sent":        domain.SendSent,
	"delivered":   domain.SendDelivered,
	"read":        domain.SendOpened,
	"undelivered": domain.SendFailed,
	"failed":      domain.SendFailed,
}

// DeliveryWebhook handles POST /webhooks/delivery
func (h *Handlers) DeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	var req deliveryWebhook
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ExternalID == "" {
		httputil.BadRequest(w, "externalId is required")
		return
	}
	cb := domain.DeliveryCallback{
		ExternalID:   req.ExternalID,
		Status:       domain.SendState(strings.ToLower(req.Status)),
		ErrorCode:    req.ErrorCode,
		ErrorMessage: req.ErrorMessage,
	}
	h.ingest(w, r, cb, false)
}

// TwilioStatusWebhook handles POST /webhooks/twilio, Twilio's status
// callback form. A sid with no send yet usually means the callback beat
// MarkSent, so it is answered with a retryable 503.
func (h *Handlers) TwilioStatusWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.BadRequest(w, "invalid form body")
		return
	}
	sid := r.PostForm.Get("MessageSid")
	if sid == "" {
		httputil.BadRequest(w, "MessageSid is required")
		return
	}
	state, ok := twilioStatuses[strings.ToLower(r.PostForm.Get("MessageStatus"))]
	if !ok {
		httputil.NoContent(w)
		return
	}
	cb := domain.DeliveryCallback{
		ExternalID:   sid,
		Status:       state,
		ErrorCode:    r.PostForm.Get("ErrorCode"),
		ErrorMessage: r.PostForm.Get("ErrorMessage"),
	}
	h.ingest(w, r, cb, true)
}

func (h *Handlers) ingest(w http.ResponseWriter, r *http.Request, cb domain.DeliveryCallback, retryNotFound bool) {
	if h.publisher != nil {
		if !cb.Status.Valid() || cb.Status == domain.SendQueued {
			respondError(w, delivery.ErrInvalidStatus)
			return
		}
		if err := h.publisher.Publish(r.Context(), cb); err != nil {
			respondSafeError(w, http.StatusServiceUnavailable, err, "callback queue unavailable")
			return
		}
		httputil.Accepted(w, map[string]bool{"queued": true})
		return
	}

	out, err := h.tracker.Apply(r.Context(), cb)
	if err != nil {
		if retryNotFound && errors.Is(err, delivery.ErrNotFound) {
			log.Printf("[Webhook] no send yet for external id %s, asking for retry", cb.ExternalID)
			w.Header().Set("Retry-After", "5")
			httputil.Error(w, http.StatusServiceUnavailable, "send not recorded yet")
			return
		}
		respondError(w, err)
		return
	}
	httputil.OK(w, out)
}
