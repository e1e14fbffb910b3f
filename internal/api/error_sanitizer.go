package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/pkg/httputil"
	"github.com/ignite/audience-dispatch/internal/service/campaign"
	"github.com/ignite/audience-dispatch/internal/service/delivery"
	"github.com/ignite/audience-dispatch/internal/service/sending"
	"github.com/ignite/audience-dispatch/internal/service/suppression"
	"github.com/ignite/audience-dispatch/internal/worker"
)

// respondError maps service errors onto HTTP responses. Anything not
// recognized is a 500 whose body never carries the internal error.
func respondError(w http.ResponseWriter, err error) {
	var ve *campaign.ValidationError
	var sc *campaign.StateConflictError
	switch {
	case errors.As(err, &ve):
		httputil.ValidationFailed(w, "validation failed", ve.Errors)
	case errors.As(err, &sc):
		httputil.Conflict(w, sc.Error(), string(sc.Current))
	case errors.Is(err, worker.ErrLeaseHeld):
		httputil.Conflict(w, err.Error(), string(domain.CampaignSending))
	case errors.Is(err, campaign.ErrNotFound), errors.Is(err, delivery.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, campaign.ErrTemplateNotFound),
		errors.Is(err, suppression.ErrNoPhones),
		errors.Is(err, delivery.ErrInvalidStatus):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, campaign.ErrNoDispatcher), errors.Is(err, sending.ErrNoProvider):
		httputil.Error(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondSafeError(w, http.StatusInternalServerError, err, safeErrorMessage(http.StatusInternalServerError, err))
	}
}

// sanitizedError logs the full internal error and returns a public-safe message.
func sanitizedError(code int, internalErr error, publicMsg string) string {
	if internalErr != nil {
		log.Printf("ERROR [%d]: %s: %v", code, publicMsg, internalErr)
	}
	return publicMsg
}

// respondSafeError logs the internal error and sends a sanitized JSON
// error response to the client.
func respondSafeError(w http.ResponseWriter, code int, internalErr error, publicMsg string) {
	msg := sanitizedError(code, internalErr, publicMsg)
	httputil.Error(w, code, msg)
}

// safeErrorMessage maps common internal error patterns to public-safe messages.
// 4xx messages are about user input and pass through.
func safeErrorMessage(code int, internalErr error) string {
	if code < 500 {
		if internalErr != nil {
			return internalErr.Error()
		}
		return "Bad request"
	}

	if internalErr == nil {
		return "An internal error occurred"
	}

	errStr := strings.ToLower(internalErr.Error())

	switch {
	case strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "dial tcp"):
		return "Service temporarily unavailable"

	case strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context canceled"):
		return "Request timed out"

	case strings.Contains(errStr, "sql") ||
		strings.Contains(errStr, "pq:") ||
		strings.Contains(errStr, "query") ||
		strings.Contains(errStr, "scan") ||
		strings.Contains(errStr, "transaction") ||
		strings.Contains(errStr, "database"):
		return "A database error occurred"

	case strings.Contains(errStr, "redis") ||
		strings.Contains(errStr, "lease"):
		return "Coordination service unavailable"

	default:
		return "An internal error occurred"
	}
}
