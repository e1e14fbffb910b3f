package api

import (
	"errors"
	"fmt"
	"html"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/audience-dispatch/internal/pkg/httputil"
	"github.com/ignite/audience-dispatch/internal/service/suppression"
)

type optOutRequest struct {
	Phones []string `json:"phones"`
}

const pageTemplate = `<!DOCTYPE html><html><head><meta charset="utf-8"><title>%s</title></head>` +
	`<body style="font-family:Arial;text-align:center;padding:50px;"><h1>%s</h1><p>%s</p></body></html>`

func page(title, message string) []byte {
	t := html.EscapeString(title)
	return []byte(fmt.Sprintf(pageTemplate, t, t, html.EscapeString(message)))
}

var (
	invalidLinkPage = page("Invalid link", "This unsubscribe link is invalid or has expired. Please use the link from a recent message.")
	errorPage       = page("Something went wrong", "We could not process your request right now. Please try again later.")
)

// Unsubscribe handles GET /campaigns/unsubscribe/{token}. It is public and
// answers 200 whether or not the address matched anyone.
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	msg, err := h.optouts.Unsubscribe(r.Context(), chi.URLParam(r, "token"))
	switch {
	case errors.Is(err, suppression.ErrInvalidToken):
		httputil.HTML(w, http.StatusOK, invalidLinkPage)
	case err != nil:
		log.Printf("ERROR [500]: unsubscribe: %v", err)
		httputil.HTML(w, http.StatusInternalServerError, errorPage)
	default:
		httputil.HTML(w, http.StatusOK, page("You have been unsubscribed", msg))
	}
}

// OptOutPhones handles POST /campaigns/opt-out
func (h *Handlers) OptOutPhones(w http.ResponseWriter, r *http.Request) {
	var req optOutRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	n, err := h.optouts.OptOutPhones(r.Context(), req.Phones)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"updated": n})
}
