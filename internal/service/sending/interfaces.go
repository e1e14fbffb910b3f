// Package sending defines the channel provider contract the dispatcher sends
// through. Email (SES) and SMS (Twilio) providers implement Provider.
package sending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/audience-dispatch/internal/domain"
)

// Message is one rendered message for one destination.
type Message struct {
	To             string
	From           string
	Subject        string
	Body           string
	HTMLBody       string
	UnsubscribeURL string
	CampaignID     string
	RecipientID    string
}

// Result is a provider acceptance.
type Result struct {
	ProviderID string
	SentAt     time.Time
}

// Provider delivers messages on one channel. Implementations must be safe
// for concurrent use.
type Provider interface {
	Channel() domain.Channel
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// RateLimiter blocks until n more provider calls are allowed on channel.
type RateLimiter interface {
	Wait(ctx context.Context, channel domain.Channel, n int) error
}

// ProviderError is a rejection reported by a provider.
type ProviderError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

// AsProviderError classifies err for storage on a Send. Errors that are not
// provider rejections become code "send_error".
func AsProviderError(err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Code: "timeout", Message: err.Error(), Retryable: true}
	}
	return &ProviderError{Code: "send_error", Message: err.Error()}
}

// ErrNoProvider is returned when no provider serves a channel.
var ErrNoProvider = errors.New("no provider configured for channel")

// Registry maps channels to providers.
type Registry map[domain.Channel]Provider

// NewRegistry indexes providers by their channel; nil entries are skipped.
func NewRegistry(providers ...Provider) Registry {
	r := Registry{}
	for _, p := range providers {
		if p != nil {
			r[p.Channel()] = p
		}
	}
	return r
}

// For returns the provider for ch.
func (r Registry) For(ch domain.Channel) (Provider, error) {
	p, ok := r[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, ch)
	}
	return p, nil
}
