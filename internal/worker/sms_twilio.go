package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/pkg/httpretry"
	"github.com/ignite/audience-dispatch/internal/pkg/logger"
	"github.com/ignite/audience-dispatch/internal/service/sending"
)

// TwilioConfig configures NewTwilioProvider.
type TwilioConfig struct {
	AccountSID     string
	AuthToken      string
	FromNumber     string
	BaseURL        string
	StatusCallback string
	MaxRetries     int
	Timeout        time.Duration
}

// TwilioProvider delivers the SMS channel through the Twilio Messages API.
// 429 and 5xx responses are retried by httpretry.
type TwilioProvider struct {
	cfg    TwilioConfig
	client httpretry.HTTPDoer
}

// NewTwilioProvider creates a provider. A nil doer gets an http.Client
// with cfg.Timeout.
func NewTwilioProvider(cfg TwilioConfig, doer httpretry.HTTPDoer) *TwilioProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if doer == nil {
		doer = &http.Client{Timeout: cfg.Timeout}
	}
	return &TwilioProvider{
		cfg:    cfg,
		client: httpretry.NewRetryClient(doer, cfg.MaxRetries),
	}
}

// Channel implements sending.Provider.
func (t *TwilioProvider) Channel() domain.Channel { return domain.ChannelSMS }

type twilioMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// Send implements sending.Provider. The message sid becomes the send's
// external id.
func (t *TwilioProvider) Send(ctx context.Context, msg *sending.Message) (*sending.Result, error) {
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return nil, &sending.ProviderError{Code: "not_configured", Message: "Twilio credentials not configured"}
	}
	from := msg.From
	if from == "" || strings.Contains(from, "@") {
		from = t.cfg.FromNumber
	}

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", from)
	form.Set("Body", msg.Body)
	if t.cfg.StatusCallback != "" {
		form.Set("StatusCallback", t.cfg.StatusCallback)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(t.cfg.BaseURL, "/"), t.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, sending.AsProviderError(fmt.Errorf("twilio request: %w", err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		var te twilioError
		if json.Unmarshal(body, &te) == nil && te.Code != 0 {
			return nil, &sending.ProviderError{
				Code:      strconv.Itoa(te.Code),
				Message:   te.Message,
				Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			}
		}
		return nil, &sending.ProviderError{
			Code:      "http_" + strconv.Itoa(resp.StatusCode),
			Message:   strings.TrimSpace(string(body)),
			Retryable: resp.StatusCode >= 500,
		}
	}

	var m twilioMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, &sending.ProviderError{Code: "bad_response", Message: err.Error()}
	}
	if m.ErrorCode != nil && *m.ErrorCode != 0 {
		return nil, &sending.ProviderError{Code: strconv.Itoa(*m.ErrorCode), Message: m.ErrorMessage}
	}
	// Without a sid no status callback can ever be matched to the send.
	if m.SID == "" {
		return nil, &sending.ProviderError{Code: "bad_response", Message: "twilio response has no message sid"}
	}
	log.Printf("[Twilio] Sent to %s (sid: %s)", logger.RedactPhone(msg.To), m.SID)
	return &sending.Result{ProviderID: m.SID, SentAt: time.Now()}, nil
}
