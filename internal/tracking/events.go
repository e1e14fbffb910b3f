package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/audience-dispatch/internal/domain"
)

// ErrUnrecognized marks a queue message that is not a delivery callback.
var ErrUnrecognized = errors.New("unrecognized delivery message")

// snsEnvelope is the wrapper SNS puts around messages fanned out to SQS.
type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Message   string `json:"Message"`
}

// sesEvent is the subset of an SES event notification we map.
type sesEvent struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string    `json:"messageId"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"mail"`
	Bounce *struct {
		BounceType        string    `json:"bounceType"`
		BounceSubType     string    `json:"bounceSubType"`
		Timestamp         time.Time `json:"timestamp"`
		BouncedRecipients []struct {
			DiagnosticCode string `json:"diagnosticCode"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Delivery *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"delivery"`
	Open *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"open"`
	Click *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"click"`
	Reject *struct {
		Reason string `json:"reason"`
	} `json:"reject"`
	Failure *struct {
		ErrorMessage string `json:"errorMessage"`
	} `json:"failure"`
}

// ParseDeliveryMessage decodes a queue message body into a callback. It
// accepts our own callback JSON, or an SES event notification optionally
// wrapped in an SNS envelope.
func ParseDeliveryMessage(body []byte) (*domain.DeliveryCallback, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Type == "Notification" && env.Message != "" {
		body = []byte(env.Message)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}

	if _, ok := keys["external_id"]; ok {
		var cb domain.DeliveryCallback
		if err := json.Unmarshal(body, &cb); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
		}
		if cb.ExternalID == "" {
			return nil, fmt.Errorf("%w: empty external_id", ErrUnrecognized)
		}
		return &cb, nil
	}

	if _, ok := keys["mail"]; ok {
		var evt sesEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
		}
		return fromSESEvent(&evt)
	}

	return nil, ErrUnrecognized
}

func fromSESEvent(evt *sesEvent) (*domain.DeliveryCallback, error) {
	kind := evt.EventType
	if kind == "" {
		kind = evt.NotificationType
	}
	cb := &domain.DeliveryCallback{ExternalID: evt.Mail.MessageID, OccurredAt: evt.Mail.Timestamp}
	if cb.ExternalID == "" {
		return nil, fmt.Errorf("%w: SES event without messageId", ErrUnrecognized)
	}

	switch kind {
	case "Send":
		cb.Status = domain.SendSent
	case "Delivery":
		cb.Status = domain.SendDelivered
		if evt.Delivery != nil {
			cb.OccurredAt = evt.Delivery.Timestamp
		}
	case "Open":
		cb.Status = domain.SendOpened
		if evt.Open != nil {
			cb.OccurredAt = evt.Open.Timestamp
		}
	case "Click":
		cb.Status = domain.SendClicked
		if evt.Click != nil {
			cb.OccurredAt = evt.Click.Timestamp
		}
	case "Bounce":
		cb.Status = domain.SendFailed
		cb.ErrorCode = "bounce"
		if evt.Bounce != nil {
			cb.ErrorCode = strings.ToLower("bounce_" + evt.Bounce.BounceType)
			cb.ErrorMessage = evt.Bounce.BounceSubType
			if len(evt.Bounce.BouncedRecipients) > 0 && evt.Bounce.BouncedRecipients[0].DiagnosticCode != "" {
				cb.ErrorMessage = evt.Bounce.BouncedRecipients[0].DiagnosticCode
			}
			cb.OccurredAt = evt.Bounce.Timestamp
		}
	case "Reject":
		cb.Status = domain.SendFailed
		cb.ErrorCode = "reject"
		if evt.Reject != nil {
			cb.ErrorMessage = evt.Reject.Reason
		}
	case "Rendering Failure":
		cb.Status = domain.SendFailed
		cb.ErrorCode = "rendering_failure"
		if evt.Failure != nil {
			cb.ErrorMessage = evt.Failure.ErrorMessage
		}
	default:
		return nil, fmt.Errorf("%w: SES event type %q", ErrUnrecognized, kind)
	}
	return cb, nil
}
