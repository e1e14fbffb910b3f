package domain

import "time"

// SendState is the delivery state of one message to one recipient.
type SendState string

const (
	SendQueued    SendState = "queued"
	SendSent      SendState = "sent"
	SendDelivered SendState = "delivered"
	SendOpened    SendState = "opened"
	SendClicked   SendState = "clicked"
	SendFailed    SendState = "failed"
)

var sendRank = map[SendState]int{
	SendQueued:    0,
	SendSent:      1,
	SendDelivered: 2,
	SendOpened:    3,
	SendClicked:   4,
}

// Valid reports whether s is a known state.
func (s SendState) Valid() bool {
	_, ok := sendRank[s]
	return ok || s == SendFailed
}

// IsTerminal is true only for failed.
func (s SendState) IsTerminal() bool {
	return s == SendFailed
}

// AdvanceSendState applies an incoming state to the current one. States only
// move forward; failed is reachable from queued or sent and nothing leaves
// it. The bool is false when the incoming state is a no-op.
func AdvanceSendState(current, incoming SendState) (SendState, bool) {
	if current.IsTerminal() || !incoming.Valid() {
		return current, false
	}
	if incoming == SendFailed {
		if current == SendQueued || current == SendSent {
			return SendFailed, true
		}
		return current, false
	}
	if sendRank[incoming] > sendRank[current] {
		return incoming, true
	}
	return current, false
}

// Send is the record of one dispatch attempt. It is created queued before
// the provider call and is only deleted with its campaign.
type Send struct {
	ID           string     `json:"id" db:"id"`
	CampaignID   string     `json:"campaign_id" db:"campaign_id"`
	RecipientID  string     `json:"recipient_id" db:"recipient_id"`
	Destination  string     `json:"destination" db:"destination"`
	State        SendState  `json:"state" db:"state"`
	ExternalID   *string    `json:"external_id,omitempty" db:"external_id"`
	ErrorCode    string     `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	SentAt       *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	OpenedAt     *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt    *time.Time `json:"clicked_at,omitempty" db:"clicked_at"`
	FailedAt     *time.Time `json:"failed_at,omitempty" db:"failed_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Stamp records the timestamp for state s at t and backfills the ones it
// implies: opened implies delivered, clicked implies delivered and opened.
// Existing timestamps are kept.
func (s *Send) Stamp(state SendState, t time.Time) {
	set := func(p **time.Time) {
		if *p == nil {
			v := t
			*p = &v
		}
	}
	switch state {
	case SendSent:
		set(&s.SentAt)
	case SendDelivered:
		set(&s.DeliveredAt)
	case SendOpened:
		set(&s.DeliveredAt)
		set(&s.OpenedAt)
	case SendClicked:
		set(&s.DeliveredAt)
		set(&s.OpenedAt)
		set(&s.ClickedAt)
	case SendFailed:
		set(&s.FailedAt)
	}
}

// CountersFromSends recomputes campaign counters from a Send set. The
// estimate is not derived from sends and is left zero.
func CountersFromSends(sends []Send) CampaignCounters {
	var c CampaignCounters
	for i := range sends {
		s := &sends[i]
		if s.State != SendQueued {
			c.TotalSent++
		}
		if s.State == SendFailed {
			c.Failed++
		}
		if s.DeliveredAt != nil {
			c.Delivered++
		}
		if s.OpenedAt != nil {
			c.Opened++
		}
		if s.ClickedAt != nil {
			c.Clicked++
		}
	}
	return c
}

// DeliveryCallback is an asynchronous provider report about one message.
type DeliveryCallback struct {
	ExternalID   string    `json:"external_id"`
	Status       SendState `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at,omitempty"`
}
