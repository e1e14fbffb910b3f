package domain

import (
	"time"
)

// Channel is the delivery medium of a campaign.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignSent      CampaignStatus = "sent"
)

// ScheduleMode says whether a campaign goes out on demand or at ScheduledAt.
type ScheduleMode string

const (
	ScheduleImmediate ScheduleMode = "immediate"
	ScheduleAt        ScheduleMode = "scheduled"
)

// CampaignCounters is a cache over the campaign's Sends. It is always
// recomputed from the Send set, never incremented.
type CampaignCounters struct {
	EstimatedRecipients int `json:"estimated_recipients" db:"estimated_recipients"`
	TotalSent           int `json:"total_sent" db:"total_sent"`
	Delivered           int `json:"delivered" db:"delivered"`
	Failed              int `json:"failed" db:"failed"`
	Opened              int `json:"opened" db:"opened"`
	Clicked             int `json:"clicked" db:"clicked"`
}

// Campaign is a message definition plus its audience and dispatch state.
type Campaign struct {
	ID            string         `json:"id" db:"id"`
	Name          string         `json:"name" db:"name"`
	Channel       Channel        `json:"channel" db:"channel"`
	Status        CampaignStatus `json:"status" db:"status"`
	AudienceRules AudienceRules  `json:"audience_rules" db:"audience_rules"`
	TemplateID    *string        `json:"template_id,omitempty" db:"template_id"`
	Subject       string         `json:"subject" db:"subject"`
	Body          string         `json:"body" db:"body"`
	HTMLBody      string         `json:"html_body,omitempty" db:"html_body"`
	FromAddress   string         `json:"from_address,omitempty" db:"from_address"`
	ScheduleMode  ScheduleMode   `json:"schedule_mode" db:"schedule_mode"`
	ScheduledAt   *time.Time     `json:"scheduled_at,omitempty" db:"scheduled_at"`

	CampaignCounters

	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// CanEdit is true while the campaign has not started dispatching.
func (c *Campaign) CanEdit() bool {
	return c.Status == CampaignDraft || c.Status == CampaignScheduled
}

// SendableStatuses lists the statuses a dispatch may start from.
func SendableStatuses() []CampaignStatus {
	return []CampaignStatus{CampaignDraft, CampaignScheduled}
}

// MessageTemplate is reusable content a campaign may reference. Its subject
// and bodies fill in whatever the campaign leaves empty.
type MessageTemplate struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Subject   string    `json:"subject" db:"subject"`
	Body      string    `json:"body" db:"body"`
	HTMLBody  string    `json:"html_body" db:"html_body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ApplyTemplate fills empty content fields of c from t.
func (c *Campaign) ApplyTemplate(t *MessageTemplate) {
	if t == nil {
		return
	}
	if c.Subject == "" {
		c.Subject = t.Subject
	}
	if c.Body == "" {
		c.Body = t.Body
	}
	if c.HTMLBody == "" {
		c.HTMLBody = t.HTMLBody
	}
}

// CampaignStats aggregates counters across all campaigns.
type CampaignStats struct {
	Total        int                    `json:"total"`
	ByStatus     map[CampaignStatus]int `json:"by_status"`
	TotalSent    int                    `json:"total_sent"`
	Delivered    int                    `json:"delivered"`
	Failed       int                    `json:"failed"`
	Opened       int                    `json:"opened"`
	Clicked      int                    `json:"clicked"`
	AvgOpenRate  float64                `json:"avg_open_rate"`
	AvgClickRate float64                `json:"avg_click_rate"`
}

// ComputeRates fills the averages; a zero denominator yields 0.
func (s *CampaignStats) ComputeRates() {
	s.AvgOpenRate, s.AvgClickRate = 0, 0
	if s.Delivered > 0 {
		s.AvgOpenRate = float64(s.Opened) / float64(s.Delivered)
	}
	if s.Opened > 0 {
		s.AvgClickRate = float64(s.Clicked) / float64(s.Opened)
	}
}
