package domain

import "time"

// RepairReport is the outcome of a stuck-campaign check. When Stuck is
// false, Reason says why nothing was (or would be) changed.
type RepairReport struct {
	ID           string         `json:"id,omitempty"`
	CampaignID   string         `json:"campaign_id"`
	Stuck        bool           `json:"stuck"`
	Reason       string         `json:"reason,omitempty"`
	DryRun       bool           `json:"dry_run"`
	StaleSends   int            `json:"stale_sends"`
	Reclassified int            `json:"reclassified"`
	FromStatus   CampaignStatus `json:"from_status"`
	TargetStatus CampaignStatus `json:"target_status,omitempty"`
	StaleBefore  time.Time      `json:"stale_before"`
	CheckedAt    time.Time      `json:"checked_at"`
}
