package domain

import "time"

// AudienceRules is the declarative targeting rule set stored on a campaign.
// Each populated field is one group; groups are AND'd and the values inside
// a list-valued group are OR'd. The zero value selects every recipient with
// a usable, non-opted-out address on the campaign's channel.
type AudienceRules struct {
	Statuses       []string `json:"statuses,omitempty"`
	Sources        []string `json:"sources,omitempty"`
	ExcludeSources []string `json:"exclude_sources,omitempty"`

	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`

	AccountIndustries    []string `json:"account_industries,omitempty"`
	AccountTypes         []string `json:"account_types,omitempty"`
	OpportunityStages    []string `json:"opportunity_stages,omitempty"`
	MinOpportunityAmount *float64 `json:"min_opportunity_amount,omitempty"`

	Conditions []AudienceCondition `json:"conditions,omitempty"`

	// ExcludeOptedOut defaults to true; only an explicit false disables
	// opt-out suppression.
	ExcludeOptedOut *bool    `json:"exclude_opted_out,omitempty"`
	ExcludeListIDs  []string `json:"exclude_list_ids,omitempty"`
}

// AudienceCondition is a single field comparison. Field is a recipient
// profile column or "custom.<key>".
type AudienceCondition struct {
	Field    string   `json:"field"`
	Operator string   `json:"operator"`
	Value    any      `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"`
}

// OptOutExcluded reports whether opted-out recipients are filtered.
func (r AudienceRules) OptOutExcluded() bool {
	return r.ExcludeOptedOut == nil || *r.ExcludeOptedOut
}
