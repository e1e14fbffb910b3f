// Package segmentation compiles audience rule sets into SQL predicates over
// the recipient tables and resolves them into recipient sets.
package segmentation

import (
	"fmt"
	"regexp"
)

// Operator is a comparison used by a free-form audience condition.
type Operator string

const (
	// String operators
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"

	// Numeric / date operators
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"

	OpInLastDays      Operator = "in_last_days"
	OpMoreThanDaysAgo Operator = "more_than_days_ago"

	// Boolean operators
	OpIsTrue  Operator = "is_true"
	OpIsFalse Operator = "is_false"
)

// FieldType drives casting of condition values.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldDate    FieldType = "date"
	FieldBoolean FieldType = "boolean"
)

type fieldDef struct {
	column string
	typ    FieldType
}

// profileFields is the allow-list of condition fields. Anything else must be
// a "custom.<key>" reference into recipients.custom_fields.
var profileFields = map[string]fieldDef{
	"first_name":       {"r.first_name", FieldString},
	"last_name":        {"r.last_name", FieldString},
	"email":            {"r.email", FieldString},
	"phone":            {"r.phone", FieldString},
	"status":           {"r.status", FieldString},
	"source":           {"r.source", FieldString},
	"created_at":       {"r.created_at", FieldDate},
	"updated_at":       {"r.updated_at", FieldDate},
	"email_opt_out":    {"r.email_opt_out", FieldBoolean},
	"sms_opt_out":      {"r.sms_opt_out", FieldBoolean},
	"account_name":     {"a.name", FieldString},
	"account_industry": {"a.industry", FieldString},
	"account_type":     {"a.type", FieldString},
}

const customFieldPrefix = "custom."

var customKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// RuleError reports a rule set that cannot be compiled.
type RuleError struct {
	Field  string
	Reason string
}

func (e *RuleError) Error() string {
	if e.Field == "" {
		return "invalid audience rules: " + e.Reason
	}
	return fmt.Sprintf("invalid audience rules: %s: %s", e.Field, e.Reason)
}

func ruleErr(field, format string, args ...any) error {
	return &RuleError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
