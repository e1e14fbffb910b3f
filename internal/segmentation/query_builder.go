package segmentation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/lib/pq"
)

const recipientFrom = `
FROM recipients r
LEFT JOIN accounts a ON a.id = r.account_id`

const recipientColumns = `r.id, COALESCE(r.first_name, ''), COALESCE(r.last_name, ''),
	COALESCE(r.email, ''), COALESCE(r.phone, ''), COALESCE(r.status, ''),
	COALESCE(r.source, ''), COALESCE(a.name, ''), r.custom_fields, r.created_at`

// Predicate is a compiled rule set. Count, preview and resolve queries all
// share its WHERE clause and argument list, so they select the same set.
type Predicate struct {
	Channel domain.Channel
	where   []string
	args    []interface{}
}

// Args returns a copy of the positional arguments.
func (p *Predicate) Args() []interface{} {
	out := make([]interface{}, len(p.args))
	copy(out, p.args)
	return out
}

// Where returns the assembled WHERE clause without the keyword.
func (p *Predicate) Where() string {
	return strings.Join(p.where, "\n  AND ")
}

// CountSQL counts matching recipients.
func (p *Predicate) CountSQL() string {
	return "SELECT COUNT(*)" + recipientFrom + "\nWHERE " + p.Where()
}

// SelectSQL lists matching recipients in a stable order, so a limited
// preview is always a prefix of the full resolve.
func (p *Predicate) SelectSQL() string {
	return "SELECT " + recipientColumns + recipientFrom + "\nWHERE " + p.Where() +
		"\nORDER BY r.created_at, r.id"
}

// LimitSQL is SelectSQL with a LIMIT bound to the next placeholder. The
// returned args include the limit.
func (p *Predicate) LimitSQL(limit int) (string, []interface{}) {
	args := append(p.Args(), limit)
	return p.SelectSQL() + fmt.Sprintf("\nLIMIT $%d", len(args)), args
}

// Fingerprint is a stable hash of the compiled query, for logs.
func (p *Predicate) Fingerprint() string {
	argsJSON, _ := json.Marshal(p.args)
	h := sha256.Sum256([]byte(p.Where() + string(argsJSON)))
	return hex.EncodeToString(h[:8])
}

// QueryBuilder compiles audience rules for one channel.
type QueryBuilder struct {
	channel    domain.Channel
	args       []interface{}
	argCounter int
}

// NewQueryBuilder creates a QueryBuilder for channel.
func NewQueryBuilder(channel domain.Channel) *QueryBuilder {
	return &QueryBuilder{channel: channel, argCounter: 1}
}

// Compile is shorthand for NewQueryBuilder(channel).Compile(rules).
func Compile(channel domain.Channel, rules domain.AudienceRules) (*Predicate, error) {
	return NewQueryBuilder(channel).Compile(rules)
}

func (qb *QueryBuilder) nextArg(value interface{}) string {
	qb.args = append(qb.args, value)
	placeholder := fmt.Sprintf("$%d", qb.argCounter)
	qb.argCounter++
	return placeholder
}

func (qb *QueryBuilder) addressColumn() string {
	if qb.channel == domain.ChannelSMS {
		return "r.phone"
	}
	return "r.email"
}

func (qb *QueryBuilder) optOutColumn() string {
	if qb.channel == domain.ChannelSMS {
		return "r.sms_opt_out"
	}
	return "r.email_opt_out"
}

// Compile turns rules into a Predicate. The channel address and opt-out
// filters are always present, so an empty rule set still selects only
// reachable recipients.
func (qb *QueryBuilder) Compile(rules domain.AudienceRules) (*Predicate, error) {
	if !qb.channel.Valid() {
		return nil, ruleErr("channel", "unsupported channel %q", qb.channel)
	}
	qb.args = nil
	qb.argCounter = 1

	addr := qb.addressColumn()
	where := []string{fmt.Sprintf("%s IS NOT NULL AND %s <> ''", addr, addr)}

	if rules.OptOutExcluded() {
		where = append(where, fmt.Sprintf("COALESCE(%s, FALSE) = FALSE", qb.optOutColumn()))
	}

	if v := cleanList(rules.Statuses); len(v) > 0 {
		where = append(where, "r.status = ANY("+qb.nextArg(pq.Array(v))+")")
	}
	if v := cleanList(rules.Sources); len(v) > 0 {
		where = append(where, "r.source = ANY("+qb.nextArg(pq.Array(v))+")")
	}
	if v := cleanList(rules.ExcludeSources); len(v) > 0 {
		where = append(where, "(r.source IS NULL OR NOT (r.source = ANY("+qb.nextArg(pq.Array(v))+")))")
	}

	if rules.CreatedAfter != nil && rules.CreatedBefore != nil && !rules.CreatedAfter.Before(*rules.CreatedBefore) {
		return nil, ruleErr("created_after", "must be before created_before")
	}
	if rules.CreatedAfter != nil {
		where = append(where, "r.created_at >= "+qb.nextArg(*rules.CreatedAfter))
	}
	if rules.CreatedBefore != nil {
		where = append(where, "r.created_at < "+qb.nextArg(*rules.CreatedBefore))
	}

	if v := cleanList(rules.AccountIndustries); len(v) > 0 {
		where = append(where, "a.industry = ANY("+qb.nextArg(pq.Array(v))+")")
	}
	if v := cleanList(rules.AccountTypes); len(v) > 0 {
		where = append(where, "a.type = ANY("+qb.nextArg(pq.Array(v))+")")
	}
	if opp := qb.opportunityCondition(rules); opp != "" {
		where = append(where, opp)
	}

	for i, cond := range rules.Conditions {
		sql, err := qb.buildCondition(cond)
		if err != nil {
			if re, ok := err.(*RuleError); ok {
				re.Field = fmt.Sprintf("conditions[%d].%s", i, re.Field)
			}
			return nil, err
		}
		where = append(where, sql)
	}

	if v := cleanList(rules.ExcludeListIDs); len(v) > 0 {
		where = append(where, fmt.Sprintf(`NOT EXISTS (
		SELECT 1 FROM contact_list_members m
		WHERE m.list_id = ANY(%s) AND m.active
		AND LOWER(m.address) = LOWER(%s)
	)`, qb.nextArg(pq.Array(v)), addr))
	}

	return &Predicate{Channel: qb.channel, where: where, args: qb.args}, nil
}

// opportunityCondition matches recipients whose account has at least one
// opportunity satisfying every opportunity filter.
func (qb *QueryBuilder) opportunityCondition(rules domain.AudienceRules) string {
	stages := cleanList(rules.OpportunityStages)
	if len(stages) == 0 && rules.MinOpportunityAmount == nil {
		return ""
	}
	parts := []string{"o.account_id = r.account_id"}
	if len(stages) > 0 {
		parts = append(parts, "o.stage = ANY("+qb.nextArg(pq.Array(stages))+")")
	}
	if rules.MinOpportunityAmount != nil {
		parts = append(parts, "o.amount >= "+qb.nextArg(*rules.MinOpportunityAmount))
	}
	return "EXISTS (SELECT 1 FROM opportunities o WHERE " + strings.Join(parts, " AND ") + ")"
}

// buildCondition builds SQL for a single free-form condition.
func (qb *QueryBuilder) buildCondition(cond domain.AudienceCondition) (string, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(cond.Operator)))
	field, typ, err := qb.resolveField(cond.Field)
	if err != nil {
		return "", err
	}
	text := func() string { return fmt.Sprint(cond.Value) }

	switch op {
	case OpEquals:
		if typ == FieldString {
			return fmt.Sprintf("LOWER(%s) = LOWER(%s)", field, qb.nextArg(text())), nil
		}
		return fmt.Sprintf("%s = %s", qb.cast(field, typ), qb.nextArg(text())), nil
	case OpNotEquals:
		if typ == FieldString {
			return fmt.Sprintf("(%s IS NULL OR LOWER(%s) <> LOWER(%s))", field, field, qb.nextArg(text())), nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s <> %s)", field, qb.cast(field, typ), qb.nextArg(text())), nil
	case OpContains:
		return fmt.Sprintf("%s ILIKE %s", field, qb.nextArg("%"+escapeLike(text())+"%")), nil
	case OpNotContains:
		return fmt.Sprintf("(%s IS NULL OR %s NOT ILIKE %s)", field, field, qb.nextArg("%"+escapeLike(text())+"%")), nil
	case OpStartsWith:
		return fmt.Sprintf("%s ILIKE %s", field, qb.nextArg(escapeLike(text())+"%")), nil
	case OpEndsWith:
		return fmt.Sprintf("%s ILIKE %s", field, qb.nextArg("%"+escapeLike(text()))), nil
	case OpIsEmpty:
		return fmt.Sprintf("(%s IS NULL OR %s::text = '')", field, field), nil
	case OpIsNotEmpty:
		return fmt.Sprintf("(%s IS NOT NULL AND %s::text <> '')", field, field), nil
	case OpIn, OpNotIn:
		vals := cleanList(cond.Values)
		if len(vals) == 0 {
			return "", ruleErr("values", "%s needs at least one value", op)
		}
		in := fmt.Sprintf("%s::text = ANY(%s)", field, qb.nextArg(pq.Array(vals)))
		if op == OpNotIn {
			return fmt.Sprintf("(%s IS NULL OR NOT (%s))", field, in), nil
		}
		return in, nil
	case OpGt, OpGte, OpLt, OpLte:
		if typ != FieldNumber && typ != FieldDate {
			return "", ruleErr("operator", "%s needs a numeric or date field", op)
		}
		cmp := map[Operator]string{OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<="}[op]
		return fmt.Sprintf("%s %s %s", qb.cast(field, typ), cmp, qb.nextArg(text())), nil
	case OpInLastDays, OpMoreThanDaysAgo:
		if typ != FieldDate {
			return "", ruleErr("operator", "%s needs a date field", op)
		}
		days, err := strconv.Atoi(strings.TrimSpace(text()))
		if err != nil || days < 0 {
			return "", ruleErr("value", "%s needs a non-negative day count", op)
		}
		cmp := ">="
		if op == OpMoreThanDaysAgo {
			cmp = "<"
		}
		return fmt.Sprintf("%s %s NOW() - make_interval(days => %s)", qb.cast(field, typ), cmp, qb.nextArg(days)), nil
	case OpIsTrue:
		return fmt.Sprintf("COALESCE(%s, FALSE) = TRUE", qb.cast(field, FieldBoolean)), nil
	case OpIsFalse:
		return fmt.Sprintf("COALESCE(%s, FALSE) = FALSE", qb.cast(field, FieldBoolean)), nil
	default:
		return "", ruleErr("operator", "unsupported operator %q", cond.Operator)
	}
}

// resolveField maps a condition field to a column expression. Custom field
// keys are bound as arguments, never interpolated.
func (qb *QueryBuilder) resolveField(name string) (string, FieldType, error) {
	name = strings.TrimSpace(name)
	if def, ok := profileFields[strings.ToLower(name)]; ok {
		return def.column, def.typ, nil
	}
	if key, ok := strings.CutPrefix(name, customFieldPrefix); ok {
		key, typ := splitType(key)
		if !customKeyPattern.MatchString(key) {
			return "", "", ruleErr("field", "invalid custom field key %q", key)
		}
		return fmt.Sprintf("(r.custom_fields->>%s)", qb.nextArg(key)), typ, nil
	}
	return "", "", ruleErr("field", "unknown field %q", name)
}

// splitType reads an optional ":number" / ":date" / ":boolean" suffix on a
// custom field key.
func splitType(key string) (string, FieldType) {
	k, t, ok := strings.Cut(key, ":")
	if !ok {
		return key, FieldString
	}
	switch FieldType(t) {
	case FieldNumber, FieldDate, FieldBoolean:
		return k, FieldType(t)
	}
	return key, FieldString
}

func (qb *QueryBuilder) cast(field string, typ FieldType) string {
	if !strings.HasPrefix(field, "(r.custom_fields") {
		return field
	}
	switch typ {
	case FieldNumber:
		return field + "::numeric"
	case FieldDate:
		return field + "::timestamptz"
	case FieldBoolean:
		return field + "::boolean"
	}
	return field
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
