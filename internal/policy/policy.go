package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/guardline/dlp/internal/models"
)

// compiledRule carries a rule with every regex condition compiled up front
// so evaluation never compiles on the hot path.
type compiledRule struct {
	rule    models.Rule
	regexes map[int]*regexp.Regexp // condition index -> compiled pattern
}

type compiledPolicy struct {
	policy *models.Policy
	rules  []compiledRule
}

// Snapshot is an immutable compiled policy set. Build returns a fresh
// snapshot; callers swap the whole snapshot atomically and never mutate one.
type Snapshot struct {
	Version  string
	BuiltAt  time.Time
	policies []compiledPolicy
}

// Match is one policy that fired for an event, with the rules that fired.
type Match struct {
	Policy       *models.Policy
	MatchedRules []string
}

// Build compiles enabled policies into a snapshot. Malformed policies are
// skipped with a warning so one bad policy cannot take down the set.
func Build(policies []*models.Policy, logger *slog.Logger) *Snapshot {
	if logger == nil {
		logger = slog.Default()
	}

	snap := &Snapshot{BuiltAt: time.Now().UTC()}

	sorted := make([]*models.Policy, len(policies))
	copy(sorted, policies)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	for _, p := range sorted {
		if !p.Enabled {
			continue
		}
		cp, err := compile(p)
		if err != nil {
			logger.Warn("skipping malformed policy",
				"policy_id", p.ID,
				"policy_name", p.Name,
				"error", err)
			continue
		}
		snap.policies = append(snap.policies, cp)
	}

	snap.Version = version(snap.policies)
	return snap
}

func compile(p *models.Policy) (compiledPolicy, error) {
	if len(p.Rules) == 0 {
		return compiledPolicy{}, fmt.Errorf("policy has no rules")
	}

	cp := compiledPolicy{policy: p}
	for _, r := range p.Rules {
		cr := compiledRule{rule: r, regexes: make(map[int]*regexp.Regexp)}
		for i, cond := range r.Conditions {
			if !knownOperator(cond.Operator) {
				return compiledPolicy{}, fmt.Errorf("rule %s: unknown operator %q", r.ID, cond.Operator)
			}
			if _, ok := fieldAccessors[cond.Field]; !ok {
				return compiledPolicy{}, fmt.Errorf("rule %s: unknown field %q", r.ID, cond.Field)
			}
			if cond.Operator == models.OpRegex {
				s, ok := cond.Value.(string)
				if !ok {
					return compiledPolicy{}, fmt.Errorf("rule %s: regex value must be a string", r.ID)
				}
				re, err := regexp.Compile(s)
				if err != nil {
					return compiledPolicy{}, fmt.Errorf("rule %s: invalid regex: %w", r.ID, err)
				}
				cr.regexes[i] = re
			}
		}
		cp.rules = append(cp.rules, cr)
	}
	return cp, nil
}

// version hashes the canonical JSON of the compiled policy set. Two
// snapshots built from the same policies always carry the same version.
func version(policies []compiledPolicy) string {
	h := sha256.New()
	for _, cp := range policies {
		b, _ := json.Marshal(cp.policy)
		h.Write(b)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Len reports the number of compiled policies in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.policies)
}

// Policies returns the compiled policies in evaluation order.
func (s *Snapshot) Policies() []*models.Policy {
	out := make([]*models.Policy, 0, len(s.policies))
	for _, cp := range s.policies {
		out = append(out, cp.policy)
	}
	return out
}

// Evaluate returns every policy that matches the event, in priority order
// with the policy id as tie-break. Rules combine with OR across rules and
// AND within a rule's conditions.
func (s *Snapshot) Evaluate(ev *models.Event, cls *models.ClassificationResult) []Match {
	var matches []Match

	for _, cp := range s.policies {
		var fired []string
		for _, cr := range cp.rules {
			if cr.matches(ev, cls) {
				fired = append(fired, cr.rule.ID)
			}
		}
		if len(fired) > 0 {
			matches = append(matches, Match{Policy: cp.policy, MatchedRules: fired})
		}
	}

	return matches
}

func (r *compiledRule) matches(ev *models.Event, cls *models.ClassificationResult) bool {
	// A rule with no conditions is an authored catch-all.
	if len(r.rule.Conditions) == 0 {
		return true
	}
	for i, cond := range r.rule.Conditions {
		if !evalCondition(cond, r.regexes[i], ev, cls) {
			return false
		}
	}
	return true
}

func evalCondition(cond models.Condition, re *regexp.Regexp, ev *models.Event, cls *models.ClassificationResult) bool {
	accessor := fieldAccessors[cond.Field]
	value, present := accessor(ev, cls)

	switch cond.Operator {
	case models.OpExists:
		return present
	case models.OpNotExists:
		return !present
	}

	if !present {
		return false
	}

	switch cond.Operator {
	case models.OpEquals:
		return equals(value, cond.Value)
	case models.OpContains:
		return contains(value, cond.Value)
	case models.OpRegex:
		s, ok := asString(value)
		if !ok {
			return false
		}
		return re.MatchString(s)
	case models.OpGreaterThan:
		return compareNumeric(value, cond.Value, func(a, b float64) bool { return a > b })
	case models.OpLessThan:
		return compareNumeric(value, cond.Value, func(a, b float64) bool { return a < b })
	case models.OpIn:
		return inList(value, cond.Value)
	case models.OpNotIn:
		return !inList(value, cond.Value)
	}
	return false
}

func equals(value, want any) bool {
	// List-valued fields match if any element equals the wanted value.
	if list, ok := value.([]string); ok {
		w, ok := asString(want)
		if !ok {
			return false
		}
		for _, item := range list {
			if strings.EqualFold(item, w) {
				return true
			}
		}
		return false
	}
	if va, ok := asString(value); ok {
		if wa, ok := asString(want); ok {
			return strings.EqualFold(va, wa)
		}
	}
	if va, ok := asFloat(value); ok {
		if wa, ok := asFloat(want); ok {
			return va == wa
		}
	}
	if vb, ok := value.(bool); ok {
		if wb, ok := want.(bool); ok {
			return vb == wb
		}
	}
	return false
}

// contains checks substring match for strings and membership for lists.
func contains(value, want any) bool {
	switch v := value.(type) {
	case string:
		w, ok := asString(want)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(v), strings.ToLower(w))
	case []string:
		w, ok := asString(want)
		if !ok {
			return false
		}
		for _, item := range v {
			if strings.EqualFold(item, w) {
				return true
			}
		}
	}
	return false
}

// compareNumeric resolves both sides to floats, ranking severities so a
// condition like max_severity greater_than "medium" works. Anything that
// is not numeric and not a severity compares false.
func compareNumeric(value, want any, cmp func(a, b float64) bool) bool {
	va, ok := asOrdinal(value)
	if !ok {
		return false
	}
	wa, ok := asOrdinal(want)
	if !ok {
		return false
	}
	return cmp(va, wa)
}

func inList(value, want any) bool {
	list, ok := asList(want)
	if !ok {
		return false
	}

	switch v := value.(type) {
	case []string:
		// Any element in the list satisfies membership.
		for _, item := range v {
			for _, w := range list {
				if strings.EqualFold(item, w) {
					return true
				}
			}
		}
		return false
	default:
		s, ok := asString(v)
		if !ok {
			return false
		}
		for _, w := range list {
			if strings.EqualFold(s, w) {
				return true
			}
		}
		return false
	}
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case models.Severity:
		return string(t), true
	case models.SourceType:
		return string(t), true
	}
	return "", false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func asOrdinal(v any) (float64, bool) {
	if f, ok := asFloat(v); ok {
		return f, true
	}
	if s, ok := asString(v); ok {
		if rank := models.SeverityRank(models.Severity(strings.ToLower(s))); rank > 0 {
			return float64(rank), true
		}
	}
	return 0, false
}

func asList(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := asString(item)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func knownOperator(op models.Operator) bool {
	switch op {
	case models.OpEquals, models.OpContains, models.OpRegex,
		models.OpGreaterThan, models.OpLessThan,
		models.OpIn, models.OpNotIn,
		models.OpExists, models.OpNotExists:
		return true
	}
	return false
}
