package alert

import (
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/soarflow/internal/condition"
)

// Condition is one clause of a suppression rule. Field is a dotted path
// resolved at the alert's top level, then under data.
type Condition struct {
	Field    string      `yaml:"field" json:"field"`
	Operator string      `yaml:"operator" json:"operator"`
	Value    interface{} `yaml:"value" json:"value"`
}

// SuppressionRule silences alerts matching all of its conditions.
type SuppressionRule struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name" json:"name"`
	Reason      string      `yaml:"reason" json:"reason,omitempty"`
	Conditions  []Condition `yaml:"conditions" json:"conditions"`
	Enabled     bool        `yaml:"enabled" json:"enabled"`
	ExpiresAt   *time.Time  `yaml:"expires_at" json:"expires_at,omitempty"`
	CreatedAt   time.Time   `yaml:"-" json:"created_at"`
	MatchCount  int         `yaml:"-" json:"match_count"`
	LastMatched *time.Time  `yaml:"-" json:"last_matched,omitempty"`

	ops []condition.Operator
}

// Validate checks the rule and resolves its operators.
func (r *SuppressionRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("suppression rule: id is required")
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("suppression rule %q: at least one condition is required", r.ID)
	}
	ops := make([]condition.Operator, len(r.Conditions))
	for i, c := range r.Conditions {
		if c.Field == "" {
			return fmt.Errorf("suppression rule %q: condition %d: field is required", r.ID, i)
		}
		op, err := condition.ParseOperator(c.Operator)
		if err != nil {
			return fmt.Errorf("suppression rule %q: condition %d: %w", r.ID, i, err)
		}
		ops[i] = op
	}
	r.ops = ops
	return nil
}

// Expired reports whether the rule's expiry has passed at now.
func (r *SuppressionRule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Matches reports whether every condition holds for a. Disabled and
// expired rules never match; a condition that cannot be evaluated is false.
func (r *SuppressionRule) Matches(a *Alert, now time.Time) bool {
	if !r.Enabled || r.Expired(now) {
		return false
	}
	if len(r.ops) != len(r.Conditions) {
		if err := r.Validate(); err != nil {
			return false
		}
	}
	for i, c := range r.Conditions {
		v, present := a.Lookup(c.Field)
		ok, err := condition.Match(r.ops[i], v, present, c.Value)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func (r *SuppressionRule) clone() *SuppressionRule {
	cp := *r
	cp.Conditions = append([]Condition(nil), r.Conditions...)
	cp.ops = append([]condition.Operator(nil), r.ops...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	if r.LastMatched != nil {
		t := *r.LastMatched
		cp.LastMatched = &t
	}
	return &cp
}
