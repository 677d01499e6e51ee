package track

import (
	"fmt"

	"warwatch/internal/config"
)

// Violation describes one broken field rule.
type Violation struct {
	Field    string `json:"field"`
	Rule     string `json:"rule"`
	Previous int64  `json:"previous"`
	Current  int64  `json:"current"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s %d -> %d", v.Field, v.Rule, v.Previous, v.Current)
}

// Unwrap lets errors.Is match ErrValidationViolation.
func (v Violation) Unwrap() error { return ErrValidationViolation }

// Rule names.
const (
	RuleMonotonic = "monotonic"
	RuleMaxDelta  = "max_delta"
)

// Validator checks temporal plausibility of field values.
type Validator struct {
	fields []config.Field
}

// NewValidator creates a Validator for the configured fields.
func NewValidator(fields []config.Field) Validator {
	return Validator{fields: fields}
}

// Check compares obs against the latest earlier value of each field. It
// is a pure function of its inputs.
func (v Validator) Check(history []Observation, obs Observation) []Violation {
	var out []Violation
	for _, f := range v.fields {
		cur, ok := obs.Values[f.Name]
		if !ok {
			continue
		}
		prev, ok := lastValue(history, f.Name)
		if !ok {
			continue
		}
		if f.Monotonic && cur < prev {
			out = append(out, Violation{Field: f.Name, Rule: RuleMonotonic, Previous: prev, Current: cur})
		}
		delta := cur - prev
		if delta < 0 {
			delta = -delta
		}
		if f.MaxDelta > 0 && delta > f.MaxDelta {
			out = append(out, Violation{Field: f.Name, Rule: RuleMaxDelta, Previous: prev, Current: cur})
		}
	}
	return out
}
