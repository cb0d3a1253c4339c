package structured

import (
	"fmt"
)

// FieldRule constrains one field of a recovered record.
type FieldRule struct {
	Required  bool
	MaxLength int // 0 = unlimited; applies to string values after Transform
	Default   any
	Transform func(any) any // applied before truncation
}

// MissingFieldError reports a required field with no value and no default.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("structured: missing required field %q", e.Field)
}

// Sanitize applies a per-field constraint table to recovered data and
// returns a fully-typed record containing exactly the ruled fields.
func Sanitize(data map[string]any, rules map[string]FieldRule) (map[string]any, error) {
	out := make(map[string]any, len(rules))
	for field, rule := range rules {
		val, ok := data[field]
		if !ok || val == nil {
			if rule.Default != nil {
				out[field] = rule.Default
				continue
			}
			if rule.Required {
				return nil, &MissingFieldError{Field: field}
			}
			continue
		}
		if rule.Transform != nil {
			val = rule.Transform(val)
		}
		if s, isStr := val.(string); isStr && rule.MaxLength > 0 && len(s) > rule.MaxLength {
			val = s[:rule.MaxLength]
		}
		out[field] = val
	}
	return out, nil
}
