package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Scalar is a string that also decodes from JSON numbers and booleans, so hand-written
// YAML such as `label: true` or `value: 18` loads as text.
type Scalar string

// UnmarshalJSON accepts a string, number, boolean or null.
func (s *Scalar) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*s = ""
	case b[0] == '"':
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = Scalar(str)
	case b[0] == '{' || b[0] == '[':
		return fmt.Errorf("expected a scalar value, got %s", b)
	default:
		*s = Scalar(b)
	}
	return nil
}

// UnmarshalJSON decodes a clause, accepting a non-string value.
func (c *Clause) UnmarshalJSON(b []byte) error {
	type plain Clause
	var raw struct {
		plain
		Value Scalar `json:"value"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = Clause(raw.plain)
	c.Value = string(raw.Value)
	return nil
}

// UnmarshalJSON decodes an option, accepting non-string values and labels.
func (o *Option) UnmarshalJSON(b []byte) error {
	var raw struct {
		Value Scalar `json:"value"`
		Label Scalar `json:"label"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	o.Value, o.Label = string(raw.Value), string(raw.Label)
	return nil
}

// UnmarshalJSON decodes a sub-action, accepting a non-string value.
func (a *SubAction) UnmarshalJSON(b []byte) error {
	type plain SubAction
	var raw struct {
		plain
		Value Scalar `json:"value,omitempty"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*a = SubAction(raw.plain)
	a.Value = string(raw.Value)
	return nil
}
