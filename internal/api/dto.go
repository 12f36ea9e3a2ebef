package api

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// PromptValue is a prompt given either as one string or as a batch.
type PromptValue struct {
	String *string
	Items  []string
}

func (v *PromptValue) UnmarshalJSON(b []byte) error {
	if v == nil {
		return fmt.Errorf("prompt value: nil receiver")
	}
	if len(b) == 0 || string(b) == "null" {
		*v = PromptValue{}
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("prompt value: %w", err)
		}
		v.String = &s
		v.Items = nil
		return nil
	case '[':
		var items []string
		if err := json.Unmarshal(b, &items); err != nil {
			return fmt.Errorf("prompt value: %w", err)
		}
		v.Items = items
		v.String = nil
		return nil
	default:
		return fmt.Errorf("prompt value: expected string or array of strings")
	}
}

func (v PromptValue) MarshalJSON() ([]byte, error) {
	if v.String != nil {
		return json.Marshal(*v.String)
	}
	if v.Items != nil {
		return json.Marshal(v.Items)
	}
	return []byte("null"), nil
}

// Texts returns the prompt as a batch. A nil value gives nil.
func (v *PromptValue) Texts() []string {
	switch {
	case v == nil:
		return nil
	case v.String != nil:
		return []string{*v.String}
	default:
		return v.Items
	}
}
