package flow

import (
	"encoding/json"
	"fmt"
)

// Validate returns an error if the Materialization name is malformed.
func (m Materialization) Validate() error {
	if m == "" {
		return fmt.Errorf("materialization name must not be empty")
	}
	for _, r := range m {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == '/':
		default:
			return fmt.Errorf("materialization name '%s' has invalid character '%c'", m, r)
		}
	}
	return nil
}

func (m *MaterializationSpec) InvokeConfig() *json.RawMessage {
	return &m.ConfigJson
}
