package config

import "fmt"

// ConfigurationError reports a malformed or out of range setting. It is
// returned at startup so a guardrail is never silently disabled.
type ConfigurationError struct {
	Field string
	Value string
	Msg   string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("%s %s (got %q)", e.Field, e.Msg, e.Value)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func invalid(field, value, msg string) error {
	return &ConfigurationError{Field: field, Value: value, Msg: msg}
}
