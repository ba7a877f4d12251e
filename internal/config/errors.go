package config

import "fmt"

// ConfigError is an invalid or unreadable configuration. It is fatal to a run.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Field != "" {
		msg += ": '" + e.Field + "'"
	}
	if e.Message != "" {
		msg += " " + e.Message
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}
