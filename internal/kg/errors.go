package kg

import (
	"fmt"
	"strings"
)

// InvalidEntityError is returned when a name cannot be turned into an id.
type InvalidEntityError struct {
	Type string
	Name string
}

func (e *InvalidEntityError) Error() string {
	return fmt.Sprintf("invalid entity: %s name %q is empty after normalization", e.Type, e.Name)
}

// MalformedExtractionError is returned when a raw extraction is not well-formed.
// It is a per-unit failure and must not abort the run.
type MalformedExtractionError struct {
	Message string
	Fields  []string
	Cause   error
}

func (e *MalformedExtractionError) Error() string {
	var sb strings.Builder
	sb.WriteString("malformed extraction: ")
	sb.WriteString(e.Message)
	if len(e.Fields) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(e.Fields, ", "))
		sb.WriteString(")")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *MalformedExtractionError) Unwrap() error {
	return e.Cause
}

// MergeError is returned when fragments cannot be combined into an aggregate.
type MergeError struct {
	Scope   string
	Message string
	Cause   error
}

func (e *MergeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("merge into %s failed: %s: %v", e.Scope, e.Message, e.Cause)
	}
	return fmt.Sprintf("merge into %s failed: %s", e.Scope, e.Message)
}

func (e *MergeError) Unwrap() error {
	return e.Cause
}
