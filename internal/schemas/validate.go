// Package schemas checks structured LLM replies and artifacts against JSON
// Schemas. The schemas used by the workflow are embedded in the binary.
package schemas

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	embedded "github.com/jonathan/textbook-forge/schemas"
)

const rootField = "(root)"

// Violation is one failed constraint.
type Violation struct {
	Field   string
	Message string
}

// ValidationError lists every violation of one document.
type ValidationError struct {
	Schema     string
	Violations []Violation
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed")
	if ve.Schema != "" {
		sb.WriteString(" against " + ve.Schema)
	}
	sb.WriteString(":")
	for i, v := range ve.Violations {
		fmt.Fprintf(&sb, "\n  %d. %s: %s", i+1, v.Field, v.Message)
	}
	return sb.String()
}

// Fields returns the failing field paths.
func (ve *ValidationError) Fields() []string {
	out := make([]string, len(ve.Violations))
	for i, v := range ve.Violations {
		out[i] = v.Field
	}
	return out
}

// Problems renders each violation as "field: message".
func (ve *ValidationError) Problems() []string {
	out := make([]string, len(ve.Violations))
	for i, v := range ve.Violations {
		out[i] = v.Field + ": " + v.Message
	}
	return out
}

// LoadError is returned when a schema cannot be read or compiled.
type LoadError struct {
	Schema string
	Cause  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load schema %s: %v", e.Schema, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// Schema is a compiled JSON Schema.
type Schema struct {
	name     string
	compiled *gojsonschema.Schema
}

// Compile parses raw as a JSON Schema. name only labels errors.
func Compile(name string, raw []byte) (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &LoadError{Schema: name, Cause: err}
	}
	return &Schema{name: name, compiled: s}, nil
}

// Check validates doc. A document that is not JSON is reported as a single
// root violation.
func (s *Schema) Check(doc []byte) error {
	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return &ValidationError{Schema: s.name, Violations: []Violation{{Field: rootField, Message: err.Error()}}}
	}
	if result.Valid() {
		return nil
	}
	ve := &ValidationError{Schema: s.name}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = rootField
		}
		ve.Violations = append(ve.Violations, Violation{Field: field, Message: desc.Description()})
	}
	return ve
}

var cache sync.Map // embedded file name -> *Schema

// Embedded returns the compiled embedded schema called name.
func Embedded(name string) (*Schema, error) {
	if s, ok := cache.Load(name); ok {
		return s.(*Schema), nil
	}
	raw, err := embedded.Files.ReadFile(name)
	if err != nil {
		return nil, &LoadError{Schema: name, Cause: err}
	}
	s, err := Compile(name, raw)
	if err != nil {
		return nil, err
	}
	actual, _ := cache.LoadOrStore(name, s)
	return actual.(*Schema), nil
}

// Validate checks doc against the embedded schema called name.
func Validate(name string, doc []byte) error {
	s, err := Embedded(name)
	if err != nil {
		return err
	}
	return s.Check(doc)
}
