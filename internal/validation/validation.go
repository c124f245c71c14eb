// Package validation wraps a JSON Schema validator behind the narrow contract
// the execution engine needs: compile a schema once at registration time,
// then check raw argument payloads against it before any handler runs.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qri-io/jsonschema"
)

// FieldError pinpoints a single validation failure.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error aggregates the validation failures of one payload. It is never fatal
// to the server; callers convert it to an invalid-params protocol error
// scoped to the offending request.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Path != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", f.Path, f.Message))
			continue
		}
		parts = append(parts, f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Schema is a compiled argument schema ready for repeated validation.
type Schema struct {
	rs *jsonschema.Schema
}

// Compile parses a JSON-Schema-like document. The source may be any value
// that marshals to a schema object (a typed schema struct or raw JSON).
// Compilation failures are registration-time errors, not wire errors.
func Compile(source any) (*Schema, error) {
	var raw []byte
	switch v := source.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(source)
		if err != nil {
			return nil, fmt.Errorf("marshal schema: %w", err)
		}
		raw = b
	}

	rs := &jsonschema.Schema{}
	if err := json.Unmarshal(raw, rs); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{rs: rs}, nil
}

// Validate checks a raw JSON payload against the schema. An empty payload is
// treated as an empty object so tools with no required arguments accept
// argument-less calls. The returned error is *Error for validation failures
// and a plain error when the payload is not valid JSON at all.
func (s *Schema) Validate(ctx context.Context, raw json.RawMessage) error {
	if s == nil || s.rs == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	keyErrs, err := s.rs.ValidateBytes(ctx, raw)
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if len(keyErrs) == 0 {
		return nil
	}

	verr := &Error{Fields: make([]FieldError, 0, len(keyErrs))}
	for _, ke := range keyErrs {
		verr.Fields = append(verr.Fields, FieldError{
			Path:    ke.PropertyPath,
			Message: ke.Message,
		})
	}
	return verr
}
