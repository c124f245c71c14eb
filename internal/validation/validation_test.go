package validation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestCompileAndValidate(t *testing.T) {
	ctx := context.Background()

	schema, err := Compile(json.RawMessage(`{
		"type": "object",
		"properties": {
			"a": {"type": "number"},
			"b": {"type": "number"}
		},
		"required": ["a", "b"],
		"additionalProperties": false
	}`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	t.Run("valid payload passes", func(t *testing.T) {
		if err := schema.Validate(ctx, json.RawMessage(`{"a":2,"b":3}`)); err != nil {
			t.Fatalf("validate: %v", err)
		}
	})

	t.Run("missing required field fails with field errors", func(t *testing.T) {
		err := schema.Validate(ctx, json.RawMessage(`{"a":2}`))
		if err == nil {
			t.Fatal("expected validation error")
		}
		var verr *Error
		if !errors.As(err, &verr) {
			t.Fatalf("want *Error, got %T", err)
		}
		if len(verr.Fields) == 0 {
			t.Fatal("expected field errors")
		}
	})

	t.Run("wrong type fails", func(t *testing.T) {
		if err := schema.Validate(ctx, json.RawMessage(`{"a":"two","b":3}`)); err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("unknown field fails under additionalProperties false", func(t *testing.T) {
		if err := schema.Validate(ctx, json.RawMessage(`{"a":2,"b":3,"c":4}`)); err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("empty payload treated as empty object", func(t *testing.T) {
		open, err := Compile(json.RawMessage(`{"type":"object"}`))
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		if err := open.Validate(ctx, nil); err != nil {
			t.Fatalf("validate empty: %v", err)
		}
		// The strict schema still requires a and b.
		if err := schema.Validate(ctx, nil); err == nil {
			t.Fatal("expected validation error for empty payload")
		}
	})
}

func TestCompileFromTypedSchema(t *testing.T) {
	type schemaDoc struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	s, err := Compile(schemaDoc{
		Type:       "object",
		Properties: map[string]any{"name": map[string]any{"type": "string"}},
		Required:   []string{"name"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := s.Validate(context.Background(), json.RawMessage(`{"name":"ok"}`)); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := s.Validate(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Fields: []FieldError{
		{Path: "/a", Message: "is required"},
		{Message: "broken"},
	}}
	want := "validation failed: /a: is required; broken"
	if got := err.Error(); got != want {
		t.Fatalf("message: want %q, got %q", want, got)
	}
}
