// Package schema defines the pluggable payload validator port.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FieldError describes a single failed field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Result is the outcome of a validation run.
type Result struct {
	Valid  bool
	Errors []FieldError
}

// Validator checks a decoded payload against a structural schema.
// Implementations must be safe for concurrent use.
type Validator interface {
	Validate(payload json.RawMessage) Result
}

// Type names accepted by the JSON validator.
const (
	TypeObject  = "object"
	TypeArray   = "array"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
)

// JSONValidator is the default structural validator: a flat JSON-Schema
// style description of an object payload.
type JSONValidator struct {
	Required   []string
	Properties map[string]string // field name -> expected type
}

// Validate reports whether payload is a JSON object with the required
// fields present and all described fields of the expected type.
func (v *JSONValidator) Validate(payload json.RawMessage) Result {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return Result{Errors: []FieldError{{Field: "$", Reason: "payload is not a JSON object"}}}
	}

	var errs []FieldError
	for _, field := range v.Required {
		if _, ok := obj[field]; !ok {
			errs = append(errs, FieldError{Field: field, Reason: "required field is missing"})
		}
	}
	for field, wantType := range v.Properties {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		if reason := checkType(raw, wantType); reason != "" {
			errs = append(errs, FieldError{Field: field, Reason: reason})
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func checkType(raw json.RawMessage, wantType string) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "empty value"
	}

	switch wantType {
	case TypeObject:
		if trimmed[0] != '{' {
			return "expected object"
		}
	case TypeArray:
		if trimmed[0] != '[' {
			return "expected array"
		}
	case TypeString:
		if trimmed[0] != '"' {
			return "expected string"
		}
	case TypeBoolean:
		if trimmed != "true" && trimmed != "false" {
			return "expected boolean"
		}
	case TypeNumber:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return "expected number"
		}
	case TypeInteger:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil || f != float64(int64(f)) {
			return "expected integer"
		}
	default:
		return fmt.Sprintf("unknown schema type %q", wantType)
	}
	return ""
}
