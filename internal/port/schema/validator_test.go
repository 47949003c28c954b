package schema

import (
	"encoding/json"
	"testing"
)

func TestJSONValidator_Valid(t *testing.T) {
	v := &JSONValidator{
		Required: []string{"id", "name"},
		Properties: map[string]string{
			"id":     TypeString,
			"name":   TypeString,
			"age":    TypeInteger,
			"active": TypeBoolean,
			"tags":   TypeArray,
			"meta":   TypeObject,
		},
	}

	res := v.Validate(json.RawMessage(`{"id":"u1","name":"Alice","age":30,"active":true,"tags":[],"meta":{}}`))
	if !res.Valid {
		t.Errorf("want valid, got errors %v", res.Errors)
	}
}

func TestJSONValidator_Errors(t *testing.T) {
	v := &JSONValidator{
		Required:   []string{"id"},
		Properties: map[string]string{"id": TypeString, "count": TypeInteger},
	}

	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{"missing required", `{"count":1}`, "id"},
		{"wrong type", `{"id":42}`, "id"},
		{"float for integer", `{"id":"x","count":1.5}`, "count"},
		{"not an object", `"scalar"`, "$"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(json.RawMessage(tt.payload))
			if res.Valid {
				t.Fatal("want invalid")
			}
			found := false
			for _, fe := range res.Errors {
				if fe.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for field %q in %v", tt.field, res.Errors)
			}
		})
	}
}

func TestJSONValidator_OptionalFieldsSkipped(t *testing.T) {
	v := &JSONValidator{Properties: map[string]string{"age": TypeInteger}}
	if res := v.Validate(json.RawMessage(`{}`)); !res.Valid {
		t.Errorf("absent optional field should pass, got %v", res.Errors)
	}
}
