package node

import (
	"fmt"
	"math"
	"reflect"
	"strings"
)

type (
	// Schema describes a node's configuration structure. It is a constrained
	// JSON-schema object: properties, a required list, and per-property type,
	// bounds, enum and default constraints.
	Schema struct {
		// Properties maps configuration keys to their constraints.
		Properties map[string]*Property `json:"properties"`
		// Required lists the keys that must be present and non-null after
		// defaults are applied.
		Required []string `json:"required,omitempty"`
	}

	// Property constrains one configuration key.
	Property struct {
		// Type is the declared JSON type: string, integer, number, boolean,
		// array, object or null. A list of types allows a union.
		Type TypeSet `json:"type,omitempty"`
		// Description documents the property for discovery surfaces.
		Description string `json:"description,omitempty"`
		// Minimum/Maximum bound numeric values when non-nil.
		Minimum *float64 `json:"minimum,omitempty"`
		Maximum *float64 `json:"maximum,omitempty"`
		// MinLength/MaxLength bound string lengths when non-nil.
		MinLength *int `json:"minLength,omitempty"`
		MaxLength *int `json:"maxLength,omitempty"`
		// Enum restricts the value to one of the listed members.
		Enum []any `json:"enum,omitempty"`
		// Default is applied when the key is absent or null.
		Default any `json:"default,omitempty"`
	}

	// TypeSet is a JSON type or union of types. It marshals as a bare string
	// for a single type, matching common JSON-schema documents.
	TypeSet []string
)

// Num returns a pointer to v for use in Minimum/Maximum constraints.
func Num(v float64) *float64 { return &v }

// Len returns a pointer to n for use in MinLength/MaxLength constraints.
func Len(n int) *int { return &n }

// Types builds a TypeSet from the given type names.
func Types(names ...string) TypeSet { return TypeSet(names) }

// JSONSchema renders the schema as a plain JSON-schema document. Discovery
// surfaces and the tool registry consume this form.
func (s *Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		if p == nil {
			continue
		}
		prop := map[string]any{}
		switch len(p.Type) {
		case 0:
		case 1:
			prop["type"] = p.Type[0]
		default:
			prop["type"] = []string(p.Type)
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Minimum != nil {
			prop["minimum"] = *p.Minimum
		}
		if p.Maximum != nil {
			prop["maximum"] = *p.Maximum
		}
		if p.MinLength != nil {
			prop["minLength"] = *p.MinLength
		}
		if p.MaxLength != nil {
			prop["maxLength"] = *p.MaxLength
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[name] = prop
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		doc["required"] = s.Required
	}
	return doc
}

// Validate checks config against the schema, applying defaults in place:
//
//  1. Every property with a default fills a missing or null key.
//  2. Every required property must then be present and non-null.
//  3. Present keys are checked against declared type, numeric bounds, string
//     length bounds and enum membership.
//
// All violations are collected; any violation fails with a *ConfigError
// carrying the full list of reasons.
func (s *Schema) Validate(config map[string]any) error {
	var reasons []string

	for name, prop := range s.Properties {
		if prop == nil || prop.Default == nil {
			continue
		}
		if v, ok := config[name]; !ok || v == nil {
			config[name] = prop.Default
		}
	}

	var missing []string
	for _, name := range s.Required {
		if v, ok := config[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		reasons = append(reasons, fmt.Sprintf("missing required properties: %s", strings.Join(missing, ", ")))
	}

	for name, prop := range s.Properties {
		v, ok := config[name]
		if !ok || v == nil || prop == nil {
			continue
		}
		reasons = append(reasons, prop.check(name, v)...)
	}

	if len(reasons) > 0 {
		return &ConfigError{Reasons: reasons}
	}
	return nil
}

// check validates one present value against the property constraints and
// returns the violations.
func (p *Property) check(name string, v any) []string {
	var reasons []string
	if len(p.Type) > 0 && !p.Type.matches(v) {
		reasons = append(reasons, fmt.Sprintf("%s must be of type %s", name, strings.Join(p.Type, " or ")))
		return reasons
	}
	if n, ok := asNumber(v); ok {
		if p.Minimum != nil && n < *p.Minimum {
			reasons = append(reasons, fmt.Sprintf("%s must be >= %s", name, trimFloat(*p.Minimum)))
		}
		if p.Maximum != nil && n > *p.Maximum {
			reasons = append(reasons, fmt.Sprintf("%s must be <= %s", name, trimFloat(*p.Maximum)))
		}
	}
	if str, ok := v.(string); ok {
		if p.MinLength != nil && len(str) < *p.MinLength {
			reasons = append(reasons, fmt.Sprintf("%s must have length >= %d", name, *p.MinLength))
		}
		if p.MaxLength != nil && len(str) > *p.MaxLength {
			reasons = append(reasons, fmt.Sprintf("%s must have length <= %d", name, *p.MaxLength))
		}
	}
	if len(p.Enum) > 0 {
		found := false
		for _, e := range p.Enum {
			if reflect.DeepEqual(e, v) || equalNumbers(e, v) {
				found = true
				break
			}
		}
		if !found {
			reasons = append(reasons, fmt.Sprintf("%s must be one of %v", name, p.Enum))
		}
	}
	return reasons
}

// matches reports whether v satisfies any member of the type union.
func (t TypeSet) matches(v any) bool {
	for _, name := range t {
		if matchesType(name, v) {
			return true
		}
	}
	return false
}

func matchesType(name string, v any) bool {
	switch name {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer":
		n, ok := asNumber(v)
		if !ok {
			return false
		}
		if _, isBool := v.(bool); isBool {
			return false
		}
		return n == math.Trunc(n)
	case "number":
		if _, isBool := v.(bool); isBool {
			return false
		}
		_, ok := asNumber(v)
		return ok
	case "array":
		rv := reflect.ValueOf(v)
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	case "object":
		return reflect.ValueOf(v).Kind() == reflect.Map
	case "null":
		return v == nil
	default:
		return false
	}
}

// asNumber normalizes numeric values. JSON decoding yields float64 but configs
// built in Go commonly carry int values.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// equalNumbers compares two values numerically so enum members survive the
// int/float64 JSON decoding split.
func equalNumbers(a, b any) bool {
	na, oka := asNumber(a)
	nb, okb := asNumber(b)
	return oka && okb && na == nb
}

// trimFloat renders a float without a trailing ".0" for whole values, matching
// the error strings surfaced to users.
func trimFloat(f float64) string {
	if f == math.Trunc(f) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
