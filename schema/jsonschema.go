package schema

import (
	"encoding/json"
	"fmt"
)

// Type represents JSON Schema types.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeNull    Type = "null"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
)

// JSONSchema is the schema description handed to providers for structured
// output and interpreted by the strict validator. It covers the subset both
// sides need: type/properties/required/enum/items/min-max.
type JSONSchema struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Type Type `json:"type,omitempty"`

	// Object properties
	Properties           map[string]*JSONSchema `json:"properties,omitempty"`
	Required             []string               `json:"required,omitempty"`
	AdditionalProperties *bool                  `json:"additionalProperties,omitempty"`

	// Array items
	Items    *JSONSchema `json:"items,omitempty"`
	MinItems *int        `json:"minItems,omitempty"`
	MaxItems *int        `json:"maxItems,omitempty"`

	// Enum
	Enum []any `json:"enum,omitempty"`

	// String constraints
	MinLength *int   `json:"minLength,omitempty"`
	MaxLength *int   `json:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty"`

	// Numeric constraints
	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`
}

// NewObject creates a new object schema.
func NewObject() *JSONSchema {
	return &JSONSchema{Type: TypeObject, Properties: make(map[string]*JSONSchema)}
}

// NewArray creates a new array schema.
func NewArray(items *JSONSchema) *JSONSchema {
	return &JSONSchema{Type: TypeArray, Items: items}
}

// NewString creates a new string schema.
func NewString() *JSONSchema { return &JSONSchema{Type: TypeString} }

// NewInteger creates a new integer schema.
func NewInteger() *JSONSchema { return &JSONSchema{Type: TypeInteger} }

// NewNumber creates a new number schema.
func NewNumber() *JSONSchema { return &JSONSchema{Type: TypeNumber} }

// NewBoolean creates a new boolean schema.
func NewBoolean() *JSONSchema { return &JSONSchema{Type: TypeBoolean} }

// NewStringEnum creates a string schema constrained to the given values.
func NewStringEnum(values ...string) *JSONSchema {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return &JSONSchema{Type: TypeString, Enum: enum}
}

// AddProperty adds a property to an object schema.
func (s *JSONSchema) AddProperty(name string, prop *JSONSchema) *JSONSchema {
	if s.Properties == nil {
		s.Properties = make(map[string]*JSONSchema)
	}
	s.Properties[name] = prop
	return s
}

// AddRequired adds required field names.
func (s *JSONSchema) AddRequired(names ...string) *JSONSchema {
	s.Required = append(s.Required, names...)
	return s
}

// WithDescription sets the description.
func (s *JSONSchema) WithDescription(desc string) *JSONSchema {
	s.Description = desc
	return s
}

// WithMinimum sets the numeric lower bound.
func (s *JSONSchema) WithMinimum(min float64) *JSONSchema {
	s.Minimum = &min
	return s
}

// WithMaximum sets the numeric upper bound.
func (s *JSONSchema) WithMaximum(max float64) *JSONSchema {
	s.Maximum = &max
	return s
}

// WithMinItems sets the array length lower bound.
func (s *JSONSchema) WithMinItems(n int) *JSONSchema {
	s.MinItems = &n
	return s
}

// WithMinLength sets the string length lower bound.
func (s *JSONSchema) WithMinLength(n int) *JSONSchema {
	s.MinLength = &n
	return s
}

// ToJSON serializes the schema for a provider request.
func (s *JSONSchema) ToJSON() (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

// MustJSON serializes the schema and panics on failure. Package-level
// schemas are static, so a failure is a programming error.
func (s *JSONSchema) MustJSON() json.RawMessage {
	data, err := s.ToJSON()
	if err != nil {
		panic(err)
	}
	return data
}
