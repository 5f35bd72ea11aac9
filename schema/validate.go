package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// FieldError is one itemized validation failure. The validator never
// coerces or fills defaults; every deviation becomes an error.
type FieldError struct {
	Path     string `json:"path"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Received any    `json:"received,omitempty"`
	Expected any    `json:"expected,omitempty"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Path, e.Message, e.Code)
}

// Validation error codes.
const (
	CodeTypeMismatch    = "type_mismatch"
	CodeRequiredMissing = "required_missing"
	CodeEnumMismatch    = "enum_mismatch"
	CodeMinItems        = "min_items"
	CodeMaxItems        = "max_items"
	CodeMinLength       = "min_length"
	CodeMaxLength       = "max_length"
	CodeMinimum         = "minimum"
	CodeMaximum         = "maximum"
	CodePattern         = "pattern_mismatch"

	// Cross-field codes.
	CodeAnswerRange      = "answer_out_of_range"
	CodeDuplicateBlankID = "duplicate_blank_id"
	CodeMissingMarker    = "missing_blank_marker"
)

// Warning flags content that is schema-valid but looks like boilerplate the
// model degenerated into. Best effort and English specific; callers may
// treat pervasive warnings as a soft failure but never as a hard one.
type Warning struct {
	Path    string `json:"path"`
	Pattern string `json:"pattern"`
	Value   string `json:"value"`
}

// Result is the outcome of a strict validation pass.
type Result struct {
	Errors   []FieldError `json:"errors,omitempty"`
	Warnings []Warning    `json:"warnings,omitempty"`
}

// Valid reports whether validation produced no errors. Warnings do not
// affect validity.
func (r *Result) Valid() bool { return len(r.Errors) == 0 }

// genericPatterns match known placeholder strings. Exact-match patterns are
// anchored; the rest are substring checks on lowered text.
var genericPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^option [a-dA-D]$`),
	regexp.MustCompile(`^explanation here\.?$`),
	regexp.MustCompile(`^your answer here\.?$`),
	regexp.MustCompile(`^question text\.?$`),
	regexp.MustCompile(`^(insert|add) .{0,40} here\.?$`),
	regexp.MustCompile(`lorem ipsum`),
	regexp.MustCompile(`^(sample|example|placeholder) (text|content|answer)\.?$`),
	regexp.MustCompile(`^tbd\.?$|^todo\.?$`),
}

// ValidateStrict checks decoded JSON (the result of json.Unmarshal into any)
// against a schema. It returns every deviation; nothing is repaired here.
// Beyond the schema itself, it applies cross-field checks the schema
// language cannot express: answer-index range, blank-id uniqueness, and
// {{marker}} presence for cloze text.
func ValidateStrict(data any, s *JSONSchema) *Result {
	res := &Result{}
	validateValue(data, s, "$", res)
	semanticChecks(data, "$", res)
	return res
}

// ParseAndValidate unmarshals raw JSON and validates it. A parse failure is
// returned as a single error at the root path so callers can route it to the
// repair path.
func ParseAndValidate(raw []byte, s *JSONSchema) (any, *Result) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &Result{Errors: []FieldError{{
			Path:    "$",
			Code:    CodeTypeMismatch,
			Message: fmt.Sprintf("payload is not valid JSON: %v", err),
		}}}
	}
	return data, ValidateStrict(data, s)
}

func validateValue(data any, s *JSONSchema, path string, res *Result) {
	if s == nil {
		return
	}

	switch s.Type {
	case TypeObject:
		obj, ok := data.(map[string]any)
		if !ok {
			res.Errors = append(res.Errors, typeError(path, data, "object"))
			return
		}
		for _, name := range s.Required {
			if _, present := obj[name]; !present {
				res.Errors = append(res.Errors, FieldError{
					Path:     joinPath(path, name),
					Code:     CodeRequiredMissing,
					Message:  fmt.Sprintf("required property %q is missing", name),
					Expected: name,
				})
			}
		}
		for name, value := range obj {
			prop, known := s.Properties[name]
			if !known {
				// Unknown properties pass through; strictness is about
				// required shape, not rejecting extras the model added.
				continue
			}
			validateValue(value, prop, joinPath(path, name), res)
		}

	case TypeArray:
		arr, ok := data.([]any)
		if !ok {
			res.Errors = append(res.Errors, typeError(path, data, "array"))
			return
		}
		if s.MinItems != nil && len(arr) < *s.MinItems {
			res.Errors = append(res.Errors, FieldError{
				Path: path, Code: CodeMinItems,
				Message:  fmt.Sprintf("array has %d items, needs at least %d", len(arr), *s.MinItems),
				Received: len(arr), Expected: *s.MinItems,
			})
		}
		if s.MaxItems != nil && len(arr) > *s.MaxItems {
			res.Errors = append(res.Errors, FieldError{
				Path: path, Code: CodeMaxItems,
				Message:  fmt.Sprintf("array has %d items, allows at most %d", len(arr), *s.MaxItems),
				Received: len(arr), Expected: *s.MaxItems,
			})
		}
		for i, item := range arr {
			validateValue(item, s.Items, fmt.Sprintf("%s[%d]", path, i), res)
		}

	case TypeString:
		str, ok := data.(string)
		if !ok {
			res.Errors = append(res.Errors, typeError(path, data, "string"))
			return
		}
		if s.MinLength != nil && len(str) < *s.MinLength {
			res.Errors = append(res.Errors, FieldError{
				Path: path, Code: CodeMinLength,
				Message:  fmt.Sprintf("string length %d below minimum %d", len(str), *s.MinLength),
				Received: str, Expected: *s.MinLength,
			})
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			res.Errors = append(res.Errors, FieldError{
				Path: path, Code: CodeMaxLength,
				Message:  fmt.Sprintf("string length %d above maximum %d", len(str), *s.MaxLength),
				Received: str, Expected: *s.MaxLength,
			})
		}
		if s.Pattern != "" {
			if re, err := regexp.Compile(s.Pattern); err == nil && !re.MatchString(str) {
				res.Errors = append(res.Errors, FieldError{
					Path: path, Code: CodePattern,
					Message:  fmt.Sprintf("string does not match pattern %q", s.Pattern),
					Received: str, Expected: s.Pattern,
				})
			}
		}
		checkEnum(str, s, path, res)
		checkGeneric(str, path, res)

	case TypeInteger:
		num, ok := data.(float64)
		if !ok || num != math.Trunc(num) {
			res.Errors = append(res.Errors, typeError(path, data, "integer"))
			return
		}
		checkBounds(num, s, path, res)

	case TypeNumber:
		num, ok := data.(float64)
		if !ok {
			res.Errors = append(res.Errors, typeError(path, data, "number"))
			return
		}
		checkBounds(num, s, path, res)

	case TypeBoolean:
		if _, ok := data.(bool); !ok {
			res.Errors = append(res.Errors, typeError(path, data, "boolean"))
		}

	case TypeNull:
		if data != nil {
			res.Errors = append(res.Errors, typeError(path, data, "null"))
		}
	}
}

func checkBounds(num float64, s *JSONSchema, path string, res *Result) {
	if s.Minimum != nil && num < *s.Minimum {
		res.Errors = append(res.Errors, FieldError{
			Path: path, Code: CodeMinimum,
			Message:  fmt.Sprintf("value %v below minimum %v", num, *s.Minimum),
			Received: num, Expected: *s.Minimum,
		})
	}
	if s.Maximum != nil && num > *s.Maximum {
		res.Errors = append(res.Errors, FieldError{
			Path: path, Code: CodeMaximum,
			Message:  fmt.Sprintf("value %v above maximum %v", num, *s.Maximum),
			Received: num, Expected: *s.Maximum,
		})
	}
}

func checkEnum(value string, s *JSONSchema, path string, res *Result) {
	if len(s.Enum) == 0 {
		return
	}
	for _, allowed := range s.Enum {
		if str, ok := allowed.(string); ok && str == value {
			return
		}
	}
	res.Errors = append(res.Errors, FieldError{
		Path: path, Code: CodeEnumMismatch,
		Message:  fmt.Sprintf("value %q not in enum", value),
		Received: value, Expected: s.Enum,
	})
}

func checkGeneric(value, path string, res *Result) {
	lower := strings.ToLower(strings.TrimSpace(value))
	for _, re := range genericPatterns {
		if re.MatchString(lower) {
			res.Warnings = append(res.Warnings, Warning{
				Path:    path,
				Pattern: re.String(),
				Value:   value,
			})
			return
		}
	}
}

// semanticChecks walks the tree applying cross-field rules triggered by
// shape: an object with options+correctAnswer is an MCQ payload, one with
// text+blanks is a cloze payload.
func semanticChecks(data any, path string, res *Result) {
	switch v := data.(type) {
	case map[string]any:
		if options, ok := v["options"].([]any); ok && len(options) > 0 {
			if answer, ok := v["correctAnswer"].(float64); ok {
				if answer < 0 || int(answer) > len(options)-1 {
					res.Errors = append(res.Errors, FieldError{
						Path: joinPath(path, "correctAnswer"), Code: CodeAnswerRange,
						Message:  fmt.Sprintf("answer index %v outside option range [0,%d]", answer, len(options)-1),
						Received: answer, Expected: len(options) - 1,
					})
				}
			}
		}
		if blanks, ok := v["blanks"].([]any); ok {
			text, hasText := v["text"].(string)
			seen := make(map[string]int)
			for i, item := range blanks {
				blank, ok := item.(map[string]any)
				if !ok {
					continue
				}
				id, _ := blank["id"].(string)
				if id == "" {
					continue
				}
				if first, dup := seen[id]; dup {
					res.Errors = append(res.Errors, FieldError{
						Path: fmt.Sprintf("%s[%d].id", joinPath(path, "blanks"), i), Code: CodeDuplicateBlankID,
						Message:  fmt.Sprintf("blank id %q already used at index %d", id, first),
						Received: id,
					})
				} else {
					seen[id] = i
				}
				if hasText && !strings.Contains(text, "{{"+id+"}}") {
					res.Errors = append(res.Errors, FieldError{
						Path: joinPath(path, "text"), Code: CodeMissingMarker,
						Message:  fmt.Sprintf("text has no {{%s}} marker", id),
						Expected: "{{" + id + "}}",
					})
				}
			}
		}
		for key, value := range v {
			semanticChecks(value, joinPath(path, key), res)
		}
	case []any:
		for i, item := range v {
			semanticChecks(item, fmt.Sprintf("%s[%d]", path, i), res)
		}
	}
}

func typeError(path string, received any, expected string) FieldError {
	return FieldError{
		Path:     path,
		Code:     CodeTypeMismatch,
		Message:  fmt.Sprintf("expected %s, got %s", expected, typeName(received)),
		Received: received,
		Expected: expected,
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func joinPath(base, name string) string {
	return base + "." + name
}
