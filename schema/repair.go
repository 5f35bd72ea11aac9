package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// RepairEntry is the audit record for one applied fix-up.
type RepairEntry struct {
	Path          string `json:"path"`
	Action        string `json:"action"`
	OriginalValue any    `json:"originalValue"`
	RepairedValue any    `json:"repairedValue"`
}

// Repair actions.
const (
	ActionTrimWhitespace     = "trim_whitespace"
	ActionCoerceType         = "coerce_type"
	ActionSyntheticID        = "synthetic_id"
	ActionClampCorrectAnswer = "clamp_correct_answer"
	ActionSynthesizeMarker   = "synthesize_blank_marker"
	ActionDedupeBlankIDs     = "dedupe_blank_ids"
)

// AttemptRepair applies the priority-ordered deterministic fix-ups to data
// that failed validation, then re-validates exactly once. Valid input is
// returned unchanged with zero entries. The input tree is never mutated;
// repairs operate on a deep copy.
func AttemptRepair(data any, s *JSONSchema) (any, []RepairEntry, *Result) {
	if res := ValidateStrict(data, s); res.Valid() {
		return data, nil, res
	}

	work := deepCopy(data)
	var entries []RepairEntry

	r := &repairer{schema: s}
	entries = append(entries, r.trimWhitespace(work, "$")...)
	entries = append(entries, r.coerceTypes(&work, s, "$")...)
	entries = append(entries, r.syntheticIDs(work, "$")...)
	entries = append(entries, r.clampAnswers(work, "$")...)
	entries = append(entries, r.dedupeBlankIDs(work, "$")...)
	entries = append(entries, r.synthesizeMarkers(work, "$")...)

	return work, entries, ValidateStrict(work, s)
}

type repairer struct {
	schema *JSONSchema
}

// trimWhitespace trims every string in the tree, recording only actual
// changes. Runs first so later fix-ups see normalized values.
func (r *repairer) trimWhitespace(data any, path string) []RepairEntry {
	var entries []RepairEntry
	switch v := data.(type) {
	case map[string]any:
		for key, value := range v {
			child := joinPath(path, key)
			if str, ok := value.(string); ok {
				if trimmed := strings.TrimSpace(str); trimmed != str {
					v[key] = trimmed
					entries = append(entries, RepairEntry{Path: child, Action: ActionTrimWhitespace, OriginalValue: str, RepairedValue: trimmed})
				}
				continue
			}
			entries = append(entries, r.trimWhitespace(value, child)...)
		}
	case []any:
		for i, item := range v {
			child := fmt.Sprintf("%s[%d]", path, i)
			if str, ok := item.(string); ok {
				if trimmed := strings.TrimSpace(str); trimmed != str {
					v[i] = trimmed
					entries = append(entries, RepairEntry{Path: child, Action: ActionTrimWhitespace, OriginalValue: str, RepairedValue: trimmed})
				}
				continue
			}
			entries = append(entries, r.trimWhitespace(item, child)...)
		}
	}
	return entries
}

// coerceTypes converts string⇄number where a type mismatch is the only
// problem at that path, guided by the schema.
func (r *repairer) coerceTypes(data *any, s *JSONSchema, path string) []RepairEntry {
	if s == nil {
		return nil
	}
	var entries []RepairEntry

	switch s.Type {
	case TypeObject:
		obj, ok := (*data).(map[string]any)
		if !ok {
			return nil
		}
		for name, prop := range s.Properties {
			value, present := obj[name]
			if !present {
				continue
			}
			child := joinPath(path, name)
			entries = append(entries, r.coerceTypes(&value, prop, child)...)
			obj[name] = value
		}
	case TypeArray:
		arr, ok := (*data).([]any)
		if !ok {
			return nil
		}
		for i := range arr {
			child := fmt.Sprintf("%s[%d]", path, i)
			entries = append(entries, r.coerceTypes(&arr[i], s.Items, child)...)
		}
	case TypeInteger, TypeNumber:
		if str, ok := (*data).(string); ok {
			if num, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
				*data = num
				entries = append(entries, RepairEntry{Path: path, Action: ActionCoerceType, OriginalValue: str, RepairedValue: num})
			}
		}
	case TypeString:
		if num, ok := (*data).(float64); ok {
			str := strconv.FormatFloat(num, 'f', -1, 64)
			*data = str
			entries = append(entries, RepairEntry{Path: path, Action: ActionCoerceType, OriginalValue: num, RepairedValue: str})
		}
	}
	return entries
}

// syntheticIDs fills empty "id" fields with generated identifiers.
func (r *repairer) syntheticIDs(data any, path string) []RepairEntry {
	var entries []RepairEntry
	switch v := data.(type) {
	case map[string]any:
		if id, ok := v["id"].(string); ok && id == "" {
			generated := uuid.NewString()
			v["id"] = generated
			entries = append(entries, RepairEntry{Path: joinPath(path, "id"), Action: ActionSyntheticID, OriginalValue: "", RepairedValue: generated})
		}
		for key, value := range v {
			entries = append(entries, r.syntheticIDs(value, joinPath(path, key))...)
		}
	case []any:
		for i, item := range v {
			entries = append(entries, r.syntheticIDs(item, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}
	return entries
}

// clampAnswers clamps an out-of-range correctAnswer index into the valid
// option range wherever an object carries both fields.
func (r *repairer) clampAnswers(data any, path string) []RepairEntry {
	var entries []RepairEntry
	switch v := data.(type) {
	case map[string]any:
		options, hasOptions := v["options"].([]any)
		if answer, ok := v["correctAnswer"].(float64); ok && hasOptions && len(options) > 0 {
			max := float64(len(options) - 1)
			clamped := answer
			if clamped < 0 {
				clamped = 0
			}
			if clamped > max {
				clamped = max
			}
			if clamped != answer {
				v["correctAnswer"] = clamped
				entries = append(entries, RepairEntry{
					Path: joinPath(path, "correctAnswer"), Action: ActionClampCorrectAnswer,
					OriginalValue: answer, RepairedValue: clamped,
				})
			}
		}
		for key, value := range v {
			entries = append(entries, r.clampAnswers(value, joinPath(path, key))...)
		}
	case []any:
		for i, item := range v {
			entries = append(entries, r.clampAnswers(item, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}
	return entries
}

// dedupeBlankIDs renames colliding blank ids, preserving array order and all
// other fields. New names take the lowest free "blank-N" suffix.
func (r *repairer) dedupeBlankIDs(data any, path string) []RepairEntry {
	var entries []RepairEntry
	switch v := data.(type) {
	case map[string]any:
		if blanks, ok := v["blanks"].([]any); ok {
			seen := make(map[string]bool)
			for _, item := range blanks {
				if blank, ok := item.(map[string]any); ok {
					if id, ok := blank["id"].(string); ok && !seen[id] {
						seen[id] = true
					}
				}
			}
			used := make(map[string]bool)
			for i, item := range blanks {
				blank, ok := item.(map[string]any)
				if !ok {
					continue
				}
				id, _ := blank["id"].(string)
				if id == "" || !used[id] {
					used[id] = true
					continue
				}
				next := 1
				var fresh string
				for {
					fresh = fmt.Sprintf("blank-%d", next)
					if !seen[fresh] && !used[fresh] {
						break
					}
					next++
				}
				blank["id"] = fresh
				used[fresh] = true
				seen[fresh] = true
				entries = append(entries, RepairEntry{
					Path: fmt.Sprintf("%s[%d].id", joinPath(path, "blanks"), i), Action: ActionDedupeBlankIDs,
					OriginalValue: id, RepairedValue: fresh,
				})
			}
		}
		for key, value := range v {
			entries = append(entries, r.dedupeBlankIDs(value, joinPath(path, key))...)
		}
	case []any:
		for i, item := range v {
			entries = append(entries, r.dedupeBlankIDs(item, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}
	return entries
}

// synthesizeMarkers appends a {{id}} marker to fill-blanks text for every
// blank whose marker is missing. Runs after dedupe so markers use final ids.
func (r *repairer) synthesizeMarkers(data any, path string) []RepairEntry {
	var entries []RepairEntry
	switch v := data.(type) {
	case map[string]any:
		text, hasText := v["text"].(string)
		if blanks, ok := v["blanks"].([]any); ok && hasText {
			original := text
			for _, item := range blanks {
				blank, ok := item.(map[string]any)
				if !ok {
					continue
				}
				id, _ := blank["id"].(string)
				if id == "" {
					continue
				}
				marker := "{{" + id + "}}"
				if !strings.Contains(text, marker) {
					text = strings.TrimRight(text, " ") + " " + marker
				}
			}
			if text != original {
				v["text"] = text
				entries = append(entries, RepairEntry{
					Path: joinPath(path, "text"), Action: ActionSynthesizeMarker,
					OriginalValue: original, RepairedValue: text,
				})
			}
		}
		for key, value := range v {
			entries = append(entries, r.synthesizeMarkers(value, joinPath(path, key))...)
		}
	case []any:
		for i, item := range v {
			entries = append(entries, r.synthesizeMarkers(item, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}
	return entries
}

func deepCopy(data any) any {
	switch v := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			out[key] = deepCopy(value)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
