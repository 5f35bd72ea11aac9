package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptRepair_NoOpOnValidInput(t *testing.T) {
	data := decode(t, `{
		"question": "Q?",
		"options": ["a", "b"],
		"correctAnswer": 1,
		"explanation": "because"
	}`)

	repaired, entries, res := AttemptRepair(data, ContentSchemaFor(LessonMCQ))

	assert.True(t, res.Valid())
	assert.Empty(t, entries)
	assert.Equal(t, data, repaired)
}

func TestAttemptRepair_ClampsCorrectAnswer(t *testing.T) {
	data := decode(t, `{
		"question": "Pick one",
		"options": ["a", "b", "c", "d"],
		"correctAnswer": 7,
		"explanation": "because"
	}`)

	repaired, entries, res := AttemptRepair(data, ContentSchemaFor(LessonMCQ))

	require.True(t, res.Valid())
	require.Len(t, entries, 1)
	assert.Equal(t, ActionClampCorrectAnswer, entries[0].Action)
	assert.Equal(t, float64(7), entries[0].OriginalValue)
	assert.Equal(t, float64(3), entries[0].RepairedValue)

	obj := repaired.(map[string]any)
	assert.Equal(t, float64(3), obj["correctAnswer"])
}

func TestAttemptRepair_DedupesBlankIDs(t *testing.T) {
	data := decode(t, `{
		"text": "Fill {{blank-1}} here.",
		"blanks": [
			{"id": "blank-1", "answer": "x"},
			{"id": "blank-1", "answer": "y"}
		]
	}`)

	repaired, entries, res := AttemptRepair(data, ContentSchemaFor(LessonFillBlanks))

	require.True(t, res.Valid())

	obj := repaired.(map[string]any)
	blanks := obj["blanks"].([]any)
	first := blanks[0].(map[string]any)
	second := blanks[1].(map[string]any)

	assert.Equal(t, "blank-1", first["id"])
	assert.Equal(t, "blank-2", second["id"])
	assert.Equal(t, "y", second["answer"], "non-id fields survive the rename")

	// The renamed blank also got a synthesized marker in the text.
	text := obj["text"].(string)
	assert.Contains(t, text, "{{blank-1}}")
	assert.Contains(t, text, "{{blank-2}}")

	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, ActionDedupeBlankIDs)
	assert.Contains(t, actions, ActionSynthesizeMarker)
}

func TestAttemptRepair_TrimAndCoerce(t *testing.T) {
	data := decode(t, `{
		"title": "  Padded  ",
		"description": "d",
		"estimatedDuration": "90",
		"modules": [{"title": "M", "description": "d", "lessonCount": 2}]
	}`)

	repaired, entries, res := AttemptRepair(data, OutlineSchema())

	require.True(t, res.Valid())

	obj := repaired.(map[string]any)
	assert.Equal(t, "Padded", obj["title"])
	assert.Equal(t, float64(90), obj["estimatedDuration"])

	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, ActionTrimWhitespace)
	assert.Contains(t, actions, ActionCoerceType)
}

func TestAttemptRepair_SyntheticIDs(t *testing.T) {
	data := decode(t, `{
		"text": "Fill {{blank-1}} please.",
		"blanks": [
			{"id": "blank-1", "answer": "x"},
			{"id": "", "answer": "y"}
		]
	}`)

	repaired, entries, _ := AttemptRepair(data, ContentSchemaFor(LessonFillBlanks))

	obj := repaired.(map[string]any)
	blanks := obj["blanks"].([]any)
	second := blanks[1].(map[string]any)
	assert.NotEmpty(t, second["id"])

	found := false
	for _, e := range entries {
		if e.Action == ActionSyntheticID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAttemptRepair_DoesNotMutateInput(t *testing.T) {
	raw := `{
		"question": "Pick",
		"options": ["a", "b"],
		"correctAnswer": 5,
		"explanation": "e"
	}`
	data := decode(t, raw)

	_, _, res := AttemptRepair(data, ContentSchemaFor(LessonMCQ))
	require.True(t, res.Valid())

	// Input tree still carries the original out-of-range value.
	assert.Equal(t, float64(5), data.(map[string]any)["correctAnswer"])
}

func TestAttemptRepair_RoundTripStable(t *testing.T) {
	data := decode(t, `{
		"question": "Pick one",
		"options": ["a", "b", "c"],
		"correctAnswer": 9,
		"explanation": "because"
	}`)

	repaired, entries, res := AttemptRepair(data, ContentSchemaFor(LessonMCQ))
	require.True(t, res.Valid())
	require.NotEmpty(t, entries)

	// Repairing already-repaired data changes nothing.
	again, entries2, res2 := AttemptRepair(repaired, ContentSchemaFor(LessonMCQ))
	assert.True(t, res2.Valid())
	assert.Empty(t, entries2)

	a, err := json.Marshal(repaired)
	require.NoError(t, err)
	b, err := json.Marshal(again)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}
