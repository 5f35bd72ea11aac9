package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulekit/capsulegen/llm"
)

func TestCleanPayload_StripsFences(t *testing.T) {
	raw := "```json\n{\"body\": \"text\"}\n```"
	assert.Equal(t, `{"body": "text"}`, CleanPayload(raw))

	raw = "```\n[1, 2]\n```"
	assert.Equal(t, "[1, 2]", CleanPayload(raw))
}

func TestCleanPayload_ExtractsBalancedSpan(t *testing.T) {
	raw := `Sure, here is the JSON you asked for: {"a": {"b": [1, 2]}} hope it helps!`
	assert.Equal(t, `{"a": {"b": [1, 2]}}`, CleanPayload(raw))
}

func TestCleanPayload_RespectsStringsWithBraces(t *testing.T) {
	raw := `prefix {"text": "a } inside a string", "n": 1} suffix`
	assert.Equal(t, `{"text": "a } inside a string", "n": 1}`, CleanPayload(raw))
}

func TestCleanPayload_PassesValidJSONThrough(t *testing.T) {
	raw := `{"already": "clean"}`
	assert.Equal(t, raw, CleanPayload(raw))
}

func TestCleanPayload_NoJSONReturnsInput(t *testing.T) {
	raw := "no json here at all"
	assert.Equal(t, raw, CleanPayload(raw))
}

func TestRepairer_CoerceValidPassesThrough(t *testing.T) {
	r := NewRepairer(nil, 1, nil)

	data, entries, err := r.Coerce(context.Background(), `{"body": "fine"}`, ContentSchemaFor(LessonConcept))

	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, "fine", data.(map[string]any)["body"])
}

func TestRepairer_CoerceUsesDeterministicRepair(t *testing.T) {
	r := NewRepairer(nil, 1, nil)
	payload := "```json\n{\"question\": \"Q?\", \"options\": [\"a\", \"b\"], \"correctAnswer\": 9, \"explanation\": \"e\"}\n```"

	data, entries, err := r.Coerce(context.Background(), payload, ContentSchemaFor(LessonMCQ))

	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, ActionClampCorrectAnswer, entries[0].Action)
	assert.Equal(t, float64(1), data.(map[string]any)["correctAnswer"])
}

func TestRepairer_CoerceFailsWithoutClient(t *testing.T) {
	// Missing required fields cannot be repaired deterministically, and with
	// no client the AI ladder is unavailable.
	r := NewRepairer(nil, 3, nil)

	_, _, err := r.Coerce(context.Background(), `{"wrong": true}`, ContentSchemaFor(LessonConcept))

	require.Error(t, err)
	assert.Equal(t, llm.ErrCategoryValidation, llm.CategoryOf(err))
}
