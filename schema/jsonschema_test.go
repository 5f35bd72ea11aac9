package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSchema_BuilderToJSON(t *testing.T) {
	s := NewObject().
		WithDescription("thing").
		AddProperty("name", NewString().WithMinLength(1)).
		AddProperty("count", NewInteger().WithMinimum(0).WithMaximum(10)).
		AddRequired("name")

	raw, err := s.ToJSON()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "object", decoded["type"])
	assert.Equal(t, []any{"name"}, decoded["required"])

	props := decoded["properties"].(map[string]any)
	assert.Contains(t, props, "name")
	assert.Contains(t, props, "count")
}

func TestJSONSchema_EnumBuilder(t *testing.T) {
	s := NewStringEnum("a", "b")

	raw := s.MustJSON()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, []any{"a", "b"}, decoded["enum"])
}

func TestArtifactSchemas_Encode(t *testing.T) {
	// Every pipeline schema must serialize; MustJSON panicking in a stage
	// would be an outage.
	assert.NotPanics(t, func() { OutlineSchema().MustJSON() })
	assert.NotPanics(t, func() { LessonPlanSchema().MustJSON() })
	for _, lt := range GenerableTypes {
		assert.NotPanics(t, func() { ContentSchemaFor(lt).MustJSON() })
		assert.NotPanics(t, func() { GeneratedLessonSchema(lt).MustJSON() })
	}
}

func TestLessonType_GenerationType(t *testing.T) {
	assert.Equal(t, LessonConcept, LessonMixed.GenerationType())
	assert.Equal(t, LessonMCQ, LessonMCQ.GenerationType())
	assert.True(t, LessonMixed.Valid())
	assert.False(t, LessonType("karaoke").Valid())
}
