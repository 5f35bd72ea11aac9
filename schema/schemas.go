package schema

// Schemas for each pipeline artifact. These are handed to the provider as
// structured-output constraints and reused by the strict validator, so both
// sides agree on one description of the shape.

// OutlineSchema constrains the stage-1 outline.
func OutlineSchema() *JSONSchema {
	module := NewObject().
		AddProperty("title", NewString().WithMinLength(1)).
		AddProperty("description", NewString()).
		AddProperty("lessonCount", NewInteger().WithMinimum(1).WithMaximum(20)).
		AddRequired("title", "description", "lessonCount")

	return NewObject().
		WithDescription("Course capsule outline").
		AddProperty("title", NewString().WithMinLength(1)).
		AddProperty("description", NewString()).
		AddProperty("estimatedDuration", NewInteger().WithMinimum(1).WithDescription("Total duration in minutes")).
		AddProperty("modules", NewArray(module).WithMinItems(1)).
		AddRequired("title", "description", "estimatedDuration", "modules")
}

// LessonPlanSchema constrains one stage-2 module plan.
func LessonPlanSchema() *JSONSchema {
	lesson := NewObject().
		AddProperty("title", NewString().WithMinLength(1)).
		AddProperty("lessonType", NewStringEnum(
			string(LessonConcept), string(LessonMCQ), string(LessonFillBlanks),
			string(LessonDragDrop), string(LessonSimulation),
		)).
		AddProperty("objective", NewString().WithMinLength(1)).
		AddRequired("title", "lessonType", "objective")

	return NewObject().
		WithDescription("Lesson plan for one module").
		AddProperty("moduleTitle", NewString().WithMinLength(1)).
		AddProperty("lessons", NewArray(lesson).WithMinItems(1)).
		AddRequired("moduleTitle", "lessons")
}

// ContentSchemaFor returns the schema for one lesson type's content payload.
// Mixed resolves to the concept schema, matching generation behavior.
func ContentSchemaFor(t LessonType) *JSONSchema {
	switch t.GenerationType() {
	case LessonMCQ:
		return mcqSchema()
	case LessonFillBlanks:
		return fillBlanksSchema()
	case LessonDragDrop:
		return dragDropSchema()
	case LessonSimulation:
		return simulationSchema()
	default:
		return conceptSchema()
	}
}

func conceptSchema() *JSONSchema {
	return NewObject().
		WithDescription("Expository lesson content").
		AddProperty("body", NewString().WithMinLength(1)).
		AddProperty("keyPoints", NewArray(NewString())).
		AddProperty("summary", NewString()).
		AddRequired("body")
}

func mcqSchema() *JSONSchema {
	return NewObject().
		WithDescription("Multiple choice question").
		AddProperty("question", NewString().WithMinLength(1)).
		AddProperty("options", NewArray(NewString().WithMinLength(1)).WithMinItems(2)).
		AddProperty("correctAnswer", NewInteger().WithMinimum(0).WithDescription("Zero-based index of the correct option")).
		AddProperty("explanation", NewString().WithMinLength(1)).
		AddRequired("question", "options", "correctAnswer", "explanation")
}

func fillBlanksSchema() *JSONSchema {
	blank := NewObject().
		AddProperty("id", NewString().WithMinLength(1)).
		AddProperty("answer", NewString().WithMinLength(1)).
		AddProperty("hint", NewString()).
		AddRequired("id", "answer")

	return NewObject().
		WithDescription("Cloze exercise; text contains one {{id}} marker per blank").
		AddProperty("text", NewString().WithMinLength(1)).
		AddProperty("blanks", NewArray(blank).WithMinItems(1)).
		AddRequired("text", "blanks")
}

func dragDropSchema() *JSONSchema {
	labelled := func() *JSONSchema {
		return NewObject().
			AddProperty("id", NewString().WithMinLength(1)).
			AddProperty("label", NewString().WithMinLength(1)).
			AddRequired("id", "label")
	}
	pair := NewObject().
		AddProperty("itemId", NewString().WithMinLength(1)).
		AddProperty("targetId", NewString().WithMinLength(1)).
		AddRequired("itemId", "targetId")

	return NewObject().
		WithDescription("Matching exercise").
		AddProperty("instruction", NewString().WithMinLength(1)).
		AddProperty("items", NewArray(labelled()).WithMinItems(2)).
		AddProperty("targets", NewArray(labelled()).WithMinItems(2)).
		AddProperty("pairs", NewArray(pair).WithMinItems(1)).
		AddRequired("instruction", "items", "targets", "pairs")
}

func simulationSchema() *JSONSchema {
	step := NewObject().
		AddProperty("prompt", NewString().WithMinLength(1)).
		AddProperty("expectedAction", NewString().WithMinLength(1)).
		AddProperty("feedback", NewString().WithMinLength(1)).
		AddRequired("prompt", "expectedAction", "feedback")

	return NewObject().
		WithDescription("Guided scenario walkthrough").
		AddProperty("scenario", NewString().WithMinLength(1)).
		AddProperty("steps", NewArray(step).WithMinItems(1)).
		AddRequired("scenario", "steps")
}

// GeneratedLessonSchema constrains a full lesson envelope (title + type +
// typed content) for callers validating persisted lessons.
func GeneratedLessonSchema(t LessonType) *JSONSchema {
	return NewObject().
		AddProperty("title", NewString().WithMinLength(1)).
		AddProperty("type", NewStringEnum(string(t))).
		AddProperty("content", ContentSchemaFor(t)).
		AddRequired("title", "type", "content")
}
