package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/capsulekit/capsulegen/schema"
)

// FallbackMarker appears in every substituted lesson so operators (and the
// regeneration endpoint) can find lessons that were not really generated.
const FallbackMarker = "[content-generation-fallback]"

// fallbackLesson builds a schema-valid placeholder for a lesson whose
// generation attempts were exhausted. The batch keeps moving; a single bad
// lesson must never sink the whole capsule.
func fallbackLesson(plan schema.PlannedLesson) (schema.GeneratedLesson, error) {
	genType := plan.LessonType.GenerationType()

	var content any
	switch genType {
	case schema.LessonMCQ:
		content = schema.MCQContent{
			Question: fmt.Sprintf("%s This question for %q could not be generated. Which action restores it?", FallbackMarker, plan.Title),
			Options: []string{
				"Regenerate this lesson",
				"Contact support",
			},
			CorrectAnswer: 0,
			Explanation:   "Automatic generation failed for this lesson. Regenerating it will produce a real question.",
		}
	case schema.LessonFillBlanks:
		content = schema.FillBlanksContent{
			Text: fmt.Sprintf("%s This exercise for %q could not be generated. To restore it, {{blank-1}} the lesson.", FallbackMarker, plan.Title),
			Blanks: []schema.Blank{
				{ID: "blank-1", Answer: "regenerate", Hint: "The action that replaces placeholder content."},
			},
		}
	case schema.LessonDragDrop:
		content = schema.DragDropContent{
			Instruction: fmt.Sprintf("%s This exercise for %q could not be generated. Match the action to its outcome.", FallbackMarker, plan.Title),
			Items: []schema.DragDropItem{
				{ID: "item-1", Label: "Regenerate lesson"},
				{ID: "item-2", Label: "Leave placeholder"},
			},
			Targets: []schema.DragDropTarget{
				{ID: "target-1", Label: "Real content appears"},
				{ID: "target-2", Label: "Placeholder remains"},
			},
			Pairs: []schema.DragDropPair{
				{ItemID: "item-1", TargetID: "target-1"},
				{ItemID: "item-2", TargetID: "target-2"},
			},
		}
	case schema.LessonSimulation:
		content = schema.SimulationContent{
			Scenario: fmt.Sprintf("%s This walkthrough for %q could not be generated.", FallbackMarker, plan.Title),
			Steps: []schema.SimulationStep{
				{
					Prompt:         "The lesson shows placeholder content. What should you do?",
					ExpectedAction: "Regenerate the lesson",
					Feedback:       "Regeneration replaces this placeholder with real content.",
				},
			},
		}
	default:
		content = schema.ConceptContent{
			Body: fmt.Sprintf("%s The content for %q could not be generated automatically. Objective: %s. Regenerate this lesson to produce it.",
				FallbackMarker, plan.Title, plan.Objective),
			KeyPoints: []string{"This is placeholder content.", "Regenerate the lesson to replace it."},
			Summary:   "Placeholder inserted after generation attempts were exhausted.",
		}
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return schema.GeneratedLesson{}, fmt.Errorf("encode fallback content: %w", err)
	}
	return schema.GeneratedLesson{
		Title:   plan.Title,
		Type:    genType,
		Content: raw,
	}, nil
}
