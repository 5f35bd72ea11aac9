// Package schema defines the canonical capsule artifacts produced by the
// generation pipeline (outline, lesson plans, lesson content), their
// structured-output schemas, and the validation and repair machinery that
// coerces LLM output into these shapes.
package schema

import (
	"encoding/json"
	"fmt"
)

// LessonType discriminates the lesson content union.
type LessonType string

const (
	LessonConcept    LessonType = "concept"
	LessonMCQ        LessonType = "mcq"
	LessonFillBlanks LessonType = "fillBlanks"
	LessonDragDrop   LessonType = "dragDrop"
	LessonSimulation LessonType = "simulation"

	// LessonMixed is a runtime-only variant for persisted composite lessons.
	// It is never requested from a provider; generation maps it to concept.
	LessonMixed LessonType = "mixed"
)

// GenerableTypes are the lesson types the pipeline asks a provider to produce.
var GenerableTypes = []LessonType{LessonConcept, LessonMCQ, LessonFillBlanks, LessonDragDrop, LessonSimulation}

// GenerationType maps a lesson type to the one actually requested from the
// provider. Mixed lessons are generated as concept and recomposed later.
func (t LessonType) GenerationType() LessonType {
	if t == LessonMixed {
		return LessonConcept
	}
	return t
}

// Valid reports whether t is a known lesson type, including mixed.
func (t LessonType) Valid() bool {
	switch t {
	case LessonConcept, LessonMCQ, LessonFillBlanks, LessonDragDrop, LessonSimulation, LessonMixed:
		return true
	}
	return false
}

// Outline is the stage-1 artifact: the capsule skeleton with per-module
// lesson counts and no lesson detail yet.
type Outline struct {
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	EstimatedDuration int             `json:"estimatedDuration"` // minutes
	Modules           []OutlineModule `json:"modules"`
}

// OutlineModule is one planned module inside an outline.
type OutlineModule struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	LessonCount int    `json:"lessonCount"`
}

// TotalLessons sums the planned lesson counts across modules.
func (o *Outline) TotalLessons() int {
	total := 0
	for _, m := range o.Modules {
		total += m.LessonCount
	}
	return total
}

// ModuleLessonPlan is the stage-2 artifact: the per-module list of lessons
// with types and learning objectives.
type ModuleLessonPlan struct {
	ModuleTitle string          `json:"moduleTitle"`
	Lessons     []PlannedLesson `json:"lessons"`
}

// PlannedLesson is one lesson slot inside a module plan.
type PlannedLesson struct {
	Title      string     `json:"title"`
	LessonType LessonType `json:"lessonType"`
	Objective  string     `json:"objective"`
}

// ConceptContent is expository lesson content.
type ConceptContent struct {
	Body      string   `json:"body"`
	KeyPoints []string `json:"keyPoints,omitempty"`
	Summary   string   `json:"summary,omitempty"`
}

// MCQContent is a multiple-choice question.
type MCQContent struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"` // index into Options
	Explanation   string   `json:"explanation"`
}

// Blank is one gap in a fill-in-the-blanks exercise.
type Blank struct {
	ID     string `json:"id"`
	Answer string `json:"answer"`
	Hint   string `json:"hint,omitempty"`
}

// FillBlanksContent is a cloze exercise. Text contains {{id}} markers, one
// per blank.
type FillBlanksContent struct {
	Text   string  `json:"text"`
	Blanks []Blank `json:"blanks"`
}

// DragDropItem is a draggable element.
type DragDropItem struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// DragDropTarget is a drop zone.
type DragDropTarget struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// DragDropPair maps an item onto its correct target.
type DragDropPair struct {
	ItemID   string `json:"itemId"`
	TargetID string `json:"targetId"`
}

// DragDropContent is a matching exercise.
type DragDropContent struct {
	Instruction string           `json:"instruction"`
	Items       []DragDropItem   `json:"items"`
	Targets     []DragDropTarget `json:"targets"`
	Pairs       []DragDropPair   `json:"pairs"`
}

// SimulationStep is one turn of a guided scenario.
type SimulationStep struct {
	Prompt         string `json:"prompt"`
	ExpectedAction string `json:"expectedAction"`
	Feedback       string `json:"feedback"`
}

// SimulationContent is a scenario walkthrough.
type SimulationContent struct {
	Scenario string           `json:"scenario"`
	Steps    []SimulationStep `json:"steps"`
}

// GeneratedLesson is one produced lesson. Content is a tagged union keyed by
// Type; the raw JSON is retained so the union round-trips losslessly.
type GeneratedLesson struct {
	Title   string          `json:"title"`
	Type    LessonType      `json:"type"`
	Content json.RawMessage `json:"content"`
}

// DecodeContent unmarshals the content union into its variant struct.
func (l *GeneratedLesson) DecodeContent() (any, error) {
	decode := func(v any) (any, error) {
		if err := json.Unmarshal(l.Content, v); err != nil {
			return nil, fmt.Errorf("decode %s content: %w", l.Type, err)
		}
		return v, nil
	}
	switch l.Type.GenerationType() {
	case LessonConcept:
		return decode(&ConceptContent{})
	case LessonMCQ:
		return decode(&MCQContent{})
	case LessonFillBlanks:
		return decode(&FillBlanksContent{})
	case LessonDragDrop:
		return decode(&DragDropContent{})
	case LessonSimulation:
		return decode(&SimulationContent{})
	default:
		return nil, fmt.Errorf("unknown lesson type %q", l.Type)
	}
}

// GeneratedModule groups produced lessons; these accumulate across stage-3
// batches inside the job record until finalization hands them off.
type GeneratedModule struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Lessons     []GeneratedLesson `json:"lessons"`
}
