package pipeline

import (
	"fmt"
	"strings"

	"github.com/capsulekit/capsulegen/llm"
	"github.com/capsulekit/capsulegen/schema"
)

const (
	outlineSystemPrompt = "You are an instructional designer creating a course capsule. " +
		"Design a coherent module structure with realistic lesson counts. " +
		"Ground every module in the provided source material; never invent topics the material does not cover."

	planSystemPrompt = "You are an instructional designer detailing one course module. " +
		"Produce exactly the requested number of lessons, mixing lesson types to fit each learning objective."

	contentSystemPrompt = "You are an expert course author. Write complete, specific lesson content. " +
		"Never emit placeholder text such as 'Option A' or 'explanation here'."
)

// buildOutlineRequest assembles the stage-1 request. PDF sources ride along
// as a document attachment; topic sources become part of the prompt.
func buildOutlineRequest(model string, source *Source) *llm.Request {
	req := &llm.Request{
		Model:      model,
		Schema:     schema.OutlineSchema().MustJSON(),
		SchemaName: "capsule_outline",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: outlineSystemPrompt},
		},
	}

	if len(source.PDF) > 0 {
		req.Document = &llm.Document{Data: source.PDF, MimeType: source.MimeType, Name: "source.pdf"}
		req.Messages = append(req.Messages, llm.Message{
			Role:    llm.RoleUser,
			Content: "Create a course outline covering the attached document. Split the material into modules and give each a lesson count proportional to its depth.",
		})
		return req
	}

	req.Messages = append(req.Messages, llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("Create a course outline for the topic: %s. Split it into modules and give each a lesson count proportional to its depth.", source.Topic),
	})
	return req
}

// buildPlanRequest assembles the stage-2 request for one module. The full
// outline rides along so the plan stays consistent with sibling modules.
func buildPlanRequest(model string, outline *schema.Outline, module schema.OutlineModule) *llm.Request {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Course: %s\n%s\n\nAll modules:\n", outline.Title, outline.Description)
	for _, m := range outline.Modules {
		fmt.Fprintf(&sb, "- %s (%d lessons)\n", m.Title, m.LessonCount)
	}
	fmt.Fprintf(&sb, "\nPlan the module %q (%s) with exactly %d lessons. Give each lesson a title, a lessonType, and a one-sentence learning objective.",
		module.Title, module.Description, module.LessonCount)

	return &llm.Request{
		Model:      model,
		Schema:     schema.LessonPlanSchema().MustJSON(),
		SchemaName: "module_lesson_plan",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: planSystemPrompt},
			{Role: llm.RoleUser, Content: sb.String()},
		},
	}
}

// buildContentRequest assembles the stage-3 request for one lesson. The
// schema is keyed by the lesson's generation type, so mixed lessons get
// concept content.
func buildContentRequest(model string, outline *schema.Outline, moduleTitle string, plan schema.PlannedLesson) *llm.Request {
	genType := plan.LessonType.GenerationType()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Course: %s\nModule: %s\nLesson: %s\nObjective: %s\n\n",
		outline.Title, moduleTitle, plan.Title, plan.Objective)

	switch genType {
	case schema.LessonMCQ:
		sb.WriteString("Write one multiple-choice question testing the objective. Provide 3-5 plausible options, the zero-based index of the correct one, and an explanation.")
	case schema.LessonFillBlanks:
		sb.WriteString("Write a short fill-in-the-blanks exercise. Mark each blank in the text with a {{blank-id}} marker and list every blank with its id, answer, and an optional hint. Blank ids must be unique.")
	case schema.LessonDragDrop:
		sb.WriteString("Write a matching exercise. Provide draggable items, drop targets, and the correct item-target pairs. All ids must be unique.")
	case schema.LessonSimulation:
		sb.WriteString("Write a guided scenario walkthrough. Describe the scenario, then each step with a prompt, the expected learner action, and feedback.")
	default:
		sb.WriteString("Write the lesson body in clear expository prose, then list the key points and a one-paragraph summary.")
	}

	return &llm.Request{
		Model:      model,
		Schema:     schema.ContentSchemaFor(genType).MustJSON(),
		SchemaName: "lesson_content",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: contentSystemPrompt},
			{Role: llm.RoleUser, Content: sb.String()},
		},
	}
}
