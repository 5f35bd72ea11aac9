package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capsulekit/capsulegen/llm"
	"github.com/capsulekit/capsulegen/schema"
)

// RegenerateRequest identifies one persisted lesson to rebuild in place.
type RegenerateRequest struct {
	SubjectID   string
	LessonID    string
	CourseTitle string
	ModuleTitle string
	Lesson      schema.PlannedLesson
}

// RegenerateLesson re-runs content generation for a single persisted lesson
// and overwrites it on success. Unlike the batch path there is no fallback:
// the caller asked for real content, so exhausted attempts surface as an
// error and the existing lesson stays untouched.
func (o *Orchestrator) RegenerateLesson(ctx context.Context, req RegenerateRequest) (*schema.GeneratedLesson, error) {
	if req.SubjectID == "" || req.LessonID == "" {
		return nil, llm.NewError(llm.ErrCategoryValidation, "subject id and lesson id are required")
	}
	if req.Lesson.Title == "" {
		return nil, llm.NewError(llm.ErrCategoryValidation, "lesson title is required")
	}
	if !req.Lesson.LessonType.Valid() {
		return nil, llm.NewError(llm.ErrCategoryValidation,
			fmt.Sprintf("unknown lesson type %q", req.Lesson.LessonType))
	}

	outline := &schema.Outline{Title: req.CourseTitle}
	genType := req.Lesson.LessonType.GenerationType()

	var lastErr error
	for attempt := 1; attempt <= o.lessonAttempts; attempt++ {
		if attempt > 1 {
			delay := o.lessonRetryDelay * time.Duration(attempt-1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var content json.RawMessage
		_, err := o.generateStructured(ctx, FeatureContent,
			buildContentRequest("", outline, req.ModuleTitle, req.Lesson),
			schema.ContentSchemaFor(genType), &content)
		if err != nil {
			lastErr = err
			o.logger.Warn("lesson regeneration attempt failed",
				zap.String("lesson_id", req.LessonID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			switch llm.CategoryOf(err) {
			case llm.ErrCategoryAuth, llm.ErrCategoryConfig:
				return nil, err
			}
			continue
		}

		lesson := schema.GeneratedLesson{Title: req.Lesson.Title, Type: genType, Content: content}
		if perr := o.persister.ReplaceLesson(ctx, req.SubjectID, req.LessonID, lesson); perr != nil {
			return nil, fmt.Errorf("replace lesson: %w", perr)
		}
		o.observer.LessonGenerated(string(genType), false)
		o.logger.Info("lesson regenerated",
			zap.String("subject_id", req.SubjectID),
			zap.String("lesson_id", req.LessonID),
			zap.Int("attempt", attempt),
		)
		return &lesson, nil
	}

	return nil, fmt.Errorf("regenerate lesson %s: attempts exhausted: %w", req.LessonID, lastErr)
}
