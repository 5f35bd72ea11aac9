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

// runContentBatch executes one stage-three slice: up to lessonsPerBatch
// lessons starting at the job's cursor. Each batch persists its results and
// advances the cursor before the next batch is scheduled, so a crash costs
// at most one batch of work and re-delivery regenerates nothing that was
// already persisted.
func (o *Orchestrator) runContentBatch(ctx context.Context, task Task) error {
	job, err := o.loadJobForStage(ctx, task)
	if err != nil {
		return err
	}
	if job.State != StateLessonPlansComplete && job.State != StateGeneratingContent {
		return errAbandoned
	}
	if job.State == StateLessonPlansComplete {
		job, err = o.updateJob(ctx, job, Patch{State: ptr(StateGeneratingContent)})
		if err != nil {
			return err
		}
	}

	var outline schema.Outline
	if err := json.Unmarshal([]byte(job.OutlineJSON), &outline); err != nil {
		return fmt.Errorf("decode stored outline: %w", err)
	}
	var plans []schema.ModuleLessonPlan
	if err := json.Unmarshal([]byte(job.LessonPlansJSON), &plans); err != nil {
		return fmt.Errorf("decode stored lesson plans: %w", err)
	}
	var modules []schema.GeneratedModule
	if job.GeneratedContentJSON != "" {
		if err := json.Unmarshal([]byte(job.GeneratedContentJSON), &modules); err != nil {
			return fmt.Errorf("decode accumulated content: %w", err)
		}
	}

	moduleIdx := job.CurrentModuleIndex
	lessonIdx := job.CurrentLessonIndex
	completed := job.LessonsCompleted
	var tokens int64

	generated := 0
	for generated < o.lessonsPerBatch && moduleIdx < len(plans) {
		valid, verr := o.store.IsValid(ctx, job.ID, task.SubjectID)
		if verr != nil {
			return verr
		}
		if !valid {
			return errAbandoned
		}

		// Open the accumulator for the module the cursor sits in.
		for len(modules) <= moduleIdx {
			next := len(modules)
			desc := ""
			if next < len(outline.Modules) {
				desc = outline.Modules[next].Description
			}
			modules = append(modules, schema.GeneratedModule{
				Title:       plans[next].ModuleTitle,
				Description: desc,
			})
		}

		plan := plans[moduleIdx].Lessons[lessonIdx]
		lesson, usage, lerr := o.generateLesson(ctx, &outline, plans[moduleIdx].ModuleTitle, plan)
		tokens += int64(usage.TotalTokens)
		if lerr != nil {
			// Fatal category: no lesson in this run can succeed.
			return lerr
		}
		modules[moduleIdx].Lessons = append(modules[moduleIdx].Lessons, lesson)
		completed++
		generated++

		lessonIdx++
		if lessonIdx >= len(plans[moduleIdx].Lessons) {
			moduleIdx++
			lessonIdx = 0
		}
	}

	raw, err := json.Marshal(modules)
	if err != nil {
		return fmt.Errorf("encode accumulated content: %w", err)
	}

	done := moduleIdx >= len(plans)
	patch := Patch{
		CurrentModuleIndex: ptr(moduleIdx),
		CurrentLessonIndex: ptr(lessonIdx),
		LessonsCompleted:   ptr(completed),
		ModulesCompleted:   ptr(moduleIdx),
		GeneratedContent:   ptr(string(raw)),
		TokensDelta:        tokens,
	}
	if done {
		patch.State = ptr(StateContentComplete)
	}
	job, err = o.updateJob(ctx, job, patch)
	if err != nil {
		return err
	}

	o.logger.Info("content batch finished",
		zap.String("job_id", job.ID),
		zap.Int("batch_lessons", generated),
		zap.Int("lessons_completed", completed),
		zap.Bool("done", done),
	)

	next := Task{JobID: job.ID, SubjectID: task.SubjectID, Stage: StageContent}
	if done {
		next.Stage = StageFinalize
	}
	return o.scheduler.Enqueue(ctx, next)
}

// generateLesson runs the bounded per-lesson retry loop: lessonAttempts
// tries with linear backoff, then a schema-valid fallback. Only failure
// categories that doom the whole run (auth, config) propagate as errors.
func (o *Orchestrator) generateLesson(ctx context.Context, outline *schema.Outline, moduleTitle string, plan schema.PlannedLesson) (schema.GeneratedLesson, llm.Usage, error) {
	genType := plan.LessonType.GenerationType()
	var total llm.Usage
	var lastErr error

	for attempt := 1; attempt <= o.lessonAttempts; attempt++ {
		if attempt > 1 {
			delay := o.lessonRetryDelay * time.Duration(attempt-1)
			select {
			case <-ctx.Done():
				return schema.GeneratedLesson{}, total, ctx.Err()
			case <-time.After(delay):
			}
		}

		var content json.RawMessage
		usage, err := o.generateStructured(ctx, FeatureContent,
			buildContentRequest("", outline, moduleTitle, plan), schema.ContentSchemaFor(genType), &content)
		total.Add(usage)
		if err == nil {
			o.observer.LessonGenerated(string(genType), false)
			return schema.GeneratedLesson{Title: plan.Title, Type: genType, Content: content}, total, nil
		}

		switch llm.CategoryOf(err) {
		case llm.ErrCategoryAuth, llm.ErrCategoryConfig:
			return schema.GeneratedLesson{}, total, err
		}
		lastErr = err
		o.logger.Warn("lesson generation attempt failed",
			zap.String("lesson", plan.Title),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	o.logger.Warn("lesson attempts exhausted, substituting fallback content",
		zap.String("lesson", plan.Title),
		zap.Error(lastErr),
	)
	fallback, err := fallbackLesson(plan)
	if err != nil {
		return schema.GeneratedLesson{}, total, err
	}
	o.observer.LessonGenerated(string(genType), true)
	return fallback, total, nil
}
