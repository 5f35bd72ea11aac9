package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/capsulekit/capsulegen/schema"
)

// runLessonPlans executes stage two: one structured call per outline module,
// sequentially, producing the full lesson plan. The loop is not resumable
// mid-way; a crashed invocation restarts the stage from the first module.
func (o *Orchestrator) runLessonPlans(ctx context.Context, task Task) error {
	job, err := o.loadJobForStage(ctx, task)
	if err != nil {
		return err
	}
	if job.State != StateOutlineComplete && job.State != StateGeneratingLessonPlans {
		return errAbandoned
	}
	if job.State == StateOutlineComplete {
		job, err = o.updateJob(ctx, job, Patch{State: ptr(StateGeneratingLessonPlans)})
		if err != nil {
			return err
		}
	}

	var outline schema.Outline
	if err := json.Unmarshal([]byte(job.OutlineJSON), &outline); err != nil {
		return fmt.Errorf("decode stored outline: %w", err)
	}

	plans := make([]schema.ModuleLessonPlan, 0, len(outline.Modules))
	for i, module := range outline.Modules {
		valid, verr := o.store.IsValid(ctx, job.ID, task.SubjectID)
		if verr != nil {
			return verr
		}
		if !valid {
			return errAbandoned
		}

		var plan schema.ModuleLessonPlan
		usage, gerr := o.generateStructured(ctx, FeatureLessonPlan,
			buildPlanRequest("", &outline, module), schema.LessonPlanSchema(), &plan)
		if gerr != nil {
			return fmt.Errorf("plan module %d (%s): %w", i, module.Title, gerr)
		}

		normalizePlan(&plan, module)
		plans = append(plans, plan)

		job, err = o.updateJob(ctx, job, Patch{
			CurrentModuleIndex: ptr(i + 1),
			TokensDelta:        int64(usage.TotalTokens),
		})
		if err != nil {
			return err
		}

		o.logger.Debug("module planned",
			zap.String("job_id", job.ID),
			zap.Int("module", i),
			zap.Int("lessons", len(plan.Lessons)),
		)
	}

	raw, err := json.Marshal(plans)
	if err != nil {
		return fmt.Errorf("encode lesson plans: %w", err)
	}

	_, err = o.updateJob(ctx, job, Patch{
		State:              ptr(StateLessonPlansComplete),
		LessonPlansJSON:    ptr(string(raw)),
		CurrentModuleIndex: ptr(0),
		CurrentLessonIndex: ptr(0),
		GeneratedContent:   ptr("[]"),
	})
	if err != nil {
		return err
	}

	o.logger.Info("lesson plans generated",
		zap.String("job_id", job.ID),
		zap.Int("modules", len(plans)),
	)

	return o.scheduler.Enqueue(ctx, Task{JobID: job.ID, SubjectID: task.SubjectID, Stage: StageContent})
}

// normalizePlan forces a module plan to honor the outline contract: the
// module title sticks, unknown lesson types degrade to concept, the lesson
// list is trimmed or padded to exactly the outline's lessonCount so the
// planned totals fixed in stage one stay true.
func normalizePlan(plan *schema.ModuleLessonPlan, module schema.OutlineModule) {
	plan.ModuleTitle = module.Title

	for i := range plan.Lessons {
		if !plan.Lessons[i].LessonType.Valid() {
			plan.Lessons[i].LessonType = schema.LessonConcept
		}
	}

	if len(plan.Lessons) > module.LessonCount {
		plan.Lessons = plan.Lessons[:module.LessonCount]
	}
	for len(plan.Lessons) < module.LessonCount {
		plan.Lessons = append(plan.Lessons, schema.PlannedLesson{
			Title:      fmt.Sprintf("%s: review %d", module.Title, len(plan.Lessons)+1),
			LessonType: schema.LessonConcept,
			Objective:  fmt.Sprintf("Consolidate the key ideas of %s.", module.Title),
		})
	}
}
