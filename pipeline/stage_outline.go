package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capsulekit/capsulegen/llm"
	"github.com/capsulekit/capsulegen/schema"
)

// runOutline executes stage one: a single structured call that turns the
// source material into a module outline, fixing the job's planned totals for
// the rest of the run.
func (o *Orchestrator) runOutline(ctx context.Context, task Task) error {
	job, err := o.loadJobForStage(ctx, task)
	if err != nil {
		return err
	}
	if job.State != StateIdle && job.State != StateGeneratingOutline {
		return errAbandoned
	}
	if job.State == StateIdle {
		job, err = o.updateJob(ctx, job, Patch{State: ptr(StateGeneratingOutline)})
		if err != nil {
			return err
		}
	}

	source, err := o.sources.SourceFor(ctx, task.SubjectID)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	if source.Empty() {
		return llm.NewError(llm.ErrCategoryValidation, "subject has no source material")
	}

	if len(source.PDF) > 0 {
		provider, perr := o.clients.ProviderFor(FeatureOutline)
		if perr != nil {
			return perr
		}
		if !provider.Capabilities().NativePDF {
			if source.Topic == "" {
				return llm.NewError(llm.ErrCategoryConfig,
					fmt.Sprintf("provider %q cannot read PDF sources and the subject has no topic", provider.Name()))
			}
			// Degrade to the topic; the provider never sees the document.
			o.logger.Warn("provider lacks native PDF support, using topic only",
				zap.String("provider", provider.Name()),
				zap.String("job_id", job.ID),
			)
			source = &Source{Topic: source.Topic}
		}
	}

	var outline schema.Outline
	usage, err := o.generateStructured(ctx, FeatureOutline, buildOutlineRequest("", source), schema.OutlineSchema(), &outline)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(&outline)
	if err != nil {
		return fmt.Errorf("encode outline: %w", err)
	}

	_, err = o.updateJob(ctx, job, Patch{
		State:          ptr(StateOutlineComplete),
		ModulesPlanned: ptr(len(outline.Modules)),
		LessonsPlanned: ptr(outline.TotalLessons()),
		OutlineJSON:    ptr(string(raw)),
		TokensDelta:    int64(usage.TotalTokens),
	})
	if err != nil {
		return err
	}

	o.logger.Info("outline generated",
		zap.String("job_id", job.ID),
		zap.Int("modules", len(outline.Modules)),
		zap.Int("lessons", outline.TotalLessons()),
	)

	return o.scheduler.Enqueue(ctx, Task{JobID: job.ID, SubjectID: task.SubjectID, Stage: StageLessonPlans})
}

// updateJob applies a version-checked patch using the job's current version.
// Losing the race or hitting a terminal record means another actor owns the
// job now; both map to abandonment.
func (o *Orchestrator) updateJob(ctx context.Context, job *Job, patch Patch) (*Job, error) {
	updated, err := o.store.Update(ctx, job.ID, job.Version, patch)
	if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrTerminalState) || errors.Is(err, ErrJobNotFound) {
		return nil, errAbandoned
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func ptr[T any](v T) *T { return &v }
