package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capsulekit/capsulegen/schema"
)

// runFinalize executes stage four: hand the accumulated content to the host
// store, publish the subject, and close the job. The job reaches completed
// only after every external write succeeded.
func (o *Orchestrator) runFinalize(ctx context.Context, task Task) error {
	job, err := o.loadJobForStage(ctx, task)
	if err != nil {
		return err
	}
	if job.State != StateContentComplete {
		return errAbandoned
	}

	var outline schema.Outline
	if err := json.Unmarshal([]byte(job.OutlineJSON), &outline); err != nil {
		return fmt.Errorf("decode stored outline: %w", err)
	}
	var modules []schema.GeneratedModule
	if err := json.Unmarshal([]byte(job.GeneratedContentJSON), &modules); err != nil {
		return fmt.Errorf("decode accumulated content: %w", err)
	}

	if err := o.persister.PersistContent(ctx, task.SubjectID, modules); err != nil {
		return fmt.Errorf("persist content: %w", err)
	}
	if err := o.persister.UpdateMetadata(ctx, task.SubjectID, outline.Title, outline.Description, outline.EstimatedDuration); err != nil {
		return fmt.Errorf("update subject metadata: %w", err)
	}
	if err := o.persister.ClearSource(ctx, task.SubjectID); err != nil {
		// Source cleanup is best effort; stale source bytes are harmless.
		o.logger.Warn("source cleanup failed", zap.String("subject_id", task.SubjectID), zap.Error(err))
	}
	if err := o.persister.SetStatus(ctx, task.SubjectID, "ready", ""); err != nil {
		return fmt.Errorf("publish subject: %w", err)
	}

	now := time.Now().UTC()
	_, err = o.updateJob(ctx, job, Patch{
		State:       ptr(StateCompleted),
		CompletedAt: ptr(now),
	})
	if err != nil {
		return err
	}

	o.logger.Info("generation completed",
		zap.String("job_id", job.ID),
		zap.String("subject_id", task.SubjectID),
		zap.Int("modules", len(modules)),
		zap.Int("lessons", job.LessonsCompleted),
		zap.Int64("tokens", job.TotalTokensUsed),
	)
	return nil
}
