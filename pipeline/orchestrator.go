package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capsulekit/capsulegen/llm"
	"github.com/capsulekit/capsulegen/llm/tokenizer"
	"github.com/capsulekit/capsulegen/schema"
)

// Defaults for stage-3 batching and per-lesson retries.
const (
	DefaultLessonsPerBatch  = 5
	DefaultLessonAttempts   = 3
	DefaultLessonRetryDelay = 1000 * time.Millisecond
)

// Observer receives pipeline lifecycle events for metrics. All methods must
// be non-blocking.
type Observer interface {
	StageFinished(stage Stage, outcome string, elapsed time.Duration)
	LessonGenerated(lessonType string, fallback bool)
	RepairApplied(action string)
}

type nopObserver struct{}

func (nopObserver) StageFinished(Stage, string, time.Duration) {}
func (nopObserver) LessonGenerated(string, bool)               {}
func (nopObserver) RepairApplied(string)                       {}

// Options configures an Orchestrator. Zero values select defaults.
type Options struct {
	LessonsPerBatch  int
	LessonAttempts   int
	LessonRetryDelay time.Duration
	Observer         Observer
	Counter          tokenizer.Counter
	Logger           *zap.Logger
}

// Orchestrator drives generation jobs through the pipeline. It owns no
// state of its own: every invocation loads the job record, does one bounded
// slice of work, persists, and either schedules the next slice or stops.
type Orchestrator struct {
	store     Store
	scheduler Scheduler
	clients   ClientSource
	repairer  *schema.Repairer
	sources   SourceProvider
	persister ContentPersister
	observer  Observer
	counter   tokenizer.Counter
	logger    *zap.Logger

	lessonsPerBatch  int
	lessonAttempts   int
	lessonRetryDelay time.Duration
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(
	store Store,
	scheduler Scheduler,
	clients ClientSource,
	repairer *schema.Repairer,
	sources SourceProvider,
	persister ContentPersister,
	opts Options,
) *Orchestrator {
	if opts.LessonsPerBatch <= 0 {
		opts.LessonsPerBatch = DefaultLessonsPerBatch
	}
	if opts.LessonAttempts <= 0 {
		opts.LessonAttempts = DefaultLessonAttempts
	}
	if opts.LessonRetryDelay <= 0 {
		opts.LessonRetryDelay = DefaultLessonRetryDelay
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Counter == nil {
		opts.Counter = tokenizer.NewTiktokenCounter("")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		store:            store,
		scheduler:        scheduler,
		clients:          clients,
		repairer:         repairer,
		sources:          sources,
		persister:        persister,
		observer:         opts.Observer,
		counter:          opts.Counter,
		logger:           opts.Logger.With(zap.String("component", "orchestrator")),
		lessonsPerBatch:  opts.LessonsPerBatch,
		lessonAttempts:   opts.LessonAttempts,
		lessonRetryDelay: opts.LessonRetryDelay,
	}
}

// Start begins generation for a subject: it cancels any in-flight job for
// the same subject, creates a fresh job, and schedules the outline stage.
// Returns the new job id.
func (o *Orchestrator) Start(ctx context.Context, subjectID string) (string, error) {
	source, err := o.sources.SourceFor(ctx, subjectID)
	if err != nil {
		return "", fmt.Errorf("load source: %w", err)
	}
	if source.Empty() {
		return "", ErrNoSource
	}

	if _, err := o.store.CancelAllForSubject(ctx, subjectID); err != nil {
		return "", err
	}

	job, err := o.store.Create(ctx, subjectID)
	if err != nil {
		return "", err
	}

	if err := o.persister.SetStatus(ctx, subjectID, "generating", ""); err != nil {
		o.logger.Warn("subject status update failed", zap.String("subject_id", subjectID), zap.Error(err))
	}

	task := Task{JobID: job.ID, SubjectID: subjectID, Stage: StageOutline}
	if err := o.scheduler.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("schedule outline stage: %w", err)
	}

	o.logger.Info("generation started",
		zap.String("job_id", job.ID),
		zap.String("subject_id", subjectID),
	)
	return job.ID, nil
}

// Cancel marks every non-terminal job for the subject cancelled. In-flight
// stage handlers notice through IsValid and abandon their work.
func (o *Orchestrator) Cancel(ctx context.Context, subjectID string) (int64, error) {
	return o.store.CancelAllForSubject(ctx, subjectID)
}

// Status is the polling view of a job. LastError carries only the sanitized
// user-facing message; raw provider errors and category codes stay in the
// job record for operators.
type Status struct {
	Found            bool       `json:"found"`
	JobID            string     `json:"jobId,omitempty"`
	SubjectID        string     `json:"subjectId,omitempty"`
	State            State      `json:"state,omitempty"`
	Progress         int        `json:"progress"`
	ModulesPlanned   int        `json:"modulesPlanned,omitempty"`
	ModulesCompleted int        `json:"modulesCompleted,omitempty"`
	LessonsPlanned   int        `json:"lessonsPlanned,omitempty"`
	LessonsCompleted int        `json:"lessonsCompleted,omitempty"`
	StartedAt        time.Time  `json:"startedAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
}

// GetStatus reports the state of a job by id. A missing job yields a stable
// not-found status, never an error: pollers must be able to outlive jobs.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (Status, error) {
	job, err := o.store.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return Status{Found: false}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return statusOf(job), nil
}

// GetStatusForSubject reports the newest job for a subject.
func (o *Orchestrator) GetStatusForSubject(ctx context.Context, subjectID string) (Status, error) {
	job, err := o.store.GetLatestForSubject(ctx, subjectID)
	if errors.Is(err, ErrJobNotFound) {
		return Status{Found: false}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return statusOf(job), nil
}

func statusOf(job *Job) Status {
	lastError := ""
	if job.LastError != "" {
		lastError = userFacingMessage(job.LastErrorCode)
	}
	return Status{
		Found:            true,
		JobID:            job.ID,
		SubjectID:        job.SubjectID,
		State:            job.State,
		Progress:         job.Progress(),
		ModulesPlanned:   job.ModulesPlanned,
		ModulesCompleted: job.ModulesCompleted,
		LessonsPlanned:   job.LessonsPlanned,
		LessonsCompleted: job.LessonsCompleted,
		StartedAt:        job.StartedAt,
		UpdatedAt:        job.UpdatedAt,
		CompletedAt:      job.CompletedAt,
		LastError:        lastError,
	}
}

// HandleTask dispatches a scheduled task to its stage handler. Stage errors
// are funneled into the job record here; only infrastructure failures (store
// unreachable) propagate to the scheduler.
func (o *Orchestrator) HandleTask(ctx context.Context, task Task) error {
	started := time.Now()
	var err error
	switch task.Stage {
	case StageOutline:
		err = o.runOutline(ctx, task)
	case StageLessonPlans:
		err = o.runLessonPlans(ctx, task)
	case StageContent:
		err = o.runContentBatch(ctx, task)
	case StageFinalize:
		err = o.runFinalize(ctx, task)
	default:
		return fmt.Errorf("unknown stage %q", task.Stage)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		o.failJob(ctx, task, err)
	}
	o.observer.StageFinished(task.Stage, outcome, time.Since(started))
	return nil
}

// errAbandoned signals that the job was cancelled, superseded, or lost an
// update race; the handler stops without recording a failure.
var errAbandoned = errors.New("job abandoned")

// failJob records a stage failure on the job and publishes it to the
// subject. Abandonment is not a failure.
func (o *Orchestrator) failJob(ctx context.Context, task Task, cause error) {
	if errors.Is(cause, errAbandoned) {
		o.logger.Info("stage abandoned",
			zap.String("job_id", task.JobID),
			zap.String("stage", string(task.Stage)),
		)
		return
	}

	code := string(llm.CategoryOf(cause))
	o.logger.Error("stage failed",
		zap.String("job_id", task.JobID),
		zap.String("stage", string(task.Stage)),
		zap.String("category", code),
		zap.Error(cause),
	)

	if err := o.store.MarkFailed(ctx, task.JobID, cause.Error(), code); err != nil {
		o.logger.Error("mark failed errored", zap.String("job_id", task.JobID), zap.Error(err))
	}
	if err := o.persister.SetStatus(ctx, task.SubjectID, "failed", userFacingError(cause)); err != nil {
		o.logger.Warn("subject status update failed", zap.String("subject_id", task.SubjectID), zap.Error(err))
	}
}

// userFacingError maps an internal failure to a message safe to show the
// subject owner. Raw provider errors stay in the job record.
func userFacingError(err error) string {
	return userFacingMessage(string(llm.CategoryOf(err)))
}

// userFacingMessage is the code-keyed form of userFacingError, used where
// only the stored lastErrorCode is at hand.
func userFacingMessage(code string) string {
	switch code {
	case string(llm.ErrCategoryAuth), string(llm.ErrCategoryConfig):
		return "Generation is not configured correctly. Please check the AI provider settings."
	case string(llm.ErrCategoryRateLimit):
		return "The AI provider is rate limiting requests. Please try again in a few minutes."
	case string(llm.ErrCategoryContent):
		return "The AI provider declined to process this material."
	case string(llm.ErrCategoryTimeout), string(llm.ErrCategoryNetwork), string(llm.ErrCategoryServer):
		return "The AI provider is currently unavailable. Please try again later."
	case "stalled":
		return "Generation stalled and was stopped. Please try again."
	default:
		return "Generation failed. Please try again."
	}
}

// loadJobForStage fetches the job and checks it is still worth working on.
func (o *Orchestrator) loadJobForStage(ctx context.Context, task Task) (*Job, error) {
	job, err := o.store.Get(ctx, task.JobID)
	if errors.Is(err, ErrJobNotFound) {
		return nil, errAbandoned
	}
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, errAbandoned
	}
	if job.SubjectID != task.SubjectID {
		return nil, errAbandoned
	}
	return job, nil
}

// generateStructured runs one schema-constrained call for a feature and
// coerces the output through the repair ladder into typed form.
func (o *Orchestrator) generateStructured(ctx context.Context, feature string, req *llm.Request, s *schema.JSONSchema, out any) (llm.Usage, error) {
	client, model, err := o.clients.ClientFor(feature)
	if err != nil {
		return llm.Usage{}, err
	}
	if req.Model == "" {
		req.Model = model
	}

	resp, err := client.GenerateStructured(ctx, req, llm.DefaultCallOptions())
	if err != nil {
		return llm.Usage{}, err
	}
	usage := tokenizer.EstimateUsage(o.counter, resp.Usage, req.Messages, resp.RawText)

	data, repairs, err := o.repairer.Coerce(ctx, resp.RawText, s)
	if err != nil {
		return usage, err
	}
	for _, entry := range repairs {
		o.observer.RepairApplied(entry.Action)
		o.logger.Debug("repair applied",
			zap.String("path", entry.Path),
			zap.String("action", entry.Action),
		)
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return usage, fmt.Errorf("re-encode coerced payload: %w", err)
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		return usage, fmt.Errorf("decode %s payload: %w", req.SchemaName, err)
	}
	return usage, nil
}
