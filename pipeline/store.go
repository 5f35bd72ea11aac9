package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrJobNotFound is returned when a job id resolves to nothing.
	ErrJobNotFound = errors.New("generation job not found")

	// ErrVersionConflict is returned when an update presented a stale
	// version. The caller lost the race and must abandon its work; the
	// record was not modified.
	ErrVersionConflict = errors.New("job version conflict")

	// ErrTerminalState is returned when an update targets a job that has
	// already reached completed, failed, or cancelled.
	ErrTerminalState = errors.New("job is in a terminal state")
)

// Patch is a partial job update. Nil fields are left untouched. TokensDelta
// and RetryDelta accumulate rather than overwrite.
type Patch struct {
	State              *State
	ModulesPlanned     *int
	ModulesCompleted   *int
	LessonsPlanned     *int
	LessonsCompleted   *int
	CurrentModuleIndex *int
	CurrentLessonIndex *int
	CompletedAt        *time.Time
	LastError          *string
	LastErrorCode      *string
	OutlineJSON        *string
	LessonPlansJSON    *string
	GeneratedContent   *string
	TokensDelta        int64
	RetryDelta         int
}

// Store persists generation jobs. Every mutation is version-checked: the
// caller presents the version it last read, and the store applies the write
// only if the record still carries that version, incrementing it atomically.
type Store interface {
	Create(ctx context.Context, subjectID string) (*Job, error)
	Get(ctx context.Context, jobID string) (*Job, error)
	GetLatestForSubject(ctx context.Context, subjectID string) (*Job, error)

	// Update applies patch if the stored version equals expectedVersion,
	// returning the updated record. ErrVersionConflict means another writer
	// got there first.
	Update(ctx context.Context, jobID string, expectedVersion int64, patch Patch) (*Job, error)

	// MarkFailed forces a non-terminal job into the failed state regardless
	// of version. It is the error funnel for stage handlers.
	MarkFailed(ctx context.Context, jobID, message, code string) error

	// CancelAllForSubject cancels every non-terminal job for a subject and
	// reports how many it touched.
	CancelAllForSubject(ctx context.Context, subjectID string) (int64, error)

	// IsValid reports whether the job still exists, belongs to subjectID,
	// and has not been cancelled or failed. Stage handlers call this between
	// lessons so abandoned work stops promptly.
	IsValid(ctx context.Context, jobID, subjectID string) (bool, error)

	// FailStale fails non-terminal jobs with no heartbeat for longer than
	// threshold, returning the affected count.
	FailStale(ctx context.Context, threshold time.Duration) (int64, error)
}

// GormStore is the SQLite-backed Store.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenStore opens (or creates) the job database at path and migrates the
// schema. ":memory:" gives an ephemeral store for tests.
func OpenStore(path string, log *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if err := db.AutoMigrate(&Job{}); err != nil {
		return nil, fmt.Errorf("migrate job store: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GormStore{db: db, logger: log.With(zap.String("component", "job_store"))}, nil
}

func (s *GormStore) Create(ctx context.Context, subjectID string) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		State:     StateIdle,
		Version:   1,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("job created", zap.String("job_id", job.ID), zap.String("subject_id", subjectID))
	return job, nil
}

func (s *GormStore) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

func (s *GormStore) GetLatestForSubject(ctx context.Context, subjectID string) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("started_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest job: %w", err)
	}
	return &job, nil
}

func (s *GormStore) Update(ctx context.Context, jobID string, expectedVersion int64, patch Patch) (*Job, error) {
	current, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current.State.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminalState, current.State)
	}
	if patch.State != nil && !current.State.CanTransition(*patch.State) {
		return nil, fmt.Errorf("invalid transition %s -> %s", current.State, *patch.State)
	}

	updates := map[string]any{
		"version":    expectedVersion + 1,
		"updated_at": time.Now().UTC(),
	}
	if patch.State != nil {
		updates["state"] = *patch.State
	}
	if patch.ModulesPlanned != nil {
		updates["modules_planned"] = *patch.ModulesPlanned
	}
	if patch.ModulesCompleted != nil {
		updates["modules_completed"] = *patch.ModulesCompleted
	}
	if patch.LessonsPlanned != nil {
		updates["lessons_planned"] = *patch.LessonsPlanned
	}
	if patch.LessonsCompleted != nil {
		updates["lessons_completed"] = *patch.LessonsCompleted
	}
	if patch.CurrentModuleIndex != nil {
		updates["current_module_index"] = *patch.CurrentModuleIndex
	}
	if patch.CurrentLessonIndex != nil {
		updates["current_lesson_index"] = *patch.CurrentLessonIndex
	}
	if patch.CompletedAt != nil {
		updates["completed_at"] = *patch.CompletedAt
	}
	if patch.LastError != nil {
		updates["last_error"] = truncateError(*patch.LastError)
	}
	if patch.LastErrorCode != nil {
		updates["last_error_code"] = *patch.LastErrorCode
	}
	if patch.OutlineJSON != nil {
		updates["outline_json"] = *patch.OutlineJSON
	}
	if patch.LessonPlansJSON != nil {
		updates["lesson_plans_json"] = *patch.LessonPlansJSON
	}
	if patch.GeneratedContent != nil {
		updates["generated_content_json"] = *patch.GeneratedContent
	}
	if patch.TokensDelta != 0 {
		updates["total_tokens_used"] = gorm.Expr("total_tokens_used + ?", patch.TokensDelta)
	}
	if patch.RetryDelta != 0 {
		updates["retry_count"] = gorm.Expr("retry_count + ?", patch.RetryDelta)
	}

	res := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND version = ?", jobID, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrVersionConflict
	}
	return s.Get(ctx, jobID)
}

func (s *GormStore) MarkFailed(ctx context.Context, jobID, message, code string) error {
	res := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND state NOT IN ?", jobID, terminalStates()).
		Updates(map[string]any{
			"state":           StateFailed,
			"last_error":      truncateError(message),
			"last_error_code": code,
			"version":         gorm.Expr("version + 1"),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("mark failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Already terminal or gone; either way the failure is moot.
		s.logger.Debug("mark failed skipped", zap.String("job_id", jobID))
	}
	return nil
}

func (s *GormStore) CancelAllForSubject(ctx context.Context, subjectID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("subject_id = ? AND state NOT IN ?", subjectID, terminalStates()).
		Updates(map[string]any{
			"state":      StateCancelled,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel jobs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("jobs cancelled",
			zap.String("subject_id", subjectID),
			zap.Int64("count", res.RowsAffected),
		)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) IsValid(ctx context.Context, jobID, subjectID string) (bool, error) {
	job, err := s.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.SubjectID != subjectID {
		return false, nil
	}
	return job.State != StateCancelled && job.State != StateFailed, nil
}

func (s *GormStore) FailStale(ctx context.Context, threshold time.Duration) (int64, error) {
	// Every non-terminal state is eligible: a worker that dies between the
	// persist and the next enqueue strands the job in a handoff state
	// (idle, outline_complete, ...) that no task will ever revisit.
	cutoff := time.Now().UTC().Add(-threshold)
	res := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("state NOT IN ? AND updated_at < ?", terminalStates(), cutoff).
		Updates(map[string]any{
			"state":           StateFailed,
			"last_error":      "generation stalled: no progress within watchdog threshold",
			"last_error_code": "stalled",
			"version":         gorm.Expr("version + 1"),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Warn("stale jobs failed", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

func terminalStates() []State {
	return []State{StateCompleted, StateFailed, StateCancelled}
}

func truncateError(msg string) string {
	const limit = 2000
	if len(msg) > limit {
		return msg[:limit]
	}
	return msg
}
