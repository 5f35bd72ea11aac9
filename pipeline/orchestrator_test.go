package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulekit/capsulegen/llm"
	"github.com/capsulekit/capsulegen/llm/retry"
	"github.com/capsulekit/capsulegen/schema"
)

// stageFakeProvider answers structured calls with canned payloads keyed by
// schema name. Content calls can be scripted to fail.
type stageFakeProvider struct {
	mu          sync.Mutex
	outlineJSON string
	planJSON    string
	contentJSON string
	contentErr  error

	contentCalls int
}

func (p *stageFakeProvider) GenerateStructured(ctx context.Context, req *llm.Request) (*llm.StructuredResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var payload string
	switch req.SchemaName {
	case "capsule_outline":
		payload = p.outlineJSON
	case "module_lesson_plan":
		payload = p.planJSON
	case "lesson_content":
		p.contentCalls++
		if p.contentErr != nil {
			return nil, p.contentErr
		}
		payload = p.contentJSON
	default:
		return nil, llm.NewError(llm.ErrCategoryValidation, "unexpected schema "+req.SchemaName)
	}
	return &llm.StructuredResponse{
		Data:    json.RawMessage(payload),
		RawText: payload,
		Usage:   llm.Usage{PromptTokens: 8, CompletionTokens: 2, TotalTokens: 10},
	}, nil
}

func (p *stageFakeProvider) GenerateText(ctx context.Context, req *llm.Request) (*llm.TextResponse, error) {
	return &llm.TextResponse{Text: "ok"}, nil
}

func (p *stageFakeProvider) GenerateStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (p *stageFakeProvider) Name() string { return "fake" }

func (p *stageFakeProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{StructuredOutput: true, NativePDF: true}
}

func (p *stageFakeProvider) contentCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contentCalls
}

type fakeClientSource struct {
	provider llm.Provider
}

func (f *fakeClientSource) ClientFor(feature string) (*llm.Client, string, error) {
	cfg := llm.ClientConfig{Policy: &retry.Policy{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}}
	return llm.NewClient(f.provider, cfg, nil, nil), "test-model", nil
}

func (f *fakeClientSource) ProviderFor(feature string) (llm.Provider, error) {
	return f.provider, nil
}

type fakeSources struct {
	source *Source
	err    error
}

func (f *fakeSources) SourceFor(ctx context.Context, subjectID string) (*Source, error) {
	return f.source, f.err
}

type fakePersister struct {
	mu       sync.Mutex
	modules  []schema.GeneratedModule
	statuses []string
	title    string
	cleared  bool
	replaced map[string]schema.GeneratedLesson
}

func (f *fakePersister) PersistContent(ctx context.Context, subjectID string, modules []schema.GeneratedModule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modules = modules
	return nil
}

func (f *fakePersister) UpdateMetadata(ctx context.Context, subjectID, title, description string, estimatedDuration int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.title = title
	return nil
}

func (f *fakePersister) ClearSource(ctx context.Context, subjectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return nil
}

func (f *fakePersister) SetStatus(ctx context.Context, subjectID, status, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakePersister) ReplaceLesson(ctx context.Context, subjectID, lessonID string, lesson schema.GeneratedLesson) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaced == nil {
		f.replaced = make(map[string]schema.GeneratedLesson)
	}
	f.replaced[lessonID] = lesson
	return nil
}

func (f *fakePersister) lastStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

// captureScheduler records enqueued tasks so tests drive execution manually.
type captureScheduler struct {
	mu    sync.Mutex
	tasks []Task
}

func (c *captureScheduler) Enqueue(ctx context.Context, task Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)
	return nil
}

func (c *captureScheduler) Start(ctx context.Context, h Handler) error { <-ctx.Done(); return nil }
func (c *captureScheduler) Close() error                               { return nil }

func (c *captureScheduler) pop() (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tasks) == 0 {
		return Task{}, false
	}
	task := c.tasks[0]
	c.tasks = c.tasks[1:]
	return task, true
}

func outlineFixture(lessonCounts ...int) string {
	modules := make([]schema.OutlineModule, len(lessonCounts))
	for i, n := range lessonCounts {
		modules[i] = schema.OutlineModule{Title: "Module " + string(rune('A'+i)), Description: "About things", LessonCount: n}
	}
	raw, _ := json.Marshal(schema.Outline{
		Title:             "Test Course",
		Description:       "A course used in tests.",
		EstimatedDuration: 60,
		Modules:           modules,
	})
	return string(raw)
}

func planFixture(lessons int) string {
	plan := schema.ModuleLessonPlan{ModuleTitle: "Module"}
	for i := 0; i < lessons; i++ {
		plan.Lessons = append(plan.Lessons, schema.PlannedLesson{
			Title:      "Lesson " + string(rune('1'+i)),
			LessonType: schema.LessonConcept,
			Objective:  "Understand the thing.",
		})
	}
	raw, _ := json.Marshal(plan)
	return string(raw)
}

const conceptFixture = `{"body": "Real lesson content explaining the concept in detail.", "keyPoints": ["one", "two"], "summary": "Short recap."}`

type harness struct {
	orch      *Orchestrator
	store     *GormStore
	scheduler *captureScheduler
	provider  *stageFakeProvider
	persister *fakePersister
}

func newHarness(t *testing.T, provider *stageFakeProvider) *harness {
	t.Helper()
	store := newTestStore(t)
	scheduler := &captureScheduler{}
	persister := &fakePersister{}
	orch := NewOrchestrator(
		store,
		scheduler,
		&fakeClientSource{provider: provider},
		schema.NewRepairer(nil, 1, nil),
		&fakeSources{source: &Source{Topic: "Go concurrency"}},
		persister,
		Options{LessonRetryDelay: time.Millisecond},
	)
	return &harness{orch: orch, store: store, scheduler: scheduler, provider: provider, persister: persister}
}

// drain runs scheduled tasks until the queue is empty.
func (h *harness) drain(t *testing.T) int {
	t.Helper()
	steps := 0
	for {
		task, ok := h.scheduler.pop()
		if !ok {
			return steps
		}
		require.NoError(t, h.orch.HandleTask(context.Background(), task))
		steps++
		require.Less(t, steps, 100, "pipeline did not terminate")
	}
}

func TestOrchestrator_FullRunSingleBatch(t *testing.T) {
	provider := &stageFakeProvider{
		outlineJSON: outlineFixture(3, 2),
		planJSON:    planFixture(3),
		contentJSON: conceptFixture,
	}
	h := newHarness(t, provider)
	ctx := context.Background()

	jobID, err := h.orch.Start(ctx, "subject-1")
	require.NoError(t, err)
	h.drain(t)

	status, err := h.orch.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, status.Found)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, 100, status.Progress)
	assert.Equal(t, 2, status.ModulesPlanned)
	assert.Equal(t, 5, status.LessonsPlanned)
	assert.Equal(t, 5, status.LessonsCompleted)
	assert.False(t, status.StartedAt.IsZero())
	assert.False(t, status.UpdatedAt.IsZero())
	require.NotNil(t, status.CompletedAt)
	assert.False(t, status.CompletedAt.IsZero())

	require.Len(t, h.persister.modules, 2)
	assert.Len(t, h.persister.modules[0].Lessons, 3)
	assert.Len(t, h.persister.modules[1].Lessons, 2)
	assert.Equal(t, "Test Course", h.persister.title)
	assert.True(t, h.persister.cleared)
	assert.Equal(t, "ready", h.persister.lastStatus())

	job, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Positive(t, job.TotalTokensUsed)
	assert.NotNil(t, job.CompletedAt)
}

func TestOrchestrator_ContentRunsInBatches(t *testing.T) {
	// 4 + 3 = 7 lessons with a batch size of 5 means two content tasks.
	provider := &stageFakeProvider{
		outlineJSON: outlineFixture(4, 3),
		planJSON:    planFixture(4),
		contentJSON: conceptFixture,
	}
	h := newHarness(t, provider)
	ctx := context.Background()

	jobID, err := h.orch.Start(ctx, "subject-1")
	require.NoError(t, err)

	// Outline, then lesson plans.
	task, ok := h.scheduler.pop()
	require.True(t, ok)
	require.Equal(t, StageOutline, task.Stage)
	require.NoError(t, h.orch.HandleTask(ctx, task))

	task, ok = h.scheduler.pop()
	require.True(t, ok)
	require.Equal(t, StageLessonPlans, task.Stage)
	require.NoError(t, h.orch.HandleTask(ctx, task))

	// First content batch stops at the batch boundary, mid-module.
	task, ok = h.scheduler.pop()
	require.True(t, ok)
	require.Equal(t, StageContent, task.Stage)
	require.NoError(t, h.orch.HandleTask(ctx, task))

	job, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateGeneratingContent, job.State)
	assert.Equal(t, 5, job.LessonsCompleted)
	assert.Equal(t, 1, job.CurrentModuleIndex)
	assert.Equal(t, 1, job.CurrentLessonIndex)

	// Second content batch finishes, then finalize.
	task, ok = h.scheduler.pop()
	require.True(t, ok)
	require.Equal(t, StageContent, task.Stage)
	require.NoError(t, h.orch.HandleTask(ctx, task))

	job, err = h.store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateContentComplete, job.State)
	assert.Equal(t, 7, job.LessonsCompleted)

	task, ok = h.scheduler.pop()
	require.True(t, ok)
	require.Equal(t, StageFinalize, task.Stage)
	require.NoError(t, h.orch.HandleTask(ctx, task))

	assert.Equal(t, 7, provider.contentCallCount())
	require.Len(t, h.persister.modules, 2)
	assert.Len(t, h.persister.modules[0].Lessons, 4)
	assert.Len(t, h.persister.modules[1].Lessons, 3)
}

func TestOrchestrator_FallbackOnExhaustedLessonAttempts(t *testing.T) {
	provider := &stageFakeProvider{
		outlineJSON: outlineFixture(2),
		planJSON:    planFixture(2),
		contentJSON: conceptFixture,
		contentErr:  llm.NewError(llm.ErrCategoryServer, "upstream down"),
	}
	h := newHarness(t, provider)
	ctx := context.Background()

	jobID, err := h.orch.Start(ctx, "subject-1")
	require.NoError(t, err)
	h.drain(t)

	status, err := h.orch.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State, "fallbacks keep the job moving")
	assert.Equal(t, 2, status.LessonsCompleted)

	// Three attempts per lesson, two lessons.
	assert.Equal(t, 6, provider.contentCallCount())

	require.Len(t, h.persister.modules, 1)
	for _, lesson := range h.persister.modules[0].Lessons {
		assert.True(t, strings.Contains(string(lesson.Content), FallbackMarker),
			"lesson %q must carry the fallback marker", lesson.Title)
	}
}

func TestOrchestrator_AuthFailureFailsJob(t *testing.T) {
	provider := &stageFakeProvider{
		outlineJSON: outlineFixture(2),
		planJSON:    planFixture(2),
		contentErr:  llm.NewError(llm.ErrCategoryAuth, "invalid api key"),
		contentJSON: conceptFixture,
	}
	h := newHarness(t, provider)
	ctx := context.Background()

	jobID, err := h.orch.Start(ctx, "subject-1")
	require.NoError(t, err)
	h.drain(t)

	status, err := h.orch.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, status.State)
	assert.Zero(t, status.Progress)
	assert.Equal(t, "failed", h.persister.lastStatus())
	assert.Empty(t, h.persister.modules, "nothing is persisted on failure")

	// Pollers see only the sanitized message; the raw provider error and
	// category stay on the job record for operators.
	assert.Equal(t, "Generation is not configured correctly. Please check the AI provider settings.", status.LastError)
	assert.NotContains(t, status.LastError, "invalid api key")

	job, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "invalid api key")
	assert.Equal(t, "auth", job.LastErrorCode)
}

func TestOrchestrator_CancelAbandonsInFlightWork(t *testing.T) {
	provider := &stageFakeProvider{
		outlineJSON: outlineFixture(3),
		planJSON:    planFixture(3),
		contentJSON: conceptFixture,
	}
	h := newHarness(t, provider)
	ctx := context.Background()

	jobID, err := h.orch.Start(ctx, "subject-1")
	require.NoError(t, err)

	task, _ := h.scheduler.pop()
	require.NoError(t, h.orch.HandleTask(ctx, task)) // outline

	count, err := h.orch.Cancel(ctx, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Remaining tasks run against a cancelled job and do nothing.
	h.drain(t)

	status, err := h.orch.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, status.State)
	assert.Zero(t, status.Progress)
	assert.Empty(t, h.persister.modules)
}

func TestOrchestrator_RedeliveredTaskIsIdempotent(t *testing.T) {
	provider := &stageFakeProvider{
		outlineJSON: outlineFixture(2),
		planJSON:    planFixture(2),
		contentJSON: conceptFixture,
	}
	h := newHarness(t, provider)
	ctx := context.Background()

	jobID, err := h.orch.Start(ctx, "subject-1")
	require.NoError(t, err)

	task, _ := h.scheduler.pop()
	require.NoError(t, h.orch.HandleTask(ctx, task))

	before, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)

	// Same outline task delivered again: the state guard abandons it.
	require.NoError(t, h.orch.HandleTask(ctx, task))

	after, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, StateOutlineComplete, after.State)

	// Only the one lesson-plans task was scheduled.
	task, ok := h.scheduler.pop()
	require.True(t, ok)
	assert.Equal(t, StageLessonPlans, task.Stage)
	_, ok = h.scheduler.pop()
	assert.False(t, ok)
}

func TestOrchestrator_StartRequiresSource(t *testing.T) {
	h := newHarness(t, &stageFakeProvider{})
	h.orch.sources = &fakeSources{source: &Source{}}

	_, err := h.orch.Start(context.Background(), "subject-1")
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestOrchestrator_StartCancelsPreviousJob(t *testing.T) {
	provider := &stageFakeProvider{
		outlineJSON: outlineFixture(2),
		planJSON:    planFixture(2),
		contentJSON: conceptFixture,
	}
	h := newHarness(t, provider)
	ctx := context.Background()

	first, err := h.orch.Start(ctx, "subject-1")
	require.NoError(t, err)
	second, err := h.orch.Start(ctx, "subject-1")
	require.NoError(t, err)

	status, err := h.orch.GetStatus(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, status.State)

	status, err = h.orch.GetStatusForSubject(ctx, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, second, status.JobID)
}

func TestOrchestrator_GetStatusUnknownJob(t *testing.T) {
	h := newHarness(t, &stageFakeProvider{})

	status, err := h.orch.GetStatus(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, status.Found)
	assert.Zero(t, status.Progress)
}

func TestOrchestrator_RegenerateLesson(t *testing.T) {
	provider := &stageFakeProvider{contentJSON: conceptFixture}
	h := newHarness(t, provider)

	lesson, err := h.orch.RegenerateLesson(context.Background(), RegenerateRequest{
		SubjectID:   "subject-1",
		LessonID:    "lesson-9",
		CourseTitle: "Test Course",
		ModuleTitle: "Module A",
		Lesson: schema.PlannedLesson{
			Title:      "Lesson 1",
			LessonType: schema.LessonConcept,
			Objective:  "Understand it.",
		},
	})

	require.NoError(t, err)
	assert.Equal(t, schema.LessonConcept, lesson.Type)
	require.Contains(t, h.persister.replaced, "lesson-9")
}

func TestOrchestrator_RegenerateLessonNoFallback(t *testing.T) {
	provider := &stageFakeProvider{
		contentErr:  llm.NewError(llm.ErrCategoryServer, "down"),
		contentJSON: conceptFixture,
	}
	h := newHarness(t, provider)

	_, err := h.orch.RegenerateLesson(context.Background(), RegenerateRequest{
		SubjectID: "subject-1",
		LessonID:  "lesson-9",
		Lesson: schema.PlannedLesson{
			Title:      "Lesson 1",
			LessonType: schema.LessonConcept,
			Objective:  "Understand it.",
		},
	})

	require.Error(t, err)
	assert.Equal(t, 3, provider.contentCallCount(), "three attempts, then surface the error")
	assert.Empty(t, h.persister.replaced)
}

func TestFallbackLesson_AllTypesSchemaValid(t *testing.T) {
	for _, lt := range schema.GenerableTypes {
		plan := schema.PlannedLesson{Title: "T", LessonType: lt, Objective: "O"}
		lesson, err := fallbackLesson(plan)
		require.NoError(t, err, "type %s", lt)

		var data any
		require.NoError(t, json.Unmarshal(lesson.Content, &data))
		res := schema.ValidateStrict(data, schema.ContentSchemaFor(lt))
		assert.True(t, res.Valid(), "fallback for %s must validate: %v", lt, res.Errors)
	}
}
