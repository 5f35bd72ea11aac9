package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stage names one pipeline stage invocation.
type Stage string

const (
	StageOutline     Stage = "outline"
	StageLessonPlans Stage = "lesson_plans"
	StageContent     Stage = "content"
	StageFinalize    Stage = "finalize"
)

// Task is one unit of deferred work: run the named stage for the named job.
// Tasks are self-contained so any worker can pick one up; all real state
// lives in the job record.
type Task struct {
	JobID     string `json:"jobId"`
	SubjectID string `json:"subjectId"`
	Stage     Stage  `json:"stage"`
}

// Handler processes one task. A returned error means the handler itself
// broke; stage-level generation failures are absorbed into the job record
// and do not surface here.
type Handler func(ctx context.Context, task Task) error

// Scheduler hands tasks to workers. Implementations must deliver each
// enqueued task at least once while running; handlers are idempotent by
// construction (state guards in the stage logic), so redelivery is safe.
type Scheduler interface {
	Enqueue(ctx context.Context, task Task) error
	Start(ctx context.Context, h Handler) error
	Close() error
}

// MemoryScheduler runs tasks on a fixed pool of goroutines fed by a buffered
// channel. Suitable for single-process deployments and tests.
type MemoryScheduler struct {
	tasks   chan Task
	workers int
	logger  *zap.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewMemoryScheduler creates an in-process scheduler. workers <= 0 selects 1.
func NewMemoryScheduler(workers, buffer int, logger *zap.Logger) *MemoryScheduler {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryScheduler{
		tasks:   make(chan Task, buffer),
		workers: workers,
		logger:  logger.With(zap.String("component", "scheduler")),
	}
}

func (m *MemoryScheduler) Enqueue(ctx context.Context, task Task) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("scheduler closed")
	}
	m.mu.Unlock()

	select {
	case m.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the worker pool and blocks until ctx is cancelled.
func (m *MemoryScheduler) Start(ctx context.Context, h Handler) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("scheduler already started")
	}
	m.started = true
	m.mu.Unlock()

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go func(id int) {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-m.tasks:
					if !ok {
						return
					}
					m.dispatch(ctx, h, task, id)
				}
			}
		}(i)
	}

	<-ctx.Done()
	m.wg.Wait()
	return nil
}

func (m *MemoryScheduler) dispatch(ctx context.Context, h Handler, task Task, worker int) {
	log := m.logger.With(
		zap.Int("worker", worker),
		zap.String("job_id", task.JobID),
		zap.String("stage", string(task.Stage)),
	)
	log.Debug("task started")
	if err := h(ctx, task); err != nil {
		log.Error("task handler failed", zap.Error(err))
		return
	}
	log.Debug("task finished")
}

func (m *MemoryScheduler) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.tasks)
	}
	return nil
}

// RedisScheduler pushes tasks onto a Redis list and pops them with a
// blocking read, letting multiple processes share one queue. Delivery is
// at-least-once: a worker that dies mid-task loses the task to its state
// guards and the watchdog, not to the queue.
type RedisScheduler struct {
	client  redis.UniversalClient
	key     string
	workers int
	logger  *zap.Logger
}

// NewRedisScheduler creates a Redis-list scheduler on the given key.
func NewRedisScheduler(client redis.UniversalClient, key string, workers int, logger *zap.Logger) *RedisScheduler {
	if key == "" {
		key = "capsulegen:tasks"
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisScheduler{
		client:  client,
		key:     key,
		workers: workers,
		logger:  logger.With(zap.String("component", "redis_scheduler")),
	}
}

func (r *RedisScheduler) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := r.client.LPush(ctx, r.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Start runs blocking-pop workers until ctx is cancelled.
func (r *RedisScheduler) Start(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.worker(ctx, h, id)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (r *RedisScheduler) worker(ctx context.Context, h Handler, id int) {
	log := r.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := r.client.BRPop(ctx, 2*time.Second, r.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("queue pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) != 2 {
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			log.Error("malformed task dropped", zap.Error(err))
			continue
		}
		if err := h(ctx, task); err != nil {
			log.Error("task handler failed",
				zap.String("job_id", task.JobID),
				zap.String("stage", string(task.Stage)),
				zap.Error(err),
			)
		}
	}
}

func (r *RedisScheduler) Close() error {
	return r.client.Close()
}
