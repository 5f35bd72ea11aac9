package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectTasks runs a scheduler until want tasks arrive or the deadline hits.
func collectTasks(t *testing.T, s Scheduler, enqueue []Task, want int) []Task {
	t.Helper()

	var mu sync.Mutex
	var got []Task
	done := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handler := func(ctx context.Context, task Task) error {
		mu.Lock()
		got = append(got, task)
		if len(got) == want {
			close(done)
		}
		mu.Unlock()
		return nil
	}

	runDone := make(chan struct{})
	go func() {
		s.Start(ctx, handler)
		close(runDone)
	}()

	for _, task := range enqueue {
		require.NoError(t, s.Enqueue(ctx, task))
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for %d tasks, got %d", want, len(got))
	}
	cancel()
	<-runDone

	mu.Lock()
	defer mu.Unlock()
	return got
}

func TestMemoryScheduler_DeliversTasks(t *testing.T) {
	s := NewMemoryScheduler(2, 16, nil)

	tasks := []Task{
		{JobID: "j1", SubjectID: "s1", Stage: StageOutline},
		{JobID: "j2", SubjectID: "s2", Stage: StageContent},
		{JobID: "j3", SubjectID: "s3", Stage: StageFinalize},
	}
	got := collectTasks(t, s, tasks, len(tasks))

	seen := make(map[string]Stage)
	for _, task := range got {
		seen[task.JobID] = task.Stage
	}
	assert.Equal(t, StageOutline, seen["j1"])
	assert.Equal(t, StageContent, seen["j2"])
	assert.Equal(t, StageFinalize, seen["j3"])
}

func TestMemoryScheduler_EnqueueAfterCloseFails(t *testing.T) {
	s := NewMemoryScheduler(1, 1, nil)
	require.NoError(t, s.Close())

	err := s.Enqueue(context.Background(), Task{JobID: "j"})
	assert.Error(t, err)
}

func TestRedisScheduler_DeliversTasks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s := NewRedisScheduler(client, "test:tasks", 2, nil)

	tasks := []Task{
		{JobID: "j1", SubjectID: "s1", Stage: StageOutline},
		{JobID: "j2", SubjectID: "s1", Stage: StageLessonPlans},
	}
	got := collectTasks(t, s, tasks, len(tasks))

	ids := make(map[string]bool)
	for _, task := range got {
		ids[task.JobID] = true
		assert.Equal(t, "s1", task.SubjectID)
	}
	assert.True(t, ids["j1"])
	assert.True(t, ids["j2"])
}

func TestRedisScheduler_MalformedTaskDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s := NewRedisScheduler(client, "test:tasks", 1, nil)

	// Poison entry first, valid task second; the worker must survive.
	_, err := client.LPush(context.Background(), "test:tasks", "not-json").Result()
	require.NoError(t, err)

	got := collectTasks(t, s, []Task{{JobID: "ok", Stage: StageOutline}}, 1)
	assert.Equal(t, "ok", got[0].JobID)
}
