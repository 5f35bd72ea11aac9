package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateGeneratingContent.Terminal())
	assert.False(t, StateIdle.Terminal())
}

func TestState_CanTransition(t *testing.T) {
	assert.True(t, StateIdle.CanTransition(StateGeneratingOutline))
	assert.True(t, StateOutlineComplete.CanTransition(StateGeneratingLessonPlans))
	assert.True(t, StateGeneratingContent.CanTransition(StateGeneratingContent))
	assert.True(t, StateGeneratingContent.CanTransition(StateFailed))
	assert.True(t, StateIdle.CanTransition(StateCancelled))

	assert.False(t, StateOutlineComplete.CanTransition(StateIdle))
	assert.False(t, StateCompleted.CanTransition(StateFailed))
	assert.False(t, StateFailed.CanTransition(StateGeneratingOutline))
	assert.False(t, StateGeneratingOutline.CanTransition(StateGeneratingOutline))
}

func TestJob_ProgressProjection(t *testing.T) {
	cases := []struct {
		state     State
		completed int
		planned   int
		want      int
	}{
		{StateIdle, 0, 0, 0},
		{StateGeneratingOutline, 0, 0, 5},
		{StateOutlineComplete, 0, 10, 15},
		{StateGeneratingLessonPlans, 0, 10, 20},
		{StateLessonPlansComplete, 0, 10, 30},
		{StateGeneratingContent, 0, 10, 30},
		{StateGeneratingContent, 5, 10, 60},
		{StateGeneratingContent, 10, 10, 90},
		{StateGeneratingContent, 0, 0, 30},
		{StateContentComplete, 10, 10, 95},
		{StateCompleted, 10, 10, 100},
		{StateFailed, 5, 10, 0},
		{StateCancelled, 5, 10, 0},
	}
	for _, tc := range cases {
		j := &Job{State: tc.state, LessonsCompleted: tc.completed, LessonsPlanned: tc.planned}
		assert.Equal(t, tc.want, j.Progress(), "state %s %d/%d", tc.state, tc.completed, tc.planned)
	}
}

// Progress over a run must be monotonic: advancing the state machine or
// completing lessons never reports a smaller percentage.
func TestJob_ProgressMonotonic(t *testing.T) {
	forward := []State{
		StateIdle, StateGeneratingOutline, StateOutlineComplete,
		StateGeneratingLessonPlans, StateLessonPlansComplete,
		StateGeneratingContent, StateContentComplete, StateCompleted,
	}

	rapid.Check(t, func(t *rapid.T) {
		planned := rapid.IntRange(1, 200).Draw(t, "planned")

		prev := -1
		for _, state := range forward {
			j := &Job{State: state, LessonsPlanned: planned}
			if state == StateGeneratingContent {
				// Walk lesson completion inside the content state too.
				for done := 0; done <= planned; done++ {
					j.LessonsCompleted = done
					p := j.Progress()
					if p < prev {
						t.Fatalf("progress regressed: %d -> %d at %s done=%d", prev, p, state, done)
					}
					prev = p
				}
				continue
			}
			j.LessonsCompleted = planned
			p := j.Progress()
			if p < prev {
				t.Fatalf("progress regressed: %d -> %d at %s", prev, p, state)
			}
			prev = p
		}

		if prev != 100 {
			t.Fatalf("completed run must report 100, got %d", prev)
		}
	})
}

func TestJob_ProgressNeverExceedsBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		j := &Job{
			State:            StateGeneratingContent,
			LessonsPlanned:   rapid.IntRange(0, 100).Draw(t, "planned"),
			LessonsCompleted: rapid.IntRange(0, 200).Draw(t, "completed"),
		}
		p := j.Progress()
		if p < 30 || p > 90 {
			t.Fatalf("content progress %d outside [30, 90]", p)
		}
	})
}
