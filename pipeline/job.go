// Package pipeline implements the capsule generation state machine: a chain
// of independently invocable stage handlers that hand state to each other
// through a persisted job record, so unbounded generation work fits under a
// bounded per-invocation execution budget.
package pipeline

import (
	"time"
)

// State is the lifecycle position of a generation job. Transitions are
// monotonic and one-directional, except into the terminal failed/cancelled
// states, which are reachable from any non-terminal state.
type State string

const (
	StateIdle                  State = "idle"
	StateGeneratingOutline     State = "generating_outline"
	StateOutlineComplete       State = "outline_complete"
	StateGeneratingLessonPlans State = "generating_lesson_plans"
	StateLessonPlansComplete   State = "lesson_plans_complete"
	StateGeneratingContent     State = "generating_content"
	StateContentComplete       State = "content_complete"
	StateCompleted             State = "completed"
	StateFailed                State = "failed"
	StateCancelled             State = "cancelled"
)

// stateOrder positions each forward state on the pipeline axis.
var stateOrder = map[State]int{
	StateIdle:                  0,
	StateGeneratingOutline:     1,
	StateOutlineComplete:       2,
	StateGeneratingLessonPlans: 3,
	StateLessonPlansComplete:   4,
	StateGeneratingContent:     5,
	StateContentComplete:       6,
	StateCompleted:             7,
}

// Terminal reports whether s is an absorbing state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether moving from s to next respects the state
// machine: strictly forward along the pipeline, or into failed/cancelled
// from any non-terminal state. Self-transitions are allowed only for the
// self-rescheduling content state.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed || next == StateCancelled {
		return true
	}
	from, okFrom := stateOrder[s]
	to, okTo := stateOrder[next]
	if !okFrom || !okTo {
		return false
	}
	if s == StateGeneratingContent && next == StateGeneratingContent {
		return true
	}
	return to > from
}

// Job is one generation attempt. All intermediate pipeline state lives
// inside this single record; final content exists only in the external
// content store after finalization. Mutations go exclusively through the
// store's version-checked update.
type Job struct {
	ID        string `gorm:"primaryKey;size:64" json:"id"`
	SubjectID string `gorm:"index;size:64" json:"subjectId"`
	State     State  `gorm:"size:32;index" json:"state"`

	// Version is the optimistic-concurrency counter: every successful
	// update increments it by exactly one, and writers must present the
	// version they last observed.
	Version int64 `json:"version"`

	ModulesPlanned   int `json:"modulesPlanned"`
	ModulesCompleted int `json:"modulesCompleted"`
	LessonsPlanned   int `json:"lessonsPlanned"`
	LessonsCompleted int `json:"lessonsCompleted"`

	CurrentModuleIndex int `json:"currentModuleIndex"`
	CurrentLessonIndex int `json:"currentLessonIndex"`

	StartedAt   time.Time  `json:"startedAt"`
	UpdatedAt   time.Time  `gorm:"index" json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	LastError     string `gorm:"size:2048" json:"lastError,omitempty"`
	LastErrorCode string `gorm:"size:64" json:"lastErrorCode,omitempty"`
	RetryCount    int    `json:"retryCount"`

	TotalTokensUsed int64 `json:"totalTokensUsed"`

	OutlineJSON          string `gorm:"type:text" json:"outlineJson,omitempty"`
	LessonPlansJSON      string `gorm:"type:text" json:"lessonPlansJson,omitempty"`
	GeneratedContentJSON string `gorm:"type:text" json:"generatedContentJson,omitempty"`
}

// TableName pins the storage table name.
func (Job) TableName() string { return "generation_jobs" }

// Progress projects the job onto a 0–100 percentage for polling UIs. It is
// a pure function of the record: outline work maps to 5–15, lesson planning
// to 15–30, content generation interpolates 30–90 by lessons completed,
// finalization sits at 95, completion at 100. Failed and cancelled report 0.
func (j *Job) Progress() int {
	switch j.State {
	case StateFailed, StateCancelled:
		return 0
	case StateIdle:
		return 0
	case StateGeneratingOutline:
		return 5
	case StateOutlineComplete:
		return 15
	case StateGeneratingLessonPlans:
		return 20
	case StateLessonPlansComplete:
		return 30
	case StateGeneratingContent:
		if j.LessonsPlanned <= 0 {
			return 30
		}
		pct := 30 + (60*j.LessonsCompleted)/j.LessonsPlanned
		if pct > 90 {
			pct = 90
		}
		return pct
	case StateContentComplete:
		return 95
	case StateCompleted:
		return 100
	default:
		return 0
	}
}
