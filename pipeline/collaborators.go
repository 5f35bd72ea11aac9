package pipeline

import (
	"context"
	"errors"

	"github.com/capsulekit/capsulegen/llm"
	"github.com/capsulekit/capsulegen/schema"
)

// Feature keys used to resolve per-stage model configuration.
const (
	FeatureOutline    = "capsule.outline"
	FeatureLessonPlan = "capsule.lesson_plan"
	FeatureContent    = "capsule.lesson_content"
	FeatureRepair     = "capsule.repair"
)

// ErrNoSource indicates the subject has neither a PDF nor a topic to
// generate from.
var ErrNoSource = errors.New("subject has no source material")

// Source is the input material for a generation run: either an uploaded PDF
// or a bare topic string.
type Source struct {
	PDF      []byte
	MimeType string
	Topic    string
}

// Empty reports whether the source carries no usable material.
func (s *Source) Empty() bool {
	return s == nil || (len(s.PDF) == 0 && s.Topic == "")
}

// SourceProvider fetches the generation input for a subject from wherever
// the host application keeps it.
type SourceProvider interface {
	SourceFor(ctx context.Context, subjectID string) (*Source, error)
}

// ContentPersister is the pipeline's only write path into the host content
// store. The pipeline never touches subject rows directly; everything final
// goes through here during stage four.
type ContentPersister interface {
	// PersistContent replaces the subject's modules with the generated set.
	PersistContent(ctx context.Context, subjectID string, modules []schema.GeneratedModule) error

	// UpdateMetadata sets subject-level fields derived from the outline.
	UpdateMetadata(ctx context.Context, subjectID, title, description string, estimatedDuration int) error

	// ClearSource drops the stored source material once content exists.
	ClearSource(ctx context.Context, subjectID string) error

	// SetStatus publishes the subject-facing generation status
	// ("generating", "ready", "failed").
	SetStatus(ctx context.Context, subjectID, status, detail string) error

	// ReplaceLesson overwrites one persisted lesson's content in place.
	// Used by single-lesson regeneration after finalization.
	ReplaceLesson(ctx context.Context, subjectID, lessonID string, lesson schema.GeneratedLesson) error
}

// ClientSource resolves a feature key to a ready-to-call LLM client and the
// model name to request. Implementations combine the provider registry with
// per-feature configuration.
type ClientSource interface {
	ClientFor(feature string) (*llm.Client, string, error)

	// ProviderFor exposes the raw provider behind a feature so stages can
	// inspect capabilities (native PDF support in particular).
	ProviderFor(feature string) (llm.Provider, error)
}
