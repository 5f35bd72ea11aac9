package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capsulekit/capsulegen/llm"
)

// DefaultRepairAttempts bounds the AI-assisted repair loop.
const DefaultRepairAttempts = 5

// Repairer coerces malformed LLM output into schema-valid data. It tries
// payload cleanup and deterministic repair first, and falls back to asking
// the model to correct its own output, bounded by MaxAttempts. Exhausting
// the budget is a hard failure: unvalidated data is never returned.
type Repairer struct {
	client      *llm.Client
	maxAttempts int
	logger      *zap.Logger
}

// NewRepairer creates a Repairer. maxAttempts <= 0 selects the default.
func NewRepairer(client *llm.Client, maxAttempts int, logger *zap.Logger) *Repairer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultRepairAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repairer{
		client:      client,
		maxAttempts: maxAttempts,
		logger:      logger.With(zap.String("component", "schema_repair")),
	}
}

// Coerce turns raw model output into data valid under s. Returned repair
// entries cover deterministic fix-ups only; AI rewrites are whole-document.
func (r *Repairer) Coerce(ctx context.Context, raw string, s *JSONSchema) (any, []RepairEntry, error) {
	cleaned := CleanPayload(raw)

	data, res := ParseAndValidate([]byte(cleaned), s)
	if res.Valid() {
		return data, nil, nil
	}

	if data != nil {
		repaired, entries, post := AttemptRepair(data, s)
		if post.Valid() {
			r.logger.Debug("deterministic repair succeeded", zap.Int("fixups", len(entries)))
			return repaired, entries, nil
		}
		res = post
	}

	return r.aiRepair(ctx, cleaned, s, res)
}

func (r *Repairer) aiRepair(ctx context.Context, payload string, s *JSONSchema, res *Result) (any, []RepairEntry, error) {
	if r.client == nil {
		return nil, nil, validationFailure(res)
	}

	schemaJSON, err := s.ToJSON()
	if err != nil {
		return nil, nil, err
	}

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		r.logger.Debug("ai repair attempt",
			zap.Int("attempt", attempt),
			zap.Int("errors", len(res.Errors)),
		)

		req := &llm.Request{
			SchemaName: "repaired_document",
			Schema:     schemaJSON,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "You fix malformed JSON documents. Return only the corrected JSON, nothing else."},
				{Role: llm.RoleUser, Content: repairPrompt(payload, schemaJSON, res)},
			},
		}
		resp, callErr := r.client.GenerateStructured(ctx, req, llm.DefaultCallOptions())
		if callErr != nil {
			if llm.CategoryOf(callErr) == llm.ErrCategoryValidation {
				continue
			}
			return nil, nil, callErr
		}

		cleaned := CleanPayload(resp.RawText)
		data, postRes := ParseAndValidate([]byte(cleaned), s)
		if postRes.Valid() {
			return data, nil, nil
		}
		if data != nil {
			repaired, entries, post := AttemptRepair(data, s)
			if post.Valid() {
				return repaired, entries, nil
			}
			postRes = post
		}
		payload, res = cleaned, postRes
	}

	return nil, nil, llm.NewError(llm.ErrCategoryValidation,
		fmt.Sprintf("repair exhausted after %d attempts: %s", r.maxAttempts, summarize(res)))
}

func repairPrompt(payload string, schemaJSON json.RawMessage, res *Result) string {
	var sb strings.Builder
	sb.WriteString("The following document must conform to this JSON schema:\n\n")
	sb.Write(schemaJSON)
	sb.WriteString("\n\nDocument:\n\n")
	sb.WriteString(payload)
	sb.WriteString("\n\nValidation errors:\n")
	for _, e := range res.Errors {
		sb.WriteString("- ")
		sb.WriteString(e.Error())
		sb.WriteString("\n")
	}
	sb.WriteString("\nReturn the corrected document as JSON. Preserve all valid content.")
	return sb.String()
}

func validationFailure(res *Result) error {
	return llm.NewError(llm.ErrCategoryValidation, summarize(res))
}

func summarize(res *Result) string {
	if len(res.Errors) == 0 {
		return "no errors"
	}
	limit := len(res.Errors)
	if limit > 5 {
		limit = 5
	}
	parts := make([]string, 0, limit)
	for _, e := range res.Errors[:limit] {
		parts = append(parts, e.Error())
	}
	if len(res.Errors) > limit {
		parts = append(parts, fmt.Sprintf("and %d more", len(res.Errors)-limit))
	}
	return strings.Join(parts, "; ")
}

// CleanPayload strips markdown code fences and, when the remainder still is
// not bare JSON, extracts the first balanced {...} or [...] span from the
// text. Returns the input unchanged when nothing better is found.
func CleanPayload(text string) string {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "```") {
		if idx := strings.Index(trimmed, "\n"); idx >= 0 {
			trimmed = trimmed[idx+1:]
		}
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	if json.Valid([]byte(trimmed)) {
		return trimmed
	}
	if span := extractBalanced(trimmed); span != "" {
		return span
	}
	return trimmed
}

// extractBalanced finds the first balanced JSON object or array span,
// respecting string literals and escapes.
func extractBalanced(text string) string {
	start := -1
	var open, closer byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			open = text[i]
			if open == '{' {
				closer = '}'
			} else {
				closer = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
