package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
)

// ResolveDecision is the closed decision set for entity resolution. Anything
// the model returns outside this set is coerced to DecisionUnsure.
type ResolveDecision string

const (
	DecisionSame      ResolveDecision = "same"
	DecisionDifferent ResolveDecision = "different"
	DecisionUnsure    ResolveDecision = "unsure"
)

// ExtractResult is the parsed output of one extraction call.
type ExtractResult struct {
	Triples []datatypes.Triple `json:"triples"`
}

// CritiqueResult is the parsed output of one semantic review call.
type CritiqueResult struct {
	Passed    bool                 `json:"passed"`
	Critiques []datatypes.Critique `json:"critiques"`
}

// TripleScore is one claim's support confidence from the vision pass.
type TripleScore struct {
	Index      int     `json:"index"`
	Confidence float64 `json:"confidence"`
}

// VisionResult holds per-claim support confidences, indexed into the claim
// slice passed to VisionScore.
type VisionResult struct {
	Scores []TripleScore `json:"scores"`
}

// ResolveResult is the parsed output of one entity-resolution call.
type ResolveResult struct {
	Decision ResolveDecision `json:"decision"`
	Reason   string          `json:"reason,omitempty"`
}

// Service exposes the model-backed operations the workflow nodes need:
// extraction, semantic critique, support scoring, and entity resolution.
// It owns prompt construction and response parsing; the Generator underneath
// owns transport, retries, and rate limiting.
type Service struct {
	gen    Generator
	logger *slog.Logger
}

func NewService(gen Generator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gen: gen, logger: logger}
}

// lowTemp keeps structured-output calls near-deterministic.
func lowTemp() GenerationParams {
	temp := float32(0.1)
	return GenerationParams{Temperature: &temp}
}

// Extract runs one extraction pass over the document text. Prior critiques,
// when present, are folded into the prompt so the revision attempt addresses
// them.
func (s *Service) Extract(ctx context.Context, rawText string, pctx datatypes.ProjectContext, priorCritiques []datatypes.Critique) (*ExtractResult, error) {
	prompt := buildExtractPrompt(rawText, pctx, priorCritiques)
	raw, err := s.gen.Generate(ctx, prompt, lowTemp())
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}

	payload, err := NormalizeModelJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("extraction response: %w", err)
	}
	var result ExtractResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}
	s.logger.Debug("extraction pass complete", slog.Int("triples", len(result.Triples)))
	return &result, nil
}

// Critique asks the model to review extracted claims against the source text.
func (s *Service) Critique(ctx context.Context, rawText string, triples []datatypes.Triple) (*CritiqueResult, error) {
	prompt := buildCritiquePrompt(rawText, triples)
	raw, err := s.gen.Generate(ctx, prompt, lowTemp())
	if err != nil {
		return nil, fmt.Errorf("critique call: %w", err)
	}

	payload, err := NormalizeModelJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("critique response: %w", err)
	}
	var result CritiqueResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("parse critique response: %w", err)
	}
	// Inconsistent model output: findings present but passed=true. The
	// findings win.
	if result.Passed && len(result.Critiques) > 0 {
		result.Passed = false
	}
	return &result, nil
}

// VisionScore rates each claim's support by its cited document region.
func (s *Service) VisionScore(ctx context.Context, triples []datatypes.Triple) (*VisionResult, error) {
	prompt := buildVisionPrompt(triples)
	raw, err := s.gen.Generate(ctx, prompt, lowTemp())
	if err != nil {
		return nil, fmt.Errorf("vision call: %w", err)
	}

	payload, err := NormalizeModelJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("vision response: %w", err)
	}
	var result VisionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("parse vision response: %w", err)
	}
	for _, sc := range result.Scores {
		if sc.Index < 0 || sc.Index >= len(triples) {
			return nil, fmt.Errorf("vision score index %d out of range for %d claims", sc.Index, len(triples))
		}
	}
	return &result, nil
}

// ResolveEntity decides whether two entities are the same. The decision set
// is closed; an unrecognized answer degrades to unsure, never to a merge.
func (s *Service) ResolveEntity(ctx context.Context, nameA string, factsA []string, nameB string, factsB []string) (*ResolveResult, error) {
	prompt := buildResolvePrompt(nameA, factsA, nameB, factsB)
	raw, err := s.gen.Generate(ctx, prompt, lowTemp())
	if err != nil {
		return nil, fmt.Errorf("resolve call: %w", err)
	}

	payload, err := NormalizeModelJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("resolve response: %w", err)
	}
	var result ResolveResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("parse resolve response: %w", err)
	}
	switch result.Decision {
	case DecisionSame, DecisionDifferent, DecisionUnsure:
	default:
		s.logger.Warn("entity resolution returned unrecognized decision",
			slog.String("decision", string(result.Decision)))
		result.Decision = DecisionUnsure
	}
	return &result, nil
}
