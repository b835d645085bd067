// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/meridianlabs-ai/meridian/services/capability"
	"github.com/meridianlabs-ai/meridian/services/evidence"
	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/workflow/engine"
)

// Critique reasons produced by the critic itself, on top of the evidence
// validator's vocabulary.
const (
	reasonEmptyExtraction = "empty_extraction"
	reasonGarbledOutput   = "garbled_output"
)

// garbledThreshold is the maximum tolerated fraction of non-text runes in a
// triple's fields before it is flagged as garbled model output.
const garbledThreshold = 0.3

// CriticNode reviews the extraction attempt: evidence binding for every
// triple, garbled-output detection, and a model-backed semantic pass. Any
// finding fails the attempt and routes back for revision; the executor
// bounds the loop.
type CriticNode struct {
	validator  *evidence.Validator
	capability *capability.Service
	logger     *slog.Logger
}

func NewCriticNode(validator *evidence.Validator, svc *capability.Service, logger *slog.Logger) *CriticNode {
	if logger == nil {
		logger = slog.Default()
	}
	return &CriticNode{validator: validator, capability: svc, logger: logger}
}

func (n *CriticNode) Name() string { return "CRITIC" }

func (n *CriticNode) Execute(ctx context.Context, state *datatypes.ResearchState) (engine.Route, error) {
	var critiques []datatypes.Critique

	if len(state.Triples) == 0 {
		critiques = append(critiques, datatypes.Critique{
			TripleIndex: -1,
			Reason:      reasonEmptyExtraction,
			Detail:      "extraction produced no claims",
		})
	}

	for i, t := range state.Triples {
		if garbled(t) {
			critiques = append(critiques, datatypes.Critique{
				TripleIndex: i,
				Reason:      reasonGarbledOutput,
				Detail:      "claim text does not look like natural language",
			})
			continue
		}

		result := n.validator.Validate(ctx, t.Pointer)
		for _, reason := range result.Reasons {
			c := datatypes.Critique{TripleIndex: i, Reason: reason}
			if reason == evidence.ReasonSnippetNotGrounded {
				c.Detail = fmt.Sprintf("best match ratio %.2f", result.MatchRatio)
			}
			critiques = append(critiques, c)
		}
	}

	// Semantic review runs even when structural checks failed, so one
	// revision round sees every problem. A capability failure here degrades
	// to structural-only critique rather than failing the job.
	if len(state.Triples) > 0 {
		semantic, err := n.capability.Critique(ctx, state.RawText, state.Triples)
		if err != nil {
			n.logger.Warn("semantic critique unavailable, using structural checks only",
				slog.String("job_id", state.JobID),
				slog.String("error", err.Error()),
			)
		} else if !semantic.Passed {
			critiques = append(critiques, semantic.Critiques...)
		}
	}

	state.Critiques = critiques
	if len(critiques) > 0 {
		state.CriticPassed = false
		n.logger.Info("critic rejected extraction",
			slog.String("job_id", state.JobID),
			slog.Int("critiques", len(critiques)),
			slog.Int("revision", state.RevisionCount),
		)
		return engine.RouteRevise, nil
	}

	state.CriticPassed = true
	return engine.RouteNext, nil
}

// garbled flags model output that is not plausible text: replacement
// characters or a high fraction of non-letter noise.
func garbled(t datatypes.Triple) bool {
	text := t.Subject + " " + t.Predicate + " " + t.Object
	if strings.TrimSpace(text) == "" {
		return true
	}
	if strings.ContainsRune(text, unicode.ReplacementChar) {
		return true
	}

	noise := 0
	total := 0
	for _, r := range text {
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			continue
		}
		switch r {
		case '.', ',', ';', ':', '\'', '"', '-', '_', '(', ')', '/', '&', '%':
			continue
		}
		noise++
	}
	return float64(noise)/float64(total) > garbledThreshold
}
