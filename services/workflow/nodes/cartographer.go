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
	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/workflow/engine"
)

// CartographerNode runs one extraction pass: current text plus any prior
// critiques go to the extraction capability, and the response replaces
// state.Triples wholesale. Each attempt is a fresh extraction, not a patch
// of the previous one.
type CartographerNode struct {
	capability *capability.Service
	logger     *slog.Logger
}

func NewCartographerNode(svc *capability.Service, logger *slog.Logger) *CartographerNode {
	if logger == nil {
		logger = slog.Default()
	}
	return &CartographerNode{capability: svc, logger: logger}
}

func (n *CartographerNode) Name() string { return "CARTOGRAPHER" }

func (n *CartographerNode) Execute(ctx context.Context, state *datatypes.ResearchState) (engine.Route, error) {
	result, err := n.capability.Extract(ctx, state.RawText, state.Context, state.Critiques)
	if err != nil {
		return engine.RouteNext, fmt.Errorf("extraction: %w", err)
	}

	triples := result.Triples
	if triples == nil {
		triples = []datatypes.Triple{}
	}
	for i := range triples {
		if triples[i].Pointer.DocHash == "" {
			triples[i].Pointer.DocHash = state.DocHash
		}
		triples[i].Priority = normalizePriority(triples[i], state.Context.ResearchQuestions)
	}

	state.Triples = triples
	state.CriticPassed = false
	n.logger.Info("extraction attempt complete",
		slog.String("job_id", state.JobID),
		slog.Int("triples", len(triples)),
		slog.Int("revision", state.RevisionCount),
	)
	return engine.RouteNext, nil
}

// normalizePriority coerces the model's tag into the closed HIGH/LOW set.
// An absent tag falls back to token overlap with the research questions.
func normalizePriority(t datatypes.Triple, questions []string) datatypes.Priority {
	switch strings.ToUpper(string(t.Priority)) {
	case string(datatypes.PriorityHigh):
		return datatypes.PriorityHigh
	case string(datatypes.PriorityLow):
		return datatypes.PriorityLow
	}
	if bearsOnQuestions(t, questions) {
		return datatypes.PriorityHigh
	}
	return datatypes.PriorityLow
}

// bearsOnQuestions reports whether any substantive term of the triple
// appears in a research question.
func bearsOnQuestions(t datatypes.Triple, questions []string) bool {
	if len(questions) == 0 {
		return false
	}
	terms := tripleTerms(t)
	for _, q := range questions {
		q = strings.ToLower(q)
		for _, term := range terms {
			if strings.Contains(q, term) {
				return true
			}
		}
	}
	return false
}

func tripleTerms(t datatypes.Triple) []string {
	var terms []string
	for _, field := range []string{t.Subject, t.Predicate, t.Object} {
		for _, tok := range strings.FieldsFunc(strings.ToLower(field), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			if len(tok) > 3 { // skip stopword-sized tokens
				terms = append(terms, tok)
			}
		}
	}
	return terms
}
