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

	"github.com/meridianlabs-ai/meridian/services/capability"
	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/workflow/engine"
)

// DefaultConfidenceThreshold is the minimum support confidence a claim
// needs to survive the vision filter.
const DefaultConfidenceThreshold = 0.5

// VisionNode scores each claim's support by its cited document region and
// prunes claims below the confidence threshold. Pruned counts land in the
// manifest; pruned claims are dropped from state, not persisted.
type VisionNode struct {
	capability *capability.Service
	threshold  float64
	logger     *slog.Logger
}

// NewVisionNode creates the filter. A zero threshold uses
// DefaultConfidenceThreshold.
func NewVisionNode(svc *capability.Service, threshold float64, logger *slog.Logger) *VisionNode {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VisionNode{capability: svc, threshold: threshold, logger: logger}
}

func (n *VisionNode) Name() string { return "VISION" }

func (n *VisionNode) Execute(ctx context.Context, state *datatypes.ResearchState) (engine.Route, error) {
	if len(state.Triples) == 0 {
		return engine.RouteNext, nil
	}

	result, err := n.capability.VisionScore(ctx, state.Triples)
	if err != nil {
		return engine.RouteNext, fmt.Errorf("vision scoring: %w", err)
	}
	for _, score := range result.Scores {
		state.Triples[score.Index].Confidence = score.Confidence
	}

	kept := state.Triples[:0]
	pruned := 0
	for _, t := range state.Triples {
		if t.Confidence < n.threshold {
			pruned++
			continue
		}
		kept = append(kept, t)
	}
	state.Triples = kept

	if state.Manifest == nil {
		state.Manifest = &datatypes.ExtractionManifest{}
	}
	state.Manifest.TriplesPruned = pruned

	n.logger.Info("confidence filter applied",
		slog.String("job_id", state.JobID),
		slog.Int("kept", len(kept)),
		slog.Int("pruned", pruned),
		slog.Float64("threshold", n.threshold),
	)
	return engine.RouteNext, nil
}
