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
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/graphstore"
	"github.com/meridianlabs-ai/meridian/services/workflow/engine"
)

// claimNamespace seeds deterministic claim IDs. Never change this value:
// re-runs of the same job must produce the same IDs for idempotent saves.
var claimNamespace = uuid.MustParse("7c9e6579-7425-40de-944b-e07fc1f90ae7")

// SaverNode persists surviving claims and the job manifest to the graph
// store. Claim IDs are derived deterministically from job and claim
// content, so an at-least-once re-entry after a crash writes the same
// records instead of duplicates.
type SaverNode struct {
	store  graphstore.Store
	sink   engine.EventSink
	logger *slog.Logger
}

func NewSaverNode(store graphstore.Store, sink engine.EventSink, logger *slog.Logger) *SaverNode {
	if logger == nil {
		logger = slog.Default()
	}
	return &SaverNode{store: store, sink: sink, logger: logger}
}

func (n *SaverNode) Name() string { return "SAVER" }

func (n *SaverNode) Execute(ctx context.Context, state *datatypes.ResearchState) (engine.Route, error) {
	saved := 0
	for i := range state.Triples {
		t := &state.Triples[i]
		id := claimID(state.JobID, *t)

		created, err := n.store.UpsertByKey(ctx, graphstore.ClassClaim, id, claimProps(state, *t))
		if err != nil {
			return engine.RouteNext, fmt.Errorf("persist claim %s: %w", id, err)
		}
		t.ID = id
		saved++

		if created && n.sink != nil {
			n.sink.Publish(state.JobID, datatypes.StreamEvent{
				Type:      datatypes.EventClaimSaved,
				JobID:     state.JobID,
				Node:      n.Name(),
				CreatedAt: time.Now().UnixMilli(),
				Payload: map[string]any{
					"claim_id":  id,
					"subject":   t.Subject,
					"predicate": t.Predicate,
					"object":    t.Object,
					"priority":  string(t.Priority),
				},
			})
		}
	}

	if state.Manifest == nil {
		state.Manifest = &datatypes.ExtractionManifest{}
	}
	state.Manifest.JobID = state.JobID
	state.Manifest.ProjectID = state.ProjectID
	state.Manifest.TriplesSaved = saved
	state.Manifest.Revisions = state.RevisionCount
	state.Manifest.Degraded = !state.CriticPassed

	manifestID := uuid.NewSHA1(claimNamespace, []byte("manifest\x1f"+state.JobID)).String()
	_, err := n.store.UpsertByKey(ctx, graphstore.ClassManifest, manifestID, map[string]interface{}{
		"job_id":         state.Manifest.JobID,
		"project_id":     state.Manifest.ProjectID,
		"triples_saved":  state.Manifest.TriplesSaved,
		"triples_pruned": state.Manifest.TriplesPruned,
		"revisions":      state.Manifest.Revisions,
		"degraded":       state.Manifest.Degraded,
		"needs_signoff":  state.NeedsSignoff,
	})
	if err != nil {
		return engine.RouteNext, fmt.Errorf("persist manifest: %w", err)
	}

	n.logger.Info("claims persisted",
		slog.String("job_id", state.JobID),
		slog.Int("saved", saved),
		slog.Bool("degraded", state.Manifest.Degraded),
	)
	return engine.RouteNext, nil
}

// claimID derives the deterministic store ID for a claim: same job, same
// fact, same pointer always map to the same UUID.
func claimID(jobID string, t datatypes.Triple) string {
	key := fmt.Sprintf("%s\x1f%s\x1f%s\x1f%d\x1f%s",
		jobID, t.FactHash(), t.Pointer.DocHash, t.Pointer.Page, t.Pointer.Snippet)
	return uuid.NewSHA1(claimNamespace, []byte(key)).String()
}

func claimProps(state *datatypes.ResearchState, t datatypes.Triple) map[string]interface{} {
	return map[string]interface{}{
		"job_id":             state.JobID,
		"project_id":         state.ProjectID,
		"subject":            t.Subject,
		"predicate":          t.Predicate,
		"object":             t.Object,
		"fact_hash":          t.FactHash(),
		"confidence":         t.Confidence,
		"priority":           string(t.Priority),
		"is_expert_verified": t.ExpertVerified,
		"doc_hash":           t.Pointer.DocHash,
		"page":               t.Pointer.Page,
		"bbox":               t.Pointer.BBox,
		"snippet":            t.Pointer.Snippet,
	}
}
