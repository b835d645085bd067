// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package nodes implements the research workflow stages: context hydration,
// extraction, critique, confidence filtering, persistence, and the
// sign-off gate. Each node is an engine.Node operating on the shared
// ResearchState.
package nodes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridianlabs-ai/meridian/services/evidence"
	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/workflow/engine"
	"github.com/meridianlabs-ai/meridian/services/workflow/project"
)

// ContextNode hydrates project configuration into state and prepares the
// source text. Raw-text submissions are cached as synthetic pages so the
// evidence validator has something to ground snippets against.
//
// The node is fallible: a missing project record degrades to an empty
// context with a warning rather than failing the job.
type ContextNode struct {
	projects *project.Store
	pages    *evidence.Cache
	logger   *slog.Logger
}

func NewContextNode(projects *project.Store, pages *evidence.Cache, logger *slog.Logger) *ContextNode {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextNode{projects: projects, pages: pages, logger: logger}
}

func (n *ContextNode) Name() string { return "CONTEXT" }

func (n *ContextNode) Fallible() bool { return true }

func (n *ContextNode) Execute(ctx context.Context, state *datatypes.ResearchState) (engine.Route, error) {
	if state.RawText != "" && state.DocHash == "" {
		docHash, pageCount, err := n.pages.CacheRawText(state.RawText)
		if err != nil {
			return engine.RouteNext, fmt.Errorf("cache raw text: %w", err)
		}
		state.DocHash = docHash
		n.logger.Debug("raw text cached as source",
			slog.String("job_id", state.JobID),
			slog.String("doc_hash", docHash),
			slog.Int("pages", pageCount),
		)
	}

	pctx, err := n.projects.Get(ctx, state.ProjectID)
	if err != nil {
		return engine.RouteNext, fmt.Errorf("hydrate project %s: %w", state.ProjectID, err)
	}
	state.Context = pctx
	return engine.RouteNext, nil
}
