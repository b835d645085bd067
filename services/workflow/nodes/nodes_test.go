// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"

	"github.com/meridianlabs-ai/meridian/services/capability"
	"github.com/meridianlabs-ai/meridian/services/evidence"
	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/graphstore"
	"github.com/meridianlabs-ai/meridian/services/storage/badgerstore"
	"github.com/meridianlabs-ai/meridian/services/workflow/engine"
	"github.com/meridianlabs-ai/meridian/services/workflow/project"
)

// scriptedGenerator returns canned responses in order.
type scriptedGenerator struct {
	responses []string
	err       error
	calls     int
}

func (g *scriptedGenerator) Generate(_ context.Context, _ string, _ capability.GenerationParams) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	if len(g.responses) == 0 {
		return "", errors.New("scripted generator exhausted")
	}
	resp := g.responses[0]
	g.responses = g.responses[1:]
	return resp, nil
}

// mapPages serves page text from a map keyed by "docHash:page".
type mapPages map[string]string

func (m mapPages) GetOrCompute(_ context.Context, docHash string, page int) (string, error) {
	text, ok := m[fmt.Sprintf("%s:%d", docHash, page)]
	if !ok {
		return "", evidence.ErrNoPageText
	}
	return text, nil
}

// memorySink records published events.
type memorySink struct {
	mu     sync.Mutex
	events []datatypes.StreamEvent
}

func (s *memorySink) Publish(_ string, event datatypes.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *memorySink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func validPointer(docHash string) datatypes.SourcePointer {
	return datatypes.SourcePointer{
		DocHash: docHash,
		Page:    1,
		BBox:    []float64{10, 10, 500, 500},
		Snippet: "the turbine failed under load",
	}
}

func TestCartographerNormalizesPriorityAndDocHash(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{`{
		"triples": [
			{"subject": "Turbine", "predicate": "failed under", "object": "load",
			 "source_pointer": {"page": 1, "bbox": [1,2,3,4], "snippet": "the turbine failed"}},
			{"subject": "Vendor", "predicate": "shipped", "object": "manual", "priority": "low",
			 "source_pointer": {"doc_hash": "other", "page": 2, "bbox": [1,2,3,4], "snippet": "manual shipped"}}
		]
	}`}}
	node := NewCartographerNode(capability.NewService(gen, nil), nil)

	state := &datatypes.ResearchState{
		JobID:   "job-1",
		DocHash: "doc-abc",
		Context: datatypes.ProjectContext{
			ResearchQuestions: []string{"What caused the turbine failure?"},
		},
	}
	route, err := node.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if route != engine.RouteNext {
		t.Fatalf("route = %v, want RouteNext", route)
	}
	if len(state.Triples) != 2 {
		t.Fatalf("got %d triples, want 2", len(state.Triples))
	}
	if state.Triples[0].Pointer.DocHash != "doc-abc" {
		t.Errorf("doc_hash not backfilled: %q", state.Triples[0].Pointer.DocHash)
	}
	if state.Triples[1].Pointer.DocHash != "other" {
		t.Errorf("explicit doc_hash overwritten: %q", state.Triples[1].Pointer.DocHash)
	}
	if state.Triples[0].Priority != datatypes.PriorityHigh {
		t.Errorf("question-bearing claim tagged %q, want HIGH", state.Triples[0].Priority)
	}
	if state.Triples[1].Priority != datatypes.PriorityLow {
		t.Errorf("lowercase tag coerced to %q, want LOW", state.Triples[1].Priority)
	}
	if state.CriticPassed {
		t.Error("CriticPassed should reset after a fresh extraction")
	}
}

func TestCartographerEmptyExtractionYieldsEmptySlice(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{`{"triples": null}`}}
	node := NewCartographerNode(capability.NewService(gen, nil), nil)

	state := &datatypes.ResearchState{JobID: "job-1"}
	if _, err := node.Execute(context.Background(), state); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Triples == nil {
		t.Fatal("triples should be an empty slice, not nil")
	}
	if len(state.Triples) != 0 {
		t.Fatalf("got %d triples, want 0", len(state.Triples))
	}
}

func TestCriticFlagsEmptyExtraction(t *testing.T) {
	validator := evidence.NewValidator(mapPages{}, 0)
	node := NewCriticNode(validator, capability.NewService(&scriptedGenerator{}, nil), nil)

	state := &datatypes.ResearchState{JobID: "job-1"}
	route, err := node.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if route != engine.RouteRevise {
		t.Fatalf("route = %v, want RouteRevise", route)
	}
	if len(state.Critiques) != 1 {
		t.Fatalf("got %d critiques, want 1", len(state.Critiques))
	}
	if state.Critiques[0].TripleIndex != -1 || state.Critiques[0].Reason != "empty_extraction" {
		t.Errorf("unexpected critique: %+v", state.Critiques[0])
	}
	if state.CriticPassed {
		t.Error("CriticPassed should be false")
	}
}

func TestCriticFlagsGarbledOutput(t *testing.T) {
	pages := mapPages{"doc-abc:1": "the turbine failed under load during the second test run"}
	gen := &scriptedGenerator{responses: []string{`{"passed": true, "critiques": []}`}}
	node := NewCriticNode(evidence.NewValidator(pages, 0), capability.NewService(gen, nil), nil)

	state := &datatypes.ResearchState{
		JobID: "job-1",
		Triples: []datatypes.Triple{
			{Subject: "@@##$$%%^^", Predicate: "!!!", Object: "???***", Pointer: validPointer("doc-abc")},
		},
	}
	route, err := node.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if route != engine.RouteRevise {
		t.Fatalf("route = %v, want RouteRevise", route)
	}
	found := false
	for _, c := range state.Critiques {
		if c.Reason == "garbled_output" && c.TripleIndex == 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("no garbled_output critique in %+v", state.Critiques)
	}
}

func TestCriticFlagsUngroundedSnippet(t *testing.T) {
	pages := mapPages{"doc-abc:1": "an entirely different discussion of pump maintenance schedules"}
	gen := &scriptedGenerator{responses: []string{`{"passed": true, "critiques": []}`}}
	node := NewCriticNode(evidence.NewValidator(pages, 0), capability.NewService(gen, nil), nil)

	state := &datatypes.ResearchState{
		JobID: "job-1",
		Triples: []datatypes.Triple{
			{Subject: "Turbine", Predicate: "failed under", Object: "load", Pointer: validPointer("doc-abc")},
		},
	}
	route, err := node.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if route != engine.RouteRevise {
		t.Fatalf("route = %v, want RouteRevise", route)
	}
	var detail string
	for _, c := range state.Critiques {
		if c.Reason == evidence.ReasonSnippetNotGrounded {
			detail = c.Detail
		}
	}
	if detail == "" {
		t.Fatalf("no snippet_not_grounded critique in %+v", state.Critiques)
	}
	if !strings.Contains(detail, "best match ratio") {
		t.Errorf("detail %q should carry the match ratio", detail)
	}
}

func TestCriticPassesGroundedClaims(t *testing.T) {
	pages := mapPages{"doc-abc:1": "during testing the turbine failed under load and was shut down"}
	gen := &scriptedGenerator{responses: []string{`{"passed": true, "critiques": []}`}}
	node := NewCriticNode(evidence.NewValidator(pages, 0), capability.NewService(gen, nil), nil)

	state := &datatypes.ResearchState{
		JobID: "job-1",
		Triples: []datatypes.Triple{
			{Subject: "Turbine", Predicate: "failed under", Object: "load", Pointer: validPointer("doc-abc")},
		},
	}
	route, err := node.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if route != engine.RouteNext {
		t.Fatalf("route = %v, want RouteNext", route)
	}
	if !state.CriticPassed {
		t.Error("CriticPassed should be true")
	}
	if len(state.Critiques) != 0 {
		t.Errorf("unexpected critiques: %+v", state.Critiques)
	}
}

func TestCriticDegradesWhenSemanticReviewFails(t *testing.T) {
	pages := mapPages{"doc-abc:1": "during testing the turbine failed under load and was shut down"}
	gen := &scriptedGenerator{err: errors.New("model unavailable")}
	node := NewCriticNode(evidence.NewValidator(pages, 0), capability.NewService(gen, nil), nil)

	state := &datatypes.ResearchState{
		JobID: "job-1",
		Triples: []datatypes.Triple{
			{Subject: "Turbine", Predicate: "failed under", Object: "load", Pointer: validPointer("doc-abc")},
		},
	}
	route, err := node.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("semantic failure should degrade, got error: %v", err)
	}
	if route != engine.RouteNext {
		t.Fatalf("route = %v, want RouteNext from structural checks alone", route)
	}
}

func TestVisionPrunesAtThreshold(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"scores": [{"index": 0, "confidence": 0.5}, {"index": 1, "confidence": 0.49}]}`,
	}}
	node := NewVisionNode(capability.NewService(gen, nil), 0, nil)

	state := &datatypes.ResearchState{
		JobID: "job-1",
		Triples: []datatypes.Triple{
			{Subject: "A", Predicate: "p", Object: "x"},
			{Subject: "B", Predicate: "q", Object: "y"},
		},
	}
	if _, err := node.Execute(context.Background(), state); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(state.Triples) != 1 {
		t.Fatalf("got %d triples, want 1 (0.50 kept, 0.49 pruned)", len(state.Triples))
	}
	if state.Triples[0].Subject != "A" {
		t.Errorf("wrong claim survived: %q", state.Triples[0].Subject)
	}
	if state.Manifest == nil || state.Manifest.TriplesPruned != 1 {
		t.Errorf("manifest pruned count = %+v, want 1", state.Manifest)
	}
}

func TestVisionSkipsEmptyState(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("should not be called")}
	node := NewVisionNode(capability.NewService(gen, nil), 0, nil)

	state := &datatypes.ResearchState{JobID: "job-1"}
	route, err := node.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if route != engine.RouteNext {
		t.Fatalf("route = %v, want RouteNext", route)
	}
	if gen.calls != 0 {
		t.Errorf("capability called %d times for empty state", gen.calls)
	}
}

func TestSaverIsIdempotent(t *testing.T) {
	store := graphstore.NewMemoryStore()
	sink := &memorySink{}
	node := NewSaverNode(store, sink, nil)

	state := &datatypes.ResearchState{
		JobID:        "job-1",
		ProjectID:    "proj-1",
		CriticPassed: true,
		Triples: []datatypes.Triple{
			{Subject: "Turbine", Predicate: "failed under", Object: "load", Confidence: 0.9,
				Priority: datatypes.PriorityHigh, Pointer: validPointer("doc-abc")},
			{Subject: "Vendor", Predicate: "shipped", Object: "manual", Confidence: 0.7,
				Priority: datatypes.PriorityLow, Pointer: validPointer("doc-abc")},
		},
	}
	if _, err := node.Execute(context.Background(), state); err != nil {
		t.Fatalf("first save: %v", err)
	}
	firstIDs := []string{state.Triples[0].ID, state.Triples[1].ID}
	if firstIDs[0] == "" || firstIDs[0] == firstIDs[1] {
		t.Fatalf("claim IDs not assigned distinctly: %v", firstIDs)
	}
	if got := sink.count(datatypes.EventClaimSaved); got != 2 {
		t.Fatalf("first save published %d claim events, want 2", got)
	}

	// Re-entry after a crash replays the save with the same inputs.
	if _, err := node.Execute(context.Background(), state); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if state.Triples[0].ID != firstIDs[0] || state.Triples[1].ID != firstIDs[1] {
		t.Error("replayed save changed claim IDs")
	}
	if got := sink.count(datatypes.EventClaimSaved); got != 2 {
		t.Errorf("replayed save published new claim events: total %d, want 2", got)
	}

	claims, err := store.Query(context.Background(), graphstore.ClassClaim,
		[]graphstore.Filter{{Path: []string{"job_id"}, Equals: "job-1"}}, 0)
	if err != nil {
		t.Fatalf("query claims: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("store holds %d claims after replay, want 2", len(claims))
	}
}

func TestSaverWritesManifest(t *testing.T) {
	store := graphstore.NewMemoryStore()
	node := NewSaverNode(store, nil, nil)

	state := &datatypes.ResearchState{
		JobID:         "job-1",
		ProjectID:     "proj-1",
		RevisionCount: 2,
		CriticPassed:  false,
		Manifest:      &datatypes.ExtractionManifest{TriplesPruned: 3},
		Triples: []datatypes.Triple{
			{Subject: "Turbine", Predicate: "failed under", Object: "load", Pointer: validPointer("doc-abc")},
		},
	}
	if _, err := node.Execute(context.Background(), state); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if state.Manifest.TriplesSaved != 1 || state.Manifest.Revisions != 2 || !state.Manifest.Degraded {
		t.Errorf("manifest = %+v", state.Manifest)
	}
	if state.Manifest.TriplesPruned != 3 {
		t.Errorf("pruned count lost: %d", state.Manifest.TriplesPruned)
	}

	manifests, err := store.Query(context.Background(), graphstore.ClassManifest,
		[]graphstore.Filter{{Path: []string{"job_id"}, Equals: "job-1"}}, 0)
	if err != nil {
		t.Fatalf("query manifests: %v", err)
	}
	if len(manifests) != 1 {
		t.Fatalf("store holds %d manifests, want 1", len(manifests))
	}
	if got := manifests[0].Properties["triples_saved"]; got != float64(1) {
		t.Errorf("persisted triples_saved = %v", got)
	}
}

func TestReframerSuspendsWithoutHighPriorityClaims(t *testing.T) {
	db := openTestDB(t)
	node, err := NewReframerNode(db, nil)
	if err != nil {
		t.Fatalf("new reframer: %v", err)
	}

	state := &datatypes.ResearchState{
		JobID:     "job-1",
		ProjectID: "proj-1",
		Context: datatypes.ProjectContext{
			ResearchQuestions: []string{"What caused the turbine failure?"},
		},
		Triples: []datatypes.Triple{
			{Subject: "Vendor", Predicate: "shipped", Object: "manual", Priority: datatypes.PriorityLow},
		},
	}
	route, err := node.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if route != engine.RouteSuspend {
		t.Fatalf("route = %v, want RouteSuspend", route)
	}
	if state.ReframingProposalID == "" || state.Proposal == nil {
		t.Fatal("proposal not recorded in state")
	}

	stored, err := node.GetProposal(state.ReframingProposalID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if stored.JobID != "job-1" || stored.ProjectID != "proj-1" {
		t.Errorf("stored proposal = %+v", stored)
	}
}

func TestReframerPassesWithHighPriorityClaim(t *testing.T) {
	db := openTestDB(t)
	node, err := NewReframerNode(db, nil)
	if err != nil {
		t.Fatalf("new reframer: %v", err)
	}

	state := &datatypes.ResearchState{
		JobID: "job-1",
		Context: datatypes.ProjectContext{
			ResearchQuestions: []string{"What caused the turbine failure?"},
		},
		Triples: []datatypes.Triple{
			{Subject: "Turbine", Predicate: "failed under", Object: "load", Priority: datatypes.PriorityHigh},
		},
	}
	route, err := node.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if route != engine.RouteDone {
		t.Fatalf("route = %v, want RouteDone", route)
	}
}

func TestReframerPassesWithoutResearchQuestions(t *testing.T) {
	db := openTestDB(t)
	node, err := NewReframerNode(db, nil)
	if err != nil {
		t.Fatalf("new reframer: %v", err)
	}

	state := &datatypes.ResearchState{JobID: "job-1"}
	route, err := node.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if route != engine.RouteDone {
		t.Fatalf("route = %v, want RouteDone", route)
	}
}

func TestReframerRecordsSignoffDecision(t *testing.T) {
	db := openTestDB(t)
	node, err := NewReframerNode(db, nil)
	if err != nil {
		t.Fatalf("new reframer: %v", err)
	}

	state := &datatypes.ResearchState{
		JobID:     "job-1",
		ProjectID: "proj-1",
		Context: datatypes.ProjectContext{
			ResearchQuestions: []string{"What caused the turbine failure?"},
		},
	}
	if route, err := node.Execute(context.Background(), state); err != nil || route != engine.RouteSuspend {
		t.Fatalf("first pass: route=%v err=%v", route, err)
	}

	// The executor re-runs the node on resume with the decision present.
	state.SignoffDecision = "approve"
	route, err := node.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("resumed pass: %v", err)
	}
	if route != engine.RouteDone {
		t.Fatalf("resumed route = %v, want RouteDone", route)
	}
	if state.NeedsSignoff {
		t.Error("NeedsSignoff should clear after the decision")
	}

	stored, err := node.GetProposal(state.ReframingProposalID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if stored.Decision != "approve" {
		t.Errorf("stored decision = %q, want approve", stored.Decision)
	}
}

func TestContextNodeCachesRawTextAndHydratesProject(t *testing.T) {
	db := openTestDB(t)
	projects, err := project.NewStore(db, nil)
	if err != nil {
		t.Fatalf("new project store: %v", err)
	}
	if _, err := projects.Upsert(context.Background(), datatypes.ProjectContext{
		ProjectID: "proj-1",
		Thesis:    "turbine reliability",
	}); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	pages, err := evidence.NewCache(db, nil, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	node := NewContextNode(projects, pages, nil)

	state := &datatypes.ResearchState{
		JobID:     "job-1",
		ProjectID: "proj-1",
		RawText:   "the turbine failed under load during the second test run",
	}
	route, err := node.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if route != engine.RouteNext {
		t.Fatalf("route = %v, want RouteNext", route)
	}
	if state.DocHash == "" {
		t.Fatal("doc hash not assigned")
	}
	if state.Context.Thesis != "turbine reliability" || state.Context.ConfigVersion != 1 {
		t.Errorf("context = %+v", state.Context)
	}

	text, err := pages.GetOrCompute(context.Background(), state.DocHash, 1)
	if err != nil {
		t.Fatalf("cached page missing: %v", err)
	}
	if !strings.Contains(text, "turbine failed") {
		t.Errorf("cached page text = %q", text)
	}
}

func TestContextNodeMissingProjectReturnsError(t *testing.T) {
	db := openTestDB(t)
	projects, err := project.NewStore(db, nil)
	if err != nil {
		t.Fatalf("new project store: %v", err)
	}
	pages, err := evidence.NewCache(db, nil, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	node := NewContextNode(projects, pages, nil)
	if !node.Fallible() {
		t.Fatal("context node must be fallible")
	}

	state := &datatypes.ResearchState{JobID: "job-1", ProjectID: "missing"}
	if _, err := node.Execute(context.Background(), state); !errors.Is(err, project.ErrProjectNotFound) {
		t.Fatalf("err = %v, want ErrProjectNotFound", err)
	}
}
