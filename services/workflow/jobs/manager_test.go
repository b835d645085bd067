// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/storage/badgerstore"
	"github.com/meridianlabs-ai/meridian/services/workflow/engine"
)

// funcNode adapts a function to engine.Node for tests.
type funcNode struct {
	name string
	fn   func(ctx context.Context, state *datatypes.ResearchState) (engine.Route, error)
}

func (n *funcNode) Name() string { return n.name }

func (n *funcNode) Execute(ctx context.Context, state *datatypes.ResearchState) (engine.Route, error) {
	if n.fn == nil {
		return engine.RouteNext, nil
	}
	return n.fn(ctx, state)
}

// gateNode blocks until released, reporting each entry on started.
type gateNode struct {
	name    string
	started chan string
	release chan struct{}
}

func (n *gateNode) Name() string { return n.name }

func (n *gateNode) Execute(ctx context.Context, state *datatypes.ResearchState) (engine.Route, error) {
	n.started <- state.JobID
	select {
	case <-n.release:
		return engine.RouteNext, nil
	case <-ctx.Done():
		return engine.RouteNext, ctx.Err()
	}
}

func newManagerFixture(t *testing.T, cfg Config, nodes ...engine.Node) *Manager {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	builder := engine.NewBuilder("test-graph")
	for _, n := range nodes {
		builder.Append(n)
	}
	graph, err := builder.Build()
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	checkpoints, err := engine.NewBadgerCheckpointStore(db)
	if err != nil {
		t.Fatalf("checkpoint store: %v", err)
	}
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("job store: %v", err)
	}

	m, err := NewManager(cfg, Deps{
		Graph:       graph,
		Checkpoints: checkpoints,
		Store:       store,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func waitForStatus(t *testing.T, m *Manager, jobID string, want Status) *Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := m.Status(context.Background(), jobID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if rec.Status == want {
			return rec
		}
		if rec.Status.Terminal() && rec.Status != want {
			t.Fatalf("job %s reached %s (error %q), want %s", jobID, rec.Status, rec.Error, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return nil
}

func submitText(t *testing.T, m *Manager, project string) *Record {
	t.Helper()
	rec, err := m.Submit(context.Background(), SubmitRequest{
		ProjectID: project,
		RawText:   "some source text",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return rec
}

func TestSubmitValidation(t *testing.T) {
	m := newManagerFixture(t, Config{}, &funcNode{name: "A"})

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing project", SubmitRequest{RawText: "text"}},
		{"no input", SubmitRequest{ProjectID: "p"}},
		{"both inputs", SubmitRequest{ProjectID: "p", RawText: "text", DocPath: "/tmp/doc.pdf"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Submit(context.Background(), tc.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	gate := &gateNode{name: "A", started: make(chan string, 8), release: make(chan struct{})}
	m := newManagerFixture(t, Config{Concurrency: 2}, gate)

	for i := 0; i < 4; i++ {
		submitText(t, m, "proj-1")
	}

	// Exactly two jobs may enter the gate while slots are held.
	for i := 0; i < 2; i++ {
		select {
		case <-gate.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("job %d never started", i)
		}
	}
	select {
	case id := <-gate.started:
		t.Fatalf("third job %s started past the ceiling", id)
	case <-time.After(100 * time.Millisecond):
	}

	close(gate.release)
	for i := 0; i < 2; i++ {
		select {
		case <-gate.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("queued job %d never started after release", i)
		}
	}
}

func TestFIFOStartOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	node := &funcNode{name: "A", fn: func(_ context.Context, state *datatypes.ResearchState) (engine.Route, error) {
		mu.Lock()
		order = append(order, state.JobID)
		mu.Unlock()
		return engine.RouteNext, nil
	}}
	m := newManagerFixture(t, Config{Concurrency: 1}, node)

	var submitted []string
	for i := 0; i < 3; i++ {
		submitted = append(submitted, submitText(t, m, "proj-1").JobID)
	}
	for _, id := range submitted {
		waitForStatus(t, m, id, StatusSucceeded)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("ran %d jobs, want 3", len(order))
	}
	for i, id := range submitted {
		if order[i] != id {
			t.Fatalf("start order %v does not match submission order %v", order, submitted)
		}
	}
}

func TestIdempotentSubmit(t *testing.T) {
	m := newManagerFixture(t, Config{}, &funcNode{name: "A"})

	first, err := m.Submit(context.Background(), SubmitRequest{
		ProjectID:      "proj-1",
		RawText:        "text",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := m.Submit(context.Background(), SubmitRequest{
		ProjectID:      "proj-1",
		RawText:        "text",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.JobID != first.JobID {
		t.Errorf("idempotent resubmit created job %s, want %s", second.JobID, first.JobID)
	}
}

func TestReprocessLineage(t *testing.T) {
	m := newManagerFixture(t, Config{}, &funcNode{name: "A"})

	parent := submitText(t, m, "proj-1")
	waitForStatus(t, m, parent.JobID, StatusSucceeded)

	child, err := m.Submit(context.Background(), SubmitRequest{
		ProjectID:   "proj-1",
		RawText:     "revised text",
		ParentJobID: parent.JobID,
	})
	if err != nil {
		t.Fatalf("reprocess submit: %v", err)
	}
	if child.ParentJobID != parent.JobID {
		t.Errorf("parent_job_id = %q", child.ParentJobID)
	}
	if child.JobVersion != parent.JobVersion+1 {
		t.Errorf("job_version = %d, want %d", child.JobVersion, parent.JobVersion+1)
	}

	if _, err := m.Submit(context.Background(), SubmitRequest{
		ProjectID:   "proj-1",
		RawText:     "text",
		ParentJobID: "missing-parent",
	}); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("missing parent err = %v, want ErrJobNotFound", err)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	gate := &gateNode{name: "A", started: make(chan string, 8), release: make(chan struct{})}
	m := newManagerFixture(t, Config{Concurrency: 1}, gate)

	running := submitText(t, m, "proj-1")
	<-gate.started
	queued := submitText(t, m, "proj-1")

	if err := m.Cancel(context.Background(), queued.JobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	rec := waitForStatus(t, m, queued.JobID, StatusFailed)
	if rec.Error != "cancelled" {
		t.Errorf("error = %q, want cancelled", rec.Error)
	}

	close(gate.release)
	waitForStatus(t, m, running.JobID, StatusSucceeded)

	select {
	case id := <-gate.started:
		if id == queued.JobID {
			t.Error("cancelled job still ran")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelRunningJob(t *testing.T) {
	gate := &gateNode{name: "A", started: make(chan string, 8), release: make(chan struct{})}
	m := newManagerFixture(t, Config{}, gate)

	rec := submitText(t, m, "proj-1")
	<-gate.started

	if err := m.Cancel(context.Background(), rec.JobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got := waitForStatus(t, m, rec.JobID, StatusFailed)
	if got.Error != "cancelled" {
		t.Errorf("error = %q, want cancelled", got.Error)
	}

	if err := m.Cancel(context.Background(), rec.JobID); !errors.Is(err, ErrJobNotActive) {
		t.Errorf("cancel terminal job err = %v, want ErrJobNotActive", err)
	}
}

func TestSuspendAndResume(t *testing.T) {
	signoff := &funcNode{name: "GATE", fn: func(_ context.Context, state *datatypes.ResearchState) (engine.Route, error) {
		if state.SignoffDecision == "" {
			return engine.RouteSuspend, nil
		}
		return engine.RouteNext, nil
	}}
	m := newManagerFixture(t, Config{}, &funcNode{name: "A"}, signoff, &funcNode{name: "B"})

	rec := submitText(t, m, "proj-1")
	waitForStatus(t, m, rec.JobID, StatusNeedsSignoff)

	if _, err := m.Resume(context.Background(), rec.JobID, "approve"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitForStatus(t, m, rec.JobID, StatusSucceeded)

	_, state, err := m.Result(context.Background(), rec.JobID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if state == nil || state.SignoffDecision != "approve" {
		t.Errorf("final state = %+v", state)
	}
}

func TestResumeRequiresSuspension(t *testing.T) {
	m := newManagerFixture(t, Config{}, &funcNode{name: "A"})

	rec := submitText(t, m, "proj-1")
	waitForStatus(t, m, rec.JobID, StatusSucceeded)

	if _, err := m.Resume(context.Background(), rec.JobID, "approve"); !errors.Is(err, ErrJobNotSuspended) {
		t.Errorf("err = %v, want ErrJobNotSuspended", err)
	}
	if _, err := m.Resume(context.Background(), "missing", "approve"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestProgressTracking(t *testing.T) {
	m := newManagerFixture(t, Config{}, &funcNode{name: "A"}, &funcNode{name: "B"})

	rec := submitText(t, m, "proj-1")
	got := waitForStatus(t, m, rec.JobID, StatusSucceeded)
	if got.Progress != 1 {
		t.Errorf("final progress = %v, want 1", got.Progress)
	}
}

func TestFinalizeLifecycle(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	graph, err := engine.NewBuilder("test-graph").Append(&funcNode{name: "A"}).Build()
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	checkpoints, err := engine.NewBadgerCheckpointStore(db)
	if err != nil {
		t.Fatalf("checkpoint store: %v", err)
	}
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("job store: %v", err)
	}

	m, err := NewManager(Config{}, Deps{
		Graph:       graph,
		Checkpoints: checkpoints,
		Store:       store,
		Finalizer: FinalizerFunc(func(_ context.Context, projectID string) (FinalizeOutcome, error) {
			if projectID != "proj-1" {
				return FinalizeOutcome{}, errors.New("unexpected project")
			}
			return FinalizeOutcome{
				Created: 2,
				Merged:  1,
				Failures: []FinalizeFailure{
					{FactHash: "abc", Reason: "resolution unavailable"},
				},
			}, nil
		}),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)

	rec := submitText(t, m, "proj-1")

	if err := m.Finalize(context.Background(), rec.JobID); !errors.Is(err, ErrJobNotFinished) && err != nil {
		// Depending on timing the job may already have succeeded.
		t.Logf("early finalize: %v", err)
	}
	waitForStatus(t, m, rec.JobID, StatusSucceeded)

	if err := m.Finalize(context.Background(), rec.JobID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	waitForStatus(t, m, rec.JobID, StatusFinalized)

	fin, err := m.FinalizeStatus(context.Background(), rec.JobID)
	if err != nil {
		t.Fatalf("finalize status: %v", err)
	}
	if fin.State != FinalizeCompleted || fin.Created != 2 || fin.Merged != 1 {
		t.Errorf("finalize record = %+v", fin)
	}
	if len(fin.Failures) != 1 || fin.Failures[0].Reason != "resolution unavailable" {
		t.Errorf("failures = %+v", fin.Failures)
	}

	// Finalize on an already-finalized job is a no-op.
	if err := m.Finalize(context.Background(), rec.JobID); err != nil {
		t.Errorf("repeat finalize: %v", err)
	}
}

func TestFinalizeStatusBeforeStart(t *testing.T) {
	m := newManagerFixture(t, Config{}, &funcNode{name: "A"})

	rec := submitText(t, m, "proj-1")
	waitForStatus(t, m, rec.JobID, StatusSucceeded)

	if _, err := m.FinalizeStatus(context.Background(), rec.JobID); !errors.Is(err, ErrFinalizeNotStarted) {
		t.Errorf("err = %v, want ErrFinalizeNotStarted", err)
	}
}

func TestRestartRecoversPersistedJobs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	var mu sync.Mutex
	ran := map[string][]string{}
	mark := func(node, jobID string) {
		mu.Lock()
		ran[jobID] = append(ran[jobID], node)
		mu.Unlock()
	}
	nodes := func() []engine.Node {
		return []engine.Node{
			&funcNode{name: "A", fn: func(_ context.Context, s *datatypes.ResearchState) (engine.Route, error) {
				mark("A", s.JobID)
				return engine.RouteNext, nil
			}},
			&funcNode{name: "GATE", fn: func(_ context.Context, s *datatypes.ResearchState) (engine.Route, error) {
				if s.ProjectID == "proj-signoff" && s.SignoffDecision == "" {
					return engine.RouteSuspend, nil
				}
				return engine.RouteNext, nil
			}},
			&funcNode{name: "B", fn: func(_ context.Context, s *datatypes.ResearchState) (engine.Route, error) {
				mark("B", s.JobID)
				return engine.RouteNext, nil
			}},
		}
	}

	// First process: accepts work, then dies before running any of it.
	db, err := badgerstore.Open(badgerstore.Config{Path: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	checkpoints, err := engine.NewBadgerCheckpointStore(db)
	if err != nil {
		t.Fatalf("checkpoint store: %v", err)
	}
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("job store: %v", err)
	}

	seed := func(rec *Record, cp *engine.CheckpointRecord) {
		t.Helper()
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.JobID, err)
		}
		if err := checkpoints.Save(ctx, cp); err != nil {
			t.Fatalf("checkpoint %s: %v", rec.JobID, err)
		}
	}
	seed(
		&Record{JobID: "job-queued", ProjectID: "proj-1", Status: StatusQueued, JobVersion: 1},
		&engine.CheckpointRecord{
			JobID: "job-queued", GraphName: "test-graph", NextNode: "A",
			State: &datatypes.ResearchState{JobID: "job-queued", ProjectID: "proj-1", RawText: "text"},
		},
	)
	// Crashed mid-run, checkpointed past node A.
	seed(
		&Record{JobID: "job-crashed", ProjectID: "proj-1", Status: StatusRunning, JobVersion: 1},
		&engine.CheckpointRecord{
			JobID: "job-crashed", GraphName: "test-graph", NextNode: "GATE",
			State: &datatypes.ResearchState{JobID: "job-crashed", ProjectID: "proj-1", RawText: "text"},
		},
	)
	// Suspended before the crash; still waiting for its reviewer.
	seed(
		&Record{JobID: "job-signoff", ProjectID: "proj-signoff", Status: StatusNeedsSignoff, JobVersion: 1},
		&engine.CheckpointRecord{
			JobID: "job-signoff", GraphName: "test-graph", NextNode: "GATE", Suspended: true,
			State: &datatypes.ResearchState{JobID: "job-signoff", ProjectID: "proj-signoff", RawText: "text", NeedsSignoff: true},
		},
	)
	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	// Second process: same directory, fresh manager.
	db2, err := badgerstore.Open(badgerstore.Config{Path: dir})
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	t.Cleanup(func() { db2.Close() })

	builder := engine.NewBuilder("test-graph")
	for _, n := range nodes() {
		builder.Append(n)
	}
	graph, err := builder.Build()
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	checkpoints2, err := engine.NewBadgerCheckpointStore(db2)
	if err != nil {
		t.Fatalf("checkpoint store: %v", err)
	}
	store2, err := NewStore(db2)
	if err != nil {
		t.Fatalf("job store: %v", err)
	}
	m, err := NewManager(Config{}, Deps{Graph: graph, Checkpoints: checkpoints2, Store: store2})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)

	waitForStatus(t, m, "job-queued", StatusSucceeded)
	waitForStatus(t, m, "job-crashed", StatusSucceeded)

	mu.Lock()
	if got := ran["job-queued"]; len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("queued job ran %v, want [A B]", got)
	}
	// The crashed job resumes from its checkpoint; A does not run again.
	if got := ran["job-crashed"]; len(got) != 1 || got[0] != "B" {
		t.Errorf("crashed job ran %v, want [B]", got)
	}
	mu.Unlock()

	// The suspended job is not re-enqueued; it releases on Resume as usual.
	time.Sleep(50 * time.Millisecond)
	rec, err := m.Status(ctx, "job-signoff")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Status != StatusNeedsSignoff {
		t.Fatalf("suspended job status after restart = %s, want NEEDS_SIGNOFF", rec.Status)
	}
	if _, err := m.Resume(ctx, "job-signoff", "approve"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitForStatus(t, m, "job-signoff", StatusSucceeded)
}

func TestCancelSuspendedJob(t *testing.T) {
	signoff := &funcNode{name: "GATE", fn: func(_ context.Context, state *datatypes.ResearchState) (engine.Route, error) {
		if state.SignoffDecision == "" {
			return engine.RouteSuspend, nil
		}
		return engine.RouteNext, nil
	}}
	m := newManagerFixture(t, Config{}, &funcNode{name: "A"}, signoff)

	rec := submitText(t, m, "proj-1")
	waitForStatus(t, m, rec.JobID, StatusNeedsSignoff)

	if err := m.Cancel(context.Background(), rec.JobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got := waitForStatus(t, m, rec.JobID, StatusFailed)
	if got.Error != "cancelled" {
		t.Errorf("error = %q, want cancelled", got.Error)
	}

	if _, err := m.Resume(context.Background(), rec.JobID, "approve"); !errors.Is(err, ErrJobNotSuspended) {
		t.Errorf("resume after cancel err = %v, want ErrJobNotSuspended", err)
	}
}

func TestStoreRejectsIllegalTransition(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("job store: %v", err)
	}

	ctx := context.Background()
	if err := store.Create(ctx, &Record{JobID: "j1", ProjectID: "p1", Status: StatusQueued, JobVersion: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// QUEUED cannot jump straight to SUCCEEDED.
	_, err = store.Update(ctx, "j1", func(r *Record) error {
		r.Status = StatusSucceeded
		return nil
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
	rec, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusQueued {
		t.Errorf("rejected update still wrote status %s", rec.Status)
	}

	// The legal path is fine, and a no-op status write is not a transition.
	if _, err := store.Update(ctx, "j1", func(r *Record) error {
		r.Status = StatusRunning
		return nil
	}); err != nil {
		t.Fatalf("queued to running: %v", err)
	}
	if _, err := store.Update(ctx, "j1", func(r *Record) error {
		r.CurrentStep = "EXTRACT"
		return nil
	}); err != nil {
		t.Fatalf("progress update: %v", err)
	}
}
