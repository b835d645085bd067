// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package jobs manages the extraction job lifecycle: submission with
// idempotency keys and reprocessing lineage, FIFO dispatch under a bounded
// worker pool, suspension for human sign-off, cancellation, and the
// fire-and-forget finalize handoff to the synthesis engine.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/workflow/engine"
)

// DefaultConcurrency is the worker-slot ceiling: at most this many jobs
// execute simultaneously regardless of queue depth.
const DefaultConcurrency = 2

const defaultQueueSize = 256

var (
	// ErrJobNotSuspended is returned by Resume when the job is not waiting
	// for sign-off. The gateway maps it to 409.
	ErrJobNotSuspended = errors.New("job is not awaiting sign-off")

	// ErrJobNotFinished is returned by Finalize when the job has not
	// succeeded yet.
	ErrJobNotFinished = errors.New("job has not completed successfully")

	// ErrJobNotActive is returned by Cancel when the job is already terminal.
	ErrJobNotActive = errors.New("job is not active")

	// ErrQueueFull is returned by Submit when the dispatch queue is at
	// capacity.
	ErrQueueFull = errors.New("job queue is full")

	// ErrFinalizeNotStarted is returned by FinalizeStatus before any
	// finalize run.
	ErrFinalizeNotStarted = errors.New("finalize has not been started")

	// ErrManagerClosed is returned by Submit and Resume after Close.
	ErrManagerClosed = errors.New("job manager is closed")
)

// FinalizeOutcome is what the synthesis engine reports back for one
// finalize run.
type FinalizeOutcome struct {
	Created    int
	Merged     int
	Conflicted int
	Failures   []FinalizeFailure
}

// Finalizer runs knowledge synthesis over a project's verified claims.
type Finalizer interface {
	FinalizeProject(ctx context.Context, projectID string) (FinalizeOutcome, error)
}

// FinalizerFunc adapts a function to the Finalizer interface.
type FinalizerFunc func(ctx context.Context, projectID string) (FinalizeOutcome, error)

func (f FinalizerFunc) FinalizeProject(ctx context.Context, projectID string) (FinalizeOutcome, error) {
	return f(ctx, projectID)
}

// SubmitRequest is one job submission. Exactly one of RawText or DocPath
// must be set.
type SubmitRequest struct {
	ProjectID      string
	RawText        string
	DocPath        string
	IdempotencyKey string

	// ParentJobID links a reprocessing run to the job it supersedes; the
	// new job's version is the parent's plus one.
	ParentJobID string
}

// Config controls the manager.
type Config struct {
	// Concurrency is the worker-slot ceiling. Default: 2
	Concurrency int64

	// QueueSize bounds the dispatch queue. Default: 256
	QueueSize int

	// Engine configures the workflow executor.
	Engine engine.Config

	// Logger for manager logs. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Deps are the manager's collaborators.
type Deps struct {
	Graph       *engine.Graph
	Checkpoints engine.CheckpointStore
	Store       *Store

	// Sink receives execution events (the gateway's stream bus). Optional.
	Sink engine.EventSink

	// Finalizer runs synthesis on Finalize. Optional; Finalize errors
	// without one.
	Finalizer Finalizer
}

type task struct {
	jobID    string
	resume   bool
	decision string
}

// Manager owns job execution: a FIFO dispatch queue feeding a bounded
// worker pool, with job state persisted across restarts.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	cfg         Config
	store       *Store
	checkpoints engine.CheckpointStore
	executor    *engine.Executor
	finalizer   Finalizer
	firstNode   string
	graphName   string
	logger      *slog.Logger

	sem   *semaphore.Weighted
	tasks chan task

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// NewManager creates the manager and starts its dispatcher. Call Close to
// drain it.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Graph == nil {
		return nil, errors.New("graph must not be nil")
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("checkpoint store must not be nil")
	}
	if deps.Store == nil {
		return nil, errors.New("job store must not be nil")
	}
	cfg.applyDefaults()

	psink := newProgressSink(deps.Store, deps.Graph.NodeNames(), deps.Sink)
	executor, err := engine.NewExecutor(deps.Graph, deps.Checkpoints, psink, cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("build executor: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		store:       deps.Store,
		checkpoints: deps.Checkpoints,
		executor:    executor,
		finalizer:   deps.Finalizer,
		firstNode:   deps.Graph.NodeNames()[0],
		graphName:   deps.Graph.Name(),
		logger:      cfg.Logger.With(slog.String("component", "job_manager")),
		sem:         semaphore.NewWeighted(cfg.Concurrency),
		tasks:       make(chan task, cfg.QueueSize),
		baseCtx:     ctx,
		stop:        stop,
		cancels:     make(map[string]context.CancelFunc),
	}

	// Re-enqueue before the dispatcher starts so recovered jobs keep their
	// place ahead of anything submitted after the restart.
	if err := m.recoverPersisted(); err != nil {
		stop()
		return nil, fmt.Errorf("recover persisted jobs: %w", err)
	}

	m.wg.Add(1)
	go m.dispatch()
	return m, nil
}

// recoverPersisted re-enqueues jobs that were queued or mid-run when the
// previous process stopped. Each resumes from its last checkpoint, so
// completed nodes are not re-executed. Suspended jobs are left alone; they
// wait for their sign-off decision, not for a worker slot.
func (m *Manager) recoverPersisted() error {
	recs, err := m.store.ListActive(m.baseCtx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status == StatusNeedsSignoff {
			continue
		}
		if err := m.enqueue(task{jobID: rec.JobID}); err != nil {
			_, _ = m.store.Update(m.baseCtx, rec.JobID, func(r *Record) error {
				r.Status = StatusFailed
				r.Error = err.Error()
				return nil
			})
			m.logger.Error("job recovery failed",
				slog.String("job_id", rec.JobID),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.logger.Info("job recovered after restart",
			slog.String("job_id", rec.JobID),
			slog.String("status", string(rec.Status)),
		)
	}
	return nil
}

// Close stops the dispatcher and waits for in-flight jobs to finish their
// current checkpoint boundary.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// Submit validates, persists, and enqueues a job. Resubmitting with a used
// idempotency key returns the existing job instead of creating a new one.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Record, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	if err := m.baseCtx.Err(); err != nil {
		return nil, ErrManagerClosed
	}

	if req.IdempotencyKey != "" {
		existing, err := m.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	}

	version := 1
	if req.ParentJobID != "" {
		parent, err := m.store.Get(ctx, req.ParentJobID)
		if err != nil {
			return nil, fmt.Errorf("parent job: %w", err)
		}
		version = parent.JobVersion + 1
	}

	rec := &Record{
		JobID:          uuid.NewString(),
		ProjectID:      req.ProjectID,
		Status:         StatusQueued,
		ParentJobID:    req.ParentJobID,
		JobVersion:     version,
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		// Lost an idempotency race to a concurrent submit; return the winner.
		if errors.Is(err, ErrDuplicateIdempotencyKey) && req.IdempotencyKey != "" {
			return m.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	// The initial state is stored as a checkpoint at the first node, so a
	// queued job survives a restart the same way a half-finished one does.
	state := &datatypes.ResearchState{
		JobID:     rec.JobID,
		ProjectID: req.ProjectID,
		RawText:   req.RawText,
		DocPath:   req.DocPath,
	}
	if err := m.checkpoints.Save(ctx, &engine.CheckpointRecord{
		JobID:     rec.JobID,
		GraphName: m.graphName,
		NextNode:  m.firstNode,
		State:     state,
	}); err != nil {
		return nil, fmt.Errorf("save initial checkpoint: %w", err)
	}

	if err := m.enqueue(task{jobID: rec.JobID}); err != nil {
		_, _ = m.store.Update(ctx, rec.JobID, func(r *Record) error {
			r.Status = StatusFailed
			r.Error = err.Error()
			return nil
		})
		return nil, err
	}

	m.logger.Info("job submitted",
		slog.String("job_id", rec.JobID),
		slog.String("project_id", rec.ProjectID),
		slog.Int("job_version", rec.JobVersion),
	)
	return rec, nil
}

func validateSubmit(req SubmitRequest) error {
	if req.ProjectID == "" {
		return errors.New("project_id is required")
	}
	hasText := strings.TrimSpace(req.RawText) != ""
	hasDoc := req.DocPath != ""
	if hasText == hasDoc {
		return errors.New("exactly one of raw_text or doc_path is required")
	}
	return nil
}

// Status returns the job record.
func (m *Manager) Status(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// Result returns the job record and, for completed jobs, the final state
// from the last checkpoint.
func (m *Manager) Result(ctx context.Context, jobID string) (*Record, *datatypes.ResearchState, error) {
	rec, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if rec.Status != StatusSucceeded && rec.Status != StatusFinalized {
		return rec, nil, nil
	}
	cp, err := m.checkpoints.Load(ctx, jobID)
	if err != nil {
		return rec, nil, nil
	}
	return rec, cp.State, nil
}

// Resume re-enters a suspended job with the reviewer's decision. The job
// goes back through the queue, so the concurrency ceiling still applies.
func (m *Manager) Resume(ctx context.Context, jobID, decision string) (*Record, error) {
	if err := m.baseCtx.Err(); err != nil {
		return nil, ErrManagerClosed
	}

	rec, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusNeedsSignoff {
		return nil, fmt.Errorf("%w: status is %s", ErrJobNotSuspended, rec.Status)
	}
	if err := m.enqueue(task{jobID: jobID, resume: true, decision: decision}); err != nil {
		return nil, err
	}
	m.logger.Info("job resume queued",
		slog.String("job_id", jobID),
		slog.String("decision", decision),
	)
	return rec, nil
}

// Cancel stops a job. Queued and suspended jobs fail immediately; running
// jobs fail at their next checkpoint boundary. Claims already persisted
// stay persisted.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	rec, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case StatusQueued, StatusNeedsSignoff:
		// The terminal status makes any suspend snapshot unreachable:
		// Resume refuses jobs that are not NEEDS_SIGNOFF.
		_, err := m.store.Update(ctx, jobID, func(r *Record) error {
			r.Status = StatusFailed
			r.Error = "cancelled"
			return nil
		})
		return err
	case StatusRunning:
		m.cancelMu.Lock()
		cancel, ok := m.cancels[jobID]
		m.cancelMu.Unlock()
		if ok {
			cancel()
		}
		return nil
	default:
		return fmt.Errorf("%w: status is %s", ErrJobNotActive, rec.Status)
	}
}

// Finalize starts a fire-and-forget synthesis run over the job's project.
// Calling it again while a run is in flight, or after the job is
// finalized, is a no-op.
func (m *Manager) Finalize(ctx context.Context, jobID string) error {
	if m.finalizer == nil {
		return errors.New("no finalizer configured")
	}
	rec, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.Status == StatusFinalized {
		return nil
	}
	if rec.Status != StatusSucceeded {
		return fmt.Errorf("%w: status is %s", ErrJobNotFinished, rec.Status)
	}
	if rec.Finalize != nil && rec.Finalize.State == FinalizeRunning {
		return nil
	}

	if _, err := m.store.Update(ctx, jobID, func(r *Record) error {
		r.Finalize = &FinalizeRecord{State: FinalizeRunning, StartedAt: time.Now().UTC()}
		return nil
	}); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runFinalize(jobID, rec.ProjectID)
	}()
	return nil
}

// FinalizeStatus returns the latest finalize run for the job.
func (m *Manager) FinalizeStatus(ctx context.Context, jobID string) (*FinalizeRecord, error) {
	rec, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Finalize == nil {
		return nil, ErrFinalizeNotStarted
	}
	return rec.Finalize, nil
}

func (m *Manager) runFinalize(jobID, projectID string) {
	outcome, err := m.finalizer.FinalizeProject(m.baseCtx, projectID)
	_, uerr := m.store.Update(m.baseCtx, jobID, func(r *Record) error {
		fin := r.Finalize
		if fin == nil {
			fin = &FinalizeRecord{StartedAt: time.Now().UTC()}
			r.Finalize = fin
		}
		fin.CompletedAt = time.Now().UTC()
		if err != nil {
			fin.State = FinalizeFailed
			fin.Error = err.Error()
			return nil
		}
		fin.State = FinalizeCompleted
		fin.Created = outcome.Created
		fin.Merged = outcome.Merged
		fin.Conflicted = outcome.Conflicted
		fin.Failures = outcome.Failures
		r.Status = StatusFinalized
		return nil
	})
	if uerr != nil {
		m.logger.Error("finalize record update failed",
			slog.String("job_id", jobID),
			slog.String("error", uerr.Error()),
		)
	}
	if err != nil {
		m.logger.Error("finalize run failed",
			slog.String("job_id", jobID),
			slog.String("project_id", projectID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Info("finalize run complete",
		slog.String("job_id", jobID),
		slog.String("project_id", projectID),
		slog.Int("created", outcome.Created),
		slog.Int("merged", outcome.Merged),
		slog.Int("conflicted", outcome.Conflicted),
		slog.Int("failures", len(outcome.Failures)),
	)
}

func (m *Manager) enqueue(t task) error {
	select {
	case m.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// dispatch starts jobs in submission order. Acquiring the worker slot
// before dequeuing the next task is what preserves FIFO start order.
func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.baseCtx.Done():
			return
		case t := <-m.tasks:
			if err := m.sem.Acquire(m.baseCtx, 1); err != nil {
				return
			}
			m.wg.Add(1)
			go func(t task) {
				defer m.wg.Done()
				defer m.sem.Release(1)
				m.execute(t)
			}(t)
		}
	}
}

func (m *Manager) execute(t task) {
	rec, err := m.store.Get(m.baseCtx, t.jobID)
	if err != nil {
		m.logger.Error("job record missing at dispatch", slog.String("job_id", t.jobID))
		return
	}
	// Cancelled while queued.
	if rec.Status.Terminal() {
		return
	}

	jctx, cancel := context.WithCancel(m.baseCtx)
	defer cancel()
	m.cancelMu.Lock()
	m.cancels[t.jobID] = cancel
	m.cancelMu.Unlock()
	defer func() {
		m.cancelMu.Lock()
		delete(m.cancels, t.jobID)
		m.cancelMu.Unlock()
	}()

	if _, err := m.store.Update(m.baseCtx, t.jobID, func(r *Record) error {
		r.Status = StatusRunning
		r.Error = ""
		return nil
	}); err != nil {
		m.logger.Error("job status update failed", slog.String("job_id", t.jobID), slog.String("error", err.Error()))
		return
	}

	var res *engine.Result
	if t.resume {
		res, err = m.executor.Resume(jctx, t.jobID, t.decision)
	} else {
		res, err = m.executor.Recover(jctx, t.jobID)
	}

	switch {
	case err != nil:
		msg := err.Error()
		if errors.Is(err, context.Canceled) {
			msg = "cancelled"
		}
		if _, uerr := m.store.Update(m.baseCtx, t.jobID, func(r *Record) error {
			r.Status = StatusFailed
			r.Error = msg
			return nil
		}); uerr != nil {
			m.logger.Error("job status update failed", slog.String("job_id", t.jobID), slog.String("error", uerr.Error()))
		}
		m.logger.Error("job failed",
			slog.String("job_id", t.jobID),
			slog.String("error", msg),
		)
	case res.Suspended:
		// The worker slot is released when this function returns; a
		// suspended job holds no slot while it waits for a human.
		if _, uerr := m.store.Update(m.baseCtx, t.jobID, func(r *Record) error {
			r.Status = StatusNeedsSignoff
			return nil
		}); uerr != nil {
			m.logger.Error("job status update failed", slog.String("job_id", t.jobID), slog.String("error", uerr.Error()))
		}
		m.logger.Info("job suspended for sign-off", slog.String("job_id", t.jobID))
	default:
		if _, uerr := m.store.Update(m.baseCtx, t.jobID, func(r *Record) error {
			r.Status = StatusSucceeded
			r.Progress = 1
			r.CurrentStep = ""
			return nil
		}); uerr != nil {
			m.logger.Error("job status update failed", slog.String("job_id", t.jobID), slog.String("error", uerr.Error()))
		}
		m.logger.Info("job succeeded",
			slog.String("job_id", t.jobID),
			slog.Duration("elapsed", res.Duration),
		)
	}
}

// progressSink mirrors node progress into the job record and forwards
// events to the gateway bus.
type progressSink struct {
	store *Store
	inner engine.EventSink
	steps map[string]int
	total int
}

func newProgressSink(store *Store, nodeNames []string, inner engine.EventSink) *progressSink {
	steps := make(map[string]int, len(nodeNames))
	for i, name := range nodeNames {
		steps[name] = i
	}
	return &progressSink{store: store, inner: inner, steps: steps, total: len(nodeNames)}
}

func (s *progressSink) Publish(jobID string, event datatypes.StreamEvent) {
	if event.Type == datatypes.EventNodeStarted {
		if idx, ok := s.steps[event.Node]; ok {
			_, _ = s.store.Update(context.Background(), jobID, func(r *Record) error {
				r.CurrentStep = event.Node
				r.Progress = float64(idx) / float64(s.total)
				return nil
			})
		}
	}
	if s.inner != nil {
		s.inner.Publish(jobID, event)
	}
}
