// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
)

var (
	tracer = otel.Tracer("meridian.engine")
	meter  = otel.Meter("meridian.engine")
)

// DefaultMaxRevisions is the revision budget: how many times the critic can
// send the job back for re-extraction before the policy applies.
const DefaultMaxRevisions = 3

// RevisionPolicy decides what happens when the revision budget is spent and
// the critic still rejects.
type RevisionPolicy int

const (
	// PolicyDegrade completes the job with the last extraction attempt,
	// recording a warning and marking the result degraded.
	PolicyDegrade RevisionPolicy = iota
	// PolicyFail fails the job with ErrRevisionLimit.
	PolicyFail
)

// EventSink receives execution events for streaming to clients. Publish
// must not block; the gateway's bus buffers and drops on overflow.
type EventSink interface {
	Publish(jobID string, event datatypes.StreamEvent)
}

type nopSink struct{}

func (nopSink) Publish(string, datatypes.StreamEvent) {}

// Config controls executor behavior.
type Config struct {
	// MaxRevisions bounds the critic revision loop. Default: 3
	MaxRevisions int

	// Policy applies when the budget is spent. Default: PolicyDegrade
	Policy RevisionPolicy

	// Logger for execution logs. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Result is the outcome of one run or resume.
type Result struct {
	State     *datatypes.ResearchState
	Suspended bool
	Duration  time.Duration
}

// Executor runs a Graph sequentially with checkpointing after every node.
//
// Thread Safety: safe for concurrent use across distinct jobs. The same job
// must not be run and resumed concurrently; the jobs manager serializes that.
type Executor struct {
	graph       *Graph
	checkpoints CheckpointStore
	sink        EventSink
	cfg         Config
	logger      *slog.Logger

	metricsOnce   sync.Once
	nodeLatency   metric.Float64Histogram
	nodeSuccesses metric.Int64Counter
	nodeFailures  metric.Int64Counter
	jobLatency    metric.Float64Histogram
}

// NewExecutor creates an executor for graph.
//
// Inputs:
//
//	graph - The graph to execute. Must not be nil.
//	checkpoints - Checkpoint persistence. Must not be nil.
//	sink - Event sink for streaming. If nil, events are dropped.
//	cfg - Executor configuration.
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - Non-nil if inputs are invalid.
func NewExecutor(graph *Graph, checkpoints CheckpointStore, sink EventSink, cfg Config) (*Executor, error) {
	if graph == nil {
		return nil, fmt.Errorf("%w: graph must not be nil", ErrInvalidInput)
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("%w: checkpoint store must not be nil", ErrInvalidInput)
	}
	if sink == nil {
		sink = nopSink{}
	}
	if cfg.MaxRevisions <= 0 {
		cfg.MaxRevisions = DefaultMaxRevisions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Executor{
		graph:       graph,
		checkpoints: checkpoints,
		sink:        sink,
		cfg:         cfg,
		logger:      cfg.Logger.With(slog.String("component", "workflow_executor")),
	}, nil
}

// initMetrics lazily initializes metrics. Metric creation failures degrade
// to nil instruments rather than failing execution.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var err error
		e.nodeLatency, err = meter.Float64Histogram("workflow_node_duration_seconds",
			metric.WithDescription("Time spent executing each workflow node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			e.logger.Warn("metric init failed", slog.String("metric", "node_latency"), slog.String("error", err.Error()))
		}
		e.nodeSuccesses, err = meter.Int64Counter("workflow_node_success_total",
			metric.WithDescription("Number of successful node executions"),
		)
		if err != nil {
			e.logger.Warn("metric init failed", slog.String("metric", "node_successes"), slog.String("error", err.Error()))
		}
		e.nodeFailures, err = meter.Int64Counter("workflow_node_failure_total",
			metric.WithDescription("Number of failed node executions"),
		)
		if err != nil {
			e.logger.Warn("metric init failed", slog.String("metric", "node_failures"), slog.String("error", err.Error()))
		}
		e.jobLatency, err = meter.Float64Histogram("workflow_job_duration_seconds",
			metric.WithDescription("Total workflow execution time per run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			e.logger.Warn("metric init failed", slog.String("metric", "job_latency"), slog.String("error", err.Error()))
		}
	})
}

// Run executes the graph from the beginning.
func (e *Executor) Run(ctx context.Context, state *datatypes.ResearchState) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if state == nil || state.JobID == "" {
		return nil, fmt.Errorf("%w: state with job_id is required", ErrInvalidInput)
	}
	return e.run(ctx, state, 0)
}

// Resume continues a suspended job with the human's decision. Execution
// restarts at the suspending node, which now sees the decision and routes
// past the interrupt. Resuming an already-resumed job returns the completed
// result without re-running anything.
func (e *Executor) Resume(ctx context.Context, jobID, decision string) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	rec, err := e.checkpoints.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !rec.Suspended {
		// Replayed resume: the previous call already ran to completion and
		// overwrote the checkpoint. Return the stored outcome.
		if rec.NextNode == "" {
			return &Result{State: rec.State}, nil
		}
		return nil, ErrNotSuspended
	}

	state := rec.State
	state.SignoffDecision = decision
	state.NeedsSignoff = false

	start := e.graph.position(rec.NextNode)
	if start < 0 {
		return nil, NewNodeError(rec.NextNode, ErrNodeNotFound)
	}

	e.logger.Info("resuming suspended job",
		slog.String("job_id", jobID),
		slog.String("node", rec.NextNode),
		slog.String("decision", decision),
	)
	return e.run(ctx, state, start)
}

// Recover continues a job from its last checkpoint after a crash or
// restart. Completed nodes are not re-executed.
func (e *Executor) Recover(ctx context.Context, jobID string) (*Result, error) {
	rec, err := e.checkpoints.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.NextNode == "" {
		return &Result{State: rec.State}, nil
	}
	start := e.graph.position(rec.NextNode)
	if start < 0 {
		return nil, NewNodeError(rec.NextNode, ErrNodeNotFound)
	}
	return e.run(ctx, rec.State, start)
}

func (e *Executor) run(ctx context.Context, state *datatypes.ResearchState, startIdx int) (*Result, error) {
	e.initMetrics()
	started := time.Now()

	ctx, span := tracer.Start(ctx, "engine.run",
		trace.WithAttributes(
			attribute.String("job.id", state.JobID),
			attribute.String("graph.name", e.graph.name),
			attribute.Int("start_index", startIdx),
		),
	)
	defer span.End()

	i := startIdx
	for i < len(e.graph.nodes) {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, err
		}

		node := e.graph.nodes[i]
		route, err := e.executeNode(ctx, node, state)
		if err != nil {
			if isFallible(node) {
				warning := fmt.Sprintf("%s failed: %v", node.Name(), err)
				state.Warnings = append(state.Warnings, warning)
				e.publish(state.JobID, datatypes.StreamEvent{
					Type:    datatypes.EventWarning,
					Node:    node.Name(),
					Message: warning,
				})
				route = RouteNext
			} else {
				// Checkpoint at the failed node so a recovery attempt
				// re-runs it instead of starting over.
				e.checkpoint(ctx, state, node.Name(), false)
				e.publish(state.JobID, datatypes.StreamEvent{
					Type:  datatypes.EventError,
					Node:  node.Name(),
					Error: err.Error(),
				})
				span.SetStatus(codes.Error, err.Error())
				return nil, NewNodeError(node.Name(), fmt.Errorf("%w: %v", ErrNodeFailed, err))
			}
		}

		next, suspended, err := e.routeNext(state, node, i, route)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if suspended {
			state.NeedsSignoff = true
			// Snapshot preserves the pre-interrupt state; the main record
			// carries the suspend marker.
			rec := &CheckpointRecord{
				JobID:     state.JobID,
				GraphName: e.graph.name,
				NextNode:  node.Name(),
				Suspended: true,
				State:     state.Clone(),
			}
			if err := e.checkpoints.SaveSnapshot(ctx, rec); err != nil {
				e.logger.Warn("snapshot save failed", slog.String("job_id", state.JobID), slog.String("error", err.Error()))
			}
			if err := e.checkpoints.Save(ctx, rec); err != nil {
				return nil, fmt.Errorf("checkpoint suspend: %w", err)
			}
			e.publish(state.JobID, datatypes.StreamEvent{
				Type:    datatypes.EventJobStatus,
				Node:    node.Name(),
				Message: "needs_signoff",
			})
			return &Result{State: state, Suspended: true, Duration: time.Since(started)}, nil
		}

		nextName := ""
		if next < len(e.graph.nodes) {
			nextName = e.graph.nodes[next].Name()
		}
		e.checkpoint(ctx, state, nextName, false)
		i = next
	}

	if e.jobLatency != nil {
		e.jobLatency.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("graph", e.graph.name)))
	}
	e.publish(state.JobID, datatypes.StreamEvent{
		Type:    datatypes.EventDone,
		Message: "workflow complete",
	})
	return &Result{State: state, Duration: time.Since(started)}, nil
}

// routeNext maps a node's route to the next index, applying the revision
// bound.
func (e *Executor) routeNext(state *datatypes.ResearchState, node Node, i int, route Route) (next int, suspended bool, err error) {
	switch route {
	case RouteNext:
		return i + 1, false, nil
	case RouteDone:
		return len(e.graph.nodes), false, nil
	case RouteSuspend:
		return i, true, nil
	case RouteRevise:
		if e.graph.reviseTarget == "" {
			return 0, false, NewNodeError(node.Name(), fmt.Errorf("%w: graph has no revise target", ErrInvalidInput))
		}
		if state.RevisionCount >= e.cfg.MaxRevisions {
			if e.cfg.Policy == PolicyFail {
				return 0, false, NewNodeError(node.Name(), ErrRevisionLimit)
			}
			warning := fmt.Sprintf("revision limit (%d) reached, continuing with unapproved claims", e.cfg.MaxRevisions)
			state.Warnings = append(state.Warnings, warning)
			e.publish(state.JobID, datatypes.StreamEvent{
				Type:    datatypes.EventWarning,
				Node:    node.Name(),
				Message: warning,
			})
			return i + 1, false, nil
		}
		state.RevisionCount++
		return e.graph.position(e.graph.reviseTarget), false, nil
	default:
		return 0, false, NewNodeError(node.Name(), fmt.Errorf("%w: unknown route %d", ErrInvalidInput, route))
	}
}

func (e *Executor) executeNode(ctx context.Context, node Node, state *datatypes.ResearchState) (Route, error) {
	nodeCtx := ctx
	if t, ok := node.(interface{ Timeout() time.Duration }); ok && t.Timeout() > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, t.Timeout())
		defer cancel()
	}

	nodeCtx, span := tracer.Start(nodeCtx, "engine.node."+node.Name(),
		trace.WithAttributes(
			attribute.String("job.id", state.JobID),
			attribute.Int("revision", state.RevisionCount),
		),
	)
	defer span.End()

	e.publish(state.JobID, datatypes.StreamEvent{
		Type: datatypes.EventNodeStarted,
		Node: node.Name(),
	})
	e.logger.Info("node started",
		slog.String("job_id", state.JobID),
		slog.String("node", node.Name()),
	)

	started := time.Now()
	route, err := node.Execute(nodeCtx, state)
	elapsed := time.Since(started)

	if e.nodeLatency != nil {
		e.nodeLatency.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("node", node.Name())))
	}

	if err != nil {
		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("node", node.Name())))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("node failed",
			slog.String("job_id", state.JobID),
			slog.String("node", node.Name()),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return route, err
	}

	if e.nodeSuccesses != nil {
		e.nodeSuccesses.Add(ctx, 1, metric.WithAttributes(attribute.String("node", node.Name())))
	}
	span.SetAttributes(attribute.String("route", route.String()))
	e.logger.Info("node completed",
		slog.String("job_id", state.JobID),
		slog.String("node", node.Name()),
		slog.String("route", route.String()),
		slog.Duration("elapsed", elapsed),
	)
	e.publish(state.JobID, datatypes.StreamEvent{
		Type:    datatypes.EventNodeCompleted,
		Node:    node.Name(),
		Message: route.String(),
	})
	return route, nil
}

// checkpoint persists progress. A failed checkpoint write is logged, not
// fatal: losing a checkpoint costs re-execution, not correctness, because
// node writes are idempotent.
func (e *Executor) checkpoint(ctx context.Context, state *datatypes.ResearchState, nextNode string, suspended bool) {
	rec := &CheckpointRecord{
		JobID:     state.JobID,
		GraphName: e.graph.name,
		NextNode:  nextNode,
		Suspended: suspended,
		State:     state.Clone(),
	}
	if err := e.checkpoints.Save(ctx, rec); err != nil {
		e.logger.Warn("checkpoint save failed",
			slog.String("job_id", state.JobID),
			slog.String("next_node", nextNode),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) publish(jobID string, event datatypes.StreamEvent) {
	event.JobID = jobID
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().UnixMilli()
	}
	e.sink.Publish(jobID, event)
}

func isFallible(node Node) bool {
	f, ok := node.(Fallible)
	return ok && f.Fallible()
}
