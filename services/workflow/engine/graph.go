// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine runs the checkpointed research workflow: an ordered node
// graph with conditional routing, a bounded revision loop, and suspend/resume
// for human sign-off. Nodes mutate a shared ResearchState; the executor
// checkpoints the state after every node so a crashed or suspended job can
// continue without repeating work.
package engine

import (
	"context"
	"fmt"
	"regexp"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
)

// validGraphNamePattern defines valid characters for graph names.
var validGraphNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Route is a node's verdict on where execution goes next.
type Route int

const (
	// RouteNext advances to the next node in sequence.
	RouteNext Route = iota
	// RouteRevise jumps back to the graph's revise target for another
	// extraction attempt. Subject to the executor's revision bound.
	RouteRevise
	// RouteSuspend halts the job for a human decision. The executor
	// checkpoints and returns; Resume continues from the suspending node's
	// successor.
	RouteSuspend
	// RouteDone ends the job successfully, skipping any remaining nodes.
	RouteDone
)

func (r Route) String() string {
	switch r {
	case RouteNext:
		return "next"
	case RouteRevise:
		return "revise"
	case RouteSuspend:
		return "suspend"
	case RouteDone:
		return "done"
	default:
		return "unknown"
	}
}

// Node is one stage of the workflow.
//
// Description:
//
//	Execute mutates state in place and returns a Route deciding what runs
//	next. A returned error fails the job unless the node is fallible (see
//	Fallible), in which case the executor records a warning and advances.
//
// Thread Safety:
//
//	Execute is never called concurrently for the same job. Implementations
//	shared across jobs must not keep per-job state on the receiver.
type Node interface {
	Name() string
	Execute(ctx context.Context, state *datatypes.ResearchState) (Route, error)
}

// Fallible marks a node whose failure degrades the job instead of failing
// it. The context hydration node is fallible: a missing project record
// produces a warning, not a dead job.
type Fallible interface {
	Fallible() bool
}

// Graph is an ordered, validated node sequence with a designated revise
// target. Build one with Builder; a Graph is immutable after Build.
type Graph struct {
	name         string
	nodes        []Node
	index        map[string]int
	reviseTarget string
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// NodeNames returns the node names in execution order.
func (g *Graph) NodeNames() []string {
	names := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		names[i] = n.Name()
	}
	return names
}

// position returns the index of the named node, or -1.
func (g *Graph) position(name string) int {
	i, ok := g.index[name]
	if !ok {
		return -1
	}
	return i
}

// Builder constructs a Graph with validation.
//
// Thread Safety: Builder is NOT safe for concurrent use.
type Builder struct {
	name         string
	nodes        []Node
	reviseTarget string
	errors       []error
}

// NewBuilder creates a graph builder.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Append adds a node to the end of the sequence.
func (b *Builder) Append(node Node) *Builder {
	if node == nil {
		b.errors = append(b.errors, ErrNilNode)
		return b
	}
	for _, existing := range b.nodes {
		if existing.Name() == node.Name() {
			b.errors = append(b.errors, NewNodeError(node.Name(), ErrDuplicateNode))
			return b
		}
	}
	b.nodes = append(b.nodes, node)
	return b
}

// WithReviseTarget names the node RouteRevise jumps back to. Required when
// any node can return RouteRevise.
func (b *Builder) WithReviseTarget(name string) *Builder {
	b.reviseTarget = name
	return b
}

// Build validates and constructs the Graph.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if b.name == "" || !validGraphNamePattern.MatchString(b.name) {
		return nil, fmt.Errorf("%w: graph name must match [a-zA-Z0-9_-]+, got %q", ErrInvalidInput, b.name)
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("%w: graph has no nodes", ErrInvalidInput)
	}

	index := make(map[string]int, len(b.nodes))
	for i, n := range b.nodes {
		if n.Name() == "" {
			return nil, fmt.Errorf("%w: node name must not be empty", ErrInvalidInput)
		}
		index[n.Name()] = i
	}

	if b.reviseTarget != "" {
		if _, ok := index[b.reviseTarget]; !ok {
			return nil, NewNodeError(b.reviseTarget, ErrNodeNotFound)
		}
	}

	return &Graph{
		name:         b.name,
		nodes:        b.nodes,
		index:        index,
		reviseTarget: b.reviseTarget,
	}, nil
}
