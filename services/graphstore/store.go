// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graphstore is the persistence layer for the knowledge graph:
// claims, canonical entries, alias edges, and finalize manifests. The
// production backend is Weaviate behind a circuit breaker; an in-memory
// backend serves tests and local development.
package graphstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and Update when no object exists under
// (class, id).
var ErrNotFound = errors.New("object not found")

// Object is one stored graph record.
type Object struct {
	Class      string
	ID         string
	Properties map[string]interface{}
}

// Filter is a single equality constraint on a property path.
type Filter struct {
	Path   []string
	Equals string
}

// Store abstracts graph persistence. All writes are upserts or
// read-modify-write updates; the graph never deletes claims, merges only
// redirect them.
type Store interface {
	// EnsureSchema creates any missing classes. Idempotent.
	EnsureSchema(ctx context.Context) error

	// UpsertByKey writes props under a caller-chosen deterministic ID.
	// Re-running the same write is a no-op at the data level. Returns true
	// when the object did not previously exist.
	UpsertByKey(ctx context.Context, class, id string, props map[string]interface{}) (bool, error)

	// Get fetches one object, or ErrNotFound.
	Get(ctx context.Context, class, id string) (*Object, error)

	// Query returns objects of class matching all filters, up to limit
	// (limit <= 0 means no cap).
	Query(ctx context.Context, class string, filters []Filter, limit int) ([]Object, error)

	// Update applies mutate to the object's current properties and writes
	// the result back. Returns ErrNotFound when the object does not exist.
	// The mutation must be idempotent: the synthesis engine re-applies it
	// on retries.
	Update(ctx context.Context, class, id string, mutate func(props map[string]interface{}) error) error
}
