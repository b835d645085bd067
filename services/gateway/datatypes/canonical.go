// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// ProvenanceEntry records one contribution to a canonical entry. The
// provenance log is append-only; entries are never rewritten or removed.
type ProvenanceEntry struct {
	ProjectID string    `json:"project_id"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ConflictFlag marks that two provenance chains disagree about the same
// entity/predicate. The existing canonical value is left untouched; the
// flag queues the disagreement for human systemic review.
type ConflictFlag struct {
	Subject       string            `json:"subject"`
	Predicate     string            `json:"predicate"`
	ExistingValue string            `json:"existing_value"`
	IncomingValue string            `json:"incoming_value"`
	Existing      []ProvenanceEntry `json:"existing_provenance"`
	Incoming      []ProvenanceEntry `json:"incoming_provenance"`
	FlaggedAt     time.Time         `json:"flagged_at"`
}

// CanonicalEntry is one deduplicated fact in the long-lived knowledge store.
// Created or merged only during finalization. Merges are additive: source
// pointers are unioned, provenance is appended, and contradictions add a
// conflict flag rather than overwriting.
type CanonicalEntry struct {
	EntityID   string            `json:"entity_id"`
	FactHash   string            `json:"fact_hash"`
	Subject    string            `json:"subject"`
	Predicate  string            `json:"predicate"`
	Object     string            `json:"object"`
	Pointers   []SourcePointer   `json:"source_pointers"`
	Conflicts  []ConflictFlag    `json:"conflict_flags,omitempty"`
	Provenance []ProvenanceEntry `json:"provenance_log"`
	// Aliases lists entity IDs an operator has declared equivalent to this
	// entry via the merge endpoint.
	Aliases []string `json:"aliases,omitempty"`
}

// HasPointer reports whether an identical source pointer is already present.
// Used to keep pointer unions idempotent.
func (e *CanonicalEntry) HasPointer(p SourcePointer) bool {
	for _, have := range e.Pointers {
		if have.DocHash == p.DocHash && have.Page == p.Page && have.Snippet == p.Snippet {
			return true
		}
	}
	return false
}

// MergeResult is the response of the operator merge endpoint.
type MergeResult struct {
	ClaimsMigrated         int  `json:"claims_migrated"`
	SourcePointersMigrated int  `json:"source_pointers_migrated"`
	AlreadyMerged          bool `json:"already_merged,omitempty"`
}
