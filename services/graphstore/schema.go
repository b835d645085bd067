// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphstore

import (
	"github.com/weaviate/weaviate/entities/models"
)

// Class names. The store keys every write to a deterministic ID within one
// of these classes.
const (
	ClassClaim          = "Claim"
	ClassCanonicalEntry = "CanonicalEntry"
	ClassAliasEdge      = "AliasEdge"
	ClassManifest       = "ExtractionManifest"
)

func filterable() *bool {
	b := true
	return &b
}

// ClaimSchema is the per-job extracted claim record with its source pointer.
func ClaimSchema() *models.Class {
	return &models.Class{
		Class:       ClassClaim,
		Description: "An extracted subject-predicate-object claim with its evidentiary source pointer.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "job_id", DataType: []string{"text"}, IndexFilterable: filterable(), Tokenization: "field"},
			{Name: "project_id", DataType: []string{"text"}, IndexFilterable: filterable(), Tokenization: "field"},
			{Name: "subject", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "predicate", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "object", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "fact_hash", DataType: []string{"text"}, IndexFilterable: filterable(), Tokenization: "field"},
			{Name: "confidence", DataType: []string{"number"}},
			{Name: "priority", DataType: []string{"text"}, IndexFilterable: filterable(), Tokenization: "field"},
			{Name: "is_expert_verified", DataType: []string{"boolean"}, IndexFilterable: filterable()},
			{Name: "doc_hash", DataType: []string{"text"}, IndexFilterable: filterable(), Tokenization: "field"},
			{Name: "page", DataType: []string{"int"}},
			{Name: "bbox", DataType: []string{"number[]"}},
			{Name: "snippet", DataType: []string{"text"}, Tokenization: "word"},
		},
	}
}

// CanonicalEntrySchema is the deduplicated project-level fact record.
func CanonicalEntrySchema() *models.Class {
	return &models.Class{
		Class:       ClassCanonicalEntry,
		Description: "A deduplicated canonical fact aggregating provenance across jobs.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "project_id", DataType: []string{"text"}, IndexFilterable: filterable(), Tokenization: "field"},
			{Name: "entity_id", DataType: []string{"text"}, IndexFilterable: filterable(), Tokenization: "field"},
			{Name: "fact_hash", DataType: []string{"text"}, IndexFilterable: filterable(), Tokenization: "field"},
			{Name: "subject", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "predicate", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "object", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "pointers", DataType: []string{"text"}},
			{Name: "conflicts", DataType: []string{"text"}},
			{Name: "provenance", DataType: []string{"text"}},
			{Name: "aliases", DataType: []string{"text[]"}},
		},
	}
}

// AliasEdgeSchema records a merge: the losing entity redirects to the
// surviving one. Edges are never removed, so merge history stays auditable.
func AliasEdgeSchema() *models.Class {
	return &models.Class{
		Class:       ClassAliasEdge,
		Description: "A redirect from a merged-away entity to its surviving canonical entity.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "project_id", DataType: []string{"text"}, IndexFilterable: filterable(), Tokenization: "field"},
			{Name: "from_entity", DataType: []string{"text"}, IndexFilterable: filterable(), Tokenization: "field"},
			{Name: "to_entity", DataType: []string{"text"}, IndexFilterable: filterable(), Tokenization: "field"},
			{Name: "reason", DataType: []string{"text"}},
		},
	}
}

// ManifestSchema is the durable summary of what one job wrote.
func ManifestSchema() *models.Class {
	return &models.Class{
		Class:       ClassManifest,
		Description: "The durable summary of one extraction job's writes.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "job_id", DataType: []string{"text"}, IndexFilterable: filterable(), Tokenization: "field"},
			{Name: "project_id", DataType: []string{"text"}, IndexFilterable: filterable(), Tokenization: "field"},
			{Name: "triples_saved", DataType: []string{"int"}},
			{Name: "triples_pruned", DataType: []string{"int"}},
			{Name: "revisions", DataType: []string{"int"}},
			{Name: "degraded", DataType: []string{"boolean"}},
			{Name: "needs_signoff", DataType: []string{"boolean"}},
		},
	}
}

// AllSchemas returns every class the store manages, in creation order.
func AllSchemas() []*models.Class {
	return []*models.Class{
		ClaimSchema(),
		CanonicalEntrySchema(),
		AliasEdgeSchema(),
		ManifestSchema(),
	}
}
