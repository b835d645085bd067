// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package evidence verifies that a claim's source pointer is structurally
// valid and textually grounded in cached source-document text.
//
// The validator is pure given its two inputs (the claim and the page-text
// cache) and deterministic for identical inputs. All failed checks are
// aggregated and returned together so the critic can report everything at
// once instead of one reason per revision round.
package evidence

import (
	"context"
	"errors"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
)

// Failure reasons. The critic forwards these verbatim into critiques, so
// the vocabulary is part of the validator's contract.
const (
	ReasonMissingDocHash      = "missing_doc_hash"
	ReasonMalformedBBox       = "malformed_bbox"
	ReasonBBoxOutOfRange      = "bbox_out_of_range"
	ReasonMissingSnippet      = "missing_snippet"
	ReasonPageTextUnavailable = "page_text_unavailable"
	ReasonSnippetNotGrounded  = "snippet_not_grounded"
)

// DefaultMatchThreshold is the minimum sequence-similarity ratio for a
// snippet to count as grounded.
const DefaultMatchThreshold = 0.6

// bbox coordinates live in a 0-1000 normalized page space.
const (
	bboxElements = 4
	bboxMin      = 0
	bboxMax      = 1000
)

// ErrNoPageText is returned by PageText implementations when neither a
// cache entry nor a source document is available for (doc_hash, page).
var ErrNoPageText = errors.New("no cached page text and no source document available")

// PageText supplies cached page text by (doc_hash, page), computing and
// caching it from the source document on a miss.
type PageText interface {
	GetOrCompute(ctx context.Context, docHash string, page int) (string, error)
}

// Result is the outcome of validating one claim. OK is true iff Reasons is
// empty.
type Result struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons,omitempty"`
	// MatchRatio is the best similarity found for the snippet, recorded
	// even on failure so critiques can say how far off the snippet was.
	MatchRatio float64 `json:"match_ratio,omitempty"`
}

// Validator checks source pointers against a page-text cache.
type Validator struct {
	cache     PageText
	threshold float64
}

// NewValidator creates a Validator. A zero threshold uses
// DefaultMatchThreshold.
func NewValidator(cache PageText, threshold float64) *Validator {
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}
	return &Validator{cache: cache, threshold: threshold}
}

// Validate checks the pointer's structural integrity and textual grounding.
//
// Description:
//
//	Runs every contract check and aggregates all failures:
//	  1. doc_hash present (hard requirement, no exceptions)
//	  2. bbox has exactly 4 numeric values, each in [0,1000]
//	  3. snippet present and non-empty
//	  4. page text resolvable for (doc_hash, page); a missing cache entry
//	     with no source document is a failure, never a silent pass
//	  5. snippet fuzzy-matches the page text at or above the threshold
//
//	Grounding (4-5) is only attempted when the pointer carries the fields
//	it needs (doc_hash and snippet); their absence is already reported by
//	the structural checks.
func (v *Validator) Validate(ctx context.Context, ptr datatypes.SourcePointer) Result {
	var reasons []string

	if ptr.DocHash == "" {
		reasons = append(reasons, ReasonMissingDocHash)
	}

	if len(ptr.BBox) != bboxElements {
		reasons = append(reasons, ReasonMalformedBBox)
	} else {
		for _, coord := range ptr.BBox {
			if coord < bboxMin || coord > bboxMax {
				reasons = append(reasons, ReasonBBoxOutOfRange)
				break
			}
		}
	}

	if ptr.Snippet == "" {
		reasons = append(reasons, ReasonMissingSnippet)
	}

	result := Result{}
	if ptr.DocHash != "" && ptr.Snippet != "" {
		pageText, err := v.cache.GetOrCompute(ctx, ptr.DocHash, ptr.Page)
		if err != nil || pageText == "" {
			reasons = append(reasons, ReasonPageTextUnavailable)
		} else {
			result.MatchRatio = matchRatio(ptr.Snippet, pageText)
			if result.MatchRatio < v.threshold {
				reasons = append(reasons, ReasonSnippetNotGrounded)
			}
		}
	}

	result.OK = len(reasons) == 0
	result.Reasons = reasons
	return result
}
