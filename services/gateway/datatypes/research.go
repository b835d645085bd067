// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Priority tags a claim's relevance to the project's research questions.
type Priority string

const (
	PriorityHigh Priority = "HIGH"
	PriorityLow  Priority = "LOW"
)

// SourcePointer is the evidentiary link from a claim back to an exact
// document, page, bounding box, and verbatim snippet. Every persisted claim
// carries one; a missing or malformed pointer is a validation failure, not
// a warning.
type SourcePointer struct {
	DocHash string    `json:"doc_hash"`
	Page    int       `json:"page"`
	BBox    []float64 `json:"bbox"`
	Snippet string    `json:"snippet"`
}

// Triple is a single extracted fact with its confidence, priority tag,
// source pointer, and verification flags. Triples are created by extraction,
// mutated by validation and filtering, persisted by the saver, and never
// deleted, only superseded by later revisions.
type Triple struct {
	ID             string        `json:"id,omitempty"`
	Subject        string        `json:"subject"`
	Predicate      string        `json:"predicate"`
	Object         string        `json:"object"`
	Confidence     float64       `json:"confidence"`
	Priority       Priority      `json:"priority,omitempty"`
	Pointer        SourcePointer `json:"source_pointer"`
	ExpertVerified bool          `json:"is_expert_verified"`
}

// FactHash returns the stable dedup digest of the normalized
// (subject, predicate, object). Two phrasings that differ only in case,
// surrounding punctuation, or internal whitespace hash identically.
func (t Triple) FactHash() string {
	h := sha256.New()
	h.Write([]byte(normalizeFactTerm(t.Subject)))
	h.Write([]byte{0x1f})
	h.Write([]byte(normalizeFactTerm(t.Predicate)))
	h.Write([]byte{0x1f})
	h.Write([]byte(normalizeFactTerm(t.Object)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeFactTerm lowercases, trims edge punctuation from tokens, and
// collapses internal whitespace.
func normalizeFactTerm(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

// Critique is one reviewer finding produced by the critic node and fed back
// into the next extraction attempt.
type Critique struct {
	TripleIndex int    `json:"triple_index"`
	Reason      string `json:"reason"`
	Detail      string `json:"detail,omitempty"`
}

// ProjectContext is the versioned project configuration hydrated into state
// at job start. It is immutable for the lifetime of the job; edits to the
// project record take effect only for subsequently submitted jobs.
type ProjectContext struct {
	ProjectID         string   `json:"project_id"`
	Thesis            string   `json:"thesis,omitempty"`
	ResearchQuestions []string `json:"research_questions,omitempty"`
	AntiScope         []string `json:"anti_scope,omitempty"`
	ConfigVersion     int      `json:"config_version"`
}

// ExtractionManifest is persisted by the saver: the durable summary of what
// one job wrote to the graph.
type ExtractionManifest struct {
	JobID         string `json:"job_id"`
	ProjectID     string `json:"project_id"`
	TriplesSaved  int    `json:"triples_saved"`
	TriplesPruned int    `json:"triples_pruned"`
	Revisions     int    `json:"revisions"`
	Degraded      bool   `json:"degraded"`
	NeedsSignoff  bool   `json:"needs_signoff"`
}

// ReframingProposal is written when the governance guard flags a structural
// issue that needs a human decision before the project can continue.
type ReframingProposal struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id"`
	Summary   string `json:"summary"`
	Decision  string `json:"decision,omitempty"`
}

// ResearchState is the mutable working record threaded through the node
// graph. It is owned exclusively by the workflow executor instance running
// one job and is never shared across jobs; the executor snapshots it into a
// checkpoint after every node.
type ResearchState struct {
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id"`

	// Input. Exactly one of RawText or DocPath is set at submission.
	RawText string `json:"raw_text,omitempty"`
	DocPath string `json:"doc_path,omitempty"`
	DocHash string `json:"doc_hash,omitempty"`

	Context ProjectContext `json:"context"`

	// Per-stage outputs.
	Triples       []Triple   `json:"triples"`
	Critiques     []Critique `json:"critiques,omitempty"`
	RevisionCount int        `json:"revision_count"`
	CriticPassed  bool       `json:"critic_passed"`
	Warnings      []string   `json:"warnings,omitempty"`

	Manifest *ExtractionManifest `json:"manifest,omitempty"`

	// Control fields.
	NeedsSignoff        bool               `json:"needs_signoff"`
	ReframingProposalID string             `json:"reframing_proposal_id,omitempty"`
	Proposal            *ReframingProposal `json:"proposal,omitempty"`
	SignoffDecision     string             `json:"signoff_decision,omitempty"`
}

// Clone returns a deep copy of the state. Checkpointing snapshots a clone so
// later node mutations cannot reach back into a persisted record.
func (s *ResearchState) Clone() *ResearchState {
	if s == nil {
		return nil
	}
	out := *s
	out.Triples = make([]Triple, len(s.Triples))
	for i, t := range s.Triples {
		out.Triples[i] = t
		out.Triples[i].Pointer.BBox = append([]float64(nil), t.Pointer.BBox...)
	}
	out.Critiques = append([]Critique(nil), s.Critiques...)
	out.Warnings = append([]string(nil), s.Warnings...)
	out.Context.ResearchQuestions = append([]string(nil), s.Context.ResearchQuestions...)
	out.Context.AntiScope = append([]string(nil), s.Context.AntiScope...)
	if s.Manifest != nil {
		m := *s.Manifest
		out.Manifest = &m
	}
	if s.Proposal != nil {
		p := *s.Proposal
		out.Proposal = &p
	}
	return &out
}
