// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package synthesis merges expert-verified claims into the canonical
// knowledge store: dedup by fact hash, semantic entity resolution for
// near-matches, additive provenance, and non-destructive conflict flags.
package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridianlabs-ai/meridian/services/capability"
	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/graphstore"
)

var tracer = otel.Tracer("meridian.synthesis")

// entryNamespace seeds deterministic canonical-entry and alias-edge IDs.
var entryNamespace = uuid.MustParse("3f1c7a44-9b0d-4e52-8c6a-2d1e5b7f9a03")

// candidateLimit bounds how many same-entity candidates are considered for
// semantic resolution per claim.
const candidateLimit = 20

// ItemFailure is one claim the run could not synthesize. The batch keeps
// going; failures are reported together at the end.
type ItemFailure struct {
	ClaimID  string `json:"claim_id,omitempty"`
	FactHash string `json:"fact_hash,omitempty"`
	Reason   string `json:"reason"`
}

// Report summarizes one finalize run.
type Report struct {
	Created    int           `json:"created"`
	Merged     int           `json:"merged"`
	Conflicted int           `json:"conflicted"`
	Failures   []ItemFailure `json:"failures,omitempty"`
}

// Engine runs knowledge synthesis against the graph store.
//
// Thread Safety: safe for concurrent use. Writes to the same entity are
// serialized through striped locks; distinct entities proceed in parallel.
type Engine struct {
	store      graphstore.Store
	capability *capability.Service
	locks      stripedLocks
	logger     *slog.Logger
}

// NewEngine creates the synthesis engine. capability may be nil; semantic
// resolution then degrades to hash-only matching and near-matches create
// separate entries.
func NewEngine(store graphstore.Store, svc *capability.Service, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, capability: svc, logger: logger}, nil
}

// FinalizeProject merges every expert-verified claim in the project into
// the canonical store. Per-claim failures are collected, never fatal.
func (e *Engine) FinalizeProject(ctx context.Context, projectID string) (*Report, error) {
	if projectID == "" {
		return nil, errors.New("project_id is required")
	}

	ctx, span := tracer.Start(ctx, "synthesis.finalize_project",
		trace.WithAttributes(attribute.String("project.id", projectID)),
	)
	defer span.End()

	claims, err := e.store.Query(ctx, graphstore.ClassClaim,
		[]graphstore.Filter{{Path: []string{"project_id"}, Equals: projectID}}, 0)
	if err != nil {
		return nil, fmt.Errorf("query project claims: %w", err)
	}

	report := &Report{}
	for _, claim := range claims {
		if verified, _ := claim.Properties["is_expert_verified"].(bool); !verified {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		e.synthesizeClaim(ctx, projectID, claim, report)
	}

	span.SetAttributes(
		attribute.Int("created", report.Created),
		attribute.Int("merged", report.Merged),
		attribute.Int("conflicted", report.Conflicted),
		attribute.Int("failures", len(report.Failures)),
	)
	e.logger.Info("finalize complete",
		slog.String("project_id", projectID),
		slog.Int("created", report.Created),
		slog.Int("merged", report.Merged),
		slog.Int("conflicted", report.Conflicted),
		slog.Int("failures", len(report.Failures)),
	)
	return report, nil
}

func (e *Engine) synthesizeClaim(ctx context.Context, projectID string, claim graphstore.Object, report *Report) {
	subject, _ := claim.Properties["subject"].(string)
	predicate, _ := claim.Properties["predicate"].(string)
	object, _ := claim.Properties["object"].(string)
	factHash, _ := claim.Properties["fact_hash"].(string)
	if factHash == "" {
		report.Failures = append(report.Failures, ItemFailure{
			ClaimID: claim.ID,
			Reason:  "claim has no fact hash",
		})
		return
	}

	entityID := entityKey(subject)
	// Entity-level locking covers both the same-hash merge and the
	// contradiction path, which touches an entry under a different hash.
	mu := e.locks.forKey(projectID + "\x1f" + entityID)
	mu.Lock()
	defer mu.Unlock()

	prov := provenanceFromClaim(projectID, claim)
	pointer := pointerFromClaim(claim)

	// Exact dedup by fact hash first.
	entries, err := e.store.Query(ctx, graphstore.ClassCanonicalEntry, []graphstore.Filter{
		{Path: []string{"project_id"}, Equals: projectID},
		{Path: []string{"fact_hash"}, Equals: factHash},
	}, 1)
	if err != nil {
		report.Failures = append(report.Failures, ItemFailure{ClaimID: claim.ID, FactHash: factHash, Reason: err.Error()})
		return
	}
	if len(entries) > 0 {
		if err := e.mergeIntoEntry(ctx, entries[0].ID, pointer, prov, ""); err != nil {
			report.Failures = append(report.Failures, ItemFailure{ClaimID: claim.ID, FactHash: factHash, Reason: err.Error()})
			return
		}
		report.Merged++
		return
	}

	// No hash match: look at the entity's other entries for a semantic
	// match or a contradiction.
	candidates, err := e.store.Query(ctx, graphstore.ClassCanonicalEntry, []graphstore.Filter{
		{Path: []string{"project_id"}, Equals: projectID},
		{Path: []string{"entity_id"}, Equals: entityID},
	}, candidateLimit)
	if err != nil {
		report.Failures = append(report.Failures, ItemFailure{ClaimID: claim.ID, FactHash: factHash, Reason: err.Error()})
		return
	}

	for _, cand := range candidates {
		candPredicate, _ := cand.Properties["predicate"].(string)
		candObject, _ := cand.Properties["object"].(string)
		if entityKey(candPredicate) != entityKey(predicate) {
			continue
		}

		decision := capability.DecisionUnsure
		if e.capability != nil {
			res, rerr := e.capability.ResolveEntity(ctx,
				candObject, []string{fmt.Sprintf("%s %s %s", subject, candPredicate, candObject)},
				object, []string{fmt.Sprintf("%s %s %s", subject, predicate, object)},
			)
			if rerr != nil {
				report.Failures = append(report.Failures, ItemFailure{ClaimID: claim.ID, FactHash: factHash, Reason: rerr.Error()})
				return
			}
			decision = res.Decision
		}

		switch decision {
		case capability.DecisionSame:
			// Same value, different phrasing. The canonical object stays;
			// the new phrasing is kept as an alias.
			if err := e.mergeIntoEntry(ctx, cand.ID, pointer, prov, object); err != nil {
				report.Failures = append(report.Failures, ItemFailure{ClaimID: claim.ID, FactHash: factHash, Reason: err.Error()})
				return
			}
			report.Merged++
			return
		case capability.DecisionDifferent:
			if err := e.flagConflict(ctx, cand.ID, datatypes.ConflictFlag{
				Subject:       subject,
				Predicate:     predicate,
				ExistingValue: candObject,
				IncomingValue: object,
				Incoming:      []datatypes.ProvenanceEntry{prov},
				FlaggedAt:     time.Now().UTC(),
			}); err != nil {
				report.Failures = append(report.Failures, ItemFailure{ClaimID: claim.ID, FactHash: factHash, Reason: err.Error()})
				return
			}
			report.Conflicted++
			return
		}
		// Unsure: keep looking; an unmatched claim becomes its own entry.
	}

	if err := e.createEntry(ctx, projectID, entityID, factHash, subject, predicate, object, pointer, prov); err != nil {
		report.Failures = append(report.Failures, ItemFailure{ClaimID: claim.ID, FactHash: factHash, Reason: err.Error()})
		return
	}
	report.Created++
}

func (e *Engine) createEntry(ctx context.Context, projectID, entityID, factHash, subject, predicate, object string, pointer datatypes.SourcePointer, prov datatypes.ProvenanceEntry) error {
	id := entryID(projectID, factHash)
	_, err := e.store.UpsertByKey(ctx, graphstore.ClassCanonicalEntry, id, map[string]interface{}{
		"project_id": projectID,
		"entity_id":  entityID,
		"fact_hash":  factHash,
		"subject":    subject,
		"predicate":  predicate,
		"object":     object,
		"pointers":   mustJSON([]datatypes.SourcePointer{pointer}),
		"provenance": mustJSON([]datatypes.ProvenanceEntry{prov}),
		"conflicts":  "[]",
		"aliases":    []string{},
	})
	return err
}

// mergeIntoEntry unions the pointer and provenance into the entry. Existing
// pointers are never overwritten; replaying the same job's merge is a no-op.
func (e *Engine) mergeIntoEntry(ctx context.Context, entryID string, pointer datatypes.SourcePointer, prov datatypes.ProvenanceEntry, alias string) error {
	return e.store.Update(ctx, graphstore.ClassCanonicalEntry, entryID, func(props map[string]interface{}) error {
		entry := datatypes.CanonicalEntry{}
		if err := fromJSON(props["pointers"], &entry.Pointers); err != nil {
			return fmt.Errorf("decode pointers: %w", err)
		}
		if !entry.HasPointer(pointer) {
			entry.Pointers = append(entry.Pointers, pointer)
		}
		props["pointers"] = mustJSON(entry.Pointers)

		var provenance []datatypes.ProvenanceEntry
		if err := fromJSON(props["provenance"], &provenance); err != nil {
			return fmt.Errorf("decode provenance: %w", err)
		}
		seen := false
		for _, p := range provenance {
			if p.JobID == prov.JobID {
				seen = true
				break
			}
		}
		if !seen {
			provenance = append(provenance, prov)
		}
		props["provenance"] = mustJSON(provenance)

		if alias != "" {
			props["aliases"] = appendUnique(toStringSlice(props["aliases"]), alias)
		}
		return nil
	})
}

// flagConflict appends one conflict flag, capturing the entry's provenance
// as the existing side. The entry's canonical attributes are left untouched;
// duplicate flags from a replayed job are dropped.
func (e *Engine) flagConflict(ctx context.Context, entryID string, flag datatypes.ConflictFlag) error {
	return e.store.Update(ctx, graphstore.ClassCanonicalEntry, entryID, func(props map[string]interface{}) error {
		var conflicts []datatypes.ConflictFlag
		if err := fromJSON(props["conflicts"], &conflicts); err != nil {
			return fmt.Errorf("decode conflicts: %w", err)
		}
		for _, c := range conflicts {
			if c.IncomingValue == flag.IncomingValue && sameJobProvenance(c.Incoming, flag.Incoming) {
				return nil
			}
		}
		if err := fromJSON(props["provenance"], &flag.Existing); err != nil {
			return fmt.Errorf("decode provenance: %w", err)
		}
		conflicts = append(conflicts, flag)
		props["conflicts"] = mustJSON(conflicts)
		return nil
	})
}

// sameJobProvenance reports whether both provenance lists lead with the
// same job. The incoming side always carries exactly one entry.
func sameJobProvenance(a, b []datatypes.ProvenanceEntry) bool {
	return len(a) > 0 && len(b) > 0 && a[0].JobID == b[0].JobID
}

// MergeNodes declares two entities equivalent: every canonical entry under
// the source entity moves to the target, with an alias edge recording the
// redirect. Re-applying the same pair changes nothing.
func (e *Engine) MergeNodes(ctx context.Context, projectID, sourceEntity, targetEntity string) (*datatypes.MergeResult, error) {
	if projectID == "" || sourceEntity == "" || targetEntity == "" {
		return nil, errors.New("project_id, source and target entities are required")
	}
	if sourceEntity == targetEntity {
		return nil, errors.New("source and target entities are identical")
	}

	ctx, span := tracer.Start(ctx, "synthesis.merge_nodes",
		trace.WithAttributes(
			attribute.String("project.id", projectID),
			attribute.String("source", sourceEntity),
			attribute.String("target", targetEntity),
		),
	)
	defer span.End()

	// Both entities' stripes, so a concurrent finalize writing under the
	// source entity cannot interleave with the migration.
	for _, mu := range e.locks.forPair(projectID+"\x1f"+sourceEntity, projectID+"\x1f"+targetEntity) {
		mu.Lock()
		defer mu.Unlock()
	}

	entries, err := e.store.Query(ctx, graphstore.ClassCanonicalEntry, []graphstore.Filter{
		{Path: []string{"project_id"}, Equals: projectID},
		{Path: []string{"entity_id"}, Equals: sourceEntity},
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("query source entries: %w", err)
	}

	result := &datatypes.MergeResult{}
	for _, entry := range entries {
		var pointers []datatypes.SourcePointer
		_ = fromJSON(entry.Properties["pointers"], &pointers)

		uerr := e.store.Update(ctx, graphstore.ClassCanonicalEntry, entry.ID, func(props map[string]interface{}) error {
			props["entity_id"] = targetEntity
			props["aliases"] = appendUnique(toStringSlice(props["aliases"]), sourceEntity)
			return nil
		})
		if uerr != nil {
			return nil, fmt.Errorf("migrate entry %s: %w", entry.ID, uerr)
		}
		result.ClaimsMigrated++
		result.SourcePointersMigrated += len(pointers)
	}

	edgeID := uuid.NewSHA1(entryNamespace, []byte("alias\x1f"+projectID+"\x1f"+sourceEntity+"\x1f"+targetEntity)).String()
	created, err := e.store.UpsertByKey(ctx, graphstore.ClassAliasEdge, edgeID, map[string]interface{}{
		"project_id":  projectID,
		"from_entity": sourceEntity,
		"to_entity":   targetEntity,
		"reason":      "operator merge",
	})
	if err != nil {
		return nil, fmt.Errorf("record alias edge: %w", err)
	}
	result.AlreadyMerged = result.ClaimsMigrated == 0 && !created

	e.logger.Info("entities merged",
		slog.String("project_id", projectID),
		slog.String("source", sourceEntity),
		slog.String("target", targetEntity),
		slog.Int("claims_migrated", result.ClaimsMigrated),
		slog.Int("pointers_migrated", result.SourcePointersMigrated),
	)
	return result, nil
}

// ProjectEntries returns every canonical entry in the project, decoded
// from storage. Read-only; useful for review tooling after a finalize run.
func (e *Engine) ProjectEntries(ctx context.Context, projectID string) ([]datatypes.CanonicalEntry, error) {
	if projectID == "" {
		return nil, errors.New("project_id is required")
	}

	objects, err := e.store.Query(ctx, graphstore.ClassCanonicalEntry,
		[]graphstore.Filter{{Path: []string{"project_id"}, Equals: projectID}}, 0)
	if err != nil {
		return nil, fmt.Errorf("query canonical entries: %w", err)
	}

	entries := make([]datatypes.CanonicalEntry, 0, len(objects))
	for _, obj := range objects {
		entry, derr := entryFromObject(obj)
		if derr != nil {
			return nil, fmt.Errorf("decode entry %s: %w", obj.ID, derr)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func entryFromObject(obj graphstore.Object) (datatypes.CanonicalEntry, error) {
	str := func(key string) string {
		s, _ := obj.Properties[key].(string)
		return s
	}
	entry := datatypes.CanonicalEntry{
		EntityID:  str("entity_id"),
		FactHash:  str("fact_hash"),
		Subject:   str("subject"),
		Predicate: str("predicate"),
		Object:    str("object"),
		Aliases:   toStringSlice(obj.Properties["aliases"]),
	}
	if err := fromJSON(obj.Properties["pointers"], &entry.Pointers); err != nil {
		return entry, fmt.Errorf("pointers: %w", err)
	}
	if err := fromJSON(obj.Properties["provenance"], &entry.Provenance); err != nil {
		return entry, fmt.Errorf("provenance: %w", err)
	}
	if err := fromJSON(obj.Properties["conflicts"], &entry.Conflicts); err != nil {
		return entry, fmt.Errorf("conflicts: %w", err)
	}
	return entry, nil
}

func entryID(projectID, factHash string) string {
	return uuid.NewSHA1(entryNamespace, []byte(projectID+"\x1f"+factHash)).String()
}

// entityKey normalizes an entity name into its canonical lookup key.
func entityKey(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func provenanceFromClaim(projectID string, claim graphstore.Object) datatypes.ProvenanceEntry {
	jobID, _ := claim.Properties["job_id"].(string)
	return datatypes.ProvenanceEntry{
		ProjectID: projectID,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
	}
}

func pointerFromClaim(claim graphstore.Object) datatypes.SourcePointer {
	docHash, _ := claim.Properties["doc_hash"].(string)
	snippet, _ := claim.Properties["snippet"].(string)
	page := 0
	if v, ok := claim.Properties["page"].(float64); ok {
		page = int(v)
	}
	var bbox []float64
	if raw, ok := claim.Properties["bbox"].([]interface{}); ok {
		for _, item := range raw {
			if f, ok := item.(float64); ok {
				bbox = append(bbox, f)
			}
		}
	}
	return datatypes.SourcePointer{DocHash: docHash, Page: page, BBox: bbox, Snippet: snippet}
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func fromJSON(raw interface{}, out interface{}) error {
	s, _ := raw.(string)
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}

func toStringSlice(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func appendUnique(list []string, value string) []string {
	for _, item := range list {
		if item == value {
			return list
		}
	}
	return append(list, value)
}
