// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphstore

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_UpsertByKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := store.UpsertByKey(ctx, ClassClaim, "c1", map[string]interface{}{"subject": "a"})
	if err != nil {
		t.Fatalf("UpsertByKey: %v", err)
	}
	if !created {
		t.Error("first upsert should report created")
	}

	created, err = store.UpsertByKey(ctx, ClassClaim, "c1", map[string]interface{}{"subject": "b"})
	if err != nil {
		t.Fatalf("UpsertByKey: %v", err)
	}
	if created {
		t.Error("second upsert should not report created")
	}

	obj, err := store.Get(ctx, ClassClaim, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Properties["subject"] != "b" {
		t.Errorf("subject = %v, want b (upsert overwrites)", obj.Properties["subject"])
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), ClassClaim, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_QueryFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	seed := []map[string]interface{}{
		{"project_id": "p1", "fact_hash": "h1"},
		{"project_id": "p1", "fact_hash": "h2"},
		{"project_id": "p2", "fact_hash": "h1"},
	}
	for i, props := range seed {
		if _, err := store.UpsertByKey(ctx, ClassCanonicalEntry, string(rune('a'+i)), props); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	got, err := store.Query(ctx, ClassCanonicalEntry, []Filter{
		{Path: []string{"project_id"}, Equals: "p1"},
	}, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("results = %d, want 2", len(got))
	}

	got, err = store.Query(ctx, ClassCanonicalEntry, []Filter{
		{Path: []string{"project_id"}, Equals: "p1"},
		{Path: []string{"fact_hash"}, Equals: "h2"},
	}, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("results = %d, want 1 for conjunctive filters", len(got))
	}
}

func TestMemoryStore_Update(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.UpsertByKey(ctx, ClassCanonicalEntry, "e1", map[string]interface{}{"aliases": []interface{}{"a"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := store.Update(ctx, ClassCanonicalEntry, "e1", func(props map[string]interface{}) error {
		aliases, _ := props["aliases"].([]interface{})
		props["aliases"] = append(aliases, "b")
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	obj, err := store.Get(ctx, ClassCanonicalEntry, "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	aliases, _ := obj.Properties["aliases"].([]interface{})
	if len(aliases) != 2 {
		t.Errorf("aliases = %v, want 2 entries", aliases)
	}
}

func TestMemoryStore_UpdateNotFound(t *testing.T) {
	store := NewMemoryStore()
	err := store.Update(context.Background(), ClassCanonicalEntry, "missing", func(map[string]interface{}) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_MutationErrorLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.UpsertByKey(ctx, ClassCanonicalEntry, "e1", map[string]interface{}{"subject": "original"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	wantErr := errors.New("mutation failed")
	err := store.Update(ctx, ClassCanonicalEntry, "e1", func(props map[string]interface{}) error {
		props["subject"] = "mutated"
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want mutation error", err)
	}

	obj, err := store.Get(ctx, ClassCanonicalEntry, "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Properties["subject"] != "original" {
		t.Error("failed mutation must not be persisted")
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.UpsertByKey(ctx, ClassClaim, "c1", map[string]interface{}{"subject": "a"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	obj, _ := store.Get(ctx, ClassClaim, "c1")
	obj.Properties["subject"] = "tampered"

	again, _ := store.Get(ctx, ClassClaim, "c1")
	if again.Properties["subject"] != "a" {
		t.Error("caller mutation reached stored state")
	}
}
