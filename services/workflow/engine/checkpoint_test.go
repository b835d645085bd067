// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
	"github.com/meridianlabs-ai/meridian/services/storage/badgerstore"
)

func newTestStore(t *testing.T) (*BadgerCheckpointStore, *badger.DB) {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewBadgerCheckpointStore(db)
	if err != nil {
		t.Fatalf("NewBadgerCheckpointStore: %v", err)
	}
	return store, db
}

func testState(jobID string) *datatypes.ResearchState {
	return &datatypes.ResearchState{
		JobID:     jobID,
		ProjectID: "p1",
		RawText:   "some document text",
		Triples: []datatypes.Triple{
			{Subject: "a", Predicate: "is", Object: "b", Confidence: 0.9},
		},
	}
}

func TestCheckpoint_SaveLoadRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec := &CheckpointRecord{
		JobID:     "job1",
		GraphName: "research",
		NextNode:  "CRITIC",
		State:     testState("job1"),
	}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(ctx, "job1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.NextNode != "CRITIC" || loaded.GraphName != "research" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.State.JobID != "job1" || len(loaded.State.Triples) != 1 {
		t.Errorf("state not restored: %+v", loaded.State)
	}
	if loaded.Version != CheckpointVersion {
		t.Errorf("version = %s, want %s", loaded.Version, CheckpointVersion)
	}
	if !loaded.Verify() {
		t.Error("loaded record failed verification")
	}
}

func TestCheckpoint_NotFound(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Load(context.Background(), "missing"); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("err = %v, want ErrCheckpointNotFound", err)
	}
}

func TestCheckpoint_OverwriteKeepsLatest(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := &CheckpointRecord{JobID: "job1", GraphName: "research", NextNode: "CARTOGRAPHER", State: testState("job1")}
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	second := &CheckpointRecord{JobID: "job1", GraphName: "research", NextNode: "VISION", State: testState("job1")}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(ctx, "job1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.NextNode != "VISION" {
		t.Errorf("NextNode = %s, want VISION", loaded.NextNode)
	}
}

func TestCheckpoint_CorruptDetected(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	rec := &CheckpointRecord{JobID: "job1", GraphName: "research", NextNode: "CRITIC", State: testState("job1")}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Flip a state field without recomputing the checksum.
	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey("job1"))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var stored CheckpointRecord
		if err := json.Unmarshal(raw, &stored); err != nil {
			return err
		}
		stored.State.ProjectID = "tampered"
		tampered, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return txn.Set(checkpointKey("job1"), tampered)
	})
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := store.Load(ctx, "job1"); !errors.Is(err, ErrCheckpointCorrupt) {
		t.Errorf("err = %v, want ErrCheckpointCorrupt", err)
	}
}

func TestCheckpoint_VersionMismatch(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	rec := &CheckpointRecord{JobID: "job1", GraphName: "research", NextNode: "CRITIC", State: testState("job1")}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey("job1"))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var stored CheckpointRecord
		if err := json.Unmarshal(raw, &stored); err != nil {
			return err
		}
		stored.Version = "0.9.0"
		tampered, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return txn.Set(checkpointKey("job1"), tampered)
	})
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := store.Load(ctx, "job1"); !errors.Is(err, ErrCheckpointVersionMismatch) {
		t.Errorf("err = %v, want ErrCheckpointVersionMismatch", err)
	}
}

func TestCheckpoint_SnapshotSurvivesOverwrite(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	suspended := &CheckpointRecord{
		JobID:     "job1",
		GraphName: "research",
		NextNode:  "REFRAMER",
		Suspended: true,
		State:     testState("job1"),
	}
	if err := store.SaveSnapshot(ctx, suspended); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := store.Save(ctx, suspended); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A resumed run overwrites the main record.
	resumed := &CheckpointRecord{JobID: "job1", GraphName: "research", NextNode: "", State: testState("job1")}
	if err := store.Save(ctx, resumed); err != nil {
		t.Fatalf("Save resumed: %v", err)
	}

	snap, err := store.LoadSnapshot(ctx, "job1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if !snap.Suspended || snap.NextNode != "REFRAMER" {
		t.Errorf("snapshot = %+v, want pre-interrupt record", snap)
	}
}

func TestCheckpoint_SaveValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, nil); err == nil {
		t.Error("expected error for nil record")
	}
	if err := store.Save(ctx, &CheckpointRecord{JobID: "j", State: nil}); err == nil {
		t.Error("expected error for nil state")
	}
	if err := store.Save(ctx, &CheckpointRecord{State: testState("")}); err == nil {
		t.Error("expected error for empty job_id")
	}
}
