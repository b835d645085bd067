// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
)

// CheckpointVersion is the current checkpoint format version (semver).
const CheckpointVersion = "1.0.0"

// CheckpointRecord is the persisted execution state of one job: the state
// snapshot plus where execution resumes. One record per job, overwritten
// after every node.
type CheckpointRecord struct {
	JobID     string                   `json:"job_id"`
	GraphName string                   `json:"graph_name"`
	NextNode  string                   `json:"next_node"` // empty means the graph completed
	Suspended bool                     `json:"suspended"`
	State     *datatypes.ResearchState `json:"state"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Checksum  string                   `json:"checksum"`
}

// computeChecksum calculates SHA256 of the record for integrity
// verification, excluding the checksum field itself.
func computeChecksum(rec *CheckpointRecord) (string, error) {
	data := struct {
		JobID     string                   `json:"job_id"`
		GraphName string                   `json:"graph_name"`
		NextNode  string                   `json:"next_node"`
		Suspended bool                     `json:"suspended"`
		State     *datatypes.ResearchState `json:"state"`
		Timestamp time.Time                `json:"timestamp"`
		Version   string                   `json:"version"`
	}{
		JobID:     rec.JobID,
		GraphName: rec.GraphName,
		NextNode:  rec.NextNode,
		Suspended: rec.Suspended,
		State:     rec.State,
		Timestamp: rec.Timestamp,
		Version:   rec.Version,
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}

	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:]), nil
}

// Verify recalculates the checksum and compares it to the stored value.
func (r *CheckpointRecord) Verify() bool {
	if r == nil || r.State == nil {
		return false
	}
	expected, err := computeChecksum(r)
	if err != nil {
		return false
	}
	return r.Checksum == expected
}

// CheckpointStore persists checkpoint records.
//
// Save overwrites the job's record; SaveSnapshot writes a second record
// under a separate key just before a suspend, preserving the pre-interrupt
// state even after the resumed run overwrites the main record.
type CheckpointStore interface {
	Save(ctx context.Context, rec *CheckpointRecord) error
	Load(ctx context.Context, jobID string) (*CheckpointRecord, error)
	SaveSnapshot(ctx context.Context, rec *CheckpointRecord) error
	LoadSnapshot(ctx context.Context, jobID string) (*CheckpointRecord, error)
}

// BadgerCheckpointStore stores checkpoints in BadgerDB, one key per job.
//
// Thread Safety: safe for concurrent use; records for distinct jobs never
// contend, and a single job is only ever executed by one goroutine.
type BadgerCheckpointStore struct {
	db *badger.DB
}

// NewBadgerCheckpointStore creates a checkpoint store on db.
func NewBadgerCheckpointStore(db *badger.DB) (*BadgerCheckpointStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &BadgerCheckpointStore{db: db}, nil
}

func checkpointKey(jobID string) []byte {
	return []byte("checkpoint:" + jobID)
}

func snapshotKey(jobID string) []byte {
	return []byte("checkpoint_snapshot:" + jobID)
}

// Save implements the CheckpointStore interface. The record is sealed with
// version and checksum before the write; Badger's transaction makes the
// overwrite atomic, so a crashed write leaves the previous record intact.
func (s *BadgerCheckpointStore) Save(ctx context.Context, rec *CheckpointRecord) error {
	return s.save(ctx, checkpointKey(rec.JobID), rec)
}

// SaveSnapshot implements the CheckpointStore interface.
func (s *BadgerCheckpointStore) SaveSnapshot(ctx context.Context, rec *CheckpointRecord) error {
	return s.save(ctx, snapshotKey(rec.JobID), rec)
}

func (s *BadgerCheckpointStore) save(ctx context.Context, key []byte, rec *CheckpointRecord) error {
	if rec == nil || rec.State == nil {
		return fmt.Errorf("%w: record and state must not be nil", ErrInvalidInput)
	}
	if rec.JobID == "" {
		return fmt.Errorf("%w: job_id must not be empty", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec.Timestamp = time.Now().UTC()
	rec.Version = CheckpointVersion
	checksum, err := computeChecksum(rec)
	if err != nil {
		return err
	}
	rec.Checksum = checksum

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Load implements the CheckpointStore interface. Corrupt or
// version-mismatched records are errors, never silently resumed.
func (s *BadgerCheckpointStore) Load(ctx context.Context, jobID string) (*CheckpointRecord, error) {
	return s.load(ctx, checkpointKey(jobID))
}

// LoadSnapshot implements the CheckpointStore interface.
func (s *BadgerCheckpointStore) LoadSnapshot(ctx context.Context, jobID string) (*CheckpointRecord, error) {
	return s.load(ctx, snapshotKey(jobID))
}

func (s *BadgerCheckpointStore) load(ctx context.Context, key []byte) (*CheckpointRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var rec CheckpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	if rec.Version != CheckpointVersion {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrCheckpointVersionMismatch, rec.Version, CheckpointVersion)
	}
	if !rec.Verify() {
		return nil, ErrCheckpointCorrupt
	}
	return &rec, nil
}
