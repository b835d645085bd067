// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
)

// Status is a job's lifecycle state. The state machine itself, including
// which transitions are legal and which states are terminal, lives on
// datatypes.JobStatus; the store enforces it on every status change.
type Status = datatypes.JobStatus

const (
	StatusQueued       = datatypes.JobQueued
	StatusRunning      = datatypes.JobRunning
	StatusNeedsSignoff = datatypes.JobNeedsSignoff
	StatusSucceeded    = datatypes.JobSucceeded
	StatusFailed       = datatypes.JobFailed
	StatusFinalized    = datatypes.JobFinalized
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateIdempotencyKey carries the existing job's ID so the caller
	// can return it instead of creating a duplicate.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")

	// ErrIllegalTransition is returned by Update when a mutation moves the
	// job to a status its lifecycle graph does not allow.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// FinalizeState tracks the fire-and-forget synthesis run for a job.
type FinalizeState string

const (
	FinalizeRunning   FinalizeState = "RUNNING"
	FinalizeCompleted FinalizeState = "COMPLETED"
	FinalizeFailed    FinalizeState = "FAILED"
)

// FinalizeFailure is one claim the synthesis run could not process. The
// batch still completes; failures are reported, not fatal.
type FinalizeFailure struct {
	ClaimID  string `json:"claim_id,omitempty"`
	FactHash string `json:"fact_hash,omitempty"`
	Reason   string `json:"reason"`
}

// FinalizeRecord is the stored outcome of a finalize run.
type FinalizeRecord struct {
	State       FinalizeState     `json:"state"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`
	Created     int               `json:"created"`
	Merged      int               `json:"merged"`
	Conflicted  int               `json:"conflicted"`
	Failures    []FinalizeFailure `json:"failures,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Record is the persisted job state. Progress is [0,1]; CurrentStep is the
// node most recently started.
type Record struct {
	JobID          string  `json:"job_id"`
	ProjectID      string  `json:"project_id"`
	Status         Status  `json:"status"`
	Progress       float64 `json:"progress"`
	CurrentStep    string  `json:"current_step,omitempty"`
	ParentJobID    string  `json:"parent_job_id,omitempty"`
	JobVersion     int     `json:"job_version"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	Error          string  `json:"error,omitempty"`

	Finalize *FinalizeRecord `json:"finalize,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists job records in BadgerDB with a secondary index on
// idempotency keys.
//
// Thread Safety: safe for concurrent use; mutations go through badger
// read-modify-write transactions.
type Store struct {
	db *badger.DB
}

func NewStore(db *badger.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &Store{db: db}, nil
}

func jobKey(jobID string) []byte {
	return []byte("job:" + jobID)
}

func idemKey(key string) []byte {
	return []byte("job_idem:" + key)
}

// Create persists a new job record. When the record carries an idempotency
// key that is already bound to another job, Create returns
// ErrDuplicateIdempotencyKey wrapped with the existing job ID.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	if rec == nil || rec.JobID == "" {
		return errors.New("record with job_id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	return s.db.Update(func(txn *badger.Txn) error {
		if rec.IdempotencyKey != "" {
			item, err := txn.Get(idemKey(rec.IdempotencyKey))
			if err == nil {
				var existing string
				if verr := item.Value(func(val []byte) error {
					existing = string(val)
					return nil
				}); verr != nil {
					return verr
				}
				return fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, existing)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(idemKey(rec.IdempotencyKey), []byte(rec.JobID)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal job record: %w", err)
		}
		return txn.Set(jobKey(rec.JobID), data)
	})
}

// Get returns the job record for jobID.
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(jobID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return &rec, nil
}

// GetByIdempotencyKey resolves an idempotency key to its job record.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var jobID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idemKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			jobID = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve idempotency key: %w", err)
	}
	return s.Get(ctx, jobID)
}

// ListActive returns every job whose status is non-terminal, oldest first.
// The manager uses it at startup to re-enqueue work the previous process
// left behind.
func (s *Store) ListActive(ctx context.Context) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var recs []*Record
	prefix := []byte("job:")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.Status.Terminal() {
				continue
			}
			r := rec
			recs = append(recs, &r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

// Update applies mutate to the record inside one badger transaction. A
// mutation that changes the status to one the lifecycle graph forbids
// fails with ErrIllegalTransition and writes nothing.
func (s *Store) Update(ctx context.Context, jobID string, mutate func(rec *Record) error) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated Record
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		before := rec.Status
		if err := mutate(&rec); err != nil {
			return err
		}
		if rec.Status != before && !before.CanTransition(rec.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, before, rec.Status)
		}
		rec.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal job record: %w", err)
		}
		if err := txn.Set(jobKey(jobID), data); err != nil {
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
