// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package project persists project configuration: the thesis, research
// questions, and anti-scope that steer extraction. Records are versioned;
// a job hydrates the version current at submission and keeps it for its
// whole run, so mid-job edits never shift a job's goalposts.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
)

// ErrProjectNotFound is returned when no record exists for a project ID.
var ErrProjectNotFound = errors.New("project not found")

// Record is the stored project configuration.
type Record struct {
	Context   datatypes.ProjectContext `json:"context"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// Store persists project records in BadgerDB.
//
// Thread Safety: safe for concurrent use. Upsert serializes through a
// badger read-modify-write transaction, so version numbers never collide.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewStore creates a project store on db.
func NewStore(db *badger.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

func projectKey(projectID string) []byte {
	return []byte("project:" + projectID)
}

// Upsert writes the project configuration, bumping ConfigVersion. The
// caller's ConfigVersion field is ignored; the store owns version numbers.
func (s *Store) Upsert(ctx context.Context, pctx datatypes.ProjectContext) (datatypes.ProjectContext, error) {
	if pctx.ProjectID == "" {
		return datatypes.ProjectContext{}, errors.New("project_id is required")
	}
	if err := ctx.Err(); err != nil {
		return datatypes.ProjectContext{}, err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		version := 1
		item, err := txn.Get(projectKey(pctx.ProjectID))
		if err == nil {
			var existing Record
			verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			})
			if verr == nil {
				version = existing.Context.ConfigVersion + 1
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		pctx.ConfigVersion = version
		data, err := json.Marshal(Record{Context: pctx, UpdatedAt: time.Now().UTC()})
		if err != nil {
			return fmt.Errorf("marshal project record: %w", err)
		}
		return txn.Set(projectKey(pctx.ProjectID), data)
	})
	if err != nil {
		return datatypes.ProjectContext{}, fmt.Errorf("upsert project %s: %w", pctx.ProjectID, err)
	}

	s.logger.Info("project configuration updated",
		slog.String("project_id", pctx.ProjectID),
		slog.Int("config_version", pctx.ConfigVersion),
	)
	return pctx, nil
}

// Get returns the current project configuration.
func (s *Store) Get(ctx context.Context, projectID string) (datatypes.ProjectContext, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.ProjectContext{}, err
	}

	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(projectKey(projectID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.ProjectContext{}, ErrProjectNotFound
	}
	if err != nil {
		return datatypes.ProjectContext{}, fmt.Errorf("get project %s: %w", projectID, err)
	}
	return rec.Context, nil
}
