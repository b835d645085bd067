// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store for tests and local development.
// Semantics match the Weaviate backend: upserts by deterministic ID,
// equality filters, read-modify-write updates.
//
// Thread Safety: safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]map[string]map[string]interface{} // class -> id -> props
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]map[string]map[string]interface{})}
}

// EnsureSchema implements the Store interface. Classes are implicit in
// memory, so this only needs to exist.
func (m *MemoryStore) EnsureSchema(_ context.Context) error { return nil }

func (m *MemoryStore) UpsertByKey(_ context.Context, class, id string, props map[string]interface{}) (bool, error) {
	if class == "" || id == "" {
		return false, fmt.Errorf("class and id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.objects[class]
	if !ok {
		byID = make(map[string]map[string]interface{})
		m.objects[class] = byID
	}
	_, existed := byID[id]
	byID[id] = deepCopyProps(props)
	return !existed, nil
}

func (m *MemoryStore) Get(_ context.Context, class, id string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	props, ok := m.objects[class][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Object{Class: class, ID: id, Properties: deepCopyProps(props)}, nil
}

func (m *MemoryStore) Query(_ context.Context, class string, filters []Filter, limit int) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Object
	for id, props := range m.objects[class] {
		if !matchesFilters(props, filters) {
			continue
		}
		out = append(out, Object{Class: class, ID: id, Properties: deepCopyProps(props)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, class, id string, mutate func(props map[string]interface{}) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	props, ok := m.objects[class][id]
	if !ok {
		return ErrNotFound
	}
	working := deepCopyProps(props)
	if err := mutate(working); err != nil {
		return err
	}
	m.objects[class][id] = working
	return nil
}

func matchesFilters(props map[string]interface{}, filters []Filter) bool {
	for _, f := range filters {
		if len(f.Path) != 1 {
			return false
		}
		val, ok := props[f.Path[0]]
		if !ok {
			return false
		}
		s, ok := val.(string)
		if !ok || s != f.Equals {
			return false
		}
	}
	return true
}

// deepCopyProps isolates stored state from caller mutation. Round-tripping
// through JSON also mirrors what the Weaviate backend does to property
// values, so tests see the same type normalization.
func deepCopyProps(props map[string]interface{}) map[string]interface{} {
	if props == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		out := make(map[string]interface{}, len(props))
		for k, v := range props {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
