// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package synthesis

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// stripedLocks serializes canonical-store writes per entity key. Two
// concurrent finalize runs touching the same entity take the same stripe,
// so merges stay additive instead of last-writer-wins.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (s *stripedLocks) forKey(key string) *sync.Mutex {
	return &s.stripes[s.index(key)]
}

// forPair returns the distinct stripes covering both keys, always in
// ascending stripe order so two callers locking the same pair cannot
// deadlock against each other.
func (s *stripedLocks) forPair(a, b string) []*sync.Mutex {
	i, j := s.index(a), s.index(b)
	if i == j {
		return []*sync.Mutex{&s.stripes[i]}
	}
	if i > j {
		i, j = j, i
	}
	return []*sync.Mutex{&s.stripes[i], &s.stripes[j]}
}

func (s *stripedLocks) index(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % lockStripes
}
