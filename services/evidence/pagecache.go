// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/tmc/langchaingo/textsplitter"
)

// rawTextPageSize is the chunk size (in characters) used when segmenting
// raw submitted text into synthetic pages. Roughly one dense printed page.
const rawTextPageSize = 3200

// Loader computes page text from the source document on a cache miss.
// Implementations sit in front of whatever produced the document text
// (the PDF extraction service, outside this repo's scope).
type Loader func(ctx context.Context, docHash string, page int) (string, error)

// Cache is a badger-backed page-text cache keyed by (doc_hash, page).
//
// Thread Safety: safe for concurrent use; badger transactions provide
// per-key atomicity.
type Cache struct {
	db     *badger.DB
	loader Loader
	logger *slog.Logger
}

// NewCache creates a page-text cache. loader may be nil, in which case a
// miss with no cached entry returns ErrNoPageText.
func NewCache(db *badger.DB, loader Loader, logger *slog.Logger) (*Cache, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{db: db, loader: loader, logger: logger}, nil
}

func pageKey(docHash string, page int) []byte {
	return []byte(fmt.Sprintf("pagetext:%s:%d", docHash, page))
}

// GetOrCompute returns the cached page text, computing and caching it via
// the loader on a miss. A miss with no loader (or a loader failure) is
// ErrNoPageText: the validator treats it as a failure, never a silent pass.
func (c *Cache) GetOrCompute(ctx context.Context, docHash string, page int) (string, error) {
	if docHash == "" {
		return "", fmt.Errorf("%w: empty doc hash", ErrNoPageText)
	}

	var cached string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pageKey(docHash, page))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cached = string(val)
			return nil
		})
	})
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("read page cache: %w", err)
	}

	if c.loader == nil {
		return "", ErrNoPageText
	}

	text, err := c.loader(ctx, docHash, page)
	if err != nil {
		c.logger.Warn("page text loader failed",
			slog.String("doc_hash", docHash),
			slog.Int("page", page),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("%w: %v", ErrNoPageText, err)
	}

	if err := c.Put(docHash, page, text); err != nil {
		// The text is still usable; only the cache write failed.
		c.logger.Warn("page cache write failed",
			slog.String("doc_hash", docHash),
			slog.Int("page", page),
			slog.String("error", err.Error()),
		)
	}
	return text, nil
}

// Put stores page text under (doc_hash, page), overwriting any prior entry.
func (c *Cache) Put(docHash string, page int, text string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pageKey(docHash, page), []byte(text))
	})
}

// HashText returns the content hash used as doc_hash for raw-text
// submissions.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CacheRawText degrades gracefully for jobs submitted without a document:
// the raw text itself becomes the source, segmented into synthetic pages
// and cached under its content hash, so pointer validation still runs.
//
// Outputs:
//
//	string - The doc_hash for the cached text.
//	int - The number of pages cached (at least 1).
//	error - Non-nil if the text is empty or caching fails.
func (c *Cache) CacheRawText(text string) (string, int, error) {
	if text == "" {
		return "", 0, errors.New("raw text must not be empty")
	}

	docHash := HashText(text)

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(rawTextPageSize),
		textsplitter.WithChunkOverlap(0),
	)
	pages, err := splitter.SplitText(text)
	if err != nil || len(pages) == 0 {
		// Fall back to a single page rather than losing the submission.
		pages = []string{text}
	}

	for i, pageText := range pages {
		if err := c.Put(docHash, i+1, pageText); err != nil {
			return "", 0, fmt.Errorf("cache page %d: %w", i+1, err)
		}
	}

	c.logger.Debug("cached raw text as synthetic pages",
		slog.String("doc_hash", docHash),
		slog.Int("pages", len(pages)),
	)
	return docHash, len(pages), nil
}
