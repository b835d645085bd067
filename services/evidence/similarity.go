// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evidence

import (
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"
)

// normalizeTokens lowercases, strips edge punctuation, and splits on
// whitespace. Both snippet and page text pass through this before matching
// so formatting noise (quotes, commas, line breaks) cannot mask a grounded
// snippet.
func normalizeTokens(s string) []string {
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
	return out
}

// matchRatio returns the best sequence-similarity ratio of snippet against
// any snippet-sized window of the page text, in [0,1].
//
// The comparison runs over normalized word tokens with difflib's
// SequenceMatcher. A windowed scan rather than whole-page comparison keeps
// the ratio meaningful when the snippet is a small fraction of the page:
// matching 8 words inside 2,000 would otherwise never clear any threshold.
// Deterministic for identical inputs.
func matchRatio(snippet, pageText string) float64 {
	snip := normalizeTokens(snippet)
	page := normalizeTokens(pageText)

	if len(snip) == 0 || len(page) == 0 {
		return 0
	}

	// Window slightly wider than the snippet tolerates insertions in the
	// source text.
	window := len(snip) + len(snip)/4 + 1
	if window > len(page) {
		window = len(page)
	}

	best := 0.0
	for start := 0; start+window <= len(page); start++ {
		m := difflib.NewMatcher(snip, page[start:start+window])
		if r := m.Ratio(); r > best {
			best = r
			if best >= 1.0 {
				break
			}
		}
	}
	return best
}
