// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package budget estimates token costs for arbitrary text.
//
// # Description
//
// The estimator is a pure function used by the Context Assembler to keep
// assembled history under the context ceiling, and by the Writer Router to
// maintain topic token-size estimates. It is deliberately cheap: no tokenizer
// model is loaded. The heuristic mixes a byte-length bound with a whitespace
// word count, which tracks BPE tokenizers closely enough for budgeting.
//
// # Guarantees
//
//   - Deterministic: same input, same output.
//   - Monotonic: appending text never lowers the estimate.
//   - Total: unknown or empty input yields 0, never an error.
package budget

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// bytesPerToken is the conservative average for English-heavy BPE vocabularies.
const bytesPerToken = 4

// Estimate returns the approximate token count of text.
//
// The estimate is max(len(text)/4, words + punctuationRuns). The byte bound
// dominates for long contiguous strings (code, URLs, CJK); the word count
// dominates for short natural-language fragments where 4 bytes/token
// underestimates.
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	byteEstimate := len(text) / bytesPerToken

	words := 0
	punct := 0
	inWord := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			inWord = false
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			punct++
			inWord = false
		default:
			if !inWord {
				words++
				inWord = true
			}
		}
	}

	wordEstimate := words + punct
	if byteEstimate > wordEstimate {
		return byteEstimate
	}
	return wordEstimate
}

// EstimateAll sums Estimate over texts. Convenience for turn slices.
func EstimateAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}

// TrimToBudget returns a prefix of text whose estimate does not exceed
// ceiling, cutting on a whitespace boundary where possible and never inside
// a multi-byte rune. Used when a single oversized block (an evidence
// excerpt, a topic summary) must be included partially rather than skipped.
func TrimToBudget(text string, ceiling int) string {
	if ceiling <= 0 {
		return ""
	}
	if Estimate(text) <= ceiling {
		return text
	}

	// Byte-bound first cut, then back off to whitespace.
	cut := ceiling * bytesPerToken
	if cut >= len(text) {
		cut = len(text) - 1
	}
	cut = runeBoundary(text, cut)
	for cut > 0 && Estimate(text[:cut]) > ceiling {
		cut = runeBoundary(text, cut*9/10)
	}
	if idx := strings.LastIndexFunc(text[:cut], unicode.IsSpace); idx > 0 {
		cut = idx
	}
	return text[:cut]
}

// runeBoundary backs cut off to the start of the rune it landed inside.
func runeBoundary(text string, cut int) int {
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut
}
