// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEstimate_EmptyInputYieldsZero(t *testing.T) {
	if got := Estimate(""); got != 0 {
		t.Errorf("Estimate(\"\") = %d, want 0", got)
	}
}

func TestEstimate_Deterministic(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog."
	first := Estimate(text)
	for i := 0; i < 10; i++ {
		if got := Estimate(text); got != first {
			t.Fatalf("Estimate not deterministic: %d != %d", got, first)
		}
	}
}

func TestEstimate_Monotonic(t *testing.T) {
	base := ""
	prev := 0
	words := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta"}
	for i := 0; i < 200; i++ {
		base += words[i%len(words)] + " "
		got := Estimate(base)
		if got < prev {
			t.Fatalf("estimate decreased after append: %d -> %d (len=%d)", prev, got, len(base))
		}
		prev = got
	}
}

func TestEstimate_ScalesWithLength(t *testing.T) {
	short := Estimate("hello world")
	long := Estimate(strings.Repeat("hello world ", 100))
	if long <= short {
		t.Errorf("long text estimate %d not greater than short %d", long, short)
	}
	// 1200 bytes of text should land in the low hundreds of tokens.
	if long < 100 || long > 600 {
		t.Errorf("estimate %d outside plausible range for 1200 bytes", long)
	}
}

func TestEstimateAll_SumsParts(t *testing.T) {
	a, b := "first part", "second part"
	if got := EstimateAll(a, b); got != Estimate(a)+Estimate(b) {
		t.Errorf("EstimateAll = %d, want %d", got, Estimate(a)+Estimate(b))
	}
}

func TestTrimToBudget_RespectsCeiling(t *testing.T) {
	text := strings.Repeat("some moderately sized sentence with several words. ", 50)
	for _, ceiling := range []int{0, 1, 10, 50, 100} {
		trimmed := TrimToBudget(text, ceiling)
		if got := Estimate(trimmed); got > ceiling {
			t.Errorf("TrimToBudget(ceiling=%d) produced estimate %d", ceiling, got)
		}
	}
}

func TestTrimToBudget_NoTrimWhenFits(t *testing.T) {
	text := "short"
	if got := TrimToBudget(text, 100); got != text {
		t.Errorf("TrimToBudget returned %q, want unchanged input", got)
	}
}

func TestTrimToBudget_NeverSplitsRunes(t *testing.T) {
	// CJK text has no whitespace to back off to, so the byte-bound cut is
	// what survives; it must land on a rune boundary.
	text := strings.Repeat("日本語のテキスト", 200)
	for _, ceiling := range []int{1, 7, 33, 100} {
		trimmed := TrimToBudget(text, ceiling)
		if !utf8.ValidString(trimmed) {
			t.Errorf("TrimToBudget(ceiling=%d) produced invalid UTF-8", ceiling)
		}
		if got := Estimate(trimmed); got > ceiling {
			t.Errorf("TrimToBudget(ceiling=%d) produced estimate %d", ceiling, got)
		}
	}
}
