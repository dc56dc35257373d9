// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	m, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := m.Current()
	want := Defaults()
	if got.ContextCeilingTokens != want.ContextCeilingTokens {
		t.Errorf("expected default ceiling %d, got %d", want.ContextCeilingTokens, got.ContextCeilingTokens)
	}
	if got.Models.Default == "" {
		t.Error("defaults must name a default model")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
	if m.Current().LookbackDays != Defaults().LookbackDays {
		t.Error("missing file should yield defaults")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tidewater.yaml")
	body := "context_ceiling_tokens: 8000\ncontext_strategy: topics\nmodels:\n  fast: tide-fast\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := m.Current()
	if got.ContextCeilingTokens != 8000 {
		t.Errorf("ceiling not overridden: %d", got.ContextCeilingTokens)
	}
	if got.ContextStrategy != "topics" {
		t.Errorf("strategy not overridden: %q", got.ContextStrategy)
	}
	if got.Models.Fast != "tide-fast" {
		t.Errorf("fast model not overridden: %q", got.Models.Fast)
	}
	if got.Models.Default != Defaults().Models.Default {
		t.Errorf("unset fields must keep defaults, got %q", got.Models.Default)
	}
}

func TestLoad_MalformedFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("context_ceiling_tokens: [not a number"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed file must be a load error")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tidewater.yaml")
	if err := os.WriteFile(path, []byte("lookback_days: 7\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done := make(chan struct{})
	defer close(done)
	if err := m.Watch(done); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("lookback_days: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current().LookbackDays == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("reload did not apply, lookback_days=%d", m.Current().LookbackDays)
}
