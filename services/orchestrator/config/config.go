// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the orchestrator's runtime tunables.
//
// Tunables load from a YAML file over built-in defaults and hot-reload on
// file change, so routing and budget knobs can be adjusted without a
// restart. Connection-level settings (addresses, credentials) stay in the
// environment; only behavioral knobs live here.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Tunables
// =============================================================================

// Models names the model tiers the Decision Router chooses between.
type Models struct {
	Default string `yaml:"default"`
	Fast    string `yaml:"fast"`
	Quality string `yaml:"quality"`
	Policy  string `yaml:"policy"`
}

// Tunables are the hot-reloadable behavioral knobs.
type Tunables struct {
	// ContextCeilingTokens bounds assembled conversation context per turn.
	ContextCeilingTokens int `yaml:"context_ceiling_tokens"`

	// ContextStrategy selects the assembler: "recency" or "topics".
	ContextStrategy string `yaml:"context_strategy"`

	// LookbackDays bounds default cross-conversation inclusion.
	LookbackDays int `yaml:"lookback_days"`

	// PerChatTokenCap bounds each external conversation's contribution.
	PerChatTokenCap int `yaml:"per_chat_token_cap"`

	// PolicyCallsPerSecond rate-limits Decision Router policy refinement.
	// Zero disables the policy model entirely.
	PolicyCallsPerSecond float64 `yaml:"policy_calls_per_second"`

	// StartTimeoutSeconds bounds the wait for the first provider event.
	StartTimeoutSeconds int `yaml:"start_timeout_seconds"`

	// KeepAliveSeconds is the ping interval during silent stream phases.
	KeepAliveSeconds int `yaml:"keepalive_seconds"`

	Models Models `yaml:"models"`
}

// Defaults returns the tunables used when no config file is present.
func Defaults() Tunables {
	return Tunables{
		ContextCeilingTokens: 24000,
		ContextStrategy:      "recency",
		LookbackDays:         14,
		PerChatTokenCap:      512,
		PolicyCallsPerSecond: 2,
		StartTimeoutSeconds:  30,
		KeepAliveSeconds:     10,
		Models: Models{
			Default: "gpt-4o",
			Fast:    "gpt-4o-mini",
			Quality: "o3",
			Policy:  "gpt-4o-mini",
		},
	}
}

// =============================================================================
// Manager
// =============================================================================

// Manager serves the current tunables and reloads them on file change.
// Safe for concurrent use; readers always see a complete snapshot.
type Manager struct {
	mu      sync.RWMutex
	current Tunables
	path    string
}

// Load reads tunables from path over defaults. An empty path or a missing
// file yields pure defaults; a malformed file is an error.
func Load(path string) (*Manager, error) {
	m := &Manager{current: Defaults(), path: path}
	if path == "" {
		return m, nil
	}
	if err := m.reload(); err != nil {
		if os.IsNotExist(err) {
			slog.Info("Config file absent, using defaults", "path", path)
			return m, nil
		}
		return nil, err
	}
	return m, nil
}

// Current returns a snapshot of the tunables.
func (m *Manager) Current() Tunables {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// reload re-reads the file over defaults and swaps the snapshot.
func (m *Manager) reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	next := Defaults()
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("parsing %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	slog.Info("Config loaded",
		"path", m.path,
		"context_ceiling_tokens", next.ContextCeilingTokens,
		"context_strategy", next.ContextStrategy,
	)
	return nil
}

// Watch reloads the config whenever the file changes, until done is closed.
// Reload failures keep the previous snapshot; editors that replace the file
// (rename-over) are handled by re-adding the watch.
func (m *Manager) Watch(done <-chan struct{}) error {
	if m.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", m.path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if event.Op&fsnotify.Rename != 0 {
					// Rename-over replaces the inode; re-add the path.
					_ = watcher.Add(m.path)
				}
				if err := m.reload(); err != nil {
					slog.Warn("Config reload failed, keeping previous", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Config watcher error", "error", err)
			}
		}
	}()
	return nil
}
