// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements secure token accumulation for streaming replies.
// Tokens are stored in mlocked memory to prevent swapping to disk, and are
// incrementally hashed for integrity verification. The resulting hash is
// persisted on the finalized assistant message as content_hash.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// SecureBufferSize is the size of the mlocked buffer for token
	// accumulation. 512 KB covers roughly 131,000 tokens at 4 bytes/token,
	// ample for a single assistant reply.
	SecureBufferSize = 512 * 1024

	// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
	MinMlockLimitKB = 512
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// =============================================================================
// Interface
// =============================================================================

// TokenAccumulator accumulates streamed tokens with incremental hashing.
//
// # Description
//
// Abstracts token storage during streaming, allowing secure (mlocked) and
// insecure implementations based on system capabilities. Tokens are hashed
// as they arrive; Finalize returns the full text and its SHA-256 hex digest,
// then wipes the buffer.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type TokenAccumulator interface {
	// Write appends a token and updates the incremental hash.
	// Returns an error on overflow or after Finalize/Destroy.
	Write(token string) error

	// Snapshot returns a copy of the accumulated text so far without
	// consuming the accumulator. Used for periodic partial persistence
	// while the stream is still in flight.
	Snapshot() (string, error)

	// Finalize returns the accumulated text and its SHA-256 hash (hex,
	// 64 characters), then wipes the buffer. Can only be called once.
	Finalize() (text string, hash string, err error)

	// Destroy wipes memory without returning data. Idempotent; use on
	// error paths where the accumulated data is not needed.
	Destroy()

	// ID returns a unique identifier for this accumulator instance.
	ID() string

	// CreatedAt returns when this accumulator was created.
	CreatedAt() time.Time
}

// AccumulatorFactory produces a fresh accumulator per streamed reply.
type AccumulatorFactory func() (TokenAccumulator, error)

// =============================================================================
// Secure Implementation
// =============================================================================

// secureTokenAccumulator stores tokens in mlocked memory.
//
// Memory protections: locked (mlock) to prevent swapping, guard pages and
// canaries against overflow/underflow, explicit zeroing on Destroy, and
// incremental SHA-256 hashing as tokens arrive.
type secureTokenAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// insecureTokenAccumulator is a fallback for systems without sufficient
// mlock limits, enabled only via TIDEWATER_INSECURE_MEMORY=true. Data may be
// swapped to disk; wiping is best-effort under Go's GC.
type insecureTokenAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Constructors
// =============================================================================

// NewSecureTokenAccumulator creates a new secure token accumulator.
//
// Allocates a mlocked buffer of SecureBufferSize bytes. If the mlock limit is
// insufficient and TIDEWATER_INSECURE_MEMORY is not set, returns an error; if
// the override is set, falls back to an insecure accumulator with a warning.
func NewSecureTokenAccumulator() (TokenAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		return handleInsufficientMlock()
	}

	buf := memguard.NewBuffer(SecureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", SecureBufferSize)
	}
	buf.Melt()

	accID := uuid.New().String()
	slog.Debug("Created secure token accumulator",
		"accumulator_id", accID,
		"buffer_size", SecureBufferSize,
	)

	return &secureTokenAccumulator{
		id:        accID,
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}, nil
}

// NewInsecureTokenAccumulator creates an accumulator backed by ordinary Go
// memory. Used as the fallback when secure memory is unavailable and the
// operator has acknowledged the risk, and by tests.
func NewInsecureTokenAccumulator() TokenAccumulator {
	return &insecureTokenAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		data:      make([]byte, 0, 4096),
		hasher:    sha256.New(),
	}
}

// =============================================================================
// secureTokenAccumulator Methods
// =============================================================================

func (a *secureTokenAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - response too large")
	}

	tokenBytes := []byte(token)
	if a.offset+len(tokenBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), SecureBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], tokenBytes)
	a.offset += len(tokenBytes)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *secureTokenAccumulator) Snapshot() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", fmt.Errorf("accumulator already destroyed")
	}
	return string(a.buffer.Bytes()[:a.offset]), nil
}

func (a *secureTokenAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	text := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized secure token accumulator",
		"accumulator_id", a.id,
		"answer_length", len(text),
	)
	return text, hashStr, nil
}

func (a *secureTokenAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.wipe()
	slog.Debug("Destroyed secure token accumulator", "accumulator_id", a.id)
}

func (a *secureTokenAccumulator) ID() string { return a.id }

func (a *secureTokenAccumulator) CreatedAt() time.Time { return a.createdAt }

// wipe destroys the secure buffer and marks the accumulator unusable.
// Caller must hold a.mu.
func (a *secureTokenAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// insecureTokenAccumulator Methods
// =============================================================================

func (a *insecureTokenAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - response too large")
	}

	tokenBytes := []byte(token)
	if len(a.data)+len(tokenBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), SecureBufferSize-len(a.data))
	}

	a.data = append(a.data, tokenBytes...)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *insecureTokenAccumulator) Snapshot() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", fmt.Errorf("accumulator already destroyed")
	}
	return string(a.data), nil
}

func (a *insecureTokenAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	text := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return text, hashStr, nil
}

func (a *insecureTokenAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *insecureTokenAccumulator) ID() string { return a.id }

func (a *insecureTokenAccumulator) CreatedAt() time.Time { return a.createdAt }

// wipe zeros the data slice (best effort). Caller must hold a.mu.
func (a *insecureTokenAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Package Initialization
// =============================================================================

// initMemguard performs one-time memguard initialization and validates that
// the system has sufficient mlock limits for secure memory operations.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit insufficient for secure memory",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
				"help", "raise RLIMIT_MEMLOCK or set TIDEWATER_INSECURE_MEMORY=true",
			)
		}
	})
}

// checkMlockLimit queries the kernel for the current RLIMIT_MEMLOCK and
// compares it against the minimum required. Returns the limit in KB, or -1
// if unlimited.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

func handleInsufficientMlock() (TokenAccumulator, error) {
	if os.Getenv("TIDEWATER_INSECURE_MEMORY") == "true" {
		slog.Warn("SECURITY: using insecure memory accumulator, data may be swapped to disk",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return NewInsecureTokenAccumulator(), nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB. "+
			"Configure system limits or set TIDEWATER_INSECURE_MEMORY=true",
		currentMlockLimitKB, MinMlockLimitKB,
	)
}

// PurgeAllSecureMemory wipes all memguard-allocated memory. Call during
// graceful shutdown; also triggered automatically on SIGINT/SIGTERM.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
