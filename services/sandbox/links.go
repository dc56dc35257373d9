// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/api/option"
)

// sandboxRefPattern matches transient file references the model emits for
// files it created during code execution, e.g. "sandbox://output/plot.png".
var sandboxRefPattern = regexp.MustCompile(`sandbox://([\w\-./]+)`)

// Uploader persists one sandbox file and returns its durable URL.
type Uploader interface {
	Upload(ctx context.Context, objectPath string, r io.Reader) (string, error)
}

// GCSUploader uploads sandbox files to a Google Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
}

var _ Uploader = (*GCSUploader)(nil)

// NewGCSUploader builds an uploader for the configured bucket. The service
// account key path comes from GCS_SA_KEY_PATH; with no key the ambient
// credentials are used.
func NewGCSUploader(ctx context.Context, bucket string) (*GCSUploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	var opts []option.ClientOption
	if keyPath := os.Getenv("GCS_SA_KEY_PATH"); keyPath != "" {
		if _, err := os.Stat(keyPath); err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s", keyPath)
		}
		opts = append(opts, option.WithCredentialsFile(keyPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSUploader{client: client, bucket: bucket}, nil
}

func (u *GCSUploader) Upload(ctx context.Context, objectPath string, r io.Reader) (string, error) {
	obj := u.client.Bucket(u.bucket).Object(objectPath)
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, r); err != nil {
		return "", fmt.Errorf("failed to copy file to GCS object %s: %w", objectPath, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", objectPath, err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", u.bucket, objectPath), nil
}

// LinkMap resolves transient sandbox file paths to durable URLs, uploading
// each file at most once. Resolved links are persisted in BadgerDB so a file
// referenced again on a later turn reuses the existing upload.
type LinkMap struct {
	db       *badger.DB
	uploader Uploader
}

// NewLinkMap wraps an open BadgerDB handle and an uploader. uploader may be
// nil, in which case resolution always falls through to the raw reference.
func NewLinkMap(db *badger.DB, uploader Uploader) *LinkMap {
	return &LinkMap{db: db, uploader: uploader}
}

func linkKey(containerID, path string) []byte {
	return []byte("link/" + containerID + "/" + path)
}

// Resolve returns the durable URL for one container file, fetching and
// uploading it on first sight.
func (m *LinkMap) Resolve(ctx context.Context, runner Runner, containerID, path string) (string, error) {
	ctx, span := tracer.Start(ctx, "sandbox.LinkMap.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("sandbox.container_id", containerID),
		attribute.String("sandbox.path", path),
	)

	var cached string
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(linkKey(containerID, path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cached = string(val)
			return nil
		})
	})
	if err == nil && cached != "" {
		span.SetAttributes(attribute.Bool("sandbox.link_cached", true))
		return cached, nil
	}
	if err != nil && err != badger.ErrKeyNotFound {
		return "", fmt.Errorf("link map read failed: %w", err)
	}
	if m.uploader == nil {
		return "", fmt.Errorf("no uploader configured")
	}

	file, err := runner.FetchFile(ctx, containerID, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "file fetch failed")
		return "", err
	}
	defer file.Close()

	objectPath := fmt.Sprintf("sandbox/%s/%s", containerID, strings.TrimPrefix(path, "/"))
	durableURL, err := m.uploader.Upload(ctx, objectPath, file)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return "", err
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(linkKey(containerID, path), []byte(durableURL))
	})
	if err != nil {
		// The upload succeeded; a failed cache write only costs a re-upload.
		slog.Warn("Failed to persist sandbox link", "path", path, "error", err)
	}
	return durableURL, nil
}

// RewriteRefs replaces every sandbox:// reference in text with its durable
// URL. Resolution failures leave the original reference in place so a partial
// rewrite never drops content.
func (m *LinkMap) RewriteRefs(ctx context.Context, runner Runner, containerID, text string) string {
	if containerID == "" || !strings.Contains(text, "sandbox://") {
		return text
	}
	return sandboxRefPattern.ReplaceAllStringFunc(text, func(ref string) string {
		path := strings.TrimPrefix(ref, "sandbox://")
		durableURL, err := m.Resolve(ctx, runner, containerID, path)
		if err != nil {
			slog.Warn("Failed to resolve sandbox reference", "ref", ref, "error", err)
			return ref
		}
		return durableURL
	})
}
