// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file feeds artifacts produced during a turn back into the
// conversation's evidence index, so later Evidence Gate runs can retrieve
// them without a live search. Runs only in detached enrichment; every
// failure is soft.
package services

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/Tidewater/services/searchpipe"
	"github.com/tmc/langchaingo/textsplitter"
)

// Chunking bounds for artifact ingestion. The pipeline embeds whole chunks,
// so oversized ones dilute retrieval scores and undersized ones fragment
// context.
const (
	artifactChunkSize    = 1200
	artifactChunkOverlap = 120
)

// indexArtifacts chunks each written artifact and submits the chunks to the
// conversation's evidence index. A retriever without ingestion support, or a
// conversation without an index, is a no-op.
func (o *Orchestrator) indexArtifacts(ctx context.Context, indexID string, artifacts []indexableArtifact) {
	if indexID == "" || len(artifacts) == 0 {
		return
	}
	indexer, ok := o.deps.Retriever.(searchpipe.Indexer)
	if !ok {
		return
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(artifactChunkSize),
		textsplitter.WithChunkOverlap(artifactChunkOverlap),
	)

	var chunks []searchpipe.IndexChunk
	for _, a := range artifacts {
		pieces, err := splitter.SplitText(a.content)
		if err != nil {
			o.softFailure("chunking artifact for indexing", err)
			continue
		}
		for _, piece := range pieces {
			chunks = append(chunks, searchpipe.IndexChunk{
				Source:  "artifact:" + a.id,
				Content: piece,
			})
		}
	}
	if len(chunks) == 0 {
		return
	}

	if err := indexer.IndexChunks(ctx, indexID, chunks); err != nil {
		o.softFailure("indexing artifacts", err)
		return
	}
	slog.Info("Indexed artifacts into evidence index",
		"index_id", indexID,
		"artifacts", len(artifacts),
		"chunks", len(chunks),
	)
}

// indexableArtifact is the slice of an artifact the indexer needs.
type indexableArtifact struct {
	id      string
	content string
}
