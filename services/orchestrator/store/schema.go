// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// Class names used by the Weaviate-backed store. "ChatMessage" avoids the
// reserved feel of a bare "Message" class next to Weaviate's own terms.
const (
	classConversation = "Conversation"
	classMessage      = "ChatMessage"
	classTopic        = "Topic"
	classArtifact     = "Artifact"
	classMemory       = "UserMemory"
	classInstruction  = "Instruction"
)

func textProp(name string) *models.Property {
	return &models.Property{Name: name, DataType: []string{"text"}}
}

func intProp(name string) *models.Property {
	return &models.Property{Name: name, DataType: []string{"int"}}
}

func boolProp(name string) *models.Property {
	return &models.Property{Name: name, DataType: []string{"boolean"}}
}

func classSchemas() []*models.Class {
	return []*models.Class{
		{
			Class:      classConversation,
			Vectorizer: "none",
			Properties: []*models.Property{
				textProp("user_id"), textProp("project_id"), textProp("title"),
				textProp("metadata_json"), intProp("created_at"),
			},
		},
		{
			Class:      classMessage,
			Vectorizer: "none",
			Properties: []*models.Property{
				textProp("conversation_id"), textProp("role"), textProp("content"),
				textProp("metadata_json"), textProp("topic_id"), intProp("created_at"),
			},
		},
		{
			Class:      classTopic,
			Vectorizer: "none",
			Properties: []*models.Property{
				textProp("conversation_id"), textProp("parent_topic_id"),
				textProp("label"), textProp("description"), textProp("summary"),
				intProp("token_estimate"), boolProp("stub"), intProp("created_at"),
			},
		},
		{
			Class:      classArtifact,
			Vectorizer: "none",
			Properties: []*models.Property{
				textProp("topic_id"), textProp("message_id"), textProp("kind"),
				textProp("title"), textProp("content"), textProp("summary"),
				textProp("keywords_json"), intProp("created_at"),
			},
		},
		{
			Class:      classMemory,
			Vectorizer: "none",
			Properties: []*models.Property{
				textProp("user_id"), textProp("memory_type"), textProp("title"),
				textProp("content"), boolProp("enabled"), intProp("created_at"),
			},
		},
		{
			Class:      classInstruction,
			Vectorizer: "none",
			Properties: []*models.Property{
				textProp("user_id"), textProp("scope"), textProp("conversation_id"),
				textProp("content"), intProp("created_at"),
			},
		},
	}
}

// EnsureSchema creates any missing classes. Existing classes are left alone;
// creation errors for already-present classes are logged and ignored so a
// restart against a populated instance is a no-op.
func EnsureSchema(ctx context.Context, client *weaviate.Client) {
	for _, class := range classSchemas() {
		exists, err := client.Schema().ClassExistenceChecker().WithClassName(class.Class).Do(ctx)
		if err != nil {
			slog.Warn("Failed to check Weaviate class existence", "class", class.Class, "error", err)
			continue
		}
		if exists {
			continue
		}
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			slog.Warn("Failed to create Weaviate class", "class", class.Class, "error", err)
			continue
		}
		slog.Info("Created Weaviate class", "class", class.Class)
	}
}
