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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
)

var storeTracer = otel.Tracer("tidewater.orchestrator.store")

// WeaviateStore implements Store against a Weaviate instance.
//
// Entity ids double as Weaviate object ids, so point reads go through the
// object API and only the list queries use GraphQL. Struct fields that don't
// map onto Weaviate property types (metadata maps, keyword lists) are stored
// as JSON strings.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore wraps an initialized Weaviate client. Call EnsureSchema
// before first use.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

var _ Store = (*WeaviateStore)(nil)

// parseGraphQLResponse converts Weaviate's dynamic GraphQL response into a
// typed struct via a marshal round trip.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "404") || strings.Contains(msg, "not found")
}

func marshalJSONField(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// getProperties fetches one object's property map by class and id.
func (s *WeaviateStore) getProperties(ctx context.Context, class, id string) (map[string]any, error) {
	objs, err := s.client.Data().ObjectsGetter().
		WithClassName(class).
		WithID(id).
		Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", class, id, err)
	}
	if len(objs) == 0 || objs[0].Properties == nil {
		return nil, ErrNotFound
	}
	props, ok := objs[0].Properties.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected properties shape for %s/%s", class, id)
	}
	return props, nil
}

func (s *WeaviateStore) create(ctx context.Context, class, id string, props map[string]any) error {
	_, err := s.client.Data().Creator().
		WithClassName(class).
		WithID(id).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to create %s object: %w", class, err)
	}
	return nil
}

func (s *WeaviateStore) merge(ctx context.Context, class, id string, props map[string]any) error {
	err := s.client.Data().Updater().
		WithClassName(class).
		WithID(id).
		WithProperties(props).
		WithMerge().
		Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to merge %s/%s: %w", class, id, err)
	}
	return nil
}

func propString(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func propInt(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func propBool(props map[string]any, key string) bool {
	if v, ok := props[key].(bool); ok {
		return v
	}
	return false
}

// =============================================================================
// Conversations
// =============================================================================

func (s *WeaviateStore) GetConversation(ctx context.Context, id string) (*datatypes.Conversation, error) {
	ctx, span := storeTracer.Start(ctx, "WeaviateStore.GetConversation")
	defer span.End()

	props, err := s.getProperties(ctx, classConversation, id)
	if err != nil {
		return nil, err
	}
	c := &datatypes.Conversation{
		ID:        id,
		UserID:    propString(props, "user_id"),
		ProjectID: propString(props, "project_id"),
		Title:     propString(props, "title"),
		CreatedAt: propInt(props, "created_at"),
	}
	if raw := propString(props, "metadata_json"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &c.Metadata)
	}
	return c, nil
}

func (s *WeaviateStore) CreateConversation(ctx context.Context, c *datatypes.Conversation) error {
	if c.ID == "" {
		c.ID = datatypes.NewID()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = datatypes.NowMillis()
	}
	return s.create(ctx, classConversation, c.ID, map[string]any{
		"user_id":       c.UserID,
		"project_id":    c.ProjectID,
		"title":         c.Title,
		"metadata_json": marshalJSONField(c.Metadata),
		"created_at":    c.CreatedAt,
	})
}

// MergeConversationMetadata implements the idempotent last-writer-wins
// metadata upsert. The metadata map is stored as one JSON blob, so the merge
// is a read-modify-write; racing writers settle on whoever writes last, which
// is safe for the idempotent session references this is used for.
func (s *WeaviateStore) MergeConversationMetadata(ctx context.Context, id string, patch map[string]any) error {
	ctx, span := storeTracer.Start(ctx, "WeaviateStore.MergeConversationMetadata")
	defer span.End()

	c, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	merged := c.Metadata
	if merged == nil {
		merged = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		merged[k] = v
	}
	return s.merge(ctx, classConversation, id, map[string]any{
		"metadata_json": marshalJSONField(merged),
	})
}

// =============================================================================
// Messages
// =============================================================================

type messageRow struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	MetadataJSON   string `json:"metadata_json"`
	TopicID        string `json:"topic_id"`
	CreatedAt      int64  `json:"created_at"`
	Additional     struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

type messageQueryResponse struct {
	Get struct {
		ChatMessage []messageRow `json:"ChatMessage"`
	} `json:"Get"`
}

var messageFields = []graphql.Field{
	{Name: "conversation_id"}, {Name: "role"}, {Name: "content"},
	{Name: "metadata_json"}, {Name: "topic_id"}, {Name: "created_at"},
	{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
}

func rowToMessage(r messageRow) datatypes.Message {
	m := datatypes.Message{
		ID:             r.Additional.ID,
		ConversationID: r.ConversationID,
		Role:           datatypes.Role(r.Role),
		Content:        r.Content,
		TopicID:        r.TopicID,
		CreatedAt:      r.CreatedAt,
	}
	if r.MetadataJSON != "" {
		_ = json.Unmarshal([]byte(r.MetadataJSON), &m.Metadata)
	}
	return m
}

func (s *WeaviateStore) InsertMessage(ctx context.Context, m *datatypes.Message) error {
	if m.ID == "" {
		m.ID = datatypes.NewID()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = datatypes.NowMillis()
	}
	return s.create(ctx, classMessage, m.ID, map[string]any{
		"conversation_id": m.ConversationID,
		"role":            string(m.Role),
		"content":         m.Content,
		"metadata_json":   marshalJSONField(m.Metadata),
		"topic_id":        m.TopicID,
		"created_at":      m.CreatedAt,
	})
}

func (s *WeaviateStore) GetMessage(ctx context.Context, id string) (*datatypes.Message, error) {
	props, err := s.getProperties(ctx, classMessage, id)
	if err != nil {
		return nil, err
	}
	m := &datatypes.Message{
		ID:             id,
		ConversationID: propString(props, "conversation_id"),
		Role:           datatypes.Role(propString(props, "role")),
		Content:        propString(props, "content"),
		TopicID:        propString(props, "topic_id"),
		CreatedAt:      propInt(props, "created_at"),
	}
	if raw := propString(props, "metadata_json"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &m.Metadata)
	}
	return m, nil
}

func (s *WeaviateStore) UpdateMessage(ctx context.Context, id string, patch MessagePatch) error {
	props := make(map[string]any, 3)
	if patch.Content != nil {
		props["content"] = *patch.Content
	}
	if patch.Metadata != nil {
		props["metadata_json"] = marshalJSONField(*patch.Metadata)
	}
	if patch.TopicID != nil {
		props["topic_id"] = *patch.TopicID
	}
	if len(props) == 0 {
		return nil
	}
	return s.merge(ctx, classMessage, id, props)
}

func (s *WeaviateStore) DeleteMessage(ctx context.Context, id string) error {
	err := s.client.Data().Deleter().
		WithClassName(classMessage).
		WithID(id).
		Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

func (s *WeaviateStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]datatypes.Message, error) {
	ctx, span := storeTracer.Start(ctx, "WeaviateStore.ListMessages")
	defer span.End()

	where := filters.Where().
		WithPath([]string{"conversation_id"}).
		WithOperator(filters.Equal).
		WithValueString(conversationID)

	query := s.client.GraphQL().Get().
		WithClassName(classMessage).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"created_at"}, Order: graphql.Desc}).
		WithFields(messageFields...)
	if limit > 0 {
		query = query.WithLimit(limit)
	}

	resp, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	parsed, err := parseGraphQLResponse[messageQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("error parsing message query response: %w", err)
	}
	out := make([]datatypes.Message, 0, len(parsed.Get.ChatMessage))
	for _, r := range parsed.Get.ChatMessage {
		out = append(out, rowToMessage(r))
	}
	return out, nil
}

func (s *WeaviateStore) ListUserMessagesAcross(ctx context.Context, userID, excludeConversationID string, since int64, limit int) ([]datatypes.Message, error) {
	ctx, span := storeTracer.Start(ctx, "WeaviateStore.ListUserMessagesAcross")
	defer span.End()

	// Conversation ownership lives on the Conversation class, so resolve the
	// user's other conversation ids first, then filter messages.
	convWhere := filters.Where().
		WithPath([]string{"user_id"}).
		WithOperator(filters.Equal).
		WithValueString(userID)

	convResp, err := s.client.GraphQL().Get().
		WithClassName(classConversation).
		WithWhere(convWhere).
		WithFields(graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}}).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying user conversations: %w", err)
	}
	type convQueryResponse struct {
		Get struct {
			Conversation []struct {
				Additional struct {
					ID string `json:"id"`
				} `json:"_additional"`
			} `json:"Conversation"`
		} `json:"Get"`
	}
	convParsed, err := parseGraphQLResponse[convQueryResponse](convResp)
	if err != nil {
		return nil, fmt.Errorf("error parsing conversation query response: %w", err)
	}

	var out []datatypes.Message
	for _, c := range convParsed.Get.Conversation {
		if c.Additional.ID == excludeConversationID {
			continue
		}
		where := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
			filters.Where().WithPath([]string{"conversation_id"}).
				WithOperator(filters.Equal).WithValueString(c.Additional.ID),
			filters.Where().WithPath([]string{"created_at"}).
				WithOperator(filters.GreaterThanEqual).WithValueInt(since),
		})
		resp, err := s.client.GraphQL().Get().
			WithClassName(classMessage).
			WithWhere(where).
			WithSort(graphql.Sort{Path: []string{"created_at"}, Order: graphql.Desc}).
			WithLimit(limit).
			WithFields(messageFields...).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("error querying cross-conversation messages: %w", err)
		}
		parsed, err := parseGraphQLResponse[messageQueryResponse](resp)
		if err != nil {
			return nil, fmt.Errorf("error parsing cross-conversation messages: %w", err)
		}
		for _, r := range parsed.Get.ChatMessage {
			out = append(out, rowToMessage(r))
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Topics
// =============================================================================

type topicRow struct {
	ConversationID string `json:"conversation_id"`
	ParentTopicID  string `json:"parent_topic_id"`
	Label          string `json:"label"`
	Description    string `json:"description"`
	Summary        string `json:"summary"`
	TokenEstimate  int64  `json:"token_estimate"`
	Stub           bool   `json:"stub"`
	CreatedAt      int64  `json:"created_at"`
	Additional     struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

type topicQueryResponse struct {
	Get struct {
		Topic []topicRow `json:"Topic"`
	} `json:"Get"`
}

var topicFields = []graphql.Field{
	{Name: "conversation_id"}, {Name: "parent_topic_id"}, {Name: "label"},
	{Name: "description"}, {Name: "summary"}, {Name: "token_estimate"},
	{Name: "stub"}, {Name: "created_at"},
	{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
}

func rowToTopic(r topicRow) datatypes.Topic {
	return datatypes.Topic{
		ID:             r.Additional.ID,
		ConversationID: r.ConversationID,
		ParentTopicID:  r.ParentTopicID,
		Label:          r.Label,
		Description:    r.Description,
		Summary:        r.Summary,
		TokenEstimate:  int(r.TokenEstimate),
		Stub:           r.Stub,
		CreatedAt:      r.CreatedAt,
	}
}

func (s *WeaviateStore) CreateTopic(ctx context.Context, t *datatypes.Topic) error {
	if t.ID == "" {
		t.ID = datatypes.NewID()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = datatypes.NowMillis()
	}
	return s.create(ctx, classTopic, t.ID, map[string]any{
		"conversation_id": t.ConversationID,
		"parent_topic_id": t.ParentTopicID,
		"label":           t.Label,
		"description":     t.Description,
		"summary":         t.Summary,
		"token_estimate":  t.TokenEstimate,
		"stub":            t.Stub,
		"created_at":      t.CreatedAt,
	})
}

func (s *WeaviateStore) GetTopic(ctx context.Context, id string) (*datatypes.Topic, error) {
	props, err := s.getProperties(ctx, classTopic, id)
	if err != nil {
		return nil, err
	}
	return &datatypes.Topic{
		ID:             id,
		ConversationID: propString(props, "conversation_id"),
		ParentTopicID:  propString(props, "parent_topic_id"),
		Label:          propString(props, "label"),
		Description:    propString(props, "description"),
		Summary:        propString(props, "summary"),
		TokenEstimate:  int(propInt(props, "token_estimate")),
		Stub:           propBool(props, "stub"),
		CreatedAt:      propInt(props, "created_at"),
	}, nil
}

func (s *WeaviateStore) UpdateTopic(ctx context.Context, id string, patch TopicPatch) error {
	props := make(map[string]any, 5)
	if patch.Label != nil {
		props["label"] = *patch.Label
	}
	if patch.Description != nil {
		props["description"] = *patch.Description
	}
	if patch.Summary != nil {
		props["summary"] = *patch.Summary
	}
	if patch.TokenEstimate != nil {
		props["token_estimate"] = *patch.TokenEstimate
	}
	if patch.Stub != nil {
		props["stub"] = *patch.Stub
	}
	if len(props) == 0 {
		return nil
	}
	return s.merge(ctx, classTopic, id, props)
}

func (s *WeaviateStore) ListTopics(ctx context.Context, conversationID string) ([]datatypes.Topic, error) {
	where := filters.Where().
		WithPath([]string{"conversation_id"}).
		WithOperator(filters.Equal).
		WithValueString(conversationID)

	resp, err := s.client.GraphQL().Get().
		WithClassName(classTopic).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"created_at"}, Order: graphql.Desc}).
		WithFields(topicFields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying topics: %w", err)
	}
	parsed, err := parseGraphQLResponse[topicQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("error parsing topic query response: %w", err)
	}
	out := make([]datatypes.Topic, 0, len(parsed.Get.Topic))
	for _, r := range parsed.Get.Topic {
		out = append(out, rowToTopic(r))
	}
	return out, nil
}

func (s *WeaviateStore) ListProjectTopics(ctx context.Context, projectID, excludeConversationID string) ([]datatypes.Topic, error) {
	if projectID == "" {
		return nil, nil
	}
	convWhere := filters.Where().
		WithPath([]string{"project_id"}).
		WithOperator(filters.Equal).
		WithValueString(projectID)

	convResp, err := s.client.GraphQL().Get().
		WithClassName(classConversation).
		WithWhere(convWhere).
		WithFields(graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}}).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying project conversations: %w", err)
	}
	type convQueryResponse struct {
		Get struct {
			Conversation []struct {
				Additional struct {
					ID string `json:"id"`
				} `json:"_additional"`
			} `json:"Conversation"`
		} `json:"Get"`
	}
	convParsed, err := parseGraphQLResponse[convQueryResponse](convResp)
	if err != nil {
		return nil, fmt.Errorf("error parsing project conversation response: %w", err)
	}

	var out []datatypes.Topic
	for _, c := range convParsed.Get.Conversation {
		if c.Additional.ID == excludeConversationID {
			continue
		}
		topics, err := s.ListTopics(ctx, c.Additional.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, topics...)
	}
	return out, nil
}

// =============================================================================
// Artifacts
// =============================================================================

func (s *WeaviateStore) CreateArtifact(ctx context.Context, a *datatypes.Artifact) error {
	if a.ID == "" {
		a.ID = datatypes.NewID()
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = datatypes.NowMillis()
	}
	return s.create(ctx, classArtifact, a.ID, map[string]any{
		"topic_id":      a.TopicID,
		"message_id":    a.MessageID,
		"kind":          string(a.Kind),
		"title":         a.Title,
		"content":       a.Content,
		"summary":       a.Summary,
		"keywords_json": marshalJSONField(a.Keywords),
		"created_at":    a.CreatedAt,
	})
}

func (s *WeaviateStore) ListTopicArtifacts(ctx context.Context, topicID string) ([]datatypes.Artifact, error) {
	where := filters.Where().
		WithPath([]string{"topic_id"}).
		WithOperator(filters.Equal).
		WithValueString(topicID)

	resp, err := s.client.GraphQL().Get().
		WithClassName(classArtifact).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"created_at"}, Order: graphql.Desc}).
		WithFields(
			graphql.Field{Name: "topic_id"}, graphql.Field{Name: "message_id"},
			graphql.Field{Name: "kind"}, graphql.Field{Name: "title"},
			graphql.Field{Name: "content"}, graphql.Field{Name: "summary"},
			graphql.Field{Name: "keywords_json"}, graphql.Field{Name: "created_at"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
		).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying artifacts: %w", err)
	}
	type artifactRow struct {
		TopicID      string `json:"topic_id"`
		MessageID    string `json:"message_id"`
		Kind         string `json:"kind"`
		Title        string `json:"title"`
		Content      string `json:"content"`
		Summary      string `json:"summary"`
		KeywordsJSON string `json:"keywords_json"`
		CreatedAt    int64  `json:"created_at"`
		Additional   struct {
			ID string `json:"id"`
		} `json:"_additional"`
	}
	type artifactQueryResponse struct {
		Get struct {
			Artifact []artifactRow `json:"Artifact"`
		} `json:"Get"`
	}
	parsed, err := parseGraphQLResponse[artifactQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("error parsing artifact query response: %w", err)
	}
	out := make([]datatypes.Artifact, 0, len(parsed.Get.Artifact))
	for _, r := range parsed.Get.Artifact {
		a := datatypes.Artifact{
			ID:        r.Additional.ID,
			TopicID:   r.TopicID,
			MessageID: r.MessageID,
			Kind:      datatypes.ArtifactKind(r.Kind),
			Title:     r.Title,
			Content:   r.Content,
			Summary:   r.Summary,
			CreatedAt: r.CreatedAt,
		}
		if r.KeywordsJSON != "" {
			_ = json.Unmarshal([]byte(r.KeywordsJSON), &a.Keywords)
		}
		out = append(out, a)
	}
	return out, nil
}

// =============================================================================
// Memories
// =============================================================================

func (s *WeaviateStore) ListMemories(ctx context.Context, userID string, types []datatypes.MemoryType) ([]datatypes.Memory, error) {
	operands := []*filters.WhereBuilder{
		filters.Where().WithPath([]string{"user_id"}).
			WithOperator(filters.Equal).WithValueString(userID),
		filters.Where().WithPath([]string{"enabled"}).
			WithOperator(filters.Equal).WithValueBoolean(true),
	}
	if len(types) > 0 {
		typeOperands := make([]*filters.WhereBuilder, 0, len(types))
		for _, t := range types {
			typeOperands = append(typeOperands,
				filters.Where().WithPath([]string{"memory_type"}).
					WithOperator(filters.Equal).WithValueString(string(t)))
		}
		operands = append(operands,
			filters.Where().WithOperator(filters.Or).WithOperands(typeOperands))
	}
	where := filters.Where().WithOperator(filters.And).WithOperands(operands)

	resp, err := s.client.GraphQL().Get().
		WithClassName(classMemory).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"created_at"}, Order: graphql.Desc}).
		WithFields(
			graphql.Field{Name: "user_id"}, graphql.Field{Name: "memory_type"},
			graphql.Field{Name: "title"}, graphql.Field{Name: "content"},
			graphql.Field{Name: "enabled"}, graphql.Field{Name: "created_at"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
		).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying memories: %w", err)
	}
	type memoryRow struct {
		UserID     string `json:"user_id"`
		MemoryType string `json:"memory_type"`
		Title      string `json:"title"`
		Content    string `json:"content"`
		Enabled    bool   `json:"enabled"`
		CreatedAt  int64  `json:"created_at"`
		Additional struct {
			ID string `json:"id"`
		} `json:"_additional"`
	}
	type memoryQueryResponse struct {
		Get struct {
			UserMemory []memoryRow `json:"UserMemory"`
		} `json:"Get"`
	}
	parsed, err := parseGraphQLResponse[memoryQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("error parsing memory query response: %w", err)
	}
	out := make([]datatypes.Memory, 0, len(parsed.Get.UserMemory))
	for _, r := range parsed.Get.UserMemory {
		out = append(out, datatypes.Memory{
			ID:        r.Additional.ID,
			UserID:    r.UserID,
			Type:      datatypes.MemoryType(r.MemoryType),
			Title:     r.Title,
			Content:   r.Content,
			Enabled:   r.Enabled,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *WeaviateStore) CreateMemory(ctx context.Context, m *datatypes.Memory) error {
	if m.ID == "" {
		m.ID = datatypes.NewID()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = datatypes.NowMillis()
	}
	return s.create(ctx, classMemory, m.ID, map[string]any{
		"user_id":     m.UserID,
		"memory_type": string(m.Type),
		"title":       m.Title,
		"content":     m.Content,
		"enabled":     m.Enabled,
		"created_at":  m.CreatedAt,
	})
}

func (s *WeaviateStore) DeleteMemory(ctx context.Context, id string) error {
	err := s.client.Data().Deleter().
		WithClassName(classMemory).
		WithID(id).
		Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete memory %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// Instructions
// =============================================================================

func (s *WeaviateStore) ListInstructions(ctx context.Context, userID, conversationID string) ([]datatypes.PermanentInstruction, error) {
	where := filters.Where().
		WithPath([]string{"user_id"}).
		WithOperator(filters.Equal).
		WithValueString(userID)

	resp, err := s.client.GraphQL().Get().
		WithClassName(classInstruction).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"created_at"}, Order: graphql.Asc}).
		WithFields(
			graphql.Field{Name: "user_id"}, graphql.Field{Name: "scope"},
			graphql.Field{Name: "conversation_id"}, graphql.Field{Name: "content"},
			graphql.Field{Name: "created_at"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
		).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying instructions: %w", err)
	}
	type instructionRow struct {
		UserID         string `json:"user_id"`
		Scope          string `json:"scope"`
		ConversationID string `json:"conversation_id"`
		Content        string `json:"content"`
		CreatedAt      int64  `json:"created_at"`
		Additional     struct {
			ID string `json:"id"`
		} `json:"_additional"`
	}
	type instructionQueryResponse struct {
		Get struct {
			Instruction []instructionRow `json:"Instruction"`
		} `json:"Get"`
	}
	parsed, err := parseGraphQLResponse[instructionQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("error parsing instruction query response: %w", err)
	}
	var out []datatypes.PermanentInstruction
	for _, r := range parsed.Get.Instruction {
		scope := datatypes.InstructionScope(r.Scope)
		if scope == datatypes.InstructionScopeConversation && r.ConversationID != conversationID {
			continue
		}
		out = append(out, datatypes.PermanentInstruction{
			ID:             r.Additional.ID,
			UserID:         r.UserID,
			Scope:          scope,
			ConversationID: r.ConversationID,
			Content:        r.Content,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}
