// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/assistant/redact"
)

// SemanticMemoryClassName is the Weaviate class holding per-user
// long-term memories.
const SemanticMemoryClassName = "SemanticMemory"

// ErrUnsafeContent rejects semantic writes that still carry PII.
var ErrUnsafeContent = errors.New("content flagged unsafe for the vector store")

// ensureSafe is the fail-closed gate in front of every semantic write.
// Content redacted beforehand passes because a second pass finds no
// entities. Both semantic store implementations call this, so the gate
// cannot be bypassed by choosing a backend.
func ensureSafe(ctx context.Context, r *redact.Redactor, content string) error {
	res := r.Redact(ctx, content, redact.ModePlaceholder)
	if !res.SafeForVectorStore {
		return datatypes.NewFault(datatypes.FaultUnsafeContent, "semantic.upsert", ErrUnsafeContent)
	}
	return nil
}

// semanticMemorySchema describes the SemanticMemory class. Vectors come
// from the Embedder, not a Weaviate vectorizer module.
func semanticMemorySchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:               SemanticMemoryClassName,
		Description:         "Long-term per-user assistant memory, redacted before write.",
		Vectorizer:          "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{IndexTimestamps: true},
		Properties: []*models.Property{
			{
				Name:            "user_id",
				DataType:        []string{"text"},
				Description:     "Owner of the memory. Every query filters on this.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The memory text, already through the redactor.",
				Tokenization: "word",
			},
			{
				Name:        "metadata_json",
				DataType:    []string{"text"},
				Description: "JSON-encoded caller metadata.",
			},
			{
				Name:            "ts",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the memory was stored.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// WeaviateSemanticStoreConfig configures the production semantic store.
type WeaviateSemanticStoreConfig struct {
	// URL is the Weaviate endpoint, e.g. "http://localhost:8080".
	URL string
}

// WeaviateSemanticStore is the production SemanticStore.
//
// # Description
//
// One object per memory; the Weaviate object id doubles as the memory
// id. Vectors come from the injected Embedder. Every read and the batch
// delete carry a user_id Equal filter, and single-object deletes verify
// ownership before removing, so one user's memories never cross into
// another user's requests.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateSemanticStore struct {
	client   *weaviate.Client
	embedder Embedder
	redactor *redact.Redactor
}

var _ SemanticStore = (*WeaviateSemanticStore)(nil)

// NewWeaviateSemanticStore connects, ensures the class exists, and
// returns the store. The redactor is mandatory; there is no unguarded
// construction path.
func NewWeaviateSemanticStore(ctx context.Context, cfg WeaviateSemanticStoreConfig, embedder Embedder, redactor *redact.Redactor) (*WeaviateSemanticStore, error) {
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	if redactor == nil {
		return nil, errors.New("redactor must not be nil")
	}

	clientConf := weaviate.Config{
		Host:   cfg.URL,
		Scheme: "http",
	}
	if strings.HasPrefix(cfg.URL, "https://") {
		clientConf.Scheme = "https"
		clientConf.Host = strings.TrimPrefix(cfg.URL, "https://")
	} else if strings.HasPrefix(cfg.URL, "http://") {
		clientConf.Host = strings.TrimPrefix(cfg.URL, "http://")
	}

	client, err := weaviate.NewClient(clientConf)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	store := &WeaviateSemanticStore{
		client:   client,
		embedder: embedder,
		redactor: redactor,
	}
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *WeaviateSemanticStore) ensureSchema(ctx context.Context) error {
	class := semanticMemorySchema()
	_, err := s.client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
	if err == nil {
		return nil
	}
	slog.Info("Schema not found, creating it", "class", class.Class)
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create schema for class %s: %w", class.Class, err)
	}
	return nil
}

// Upsert implements SemanticStore.
func (s *WeaviateSemanticStore) Upsert(ctx context.Context, userID, content string, metadata map[string]string) (string, error) {
	if userID == "" {
		return "", errors.New("user id must not be empty")
	}
	if err := ensureSafe(ctx, s.redactor, content); err != nil {
		return "", err
	}

	vector, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("embed memory content: %w", err)
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal memory metadata: %w", err)
	}

	id := uuid.New().String()
	properties := map[string]interface{}{
		"user_id":       userID,
		"content":       content,
		"metadata_json": string(metaJSON),
		"ts":            time.Now().UnixMilli(),
	}

	_, err = s.client.Data().Creator().
		WithClassName(SemanticMemoryClassName).
		WithID(id).
		WithProperties(properties).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("store semantic memory: %w", err)
	}
	return id, nil
}

// Search implements SemanticStore.
func (s *WeaviateSemanticStore) Search(ctx context.Context, userID, query string, k int) ([]datatypes.SemanticMemory, error) {
	if userID == "" {
		return nil, errors.New("user id must not be empty")
	}
	if k <= 0 {
		return nil, nil
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed search query: %w", err)
	}

	where := filters.Where().
		WithPath([]string{"user_id"}).
		WithOperator(filters.Equal).
		WithValueString(userID)

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "user_id"},
		{Name: "content"},
		{Name: "metadata_json"},
		{Name: "ts"},
		{Name: "_additional { id certainty }"},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(SemanticMemoryClassName).
		WithFields(fields...).
		WithWhere(where).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("semantic search error: %s", result.Errors[0].Message)
	}

	return parseSemanticResults(result, userID)
}

// Delete implements SemanticStore. Ownership is verified before the
// delete so a guessed id cannot remove another user's memory.
func (s *WeaviateSemanticStore) Delete(ctx context.Context, userID, memoryID string) error {
	// Weaviate object ids are UUIDs; reject anything else before the
	// round trip.
	if !strfmt.IsUUID(memoryID) {
		return datatypes.Validationf("semantic.delete", "memory id %q is not a UUID", memoryID)
	}
	objs, err := s.client.Data().ObjectsGetter().
		WithClassName(SemanticMemoryClassName).
		WithID(memoryID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("load semantic memory %s: %w", memoryID, err)
	}
	if len(objs) == 0 {
		return nil
	}

	props, _ := objs[0].Properties.(map[string]interface{})
	if owner, _ := props["user_id"].(string); owner != userID {
		return datatypes.NewFault(datatypes.FaultUnauthorized, "semantic.delete",
			fmt.Errorf("memory %s is not owned by the caller", memoryID))
	}

	err = s.client.Data().Deleter().
		WithClassName(SemanticMemoryClassName).
		WithID(memoryID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("delete semantic memory %s: %w", memoryID, err)
	}
	return nil
}

// DeleteAll implements SemanticStore.
func (s *WeaviateSemanticStore) DeleteAll(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id must not be empty")
	}

	where := filters.Where().
		WithPath([]string{"user_id"}).
		WithOperator(filters.Equal).
		WithValueString(userID)

	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(SemanticMemoryClassName).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx)
	if err != nil {
		return fmt.Errorf("delete semantic memories for user: %w", err)
	}
	return nil
}

// Ping reports backend reachability. Used by the health probe.
func (s *WeaviateSemanticStore) Ping(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate readiness: %w", err)
	}
	if !ready {
		return errors.New("weaviate reports not ready")
	}
	return nil
}

func parseSemanticResults(result *models.GraphQLResponse, userID string) ([]datatypes.SemanticMemory, error) {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := data[SemanticMemoryClassName].([]interface{})
	if !ok {
		return nil, nil
	}

	out := make([]datatypes.SemanticMemory, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		// The where filter already scopes to the user; skipping anything
		// else is the second line of defense.
		if owner, _ := m["user_id"].(string); owner != userID {
			continue
		}

		mem := datatypes.SemanticMemory{
			UserID:  userID,
			Content: getString(m, "content"),
			Ts:      int64(getFloat64(m, "ts")),
		}
		if metaJSON := getString(m, "metadata_json"); metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &mem.Metadata); err != nil {
				slog.Warn("Skipping unparseable memory metadata", "error", err)
			}
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			mem.ID = getString(additional, "id")
			if certainty, ok := additional["certainty"].(float64); ok {
				mem.Score = certainty
			}
		}
		out = append(out, mem)
	}
	return out, nil
}

func getString(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func getFloat64(m map[string]interface{}, key string) float64 {
	v, _ := m[key].(float64)
	return v
}
