package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// VectorIndex stores opportunity embeddings in the opportunity_embeddings
// table, keyed "{source}:{opportunityId}".
type VectorIndex struct {
	db DBTX
}

func NewVectorIndex(db DBTX) *VectorIndex {
	return &VectorIndex{db: db}
}

// Upsert writes or replaces the embedding stored under key.
func (v *VectorIndex) Upsert(ctx context.Context, key string, embedding []float32, metadata map[string]any) error {
	if len(embedding) == 0 {
		return fmt.Errorf("vector upsert %s: empty embedding", key)
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("vector upsert %s: encode metadata: %w", key, err)
	}
	_, err = v.db.Exec(ctx, `
		INSERT INTO opportunity_embeddings (key, embedding, metadata, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()`, key, pgvector.NewVector(embedding), meta)
	if err != nil {
		return fmt.Errorf("vector upsert %s: %w", key, err)
	}
	return nil
}
