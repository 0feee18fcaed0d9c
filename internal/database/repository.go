package database

import (
	"context"
)

// VectorStore is the durable keyed storage of (identity, embedding, recorded_at)
// records consumed by the recognition core. Relational and index-backed
// implementations satisfy the same contract; the core never branches on which
// one it holds.
type VectorStore interface {
	// InsertFirst creates a new identity together with its first embedding in one
	// atomic unit and returns the new identifier (max allocated + 1, or 1 when empty).
	InsertFirst(ctx context.Context, vector []float32) (int64, error)
	// InsertFor appends an embedding to an existing identity, evicting the oldest
	// records first when the retention cap would be exceeded. Returns the number of
	// evicted records.
	InsertFor(ctx context.Context, identityID int64, vector []float32) (int, error)
	// Nearest returns the single closest embedding across the whole collection, or
	// nil when the store is empty.
	Nearest(ctx context.Context, vector []float32) (*Neighbor, error)
	// ListIdentities returns a snapshot of every identity.
	ListIdentities(ctx context.Context) ([]IdentitySummary, error)
	// Embeddings returns the embeddings of one identity, oldest first.
	Embeddings(ctx context.Context, identityID int64) ([]StoredEmbedding, error)
	// DeleteEmbedding removes one specific embedding of an identity.
	DeleteEmbedding(ctx context.Context, identityID, embeddingID int64) error
	// Close releases the resources held by the store.
	Close() error
}

// IndexSaver is implemented by stores that keep an HNSW index which can be
// persisted to disk.
type IndexSaver interface {
	// SaveHNSWIndex saves the current index to disk (if a path is configured).
	SaveHNSWIndex() error
	// HNSWCount returns the number of live embeddings in the index.
	HNSWCount() int
}

// SimilarFinder is implemented by stores that can list identities close to a
// given one from their HNSW index, for example to spot duplicate identities.
type SimilarFinder interface {
	SimilarIdentities(ctx context.Context, identityID int64, k int) ([]Candidate, error)
}
