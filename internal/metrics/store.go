package metrics

import (
	"context"
	"time"

	"github.com/kozaktomas/face-tracker/internal/database"
)

// Store wraps a database.VectorStore and records latency, errors and
// evictions for every call.
type Store struct {
	database.VectorStore
}

// InstrumentStore returns s with metrics recorded around each operation.
func InstrumentStore(s database.VectorStore) *Store {
	return &Store{VectorStore: s}
}

func (s *Store) InsertFirst(ctx context.Context, vector []float32) (int64, error) {
	start := time.Now()
	id, err := s.VectorStore.InsertFirst(ctx, vector)
	ObserveStoreOp("insert_first", start, err)
	return id, err
}

func (s *Store) InsertFor(ctx context.Context, identityID int64, vector []float32) (int, error) {
	start := time.Now()
	evicted, err := s.VectorStore.InsertFor(ctx, identityID, vector)
	ObserveStoreOp("insert_for", start, err)
	if evicted > 0 {
		Evictions.Add(float64(evicted))
	}
	return evicted, err
}

func (s *Store) Nearest(ctx context.Context, vector []float32) (*database.Neighbor, error) {
	start := time.Now()
	n, err := s.VectorStore.Nearest(ctx, vector)
	ObserveStoreOp("nearest", start, err)
	return n, err
}

func (s *Store) ListIdentities(ctx context.Context) ([]database.IdentitySummary, error) {
	start := time.Now()
	out, err := s.VectorStore.ListIdentities(ctx)
	ObserveStoreOp("list_identities", start, err)
	return out, err
}

func (s *Store) Embeddings(ctx context.Context, identityID int64) ([]database.StoredEmbedding, error) {
	start := time.Now()
	out, err := s.VectorStore.Embeddings(ctx, identityID)
	ObserveStoreOp("embeddings", start, err)
	return out, err
}

func (s *Store) DeleteEmbedding(ctx context.Context, identityID, embeddingID int64) error {
	start := time.Now()
	err := s.VectorStore.DeleteEmbedding(ctx, identityID, embeddingID)
	ObserveStoreOp("delete_embedding", start, err)
	return err
}

// Unwrap returns the instrumented store.
func (s *Store) Unwrap() database.VectorStore {
	return s.VectorStore
}
