// Package memory provides an in-process vector store. Nearest is an exact scan;
// the HNSW graph serves approximate similar-identity listings. Both are
// persisted to disk between restarts.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-tracker/internal/database"
)

// Store is an in-memory database.VectorStore. Appends for one identity are
// serialized by a per-identity lock; the structural lock is only held for the
// short map updates.
type Store struct {
	dim    int
	policy database.RetentionPolicy
	now    func() time.Time
	log    logr.Logger
	path   string

	index *database.HNSWIndex
	locks *database.KeyedMutex

	mu             sync.RWMutex
	byIdentity     map[int64][]int64 // identity -> embedding IDs
	maxIdentityID  int64
	maxEmbeddingID int64
	closed         bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for recorded_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithIndexPath enables persistence of the index to path.
func WithIndexPath(path string) Option {
	return func(s *Store) { s.path = path }
}

// New creates an empty store for vectors of dim dimensions (0 lets the first
// insert fix the dimensionality) capped at maxVectors embeddings per identity.
// When an index path is configured and a snapshot exists, it is loaded.
func New(dim, maxVectors int, opts ...Option) (*Store, error) {
	s := &Store{
		dim:        dim,
		policy:     database.NewRetentionPolicy(maxVectors),
		now:        time.Now,
		log:        logr.Discard(),
		index:      database.NewHNSWIndex(),
		locks:      database.NewKeyedMutex(),
		byIdentity: make(map[int64][]int64),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// load restores a snapshot written by SaveHNSWIndex. A missing snapshot is not an error.
func (s *Store) load() error {
	metadata, err := s.index.LoadWithMetadata(s.path)
	if err != nil {
		if _, statErr := database.LoadHNSWMetadata(s.path); statErr != nil {
			s.log.V(1).Info("no HNSW snapshot found, starting empty", "path", s.path)
			s.index = database.NewHNSWIndex()
			return nil
		}
		return fmt.Errorf("loading HNSW snapshot: %w", err)
	}
	if s.dim > 0 && metadata.Dim > 0 && metadata.Dim != s.dim {
		return fmt.Errorf("%w: snapshot has %d dimensions, configured %d",
			database.ErrInvalidInput, metadata.Dim, s.dim)
	}
	if s.dim == 0 {
		s.dim = metadata.Dim
	}

	for _, emb := range s.index.All() {
		s.byIdentity[emb.IdentityID] = append(s.byIdentity[emb.IdentityID], emb.ID)
		s.maxIdentityID = max(s.maxIdentityID, emb.IdentityID)
		s.maxEmbeddingID = max(s.maxEmbeddingID, emb.ID)
	}
	s.log.Info("loaded HNSW snapshot", "path", s.path,
		"identities", len(s.byIdentity), "embeddings", s.index.Count())
	return nil
}

// begin checks that the store accepts operations for ctx.
func (s *Store) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return database.Unavailable(op, err)
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return fmt.Errorf("%s: %w: store closed", op, database.ErrStoreUnavailable)
	}
	return nil
}

// checkDimLocked validates vec against the store dimensionality. Must hold s.mu.
func (s *Store) checkDimLocked(vec []float32) error {
	return database.ValidateVector(vec, s.dim)
}

// InsertFirst creates a new identity and its first embedding atomically.
func (s *Store) InsertFirst(ctx context.Context, vector []float32) (int64, error) {
	if err := s.begin(ctx, "insert first"); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkDimLocked(vector); err != nil {
		return 0, err
	}
	if s.dim == 0 {
		s.dim = len(vector)
	}

	s.maxIdentityID++
	s.maxEmbeddingID++
	identityID := s.maxIdentityID
	emb := database.StoredEmbedding{
		ID:         s.maxEmbeddingID,
		IdentityID: identityID,
		Vector:     slices.Clone(vector),
		RecordedAt: s.now(),
	}
	s.index.Add(emb)
	s.byIdentity[identityID] = []int64{emb.ID}

	s.log.V(1).Info("identity created", "identity_id", identityID, "embedding_id", emb.ID)
	return identityID, nil
}

// InsertFor appends an embedding for an existing identity, enforcing the retention cap.
func (s *Store) InsertFor(ctx context.Context, identityID int64, vector []float32) (int, error) {
	if err := s.begin(ctx, "insert for"); err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(identityID)
	defer unlock()

	existing, err := s.Embeddings(ctx, identityID)
	if err != nil {
		return 0, err
	}
	evict := s.policy.Evictions(existing)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkDimLocked(vector); err != nil {
		return 0, err
	}

	for _, id := range evict {
		s.removeLocked(identityID, id)
	}

	s.maxEmbeddingID++
	emb := database.StoredEmbedding{
		ID:         s.maxEmbeddingID,
		IdentityID: identityID,
		Vector:     slices.Clone(vector),
		RecordedAt: s.now(),
	}
	s.index.Add(emb)
	s.byIdentity[identityID] = append(s.byIdentity[identityID], emb.ID)

	if len(evict) > 0 {
		s.log.V(1).Info("evicted oldest embeddings", "identity_id", identityID, "evicted", evict)
	}
	return len(evict), nil
}

// removeLocked drops one embedding of an identity. Must hold s.mu.
func (s *Store) removeLocked(identityID, embeddingID int64) {
	ids := s.byIdentity[identityID]
	if i := slices.Index(ids, embeddingID); i >= 0 {
		s.byIdentity[identityID] = slices.Delete(ids, i, i+1)
	}
	s.index.Delete(embeddingID)
}

// Nearest returns the closest embedding across all identities.
func (s *Store) Nearest(ctx context.Context, vector []float32) (*database.Neighbor, error) {
	if err := s.begin(ctx, "nearest"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkDimLocked(vector); err != nil {
		return nil, err
	}
	match, score, err := s.index.Nearest(vector)
	if err != nil {
		return nil, fmt.Errorf("nearest: %w", err)
	}
	if match == nil {
		return nil, nil
	}

	return &database.Neighbor{
		IdentityID:  match.IdentityID,
		EmbeddingID: match.ID,
		Score:       score,
		LastSeen:    s.lastSeenLocked(match.IdentityID),
	}, nil
}

// SimilarIdentities lists up to k other identities near identityID in the
// HNSW graph. Results are approximate.
func (s *Store) SimilarIdentities(ctx context.Context, identityID int64, k int) ([]database.Candidate, error) {
	if err := s.begin(ctx, "similar identities"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.SimilarIdentities(identityID, k)
}

// lastSeenLocked returns the most recent recorded_at of an identity. Must hold s.mu.
func (s *Store) lastSeenLocked(identityID int64) time.Time {
	var last time.Time
	for _, id := range s.byIdentity[identityID] {
		if emb := s.index.Get(id); emb != nil && emb.RecordedAt.After(last) {
			last = emb.RecordedAt
		}
	}
	return last
}

// ListIdentities returns a snapshot of all identities ordered by identifier.
func (s *Store) ListIdentities(ctx context.Context) ([]database.IdentitySummary, error) {
	if err := s.begin(ctx, "list identities"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]database.IdentitySummary, 0, len(s.byIdentity))
	for id, embeddings := range s.byIdentity {
		out = append(out, database.IdentitySummary{
			IdentityID:     id,
			EmbeddingCount: len(embeddings),
			MostRecentSeen: s.lastSeenLocked(id),
		})
	}
	slices.SortFunc(out, func(a, b database.IdentitySummary) int { return cmp.Compare(a.IdentityID, b.IdentityID) })
	return out, nil
}

// Embeddings returns the embeddings of one identity, oldest first.
func (s *Store) Embeddings(ctx context.Context, identityID int64) ([]database.StoredEmbedding, error) {
	if err := s.begin(ctx, "embeddings"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.byIdentity[identityID]
	if !ok {
		return nil, fmt.Errorf("identity %d: %w", identityID, database.ErrNotFound)
	}
	out := make([]database.StoredEmbedding, 0, len(ids))
	for _, id := range ids {
		if emb := s.index.Get(id); emb != nil {
			out = append(out, *emb)
		}
	}
	database.SortByRecency(out)
	return out, nil
}

// DeleteEmbedding removes one embedding. The last embedding of an identity
// cannot be removed; an identity always owns at least one record.
func (s *Store) DeleteEmbedding(ctx context.Context, identityID, embeddingID int64) error {
	if err := s.begin(ctx, "delete embedding"); err != nil {
		return err
	}

	unlock := s.locks.Lock(identityID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.byIdentity[identityID]
	if !ok {
		return fmt.Errorf("identity %d: %w", identityID, database.ErrNotFound)
	}
	if !slices.Contains(ids, embeddingID) {
		return fmt.Errorf("embedding %d of identity %d: %w", embeddingID, identityID, database.ErrNotFound)
	}
	if len(ids) == 1 {
		return fmt.Errorf("%w: cannot delete the last embedding of identity %d", database.ErrInvalidInput, identityID)
	}
	s.removeLocked(identityID, embeddingID)
	return nil
}

// SaveHNSWIndex persists the index and embeddings (if a path is configured).
func (s *Store) SaveHNSWIndex() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	metadata := database.HNSWIndexMetadata{
		EmbeddingCount: int64(s.index.Count()),
		MaxEmbeddingID: s.maxEmbeddingID,
		Dim:            s.dim,
	}
	if err := s.index.SaveWithMetadata(s.path, metadata); err != nil {
		return fmt.Errorf("saving HNSW index: %w", err)
	}
	s.log.Info("saved HNSW snapshot", "path", s.path, "embeddings", metadata.EmbeddingCount)
	return nil
}

// HNSWCount returns the number of live embeddings in the index.
func (s *Store) HNSWCount() int {
	return s.index.Count()
}

// Close saves the snapshot and rejects further operations.
func (s *Store) Close() error {
	err := s.SaveHNSWIndex()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}
