package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-tracker/internal/database"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// identityAllocationLock is the pg_advisory_xact_lock key serializing identity
// creation so that identifiers stay sequential across processes.
const identityAllocationLock int64 = 0x66616365 // "face"

// Store is a PostgreSQL-backed database.VectorStore. Nearest always runs the
// exact pgvector query; an optional in-memory HNSW mirror serves approximate
// similar-identity listings.
type Store struct {
	pool    *Pool
	dim     int
	policy  database.RetentionPolicy
	now     func() time.Time
	log     logr.Logger
	timeout time.Duration

	hnswIndex     *database.HNSWIndex
	hnswEnabled   bool
	hnswIndexPath string
	hnswMu        sync.RWMutex
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

// WithTimeout bounds every store operation.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewStore creates a vector store on top of a migrated pool.
func NewStore(pool *Pool, dim, maxVectors int, opts ...Option) *Store {
	s := &Store{
		pool:    pool,
		dim:     dim,
		policy:  database.NewRetentionPolicy(maxVectors),
		now:     time.Now,
		log:     logr.Discard(),
		timeout: database.DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// timestamp returns the current time at the precision PostgreSQL stores.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) isHNSWEnabled() bool {
	s.hnswMu.RLock()
	defer s.hnswMu.RUnlock()
	return s.hnswEnabled && s.hnswIndex != nil
}

// InsertFirst creates a new identity and its first embedding in one transaction.
func (s *Store) InsertFirst(ctx context.Context, vector []float32) (int64, error) {
	const op = "insert first"
	if err := database.ValidateVector(vector, s.dim); err != nil {
		return 0, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return 0, database.Unavailable(op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", identityAllocationLock); err != nil {
		return 0, database.Unavailable(op, fmt.Errorf("acquire allocation lock: %w", err))
	}

	var identityID int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(identity_id), 0) + 1 FROM identities").Scan(&identityID); err != nil {
		return 0, database.Unavailable(op, fmt.Errorf("allocate identity: %w", err))
	}

	recordedAt := s.timestamp()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO identities (identity_id, created_at) VALUES ($1, $2)", identityID, recordedAt,
	); err != nil {
		return 0, database.Unavailable(op, fmt.Errorf("insert identity: %w", err))
	}

	embeddingID, err := insertEmbedding(ctx, tx, identityID, vector, recordedAt)
	if err != nil {
		return 0, database.Unavailable(op, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, database.Unavailable(op, fmt.Errorf("commit transaction: %w", err))
	}

	s.indexAdd(database.StoredEmbedding{
		ID: embeddingID, IdentityID: identityID, Vector: slices.Clone(vector), RecordedAt: recordedAt,
	})
	s.log.V(1).Info("identity created", "identity_id", identityID, "embedding_id", embeddingID)
	return identityID, nil
}

// InsertFor appends an embedding for an existing identity. The identity row is
// locked for the duration of the transaction, so concurrent appends for the
// same identity evaluate the retention cap one after another.
func (s *Store) InsertFor(ctx context.Context, identityID int64, vector []float32) (int, error) {
	const op = "insert for"
	if err := database.ValidateVector(vector, s.dim); err != nil {
		return 0, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return 0, database.Unavailable(op, err)
	}
	defer tx.Rollback()

	var locked int64
	err = tx.QueryRowContext(ctx,
		"SELECT identity_id FROM identities WHERE identity_id = $1 FOR UPDATE", identityID,
	).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("identity %d: %w", identityID, database.ErrNotFound)
	}
	if err != nil {
		return 0, database.Unavailable(op, fmt.Errorf("lock identity: %w", err))
	}

	existing, err := scanRecency(ctx, tx, identityID)
	if err != nil {
		return 0, database.Unavailable(op, err)
	}

	evict := s.policy.Evictions(existing)
	if len(evict) > 0 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM embeddings WHERE embedding_id = ANY($1)", pq.Array(evict),
		); err != nil {
			return 0, database.Unavailable(op, fmt.Errorf("evict embeddings: %w", err))
		}
	}

	recordedAt := s.timestamp()
	embeddingID, err := insertEmbedding(ctx, tx, identityID, vector, recordedAt)
	if err != nil {
		return 0, database.Unavailable(op, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, database.Unavailable(op, fmt.Errorf("commit transaction: %w", err))
	}

	s.updateHNSW(evict, database.StoredEmbedding{
		ID: embeddingID, IdentityID: identityID, Vector: slices.Clone(vector), RecordedAt: recordedAt,
	})
	if len(evict) > 0 {
		s.log.V(1).Info("evicted oldest embeddings", "identity_id", identityID, "evicted", evict)
	}
	return len(evict), nil
}

func insertEmbedding(ctx context.Context, tx *sql.Tx, identityID int64, vector []float32, recordedAt time.Time) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO embeddings (identity_id, vector, recorded_at)
		VALUES ($1, $2, $3)
		RETURNING embedding_id
	`, identityID, pgvector.NewVector(vector), recordedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert embedding: %w", err)
	}
	return id, nil
}

// scanRecency returns the identifiers and timestamps of one identity's
// embeddings; vectors are not needed to apply the retention cap.
func scanRecency(ctx context.Context, tx *sql.Tx, identityID int64) ([]database.StoredEmbedding, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT embedding_id, recorded_at FROM embeddings WHERE identity_id = $1", identityID)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var out []database.StoredEmbedding
	for rows.Next() {
		e := database.StoredEmbedding{IdentityID: identityID}
		if err := rows.Scan(&e.ID, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return out, nil
}

// Nearest returns the closest embedding across all identities, or nil when the
// store is empty.
func (s *Store) Nearest(ctx context.Context, vector []float32) (*database.Neighbor, error) {
	const op = "nearest"
	if err := database.ValidateVector(vector, s.dim); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		n        database.Neighbor
		distance sql.NullFloat64
	)
	// Exact scan; ties go to the lowest embedding_id.
	err := s.pool.QueryRow(ctx, `
		SELECT e.identity_id, e.embedding_id, e.vector <=> $1::vector AS distance,
		       (SELECT MAX(recorded_at) FROM embeddings WHERE identity_id = e.identity_id) AS last_seen
		FROM embeddings e
		ORDER BY distance, e.embedding_id
		LIMIT 1
	`, pgvector.NewVector(vector)).Scan(&n.IdentityID, &n.EmbeddingID, &distance, &n.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, database.Unavailable(op, fmt.Errorf("query nearest: %w", err))
	}

	n.Score = database.MinSimilarity
	if distance.Valid {
		n.Score = database.SimilarityFromDistance(distance.Float64)
	}
	return &n, nil
}

// SimilarIdentities lists up to k other identities near identityID in the
// in-memory HNSW graph. Results are approximate; EnableHNSW must have run.
func (s *Store) SimilarIdentities(ctx context.Context, identityID int64, k int) ([]database.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, database.Unavailable("similar identities", err)
	}
	if !s.isHNSWEnabled() {
		return nil, errors.New("similar identities: HNSW index not enabled")
	}

	s.hnswMu.RLock()
	defer s.hnswMu.RUnlock()
	return s.hnswIndex.SimilarIdentities(identityID, k)
}

// ListIdentities returns every identity with its embedding count and most
// recent sighting, ordered by identifier.
func (s *Store) ListIdentities(ctx context.Context) ([]database.IdentitySummary, error) {
	const op = "list identities"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT i.identity_id, COUNT(e.embedding_id), COALESCE(MAX(e.recorded_at), i.created_at)
		FROM identities i
		LEFT JOIN embeddings e ON e.identity_id = i.identity_id
		GROUP BY i.identity_id, i.created_at
		ORDER BY i.identity_id
	`)
	if err != nil {
		return nil, database.Unavailable(op, err)
	}
	defer rows.Close()

	out := []database.IdentitySummary{}
	for rows.Next() {
		var summary database.IdentitySummary
		if err := rows.Scan(&summary.IdentityID, &summary.EmbeddingCount, &summary.MostRecentSeen); err != nil {
			return nil, database.Unavailable(op, fmt.Errorf("scan identity: %w", err))
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Unavailable(op, fmt.Errorf("iterate identities: %w", err))
	}
	return out, nil
}

// Embeddings returns the embeddings of one identity, oldest first.
func (s *Store) Embeddings(ctx context.Context, identityID int64) ([]database.StoredEmbedding, error) {
	const op = "embeddings"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM identities WHERE identity_id = $1)", identityID,
	).Scan(&exists)
	if err != nil {
		return nil, database.Unavailable(op, fmt.Errorf("check identity exists: %w", err))
	}
	if !exists {
		return nil, fmt.Errorf("identity %d: %w", identityID, database.ErrNotFound)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT embedding_id, vector, recorded_at
		FROM embeddings
		WHERE identity_id = $1
		ORDER BY recorded_at, embedding_id
	`, identityID)
	if err != nil {
		return nil, database.Unavailable(op, err)
	}
	defer rows.Close()

	out, err := scanEmbeddings(rows, identityID)
	if err != nil {
		return nil, database.Unavailable(op, err)
	}
	return out, nil
}

// scanEmbeddings reads (embedding_id, vector, recorded_at) rows. A zero
// identityID means the identity_id column precedes the others.
func scanEmbeddings(rows *sql.Rows, identityID int64) ([]database.StoredEmbedding, error) {
	var out []database.StoredEmbedding
	for rows.Next() {
		var (
			e   database.StoredEmbedding
			vec pgvector.Vector
			err error
		)
		if identityID == 0 {
			err = rows.Scan(&e.IdentityID, &e.ID, &vec, &e.RecordedAt)
		} else {
			e.IdentityID = identityID
			err = rows.Scan(&e.ID, &vec, &e.RecordedAt)
		}
		if err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		e.Vector = vec.Slice()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return out, nil
}

// DeleteEmbedding removes one embedding. The last embedding of an identity
// cannot be removed.
func (s *Store) DeleteEmbedding(ctx context.Context, identityID, embeddingID int64) error {
	const op = "delete embedding"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return database.Unavailable(op, err)
	}
	defer tx.Rollback()

	var locked int64
	err = tx.QueryRowContext(ctx,
		"SELECT identity_id FROM identities WHERE identity_id = $1 FOR UPDATE", identityID,
	).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("identity %d: %w", identityID, database.ErrNotFound)
	}
	if err != nil {
		return database.Unavailable(op, fmt.Errorf("lock identity: %w", err))
	}

	existing, err := scanRecency(ctx, tx, identityID)
	if err != nil {
		return database.Unavailable(op, err)
	}
	if !slices.ContainsFunc(existing, func(e database.StoredEmbedding) bool { return e.ID == embeddingID }) {
		return fmt.Errorf("embedding %d of identity %d: %w", embeddingID, identityID, database.ErrNotFound)
	}
	if len(existing) == 1 {
		return fmt.Errorf("%w: cannot delete the last embedding of identity %d", database.ErrInvalidInput, identityID)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM embeddings WHERE embedding_id = $1", embeddingID); err != nil {
		return database.Unavailable(op, fmt.Errorf("delete embedding: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return database.Unavailable(op, fmt.Errorf("commit transaction: %w", err))
	}

	s.updateHNSW([]int64{embeddingID}, database.StoredEmbedding{})
	return nil
}

// AllEmbeddings returns every stored embedding ordered by ID.
func (s *Store) AllEmbeddings(ctx context.Context) ([]database.StoredEmbedding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identity_id, embedding_id, vector, recorded_at
		FROM embeddings
		ORDER BY embedding_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query all embeddings: %w", err)
	}
	defer rows.Close()
	return scanEmbeddings(rows, 0)
}

func (s *Store) indexAdd(emb database.StoredEmbedding) {
	s.updateHNSW(nil, emb)
}

// updateHNSW mirrors a committed change into the in-memory index.
func (s *Store) updateHNSW(removed []int64, added database.StoredEmbedding) {
	s.hnswMu.Lock()
	defer s.hnswMu.Unlock()
	if !s.hnswEnabled || s.hnswIndex == nil {
		return
	}
	for _, id := range removed {
		s.hnswIndex.Delete(id)
	}
	if added.ID != 0 {
		s.hnswIndex.Add(added)
	}
}

// stats returns the embedding count and maximum embedding ID.
func (s *Store) stats(ctx context.Context) (count, maxID int64, err error) {
	err = s.pool.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(MAX(embedding_id), 0) FROM embeddings",
	).Scan(&count, &maxID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get embedding stats: %w", err)
	}
	return count, maxID, nil
}

// tryLoadIndex loads a persisted index if its metadata matches the database.
func (s *Store) tryLoadIndex(indexPath string, count, maxID int64) bool {
	metadata, err := database.LoadHNSWMetadata(indexPath)
	if err != nil {
		s.log.V(1).Info("no usable HNSW index on disk", "path", indexPath, "reason", err.Error())
		return false
	}
	if metadata.EmbeddingCount != count || metadata.MaxEmbeddingID != maxID || metadata.Dim != s.dim {
		s.log.Info("HNSW index on disk is stale, rebuilding",
			"path", indexPath, "indexed", metadata.EmbeddingCount, "stored", count)
		return false
	}

	idx := database.NewHNSWIndex()
	if _, err := idx.LoadWithMetadata(indexPath); err != nil {
		s.log.Error(err, "failed to load HNSW index, rebuilding", "path", indexPath)
		return false
	}
	s.hnswIndex = idx
	s.log.Info("loaded HNSW index", "path", indexPath, "embeddings", idx.Count())
	return true
}

// EnableHNSW loads or builds the in-memory HNSW index. If indexPath is set, a
// fresh index on disk is reused and a rebuilt one is written back.
func (s *Store) EnableHNSW(ctx context.Context, indexPath string) error {
	s.hnswMu.Lock()
	defer s.hnswMu.Unlock()

	s.hnswIndexPath = indexPath

	count, maxID, err := s.stats(ctx)
	if err != nil {
		return err
	}

	if indexPath != "" && s.tryLoadIndex(indexPath, count, maxID) {
		s.hnswEnabled = true
		return nil
	}

	embeddings, err := s.AllEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load embeddings: %w", err)
	}

	s.hnswIndex = database.NewHNSWIndex()
	if err := s.hnswIndex.BuildFromEmbeddings(embeddings); err != nil {
		return fmt.Errorf("failed to build HNSW index: %w", err)
	}

	if indexPath != "" && len(embeddings) > 0 {
		metadata := database.HNSWIndexMetadata{EmbeddingCount: count, MaxEmbeddingID: maxID, Dim: s.dim}
		if err := s.hnswIndex.SaveWithMetadata(indexPath, metadata); err != nil {
			s.log.Error(err, "failed to save HNSW index to disk", "path", indexPath)
		}
	}

	s.hnswEnabled = true
	s.log.Info("built HNSW index", "embeddings", len(embeddings))
	return nil
}

// DisableHNSW drops the in-memory index.
func (s *Store) DisableHNSW() {
	s.hnswMu.Lock()
	defer s.hnswMu.Unlock()
	s.hnswEnabled = false
	s.hnswIndex = nil
}

// HNSWCount returns the number of embeddings in the HNSW index.
func (s *Store) HNSWCount() int {
	s.hnswMu.RLock()
	defer s.hnswMu.RUnlock()
	if s.hnswIndex == nil {
		return 0
	}
	return s.hnswIndex.Count()
}

// SaveHNSWIndex saves the current HNSW index to disk (if path configured).
func (s *Store) SaveHNSWIndex() error {
	s.hnswMu.RLock()
	defer s.hnswMu.RUnlock()

	if s.hnswIndexPath == "" || s.hnswIndex == nil {
		return nil
	}

	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()

	count, maxID, err := s.stats(ctx)
	if err != nil {
		return err
	}

	metadata := database.HNSWIndexMetadata{EmbeddingCount: count, MaxEmbeddingID: maxID, Dim: s.dim}
	if err := s.hnswIndex.SaveWithMetadata(s.hnswIndexPath, metadata); err != nil {
		return fmt.Errorf("saving HNSW index: %w", err)
	}
	s.log.Info("saved HNSW index", "path", s.hnswIndexPath, "embeddings", count)
	return nil
}

// PoolStats exposes connection pool statistics for metrics.
func (s *Store) PoolStats() sql.DBStats {
	return s.pool.Stats()
}

// Close persists the HNSW index and closes the pool.
func (s *Store) Close() error {
	saveErr := s.SaveHNSWIndex()
	if err := s.pool.Close(); err != nil {
		return err
	}
	return saveErr
}
