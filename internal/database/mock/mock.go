// Package mock provides a mock implementation of database.VectorStore for testing.
package mock

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/face-tracker/internal/database"
)

// MockVectorStore is an exact-scan database.VectorStore with error injection.
type MockVectorStore struct {
	mu         sync.Mutex
	embeddings []database.StoredEmbedding
	identities []int64
	nextEmbID  int64
	policy     database.RetentionPolicy

	// Now supplies recorded_at for new embeddings.
	Now func() time.Time

	// Error injection
	InsertFirstError    error
	InsertForError      error
	NearestError        error
	ListIdentitiesError error
	EmbeddingsError     error
	DeleteError         error

	// Call tracking
	InsertFirstCalls int
	InsertForCalls   int
	NearestCalls     int
	Closed           bool
}

// NewMockVectorStore creates a new mock store capped at maxVectors per identity.
func NewMockVectorStore(maxVectors int) *MockVectorStore {
	return &MockVectorStore{
		policy: database.NewRetentionPolicy(maxVectors),
		Now:    time.Now,
	}
}

// AddEmbedding seeds an embedding directly, creating its identity if needed.
func (m *MockVectorStore) AddEmbedding(identityID int64, vector []float32, recordedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.identities, identityID) {
		m.identities = append(m.identities, identityID)
	}
	m.nextEmbID++
	m.embeddings = append(m.embeddings, database.StoredEmbedding{
		ID: m.nextEmbID, IdentityID: identityID, Vector: vector, RecordedAt: recordedAt,
	})
}

// InsertFirst creates a new identity.
func (m *MockVectorStore) InsertFirst(ctx context.Context, vector []float32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertFirstCalls++
	if m.InsertFirstError != nil {
		return 0, m.InsertFirstError
	}
	if err := database.ValidateVector(vector, 0); err != nil {
		return 0, err
	}

	var id int64 = 1
	if len(m.identities) > 0 {
		id = slices.Max(m.identities) + 1
	}
	m.identities = append(m.identities, id)
	m.nextEmbID++
	m.embeddings = append(m.embeddings, database.StoredEmbedding{
		ID: m.nextEmbID, IdentityID: id, Vector: slices.Clone(vector), RecordedAt: m.Now(),
	})
	return id, nil
}

// InsertFor appends an embedding to an existing identity.
func (m *MockVectorStore) InsertFor(ctx context.Context, identityID int64, vector []float32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertForCalls++
	if m.InsertForError != nil {
		return 0, m.InsertForError
	}
	if err := database.ValidateVector(vector, 0); err != nil {
		return 0, err
	}
	if !slices.Contains(m.identities, identityID) {
		return 0, fmt.Errorf("identity %d: %w", identityID, database.ErrNotFound)
	}

	evict := m.policy.Evictions(m.forLocked(identityID))
	m.embeddings = slices.DeleteFunc(m.embeddings, func(e database.StoredEmbedding) bool {
		return slices.Contains(evict, e.ID)
	})
	m.nextEmbID++
	m.embeddings = append(m.embeddings, database.StoredEmbedding{
		ID: m.nextEmbID, IdentityID: identityID, Vector: slices.Clone(vector), RecordedAt: m.Now(),
	})
	return len(evict), nil
}

func (m *MockVectorStore) forLocked(identityID int64) []database.StoredEmbedding {
	var out []database.StoredEmbedding
	for _, e := range m.embeddings {
		if e.IdentityID == identityID {
			out = append(out, e)
		}
	}
	database.SortByRecency(out)
	return out
}

func (m *MockVectorStore) lastSeenLocked(identityID int64) time.Time {
	var last time.Time
	for _, e := range m.embeddings {
		if e.IdentityID == identityID && e.RecordedAt.After(last) {
			last = e.RecordedAt
		}
	}
	return last
}

// Nearest scans every embedding.
func (m *MockVectorStore) Nearest(ctx context.Context, vector []float32) (*database.Neighbor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NearestCalls++
	if m.NearestError != nil {
		return nil, m.NearestError
	}
	if err := database.ValidateVector(vector, 0); err != nil {
		return nil, err
	}

	var best *database.Neighbor
	for _, e := range m.embeddings {
		score, err := database.CosineSimilarity(vector, e.Vector)
		if err != nil {
			return nil, err
		}
		if best == nil || score > best.Score {
			best = &database.Neighbor{IdentityID: e.IdentityID, EmbeddingID: e.ID, Score: score}
		}
	}
	if best != nil {
		best.LastSeen = m.lastSeenLocked(best.IdentityID)
	}
	return best, nil
}

// ListIdentities returns summaries ordered by identifier.
func (m *MockVectorStore) ListIdentities(ctx context.Context) ([]database.IdentitySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListIdentitiesError != nil {
		return nil, m.ListIdentitiesError
	}
	out := make([]database.IdentitySummary, 0, len(m.identities))
	for _, id := range m.identities {
		out = append(out, database.IdentitySummary{
			IdentityID:     id,
			EmbeddingCount: len(m.forLocked(id)),
			MostRecentSeen: m.lastSeenLocked(id),
		})
	}
	slices.SortFunc(out, func(a, b database.IdentitySummary) int { return cmp.Compare(a.IdentityID, b.IdentityID) })
	return out, nil
}

// Embeddings returns the embeddings of one identity, oldest first.
func (m *MockVectorStore) Embeddings(ctx context.Context, identityID int64) ([]database.StoredEmbedding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EmbeddingsError != nil {
		return nil, m.EmbeddingsError
	}
	if !slices.Contains(m.identities, identityID) {
		return nil, fmt.Errorf("identity %d: %w", identityID, database.ErrNotFound)
	}
	return m.forLocked(identityID), nil
}

// DeleteEmbedding removes one embedding.
func (m *MockVectorStore) DeleteEmbedding(ctx context.Context, identityID, embeddingID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteError != nil {
		return m.DeleteError
	}
	owned := m.forLocked(identityID)
	if !slices.ContainsFunc(owned, func(e database.StoredEmbedding) bool { return e.ID == embeddingID }) {
		return fmt.Errorf("embedding %d: %w", embeddingID, database.ErrNotFound)
	}
	if len(owned) == 1 {
		return fmt.Errorf("%w: last embedding", database.ErrInvalidInput)
	}
	m.embeddings = slices.DeleteFunc(m.embeddings, func(e database.StoredEmbedding) bool { return e.ID == embeddingID })
	return nil
}

// Close marks the store closed.
func (m *MockVectorStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

var _ database.VectorStore = (*MockVectorStore)(nil)
