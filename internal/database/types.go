package database

import (
	"time"
)

// StoredEmbedding represents one embedding record owned by an identity.
// Records are immutable once written; they are only ever inserted or deleted.
type StoredEmbedding struct {
	ID         int64
	IdentityID int64
	Vector     []float32
	RecordedAt time.Time
}

// Neighbor is the single closest embedding across the whole collection.
type Neighbor struct {
	IdentityID  int64
	EmbeddingID int64
	Score       float64   // cosine similarity, higher means more alike
	LastSeen    time.Time // max recorded_at across all of the identity's embeddings
}

// IdentitySummary is a snapshot row returned by ListIdentities.
type IdentitySummary struct {
	IdentityID     int64     `json:"identity_id"`
	EmbeddingCount int       `json:"embedding_count"`
	MostRecentSeen time.Time `json:"most_recent_seen"`
}

// Candidate is another identity that lies close to a given one in the
// approximate index. Candidates are hints for review, never match decisions.
type Candidate struct {
	IdentityID int64   `json:"identity_id"`
	Score      float64 `json:"score"` // best cosine similarity between any two of their embeddings
}
