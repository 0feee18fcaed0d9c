package database

import (
	"slices"
)

// DefaultMaxVectorsPerPerson is the default per-identity embedding cap.
const DefaultMaxVectorsPerPerson = 10

// RetentionPolicy caps the number of embeddings retained per identity.
// It is evaluated before every append and behaves like a ring buffer ordered by
// recorded_at: the oldest records are evicted first.
type RetentionPolicy struct {
	MaxVectors int
}

// NewRetentionPolicy returns a policy with the given cap, falling back to
// DefaultMaxVectorsPerPerson for non-positive values.
func NewRetentionPolicy(maxVectors int) RetentionPolicy {
	if maxVectors <= 0 {
		maxVectors = DefaultMaxVectorsPerPerson
	}
	return RetentionPolicy{MaxVectors: maxVectors}
}

// Evictions returns the IDs of the records that must be deleted so that one more
// record fits under the cap. Records are ordered by (RecordedAt, ID); equal
// timestamps fall back to the smaller ID so the choice is always deterministic and
// no record is selected twice.
func (p RetentionPolicy) Evictions(existing []StoredEmbedding) []int64 {
	limit := p.MaxVectors
	if limit <= 0 {
		limit = DefaultMaxVectorsPerPerson
	}
	excess := len(existing) - (limit - 1)
	if excess <= 0 {
		return nil
	}

	ordered := slices.Clone(existing)
	SortByRecency(ordered)

	ids := make([]int64, 0, excess)
	for _, e := range ordered[:excess] {
		ids = append(ids, e.ID)
	}
	return ids
}

// SortByRecency orders embeddings oldest first, ties broken by ID.
func SortByRecency(embeddings []StoredEmbedding) {
	slices.SortFunc(embeddings, func(a, b StoredEmbedding) int {
		if c := a.RecordedAt.Compare(b.RecordedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
