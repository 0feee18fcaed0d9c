// Package recognition resolves face embeddings to known identities and
// classifies each sighting by how recently the identity was last seen.
package recognition

import (
	"context"
	"fmt"
	"time"

	"github.com/kozaktomas/face-tracker/internal/database"
)

// Match is a resolved identity.
type Match struct {
	IdentityID int64
	// LastSeen is the identity's most recent sighting across all of its
	// embeddings, not the matched embedding's own timestamp.
	LastSeen time.Time
	Score    float64
}

// Verdict is the outcome of one resolution. Match is nil for NoMatch.
type Verdict struct {
	Match *Match
	// Nearest is the best candidate, set even when it scored below the
	// threshold. Nil when the store is empty.
	Nearest *database.Neighbor
}

// IsMatch reports whether the verdict resolved to an identity.
func (v Verdict) IsMatch() bool {
	return v.Match != nil
}

// Resolver matches an embedding against every stored embedding.
type Resolver struct {
	store     database.VectorStore
	threshold float64
}

// NewResolver creates a resolver that accepts neighbors scoring at least threshold.
func NewResolver(store database.VectorStore, threshold float64) *Resolver {
	return &Resolver{store: store, threshold: threshold}
}

// Threshold returns the configured similarity threshold.
func (r *Resolver) Threshold() float64 {
	return r.threshold
}

// Resolve runs a single global nearest-neighbor query. Store failures are
// returned as errors and never reported as NoMatch.
func (r *Resolver) Resolve(ctx context.Context, vector []float32) (Verdict, error) {
	n, err := r.store.Nearest(ctx, vector)
	if err != nil {
		return Verdict{}, fmt.Errorf("resolve: %w", err)
	}
	if n == nil {
		return Verdict{}, nil
	}

	v := Verdict{Nearest: n}
	if n.Score >= r.threshold {
		v.Match = &Match{IdentityID: n.IdentityID, LastSeen: n.LastSeen, Score: n.Score}
	}
	return v, nil
}
