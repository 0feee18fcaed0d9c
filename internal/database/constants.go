package database

import "time"

// HNSW index parameters for face embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	// Higher values improve recall but slow down search.
	HNSWEfSearch = 100

	// HNSWSearchCandidates is the number of candidates requested from the graph so
	// that lazily deleted nodes can be skipped without losing the true nearest.
	HNSWSearchCandidates = 32

	// HNSWCompactRatio triggers a graph rebuild once deleted nodes outnumber live
	// ones by this factor.
	HNSWCompactRatio = 1
)

// DefaultOperationTimeout bounds every store operation when the caller's
// context carries no earlier deadline.
const DefaultOperationTimeout = 5 * time.Second
