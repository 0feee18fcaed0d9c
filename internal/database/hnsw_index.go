package database

import (
	"bytes"
	"cmp"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	EmbeddingCount int64     `json:"embedding_count"`
	MaxEmbeddingID int64     `json:"max_embedding_id"`
	Dim            int       `json:"dim"`
	BuildTime      time.Time `json:"build_time"`
	Version        int       `json:"version"` // For future compatibility
}

const hnswMetadataVersion = 1

// HNSWIndex holds the live embeddings and an HNSW graph over them. Nearest is
// an exact scan; the graph only answers approximate Search queries.
// Deletion is lazy: removed embeddings disappear from idToEmb immediately and the
// graph is rebuilt once tombstones outnumber live nodes.
type HNSWIndex struct {
	graph      *hnsw.Graph[int64]
	idToEmb    map[int64]*StoredEmbedding // Maps HNSW node ID to embedding
	tombstones int                        // Nodes still in the graph but deleted
	mu         sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{
		idToEmb: make(map[int64]*StoredEmbedding),
	}
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// BuildFromEmbeddings builds the index from a slice of embeddings.
func (h *HNSWIndex) BuildFromEmbeddings(embeddings []StoredEmbedding) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.idToEmb = make(map[int64]*StoredEmbedding, len(embeddings))
	for i := range embeddings {
		h.idToEmb[embeddings[i].ID] = &embeddings[i]
	}
	h.rebuildLocked()
	return nil
}

// rebuildLocked recreates the graph from idToEmb. Zero vectors are kept in the
// map but never enter the graph; cosine distance is undefined for them.
func (h *HNSWIndex) rebuildLocked() {
	h.tombstones = 0
	if len(h.idToEmb) == 0 {
		h.graph = nil
		return
	}

	g := newGraph()
	for id, emb := range h.idToEmb {
		if len(emb.Vector) == 0 || IsZero(emb.Vector) {
			continue
		}
		g.Add(hnsw.MakeNode(id, emb.Vector))
	}
	h.graph = g
}

// Nearest returns the live embedding most similar to query by exhaustive
// scan, with its cosine similarity. Ties go to the lowest embedding ID. Returns
// nil when the index is empty.
func (h *HNSWIndex) Nearest(query []float32) (*StoredEmbedding, float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var best *StoredEmbedding
	bestScore := MinSimilarity
	for _, emb := range h.idToEmb {
		score, err := CosineSimilarity(query, emb.Vector)
		if err != nil {
			return nil, 0, err
		}
		if best == nil || score > bestScore || (score == bestScore && emb.ID < best.ID) {
			best = emb
			bestScore = score
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	out := *best
	return &out, bestScore, nil
}

// Search returns up to k approximate nearest live neighbors of the query from
// the graph, with their cosine similarities, closest first. Recall is not
// guaranteed, so results must never decide a match.
func (h *HNSWIndex) Search(query []float32, k int) ([]int64, []float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil || h.graph.Len() == 0 || IsZero(query) {
		return nil, nil, nil
	}

	neighbors := h.graph.Search(query, k+h.tombstones)

	ids := make([]int64, 0, len(neighbors))
	scores := make([]float64, 0, len(neighbors))
	for _, n := range neighbors {
		emb, ok := h.idToEmb[n.Key]
		if !ok {
			continue
		}
		score, err := CosineSimilarity(query, emb.Vector)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, n.Key)
		scores = append(scores, score)
		if len(ids) >= k {
			break
		}
	}
	return ids, scores, nil
}

// SimilarIdentities searches the graph from every embedding of identityID and
// returns up to k other identities ordered by their best score. It returns
// ErrNotFound when the index holds no embedding of identityID.
func (h *HNSWIndex) SimilarIdentities(identityID int64, k int) ([]Candidate, error) {
	var own [][]float32
	h.mu.RLock()
	for _, emb := range h.idToEmb {
		if emb.IdentityID == identityID {
			own = append(own, emb.Vector)
		}
	}
	h.mu.RUnlock()
	if len(own) == 0 {
		return nil, fmt.Errorf("identity %d: %w", identityID, ErrNotFound)
	}

	best := make(map[int64]float64)
	for _, vec := range own {
		ids, scores, err := h.Search(vec, HNSWSearchCandidates)
		if err != nil {
			return nil, err
		}
		for i, id := range ids {
			emb := h.Get(id)
			if emb == nil || emb.IdentityID == identityID {
				continue
			}
			if prev, ok := best[emb.IdentityID]; !ok || scores[i] > prev {
				best[emb.IdentityID] = scores[i]
			}
		}
	}

	out := make([]Candidate, 0, len(best))
	for id, score := range best {
		out = append(out, Candidate{IdentityID: id, Score: score})
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.IdentityID, b.IdentityID)
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Get returns the embedding for a given ID.
func (h *HNSWIndex) Get(id int64) *StoredEmbedding {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idToEmb[id]
}

// Add adds a single embedding to the index.
func (h *HNSWIndex) Add(emb StoredEmbedding) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(emb.Vector) == 0 {
		return
	}
	h.idToEmb[emb.ID] = &emb
	if IsZero(emb.Vector) {
		return
	}
	if h.graph == nil {
		h.graph = newGraph()
	}
	h.graph.Add(hnsw.MakeNode(emb.ID, emb.Vector))
}

// Delete removes an embedding from the index.
func (h *HNSWIndex) Delete(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	emb, ok := h.idToEmb[id]
	if !ok {
		return
	}
	delete(h.idToEmb, id)
	if IsZero(emb.Vector) {
		return
	}
	h.tombstones++
	if h.tombstones > len(h.idToEmb)*HNSWCompactRatio {
		h.rebuildLocked()
	}
}

// Count returns the number of live indexed embeddings.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.idToEmb)
}

// All returns a copy of every live embedding.
func (h *HNSWIndex) All() []StoredEmbedding {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]StoredEmbedding, 0, len(h.idToEmb))
	for _, emb := range h.idToEmb {
		out = append(out, *emb)
	}
	return out
}

// SaveWithMetadata persists the graph, the embeddings and a metadata file used
// for staleness detection on the next start.
func (h *HNSWIndex) SaveWithMetadata(path string, metadata HNSWIndexMetadata) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.idToEmb) == 0 {
		// Remove existing files if index is empty (best-effort cleanup).
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		_ = os.Remove(path + ".embeddings")
		return nil
	}

	if h.graph == nil {
		// Only zero vectors: the graph is rebuilt (empty) on load.
		_ = os.Remove(path)
	} else if err := exportGraph(h.graph, path); err != nil {
		return err
	}

	metadata.Version = hnswMetadataVersion
	if metadata.BuildTime.IsZero() {
		metadata.BuildTime = time.Now()
	}
	metaData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	embeddings := make([]StoredEmbedding, 0, len(h.idToEmb))
	for _, emb := range h.idToEmb {
		embeddings = append(embeddings, *emb)
	}
	if err := SaveEmbeddingMetadata(path, embeddings); err != nil {
		return fmt.Errorf("failed to save embedding metadata: %w", err)
	}
	return nil
}

func exportGraph(g *hnsw.Graph[int64], path string) error {
	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	if err := g.Export(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close HNSW index file: %w", err)
	}
	return nil
}

// LoadHNSWMetadata loads metadata from a separate .meta file.
func LoadHNSWMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if metadata.Version != hnswMetadataVersion {
		return metadata, fmt.Errorf("unsupported HNSW metadata version %d", metadata.Version)
	}
	return metadata, nil
}

// SaveEmbeddingMetadata saves embeddings to a .embeddings file for fast loading at startup.
func SaveEmbeddingMetadata(path string, embeddings []StoredEmbedding) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(embeddings); err != nil {
		return fmt.Errorf("failed to encode embeddings: %w", err)
	}
	if err := os.WriteFile(path+".embeddings", buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write embeddings file: %w", err)
	}
	return nil
}

// LoadEmbeddingMetadata loads embeddings from a .embeddings file.
func LoadEmbeddingMetadata(path string) ([]StoredEmbedding, error) {
	data, err := os.ReadFile(path + ".embeddings") //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings file: %w", err)
	}
	var embeddings []StoredEmbedding
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&embeddings); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings: %w", err)
	}
	return embeddings, nil
}

// LoadWithMetadata loads the HNSW graph and its embeddings from disk. The graph
// is only reused when the embedding count matches; otherwise it is rebuilt from
// the embeddings file.
func (h *HNSWIndex) LoadWithMetadata(path string) (HNSWIndexMetadata, error) {
	metadata, err := LoadHNSWMetadata(path)
	if err != nil {
		return metadata, err
	}
	embeddings, err := LoadEmbeddingMetadata(path)
	if err != nil {
		return metadata, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.idToEmb = make(map[int64]*StoredEmbedding, len(embeddings))
	for i := range embeddings {
		h.idToEmb[embeddings[i].ID] = &embeddings[i]
	}
	h.tombstones = 0

	if int64(len(embeddings)) != metadata.EmbeddingCount {
		h.rebuildLocked()
		return metadata, nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		h.rebuildLocked()
		return metadata, nil
	}

	saved, err := hnsw.LoadSavedGraph[int64](path)
	if err != nil {
		return metadata, fmt.Errorf("failed to load HNSW index: %w", err)
	}
	if saved.Len() == 0 {
		h.rebuildLocked()
		return metadata, nil
	}
	h.graph = saved.Graph
	return metadata, nil
}
