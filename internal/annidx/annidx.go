// Package annidx wraps an in-memory HNSW approximate-nearest-neighbor
// graph so arbitrary File/Chunk integer ids can be looked up by vector
// similarity. It mirrors the original implementation's Faiss HNSW
// index (M=32, efConstruction=100) using github.com/coder/hnsw, the
// pack's available pure-Go HNSW implementation.
package annidx

import (
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"
)

// M and EfSearch mirror the original index's M=32, efConstruction=100
// parameters; coder/hnsw exposes a single EfSearch knob that governs
// both construction and query-time candidate list size, so it is set
// to efConstruction's value here.
const (
	M        = 32
	EfSearch = 100
)

// Index is a rebuildable, thread-safe id->vector nearest-neighbor
// index. Rebuild and Search never overlap for the same Index: both
// take the RWMutex, Search as a reader and Rebuild/Add as a writer,
// matching the spec's "must be serialized" requirement.
type Index struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[int64]
}

// New constructs an empty index.
func New() *Index {
	return &Index{graph: newGraph()}
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = M
	g.EfSearch = EfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// Add inserts or updates a single id's vector in the live index. Used
// for incremental maintenance between full rebuilds is intentionally
// not exercised by the processing pipeline (see the ANN-rebuild-policy
// design note), but is kept for callers (tests, future incremental
// policies) that want it.
func (idx *Index) Add(id int64, vector []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.graph.Add(hnsw.MakeNode(id, vector))
}

// Remove drops id from the live index, if present.
func (idx *Index) Remove(id int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.graph.Delete(id)
}

// Len reports how many vectors are currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.graph.Len()
}

// Rebuild discards the existing graph and bulk-inserts every
// (id, vector) pair supplied by the caller, which is expected to
// stream rows straight from the files table.
func (idx *Index) Rebuild(entries []Entry) {
	g := newGraph()
	nodes := make([]hnsw.Node[int64], 0, len(entries))
	for _, e := range entries {
		nodes = append(nodes, hnsw.MakeNode(e.ID, e.Vector))
	}
	g.Add(nodes...)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.graph = g
}

// Entry is one row fed into Rebuild.
type Entry struct {
	ID     int64
	Vector []float32
}

// Hit is one nearest-neighbor search result.
type Hit struct {
	ID       int64
	Distance float32
}

// Search returns up to k nearest neighbors of query, ordered by
// ascending distance. Returns fewer than k if the index holds fewer
// than k vectors.
func (idx *Index) Search(query []float32, k int) ([]Hit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if k <= 0 {
		return nil, fmt.Errorf("annidx: k must be > 0, got %d", k)
	}
	nodes, err := idx.graph.Search(query, k)
	if err != nil {
		return nil, fmt.Errorf("annidx: search: %w", err)
	}
	hits := make([]Hit, 0, len(nodes))
	for _, n := range nodes {
		if n.Key == -1 {
			// ANN padding label; filtered per the search contract.
			continue
		}
		hits = append(hits, Hit{ID: n.Key, Distance: cosineDistance(query, n.Value)})
	}
	return hits, nil
}

// cosineDistance recomputes distance locally so Hit.Distance is stable
// even if the underlying library's Search result doesn't surface it
// directly.
func cosineDistance(a, b []float32) float32 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return float32(1 - cos)
}
