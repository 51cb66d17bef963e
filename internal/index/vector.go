package index

import (
	"math"
	"sort"
	"sync"
)

// Match is one similarity hit
type Match struct {
	ID        uint64  `json:"id"`
	SessionID string  `json:"session_id"`
	Score     float64 `json:"score"`
}

type entry struct {
	sessionID string
	vec       []float32
	norm      float64
}

// VectorIndex is an exact cosine-similarity index keyed by segment id.
// It is shared by all sessions: written by the indexer, read by queries.
type VectorIndex struct {
	mu      sync.RWMutex
	entries map[uint64]entry
}

// NewVectorIndex creates an empty index
func NewVectorIndex() *VectorIndex {
	return &VectorIndex{entries: make(map[uint64]entry)}
}

// Upsert stores the vector for id, replacing any previous one
func (x *VectorIndex) Upsert(id uint64, sessionID string, vec []float32) {
	stored := make([]float32, len(vec))
	copy(stored, vec)

	x.mu.Lock()
	x.entries[id] = entry{sessionID: sessionID, vec: stored, norm: norm(stored)}
	x.mu.Unlock()
}

// Vector returns a copy of the stored vector for id
func (x *VectorIndex) Vector(id uint64) ([]float32, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	e, ok := x.entries[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(e.vec))
	copy(out, e.vec)
	return out, true
}

// Len returns the number of indexed vectors
func (x *VectorIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Nearest returns at most k matches ordered by descending score, ties
// broken by ascending id. A non-empty sessionID restricts the search.
func (x *VectorIndex) Nearest(query []float32, k int, sessionID string) []Match {
	if k <= 0 {
		return nil
	}
	qn := norm(query)

	x.mu.RLock()
	matches := make([]Match, 0, len(x.entries))
	for id, e := range x.entries {
		if sessionID != "" && e.sessionID != sessionID {
			continue
		}
		matches = append(matches, Match{ID: id, SessionID: e.sessionID, Score: cosine(query, qn, e.vec, e.norm)})
	}
	x.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}
