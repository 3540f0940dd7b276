package faces

import (
	"math"
	"sync"
)

// Cosine returns the cosine similarity of a and b, 0 when either is empty or lengths differ
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type Candidate struct {
	ID        uint64
	Embedding Embedding
}

// BestMatch returns the most similar candidate at or above threshold
func BestMatch(query Embedding, candidates []Candidate, threshold float64) (best Candidate, similarity float64, ok bool) {
	similarity = -1
	for _, c := range candidates {
		sim := Cosine(query, c.Embedding)
		if sim > similarity {
			best, similarity = c, sim
		}
	}
	if similarity < threshold {
		return Candidate{}, similarity, false
	}
	return best, similarity, true
}

// StaffCache holds a tenant's staff embeddings for local pre-filtering.
// It only annotates events, delivery never depends on it.
type StaffCache struct {
	Threshold float64

	mutex sync.RWMutex
	staff []Candidate
}

func (c *StaffCache) Replace(staff []Candidate) {
	c.mutex.Lock()
	c.staff = staff
	c.mutex.Unlock()
}

func (c *StaffCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.staff)
}

func (c *StaffCache) Match(query Embedding) (Candidate, float64, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return BestMatch(query, c.staff, c.Threshold)
}
