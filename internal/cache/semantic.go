package cache

import (
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type cluster struct {
	id       string
	centroid []float64
	members  map[string][]float64
}

type memberRef struct {
	category  string
	clusterID string
}

// SemanticIndex groups cached keys into per-category clusters of
// unit-normalized embeddings so paraphrased queries can find a prior answer.
type SemanticIndex struct {
	creationThreshold float64

	mu         sync.RWMutex
	byCategory map[string]map[string]*cluster
	members    map[string]memberRef
}

func NewSemanticIndex(creationThreshold float64) *SemanticIndex {
	if creationThreshold <= 0 {
		creationThreshold = 1.0
	}
	return &SemanticIndex{
		creationThreshold: creationThreshold,
		byCategory:        make(map[string]map[string]*cluster),
		members:           make(map[string]memberRef),
	}
}

// Register places key in the nearest cluster of category when the centroid
// lies within the creation threshold, otherwise in a new singleton cluster.
// It returns the cluster id, or "" for an unusable embedding.
func (s *SemanticIndex) Register(key string, embedding []float32, category string) string {
	vec := normalize(embedding)
	if vec == nil {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.unregisterLocked(key)

	clusters := s.byCategory[category]
	if clusters == nil {
		clusters = make(map[string]*cluster)
		s.byCategory[category] = clusters
	}

	target, distance := nearestCluster(clusters, vec)
	if target == nil || distance >= s.creationThreshold {
		target = &cluster{id: uuid.NewString(), members: make(map[string][]float64)}
		clusters[target.id] = target
	}
	target.members[key] = vec
	target.recomputeCentroid()
	s.members[key] = memberRef{category: category, clusterID: target.id}
	return target.id
}

func (s *SemanticIndex) Unregister(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterLocked(key)
}

func (s *SemanticIndex) unregisterLocked(key string) {
	ref, ok := s.members[key]
	if !ok {
		return
	}
	delete(s.members, key)
	clusters := s.byCategory[ref.category]
	c := clusters[ref.clusterID]
	if c == nil {
		return
	}
	delete(c.members, key)
	if len(c.members) == 0 {
		delete(clusters, ref.clusterID)
		if len(clusters) == 0 {
			delete(s.byCategory, ref.category)
		}
		return
	}
	c.recomputeCentroid()
}

// UnregisterWhere drops every key matching pred.
func (s *SemanticIndex) UnregisterWhere(pred func(key string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.members {
		if pred(key) {
			s.unregisterLocked(key)
			removed++
		}
	}
	return removed
}

// Nearest finds the member of the closest cluster in category with the
// highest cosine similarity, reporting a match only at or above threshold.
func (s *SemanticIndex) Nearest(embedding []float32, category string, threshold float64) (string, float64, bool) {
	vec := normalize(embedding)
	if vec == nil {
		return "", 0, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, _ := nearestCluster(s.byCategory[category], vec)
	if c == nil {
		return "", 0, false
	}
	bestKey, bestScore := "", math.Inf(-1)
	for key, member := range c.members {
		score := dotProduct(vec, member)
		if score > bestScore || (score == bestScore && key < bestKey) {
			bestKey, bestScore = key, score
		}
	}
	if bestKey == "" || bestScore < threshold {
		return "", bestScore, false
	}
	return bestKey, bestScore, true
}

func (s *SemanticIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// ClusterCounts returns the number of clusters per category.
func (s *SemanticIndex) ClusterCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.byCategory))
	for category, clusters := range s.byCategory {
		out[category] = len(clusters)
	}
	return out
}

func (c *cluster) recomputeCentroid() {
	keys := make([]string, 0, len(c.members))
	dim := 0
	for key, member := range c.members {
		keys = append(keys, key)
		dim = len(member)
	}
	sort.Strings(keys)
	centroid := make([]float64, dim)
	for _, key := range keys {
		for i, v := range c.members[key] {
			if i < dim {
				centroid[i] += v
			}
		}
	}
	for i := range centroid {
		centroid[i] /= float64(len(keys))
	}
	c.centroid = centroid
}

func nearestCluster(clusters map[string]*cluster, vec []float64) (*cluster, float64) {
	var best *cluster
	bestDistance := math.Inf(1)
	for _, c := range clusters {
		if len(c.centroid) != len(vec) {
			continue
		}
		d := euclidean(vec, c.centroid)
		if d < bestDistance || (d == bestDistance && best != nil && c.id < best.id) {
			best, bestDistance = c, d
		}
	}
	return best, bestDistance
}

func normalize(v []float32) []float64 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float64, len(v))
	var norm float64
	for i, x := range v {
		out[i] = float64(x)
		norm += out[i] * out[i]
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] /= norm
	}
	return out
}

func dotProduct(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(-1)
	}
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
