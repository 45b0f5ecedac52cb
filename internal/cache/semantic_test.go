package cache

import "testing"

func TestRegisterJoinsNearbyCluster(t *testing.T) {
	idx := NewSemanticIndex(1.0)
	a := idx.Register("a", []float32{1, 0}, "general")
	b := idx.Register("b", []float32{0.9, 0.1}, "general")
	if a == "" || a != b {
		t.Fatalf("expected both keys in one cluster, got %q and %q", a, b)
	}
	if got := idx.ClusterCounts()["general"]; got != 1 {
		t.Fatalf("expected 1 cluster, got %d", got)
	}
}

func TestRegisterCreatesClusterBeyondThreshold(t *testing.T) {
	idx := NewSemanticIndex(0.5)
	a := idx.Register("a", []float32{1, 0}, "general")
	b := idx.Register("b", []float32{0, 1}, "general")
	if a == b {
		t.Fatalf("expected distinct clusters for orthogonal embeddings")
	}
	if got := idx.ClusterCounts()["general"]; got != 2 {
		t.Fatalf("expected 2 clusters, got %d", got)
	}
}

func TestCategoriesAreIsolated(t *testing.T) {
	idx := NewSemanticIndex(1.0)
	idx.Register("a", []float32{1, 0}, "academic")
	if _, _, ok := idx.Nearest([]float32{1, 0}, "finance", 0.5); ok {
		t.Fatalf("expected no match across categories")
	}
	key, score, ok := idx.Nearest([]float32{1, 0}, "academic", 0.5)
	if !ok || key != "a" || score < 0.999 {
		t.Fatalf("expected exact match, got %q %v %v", key, score, ok)
	}
}

func TestUnregisterRemovesEmptyClusters(t *testing.T) {
	idx := NewSemanticIndex(1.0)
	idx.Register("a", []float32{1, 0}, "general")
	idx.Unregister("a")
	if idx.Len() != 0 {
		t.Fatalf("expected empty index")
	}
	if _, ok := idx.ClusterCounts()["general"]; ok {
		t.Fatalf("expected category removed with its last cluster")
	}
}

func TestReRegisterMovesKey(t *testing.T) {
	idx := NewSemanticIndex(0.5)
	idx.Register("a", []float32{1, 0}, "general")
	idx.Register("a", []float32{0, 1}, "general")
	if idx.Len() != 1 {
		t.Fatalf("expected one member, got %d", idx.Len())
	}
	if _, _, ok := idx.Nearest([]float32{1, 0}, "general", 0.9); ok {
		t.Fatalf("expected old embedding gone")
	}
}

func TestZeroEmbeddingIsIgnored(t *testing.T) {
	idx := NewSemanticIndex(1.0)
	if id := idx.Register("a", []float32{0, 0}, "general"); id != "" {
		t.Fatalf("expected zero vector rejected, got cluster %q", id)
	}
}
