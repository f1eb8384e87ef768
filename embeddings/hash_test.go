package embeddings

import (
	"context"
	"math"
	"testing"
)

func cosine32(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedderIsDeterministic(t *testing.T) {
	embedder := NewHashEmbedder(64)
	ctx := context.Background()

	first, err := embedder.Embed(ctx, []string{"free your mind"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	second, err := embedder.Embed(ctx, []string{"free your mind"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}

	for i := range first[0] {
		if first[0][i] != second[0][i] {
			t.Fatalf("vectors differ at %d: %f vs %f", i, first[0][i], second[0][i])
		}
	}
}

func TestHashEmbedderDimensionAndNorm(t *testing.T) {
	embedder := NewHashEmbedder(32)

	vectors, err := embedder.Embed(context.Background(), []string{"there is no spoon"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if len(vectors) != 1 || len(vectors[0]) != 32 {
		t.Fatalf("unexpected shape: %d vectors, dim %d", len(vectors), len(vectors[0]))
	}

	var norm float64
	for _, v := range vectors[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("vector not L2-normalized: norm^2 = %f", norm)
	}
}

func TestHashEmbedderSimilarityTracksOverlap(t *testing.T) {
	embedder := NewHashEmbedder(128)
	ctx := context.Background()

	vectors, err := embedder.Embed(ctx, []string{
		"the machines need solar power to survive",
		"who needs solar power to survive",
		"I know kung fu",
	})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}

	related := cosine32(vectors[0], vectors[1])
	unrelated := cosine32(vectors[0], vectors[2])
	if related <= unrelated {
		t.Fatalf("overlapping texts should score higher: related %f, unrelated %f", related, unrelated)
	}
}

func TestHashEmbedderEmptyText(t *testing.T) {
	embedder := NewHashEmbedder(16)

	vectors, err := embedder.Embed(context.Background(), []string{""})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	for _, v := range vectors[0] {
		if v != 0 {
			t.Fatal("empty text should produce a zero vector")
		}
	}
}
