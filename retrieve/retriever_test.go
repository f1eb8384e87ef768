package retrieve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fabfab/script-agent/embeddings"
	"github.com/fabfab/script-agent/index"
	"github.com/fabfab/script-agent/script"
)

type fixedEmbedder struct {
	vector []float32
	err    error
	calls  int
}

var _ embeddings.Embedder = (*fixedEmbedder)(nil)

func (f *fixedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = f.vector
	}
	return vectors, nil
}

func testOptions() Options {
	return Options{
		MinScore:        0.25,
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		CallTimeout:     time.Second,
	}
}

func seededStore(t *testing.T) *index.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := index.NewMemoryStore()

	records := []index.Record{
		{Vector: []float32{1, 0}, Chunk: script.Chunk{ID: "c1", Scene: "INT. DOJO", Speakers: []string{"MORPHEUS"}, StartLine: 1, EndLine: 2, Text: "MORPHEUS: Free your mind."}},
		{Vector: []float32{0.9, 0.1}, Chunk: script.Chunk{ID: "c2", Scene: "INT. DOJO", Speakers: []string{"NEO"}, StartLine: 3, EndLine: 4, Text: "NEO: Okay."}},
		{Vector: []float32{0, 1}, Chunk: script.Chunk{ID: "c3", Scene: "EXT. CITY", Speakers: []string{"SMITH"}, StartLine: 8, EndLine: 9, Text: "SMITH: Never send a human to do a machine's job."}},
	}
	if err := store.Upsert(ctx, "matrix", "v1", records); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	if err := store.Publish(ctx, "matrix", "v1"); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	return store
}

func TestSearchRanksByScore(t *testing.T) {
	store := seededStore(t)
	retriever := NewRetriever(store, &fixedEmbedder{vector: []float32{1, 0}}, nil, testOptions())

	results, err := retriever.Search(context.Background(), "matrix", "free your mind", 10, index.Filter{})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results above threshold, got %d", len(results))
	}
	if results[0].Chunk.ID != "c1" || results[1].Chunk.ID != "c2" {
		t.Fatalf("unexpected ranking: %s, %s", results[0].Chunk.ID, results[1].Chunk.ID)
	}
	if results[0].Score < results[1].Score {
		t.Fatal("results not sorted by descending score")
	}
}

func TestSearchDropsLowScores(t *testing.T) {
	store := seededStore(t)
	opts := testOptions()
	opts.MinScore = 0.99
	retriever := NewRetriever(store, &fixedEmbedder{vector: []float32{0.7, 0.7}}, nil, opts)

	results, err := retriever.Search(context.Background(), "matrix", "anything", 10, index.Filter{})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if results == nil {
		t.Fatal("expected empty slice, got nil")
	}
	if len(results) != 0 {
		t.Fatalf("expected no results above 0.99, got %d", len(results))
	}
}

func TestSearchAppliesFilter(t *testing.T) {
	store := seededStore(t)
	retriever := NewRetriever(store, &fixedEmbedder{vector: []float32{1, 0}}, nil, testOptions())

	results, err := retriever.Search(context.Background(), "matrix", "free your mind", 10, index.Filter{Speaker: "neo"})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.ID != "c2" {
		t.Fatalf("expected only c2, got %+v", results)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	retriever := NewRetriever(seededStore(t), &fixedEmbedder{vector: []float32{1, 0}}, nil, testOptions())

	if _, err := retriever.Search(context.Background(), "matrix", "", 10, index.Filter{}); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestSearchWrapsEmbedderFailure(t *testing.T) {
	embedErr := errors.New("backend down")
	retriever := NewRetriever(seededStore(t), &fixedEmbedder{err: embedErr}, nil, testOptions())

	_, err := retriever.Search(context.Background(), "matrix", "anything", 10, index.Filter{})
	if !errors.Is(err, embedErr) {
		t.Fatalf("expected wrapped embedder error, got %v", err)
	}
}

func TestSearchMissingIndex(t *testing.T) {
	retriever := NewRetriever(index.NewMemoryStore(), &fixedEmbedder{vector: []float32{1, 0}}, nil, testOptions())

	_, err := retriever.Search(context.Background(), "matrix", "anything", 10, index.Filter{})
	if !errors.Is(err, index.ErrNoIndex) {
		t.Fatalf("expected ErrNoIndex, got %v", err)
	}
}

func TestScanReturnsDocumentOrder(t *testing.T) {
	retriever := NewRetriever(seededStore(t), &fixedEmbedder{vector: []float32{1, 0}}, nil, testOptions())

	chunks, err := retriever.Scan(context.Background(), "matrix", index.Filter{})
	if err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartLine < chunks[i-1].StartLine {
			t.Fatal("scan results out of document order")
		}
	}
}
