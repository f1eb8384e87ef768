// Package retrieve finds chunks relevant to a query, by vector similarity or
// by exhaustive metadata scan.
package retrieve

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fabfab/script-agent/embeddings"
	"github.com/fabfab/script-agent/index"
	"github.com/fabfab/script-agent/script"
)

const defaultMinScore = 0.25

// Result is one ranked retrieval hit, request-scoped.
type Result struct {
	Chunk script.Chunk
	Score float64
}

type Options struct {
	MinScore        float64
	MaxRetries      uint64
	InitialInterval time.Duration
	CallTimeout     time.Duration
}

type Retriever struct {
	store    index.Store
	embedder embeddings.Embedder
	logger   *log.Logger
	opts     Options
}

func NewRetriever(store index.Store, embedder embeddings.Embedder, logger *log.Logger, opts Options) *Retriever {
	if logger == nil {
		logger = log.Default()
	}
	if opts.MinScore <= 0 {
		opts.MinScore = defaultMinScore
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}

	return &Retriever{store: store, embedder: embedder, logger: logger, opts: opts}
}

// Search embeds the query and returns the top-k chunks by cosine similarity,
// optionally filtered by metadata. Hits below the minimum relevance score are
// dropped; when nothing clears it, Search returns an empty slice, not an
// error. Equal scores are ordered by original document position.
func (r *Retriever) Search(ctx context.Context, corpus, query string, k int, filter index.Filter) ([]Result, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	vector, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := r.store.Search(ctx, corpus, vector, k, filter)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]Result, 0, len(matches))
	for _, match := range matches {
		if match.Score < r.opts.MinScore {
			continue
		}
		results = append(results, Result{Chunk: match.Chunk, Score: match.Score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.StartLine < results[j].Chunk.StartLine
	})

	return results, nil
}

// Scan returns every chunk matching the filter, in document order. Aggregate
// queries (counting occurrences across the whole script) use this instead of
// top-k search, which cannot enumerate all occurrences.
func (r *Retriever) Scan(ctx context.Context, corpus string, filter index.Filter) ([]script.Chunk, error) {
	chunks, err := r.store.Scan(ctx, corpus, filter)
	if err != nil {
		return nil, fmt.Errorf("exhaustive scan: %w", err)
	}
	return chunks, nil
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	var vector []float32

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(r.opts.InitialInterval),
		), r.opts.MaxRetries),
		ctx,
	)

	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()

		vectors, err := r.embedder.Embed(callCtx, []string{query})
		if err != nil {
			return err
		}
		if len(vectors) == 0 {
			return backoff.Permanent(fmt.Errorf("embedder returned no vectors"))
		}
		vector = vectors[0]
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}

	return vector, nil
}
