package index

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/script-agent/embeddings"
	"github.com/fabfab/script-agent/script"
)

const (
	defaultWorkers    = 4
	defaultBatchSize  = 16
	defaultMaxRetries = 3
)

// BuildError wraps any failure during an index rebuild. The live index is
// untouched when a build fails: nothing is published.
type BuildError struct {
	Corpus string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("index build for %s: %v", e.Corpus, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

type IndexerOptions struct {
	Workers         int
	BatchSize       int
	MaxRetries      uint64
	InitialInterval time.Duration
	CallTimeout     time.Duration
}

// Indexer embeds chunks and publishes them to a Store as one atomic unit.
type Indexer struct {
	store    Store
	embedder embeddings.Embedder
	logger   *log.Logger
	opts     IndexerOptions
}

func NewIndexer(store Store, embedder embeddings.Embedder, logger *log.Logger, opts IndexerOptions) *Indexer {
	if logger == nil {
		logger = log.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}

	return &Indexer{store: store, embedder: embedder, logger: logger, opts: opts}
}

// Build embeds every chunk with bounded worker concurrency, stages the
// records under a content-derived version, and publishes that version. It
// returns the published version, or the already-active one when the corpus
// is unchanged. Embedding failures are retried with exponential backoff; a
// persistent failure aborts the build before Publish, leaving the serving
// index as it was.
func (ix *Indexer) Build(ctx context.Context, corpus string, chunks []script.Chunk) (string, error) {
	if ix.embedder == nil {
		return "", &BuildError{Corpus: corpus, Err: fmt.Errorf("embedder not configured")}
	}
	if len(chunks) == 0 {
		return "", &BuildError{Corpus: corpus, Err: fmt.Errorf("no chunks to index")}
	}

	version := Version(chunks)

	active, err := ix.store.ActiveVersion(ctx, corpus)
	if err != nil {
		return "", &BuildError{Corpus: corpus, Err: fmt.Errorf("check active version: %w", err)}
	}
	if active == version {
		ix.logger.Printf("corpus %s already indexed at version %s, skipping rebuild", corpus, version)
		return version, nil
	}

	records := make([]Record, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.opts.Workers)

	for start := 0; start < len(chunks); start += ix.opts.BatchSize {
		end := start + ix.opts.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		offset := start

		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, chunk := range batch {
				texts[i] = chunk.Text
			}

			vectors, err := ix.embedBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("embed batch at chunk %d: %w", offset, err)
			}
			if len(vectors) != len(batch) {
				return fmt.Errorf("embedding count mismatch: have %d chunks, %d vectors", len(batch), len(vectors))
			}

			for i, chunk := range batch {
				records[offset+i] = Record{Vector: vectors[i], Chunk: chunk}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", &BuildError{Corpus: corpus, Err: err}
	}

	dimension := len(records[0].Vector)
	for _, rec := range records {
		if len(rec.Vector) != dimension {
			return "", &BuildError{Corpus: corpus, Err: fmt.Errorf("inconsistent embedding dimension for chunk %s", rec.Chunk.ID)}
		}
	}

	if err := ix.store.Upsert(ctx, corpus, version, records); err != nil {
		return "", &BuildError{Corpus: corpus, Err: fmt.Errorf("stage records: %w", err)}
	}
	if err := ix.store.Publish(ctx, corpus, version); err != nil {
		return "", &BuildError{Corpus: corpus, Err: fmt.Errorf("publish version: %w", err)}
	}

	ix.logger.Printf("published index for %s: version %s, %d chunks", corpus, version, len(records))
	return version, nil
}

func (ix *Indexer) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(ix.opts.InitialInterval),
		), ix.opts.MaxRetries),
		ctx,
	)

	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, ix.opts.CallTimeout)
		defer cancel()

		result, err := ix.embedder.Embed(callCtx, texts)
		if err != nil {
			return err
		}
		vectors = result
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}

	return vectors, nil
}
