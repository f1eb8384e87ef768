package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureScriptSchema creates the pgvector extension and the versioned chunk
// tables. script_corpora holds one active-version pointer per corpus; chunk
// rows are keyed by (corpus, version, chunk_id) so a rebuild writes a fresh
// version and readers keep hitting the published one until the pointer swaps.
func EnsureScriptSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS script_corpora (
			corpus TEXT PRIMARY KEY,
			active_version TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS script_chunks (
			chunk_id TEXT NOT NULL,
			corpus TEXT NOT NULL,
			version TEXT NOT NULL,
			scene TEXT NOT NULL,
			speakers TEXT[] NOT NULL DEFAULT '{}',
			start_line INT NOT NULL,
			end_line INT NOT NULL,
			content TEXT NOT NULL,
			token_len INT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (corpus, version, chunk_id)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_script_chunks_position ON script_chunks(corpus, version, start_line)",
		"CREATE INDEX IF NOT EXISTS idx_script_chunks_embedding ON script_chunks USING ivfflat (embedding vector_cosine_ops)",
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}
