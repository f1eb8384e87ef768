package index

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/script-agent/script"
)

// PostgresStore persists vectors in pgvector. Rebuilds write chunk rows under
// a fresh version stamp; Publish swaps the corpus's active-version pointer in
// one transaction and prunes superseded rows, so queries against the active
// version never observe a half-built index.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Upsert(ctx context.Context, corpus, version string, records []Record) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if version == "" {
		return fmt.Errorf("version is empty")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, rec := range records {
		chunk := rec.Chunk
		if _, err = tx.Exec(ctx, `
			INSERT INTO script_chunks (chunk_id, corpus, version, scene, speakers, start_line, end_line, content, token_len, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (corpus, version, chunk_id) DO NOTHING
		`, chunk.ID, corpus, version, chunk.Scene, chunk.Speakers, chunk.StartLine, chunk.EndLine, chunk.Text, chunk.TokenLen, pgvector.NewVector(rec.Vector)); err != nil {
			return fmt.Errorf("insert chunk %s: %w", chunk.ID, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Publish(ctx context.Context, corpus, version string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var staged int
	if err = tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM script_chunks WHERE corpus = $1 AND version = $2",
		corpus, version,
	).Scan(&staged); err != nil {
		return fmt.Errorf("count staged chunks: %w", err)
	}
	if staged == 0 {
		err = fmt.Errorf("publish %s: version %s not staged", corpus, version)
		return err
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO script_corpora (corpus, active_version, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (corpus) DO UPDATE SET active_version = $2, updated_at = NOW()
	`, corpus, version); err != nil {
		return fmt.Errorf("swap active version: %w", err)
	}

	if _, err = tx.Exec(ctx,
		"DELETE FROM script_chunks WHERE corpus = $1 AND version <> $2",
		corpus, version,
	); err != nil {
		return fmt.Errorf("prune superseded versions: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit publish: %w", err)
	}
	return nil
}

func (s *PostgresStore) ActiveVersion(ctx context.Context, corpus string) (string, error) {
	if s.pool == nil {
		return "", fmt.Errorf("postgres pool is nil")
	}

	var version *string
	err := s.pool.QueryRow(ctx,
		"SELECT active_version FROM script_corpora WHERE corpus = $1",
		corpus,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query active version: %w", err)
	}
	if version == nil {
		return "", nil
	}
	return *version, nil
}

func (s *PostgresStore) Search(ctx context.Context, corpus string, vector []float32, k int, filter Filter) ([]Match, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if k <= 0 {
		k = 5
	}

	version, err := s.activeVersionOrErr(ctx, corpus)
	if err != nil {
		return nil, err
	}

	where, args := filterClauses(filter, []any{corpus, version, pgvector.NewVector(vector)})
	query := fmt.Sprintf(`
		SELECT chunk_id, scene, speakers, start_line, end_line, content, token_len,
		       (embedding <=> $3) AS distance
		FROM script_chunks
		WHERE corpus = $1 AND version = $2%s
		ORDER BY embedding <=> $3, start_line
		LIMIT %d
	`, where, k)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	matches := make([]Match, 0, k)
	for rows.Next() {
		var (
			chunk    script.Chunk
			distance float64
		)
		if err := rows.Scan(&chunk.ID, &chunk.Scene, &chunk.Speakers, &chunk.StartLine, &chunk.EndLine, &chunk.Text, &chunk.TokenLen, &distance); err != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", err)
		}
		matches = append(matches, Match{Chunk: chunk, Score: 1 - distance})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return matches, nil
}

func (s *PostgresStore) Scan(ctx context.Context, corpus string, filter Filter) ([]script.Chunk, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	version, err := s.activeVersionOrErr(ctx, corpus)
	if err != nil {
		return nil, err
	}

	where, args := filterClauses(filter, []any{corpus, version})
	query := fmt.Sprintf(`
		SELECT chunk_id, scene, speakers, start_line, end_line, content, token_len
		FROM script_chunks
		WHERE corpus = $1 AND version = $2%s
		ORDER BY start_line
	`, where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]script.Chunk, 0)
	for rows.Next() {
		var chunk script.Chunk
		if err := rows.Scan(&chunk.ID, &chunk.Scene, &chunk.Speakers, &chunk.StartLine, &chunk.EndLine, &chunk.Text, &chunk.TokenLen); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return chunks, nil
}

func (s *PostgresStore) Clear(ctx context.Context, corpus string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	if _, err := s.pool.Exec(ctx, "DELETE FROM script_chunks WHERE corpus = $1", corpus); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM script_corpora WHERE corpus = $1", corpus); err != nil {
		return fmt.Errorf("delete corpus row: %w", err)
	}
	return nil
}

func (s *PostgresStore) activeVersionOrErr(ctx context.Context, corpus string) (string, error) {
	version, err := s.ActiveVersion(ctx, corpus)
	if err != nil {
		return "", err
	}
	if version == "" {
		return "", fmt.Errorf("%w: %s", ErrNoIndex, corpus)
	}
	return version, nil
}

func filterClauses(filter Filter, args []any) (string, []any) {
	var sb strings.Builder
	if filter.Speaker != "" {
		args = append(args, strings.ToUpper(filter.Speaker))
		sb.WriteString(fmt.Sprintf(" AND $%d = ANY(speakers)", len(args)))
	}
	if filter.Scene != "" {
		args = append(args, filter.Scene)
		sb.WriteString(fmt.Sprintf(" AND scene ILIKE $%d", len(args)))
	}
	if filter.Contains != "" {
		args = append(args, "%"+filter.Contains+"%")
		sb.WriteString(fmt.Sprintf(" AND content ILIKE $%d", len(args)))
	}
	return sb.String(), args
}

var _ Store = (*PostgresStore)(nil)
