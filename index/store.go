// Package index owns the vector index: building it from chunks, publishing
// it atomically, and serving similarity search and exhaustive scans over the
// published version.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/fabfab/script-agent/script"
)

// ErrNoIndex is returned when a corpus has no published version yet.
var ErrNoIndex = errors.New("no published index for corpus")

// Filter restricts search and scan results by chunk metadata. Empty fields
// match everything. Contains matches case-insensitively against chunk text.
type Filter struct {
	Speaker  string
	Scene    string
	Contains string
}

func (f Filter) IsZero() bool {
	return f.Speaker == "" && f.Scene == "" && f.Contains == ""
}

// Record pairs a chunk with its embedding vector.
type Record struct {
	Vector []float32
	Chunk  script.Chunk
}

// Match is one ranked search hit.
type Match struct {
	Chunk script.Chunk
	Score float64
}

// Store is the capability set the core depends on, not any specific vector
// product. Search and Scan read the corpus's published version only.
type Store interface {
	Upsert(ctx context.Context, corpus, version string, records []Record) error
	Publish(ctx context.Context, corpus, version string) error
	ActiveVersion(ctx context.Context, corpus string) (string, error)
	Search(ctx context.Context, corpus string, vector []float32, k int, filter Filter) ([]Match, error)
	Scan(ctx context.Context, corpus string, filter Filter) ([]script.Chunk, error)
	Clear(ctx context.Context, corpus string) error
}

// Version derives a deterministic version stamp from the ordered chunk IDs.
// Chunk IDs are content-addressed, so an unchanged corpus maps to the same
// version and any text, boundary, or segmentation change produces a new one.
func Version(chunks []script.Chunk) string {
	h := sha256.New()
	for _, chunk := range chunks {
		h.Write([]byte(chunk.ID))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
