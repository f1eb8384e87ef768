package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/fabfab/script-agent/script"
)

type memoryCorpus struct {
	active   string
	versions map[string][]Record
}

// MemoryStore is a brute-force cosine store holding all vectors in process.
// Versions are staged in a map and swapped by Publish under the write lock,
// so concurrent readers only ever see a fully built index.
type MemoryStore struct {
	mu      sync.RWMutex
	corpora map[string]*memoryCorpus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{corpora: make(map[string]*memoryCorpus)}
}

func (s *MemoryStore) Upsert(ctx context.Context, corpus, version string, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if version == "" {
		return fmt.Errorf("version is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.corpora[corpus]
	if !ok {
		c = &memoryCorpus{versions: make(map[string][]Record)}
		s.corpora[corpus] = c
	}

	staged := c.versions[version]
	for _, rec := range records {
		if len(rec.Vector) == 0 {
			return fmt.Errorf("record %s has empty vector", rec.Chunk.ID)
		}
		staged = append(staged, rec)
	}
	c.versions[version] = staged
	return nil
}

func (s *MemoryStore) Publish(ctx context.Context, corpus, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.corpora[corpus]
	if !ok {
		return fmt.Errorf("publish %s: corpus has no staged versions", corpus)
	}
	if _, ok := c.versions[version]; !ok {
		return fmt.Errorf("publish %s: version %s not staged", corpus, version)
	}

	c.active = version
	for v := range c.versions {
		if v != version {
			delete(c.versions, v)
		}
	}
	return nil
}

func (s *MemoryStore) ActiveVersion(ctx context.Context, corpus string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.corpora[corpus]
	if !ok {
		return "", nil
	}
	return c.active, nil
}

func (s *MemoryStore) Search(ctx context.Context, corpus string, vector []float32, k int, filter Filter) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if k <= 0 {
		k = 5
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.activeRecords(corpus)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(records))
	for _, rec := range records {
		if !matchesFilter(rec.Chunk, filter) {
			continue
		}
		matches = append(matches, Match{Chunk: rec.Chunk, Score: cosine(rec.Vector, vector)})
	}

	// Equal scores fall back to document position for determinism.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Chunk.StartLine < matches[j].Chunk.StartLine
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *MemoryStore) Scan(ctx context.Context, corpus string, filter Filter) ([]script.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.activeRecords(corpus)
	if err != nil {
		return nil, err
	}

	chunks := make([]script.Chunk, 0)
	for _, rec := range records {
		if matchesFilter(rec.Chunk, filter) {
			chunks = append(chunks, rec.Chunk)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].StartLine < chunks[j].StartLine })
	return chunks, nil
}

func (s *MemoryStore) Clear(ctx context.Context, corpus string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.corpora, corpus)
	return nil
}

// activeRecords must be called with at least the read lock held.
func (s *MemoryStore) activeRecords(corpus string) ([]Record, error) {
	c, ok := s.corpora[corpus]
	if !ok || c.active == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoIndex, corpus)
	}
	return c.versions[c.active], nil
}

func matchesFilter(chunk script.Chunk, filter Filter) bool {
	if filter.Speaker != "" && !chunk.HasSpeaker(filter.Speaker) {
		return false
	}
	if filter.Scene != "" && !strings.EqualFold(chunk.Scene, filter.Scene) {
		return false
	}
	if filter.Contains != "" && !strings.Contains(strings.ToLower(chunk.Text), strings.ToLower(filter.Contains)) {
		return false
	}
	return true
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var _ Store = (*MemoryStore)(nil)
