package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultHashDimension = 256

// hashEmbedder maps bag-of-words token hashes into a fixed-dimension vector
// and L2-normalizes the result, so cosine similarity tracks token overlap.
// It is fully deterministic and needs no provider, which makes it the
// embedder of choice for fixture corpora and offline runs. It is not a
// semantic model.
type hashEmbedder struct {
	dimension int
}

func NewHashEmbedder(dimension int) Embedder {
	if dimension <= 0 {
		dimension = defaultHashDimension
	}
	return &hashEmbedder{dimension: dimension}
}

func (e *hashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("hash embed: %w", err)
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		results[i] = e.embedOne(text)
	}
	return results, nil
}

func (e *hashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dimension)

	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()

		bucket := int(sum % uint64(e.dimension))
		// Half the hash space pulls the bucket negative so that unrelated
		// texts do not drift toward an all-positive similarity.
		if sum&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}

	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
