// Package index embeds committed segments and keeps the in-memory
// similarity index used for retrieval.
package index

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Embedder maps text to a fixed-dimension vector. Implementations must
// be deterministic: the same text always yields the same vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder is a local, dependency-free embedder using feature
// hashing over character unigrams, bigrams and whole words. It needs no
// model download and works for mixed Chinese/English transcripts.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates an embedder producing dim-dimensional vectors
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 512
	}
	return &HashEmbedder{dim: dim}
}

// Dimension returns the vector size
func (h *HashEmbedder) Dimension() int {
	return h.dim
}

// Embed returns the L2-normalised feature vector of text
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	for _, feature := range features(text) {
		sum := xxhash.Sum64String(feature)
		bucket := sum % uint64(h.dim)
		if sum>>63 == 1 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	normalize(vec)
	return vec, nil
}

// features splits text into runs of letters/digits and emits n-grams.
// Han characters contribute unigrams and bigrams; other scripts
// contribute the whole lowercased word plus character bigrams.
func features(text string) []string {
	var out []string
	for _, run := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		runes := []rune(run)
		han := unicode.Is(unicode.Han, runes[0])
		if han {
			for _, r := range runes {
				out = append(out, "u:"+string(r))
			}
		} else {
			out = append(out, "w:"+run)
		}
		for i := 0; i+1 < len(runes); i++ {
			out = append(out, "b:"+string(runes[i:i+2]))
		}
	}
	return out
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
