// Package rag answers questions about a recording by retrieving the
// most similar committed segments and grounding a completion in them.
package rag

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexiqai/soundmem/internal/errorsx"
	"github.com/lexiqai/soundmem/internal/index"
	"github.com/lexiqai/soundmem/internal/segment"
)

// Searcher finds the segment ids most similar to a query
type Searcher interface {
	Query(ctx context.Context, text string, k int, sessionID string) ([]index.Match, error)
}

// Passage is a retrieved segment with its similarity score
type Passage struct {
	Segment segment.Segment
	Score   float64
}

// Retriever resolves similarity matches to stored segments
type Retriever struct {
	searcher      Searcher
	store         segment.Store
	topK          int
	minSimilarity float64
}

// NewRetriever creates a retriever returning at most topK passages
// scoring at least minSimilarity
func NewRetriever(searcher Searcher, store segment.Store, topK int, minSimilarity float64) *Retriever {
	if topK <= 0 {
		topK = 5
	}
	return &Retriever{searcher: searcher, store: store, topK: topK, minSimilarity: minSimilarity}
}

// Retrieve returns passages for query in score order. Matches whose
// segment cannot be read from the store are skipped.
func (r *Retriever) Retrieve(ctx context.Context, query, sessionID string) ([]Passage, error) {
	matches, err := r.searcher.Query(ctx, query, r.topK, sessionID)
	if err != nil {
		return nil, err
	}

	passages := make([]Passage, 0, len(matches))
	for _, m := range matches {
		if m.Score < r.minSimilarity {
			continue
		}
		seg, err := r.store.Get(ctx, m.SessionID, m.ID)
		if errors.Is(err, segment.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("load segment %d: %w", m.ID, err), errorsx.KindStorage)
		}
		passages = append(passages, Passage{Segment: seg, Score: m.Score})
	}
	return passages, nil
}
