package index

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/soundmem/internal/errorsx"
	"github.com/lexiqai/soundmem/internal/observability"
	"github.com/lexiqai/soundmem/internal/resource"
	"github.com/lexiqai/soundmem/internal/segment"
)

// IndexerOptions configures an Indexer
type IndexerOptions struct {
	QueueSize     int
	RetryInterval time.Duration
}

// Indexer embeds persisted segments into the VectorIndex. It runs
// asynchronously from commits: Enqueue never blocks, failed segments are
// parked and retried on the next pass, and the index may lag the store.
type Indexer struct {
	embedders *resource.Handle[Embedder]
	index     *VectorIndex
	store     segment.Store
	opts      IndexerOptions
	logger    zerolog.Logger

	queue   chan segment.Segment
	mu      sync.Mutex
	pending map[uint64]segment.Segment
}

// NewIndexer creates an indexer. Segments handed to it must already be
// durable in store.
func NewIndexer(embedders *resource.Handle[Embedder], idx *VectorIndex, store segment.Store, opts IndexerOptions) *Indexer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 10 * time.Second
	}
	return &Indexer{
		embedders: embedders,
		index:     idx,
		store:     store,
		opts:      opts,
		logger:    observability.WithComponent("indexer"),
		queue:     make(chan segment.Segment, opts.QueueSize),
		pending:   make(map[uint64]segment.Segment),
	}
}

// Index embeds one segment and upserts it. Re-indexing the same segment
// replaces its vector with an identical one.
func (ix *Indexer) Index(ctx context.Context, seg segment.Segment) error {
	embedder, err := ix.embedders.Acquire(ctx)
	if err != nil {
		observability.RecordIndexOperation(false)
		return errorsx.Wrap(err, errorsx.KindIndex)
	}
	defer ix.embedders.Release()

	vec, err := embedder.Embed(ctx, seg.Text)
	if err != nil {
		observability.RecordIndexOperation(false)
		return errorsx.Wrap(fmt.Errorf("embed segment %d: %w", seg.ID, err), errorsx.KindIndex)
	}

	ix.index.Upsert(seg.ID, seg.SessionID, vec)
	observability.RecordIndexOperation(true)
	observability.SetIndexSize(ix.index.Len())
	return nil
}

// Enqueue schedules a segment for indexing without blocking. When the
// queue is full the segment is parked for the next retry pass.
func (ix *Indexer) Enqueue(seg segment.Segment) {
	select {
	case ix.queue <- seg:
	default:
		ix.logger.Warn().Uint64("segment_id", seg.ID).Msg("Index queue full, deferring segment")
		ix.park(seg)
	}
}

func (ix *Indexer) park(seg segment.Segment) {
	ix.mu.Lock()
	ix.pending[seg.ID] = seg
	n := len(ix.pending)
	ix.mu.Unlock()
	observability.SetIndexPending(n)
}

// Pending returns the number of segments waiting for a retry
func (ix *Indexer) Pending() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.pending)
}

// Run consumes the queue until ctx is done
func (ix *Indexer) Run(ctx context.Context) {
	ticker := time.NewTicker(ix.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case seg := <-ix.queue:
			ix.indexOrPark(ctx, seg)
		case <-ticker.C:
			ix.RetryPending(ctx)
		}
	}
}

func (ix *Indexer) indexOrPark(ctx context.Context, seg segment.Segment) {
	if err := ix.Index(ctx, seg); err != nil {
		if ctx.Err() != nil {
			return
		}
		ix.logger.Warn().
			Err(err).
			Uint64("segment_id", seg.ID).
			Str("session_id", seg.SessionID).
			Msg("Indexing failed, segment will be retried")
		observability.RecordError(string(errorsx.KindIndex), "indexer")
		ix.park(seg)
	}
}

// RetryPending makes one pass over parked segments in id order
func (ix *Indexer) RetryPending(ctx context.Context) {
	ix.mu.Lock()
	batch := make([]segment.Segment, 0, len(ix.pending))
	for _, seg := range ix.pending {
		batch = append(batch, seg)
	}
	ix.mu.Unlock()
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

	for _, seg := range batch {
		if ctx.Err() != nil {
			return
		}
		if err := ix.Index(ctx, seg); err != nil {
			ix.logger.Debug().Err(err).Uint64("segment_id", seg.ID).Msg("Retry failed")
			continue
		}
		ix.mu.Lock()
		delete(ix.pending, seg.ID)
		n := len(ix.pending)
		ix.mu.Unlock()
		observability.SetIndexPending(n)
	}
}

// Backfill indexes every stored segment. The index lives in memory, so
// this rebuilds it from the durable store at startup.
func (ix *Indexer) Backfill(ctx context.Context) (int, error) {
	indexed := 0
	err := ix.store.All().Each(ctx, func(seg segment.Segment) bool {
		if err := ix.Index(ctx, seg); err != nil {
			ix.park(seg)
			return ctx.Err() == nil
		}
		indexed++
		return true
	})
	if err != nil {
		return indexed, fmt.Errorf("backfill index: %w", err)
	}
	ix.logger.Info().Int("indexed", indexed).Int("pending", ix.Pending()).Msg("Index backfill complete")
	return indexed, nil
}

// Query embeds text and returns the k nearest segments. Segments not yet
// indexed are simply absent from the result.
func (ix *Indexer) Query(ctx context.Context, text string, k int, sessionID string) ([]Match, error) {
	embedder, err := ix.embedders.Acquire(ctx)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.KindIndex)
	}
	defer ix.embedders.Release()

	vec, err := embedder.Embed(ctx, text)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("embed query: %w", err), errorsx.KindIndex)
	}
	return ix.index.Nearest(vec, k, sessionID), nil
}

// Len returns the number of indexed segments
func (ix *Indexer) Len() int {
	return ix.index.Len()
}
