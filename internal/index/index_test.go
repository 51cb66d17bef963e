package index

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/soundmem/internal/errorsx"
	"github.com/lexiqai/soundmem/internal/resource"
	"github.com/lexiqai/soundmem/internal/segment"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func mkSeg(id uint64, session, text string) segment.Segment {
	start := t0.Add(time.Duration(id) * time.Second)
	return segment.Segment{ID: id, SessionID: session, Text: text, Start: start, End: start.Add(time.Second), CommittedAt: start.Add(time.Second)}
}

func handleFor(e Embedder) *resource.Handle[Embedder] {
	return resource.NewHandle[Embedder]("embedder", func(ctx context.Context) (Embedder, error) { return e, nil }, nil)
}

// flakyEmbedder fails while failing is set
type flakyEmbedder struct {
	inner   Embedder
	failing atomic.Bool
	calls   atomic.Int32
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.failing.Load() {
		return nil, errors.New("embedding service unavailable")
	}
	return f.inner.Embed(ctx, text)
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()

	a, err := e.Embed(ctx, "今天天气很好。")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "今天天气很好。")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 256)
	assert.InDelta(t, 1.0, norm(a), 1e-5)

	empty, err := e.Embed(ctx, "。。。")
	require.NoError(t, err)
	assert.Zero(t, norm(empty))
}

func TestHashEmbedder_SimilarTextScoresHigher(t *testing.T) {
	e := NewHashEmbedder(512)
	ctx := context.Background()

	q, _ := e.Embed(ctx, "天气怎么样")
	near, _ := e.Embed(ctx, "今天天气很好")
	far, _ := e.Embed(ctx, "会议讨论了预算")

	assert.Greater(t, cosine(q, norm(q), near, norm(near)), cosine(q, norm(q), far, norm(far)))
}

func TestVectorIndex_NearestOrderingAndBound(t *testing.T) {
	x := NewVectorIndex()
	x.Upsert(5, "a", []float32{1, 0})
	x.Upsert(2, "a", []float32{1, 0}) // ties with 5
	x.Upsert(9, "a", []float32{0.6, 0.8})
	x.Upsert(3, "a", []float32{0, 1})
	x.Upsert(4, "b", []float32{1, 0})

	got := x.Nearest([]float32{1, 0}, 3, "a")
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{2, 5, 9}, []uint64{got[0].ID, got[1].ID, got[2].ID})
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.InDelta(t, 0.6, got[2].Score, 1e-6)

	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Score > got[i].Score ||
			(got[i-1].Score == got[i].Score && got[i-1].ID < got[i].ID))
	}

	all := x.Nearest([]float32{1, 0}, 10, "")
	assert.Len(t, all, 5)
	assert.Equal(t, uint64(2), all[0].ID)

	assert.Empty(t, x.Nearest([]float32{1, 0}, 0, ""))
	assert.Empty(t, NewVectorIndex().Nearest([]float32{1, 0}, 3, ""))
}

func TestIndexer_IndexIsIdempotent(t *testing.T) {
	idx := NewVectorIndex()
	ix := NewIndexer(handleFor(NewHashEmbedder(128)), idx, segment.NewMemoryStore(), IndexerOptions{})
	ctx := context.Background()
	s := mkSeg(1, "a", "今天天气很好。")

	require.NoError(t, ix.Index(ctx, s))
	first, ok := idx.Vector(1)
	require.True(t, ok)

	require.NoError(t, ix.Index(ctx, s))
	second, _ := idx.Vector(1)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, ix.Len())
}

func TestIndexer_FailuresAreParkedAndRetried(t *testing.T) {
	emb := &flakyEmbedder{inner: NewHashEmbedder(64)}
	emb.failing.Store(true)
	ix := NewIndexer(handleFor(emb), NewVectorIndex(), segment.NewMemoryStore(), IndexerOptions{RetryInterval: time.Hour})
	ctx := context.Background()

	err := ix.Index(ctx, mkSeg(1, "a", "hello"))
	require.Error(t, err)
	assert.True(t, errorsx.Is(err, errorsx.KindIndex))

	ix.indexOrPark(ctx, mkSeg(1, "a", "hello"))
	ix.indexOrPark(ctx, mkSeg(2, "a", "world"))
	assert.Equal(t, 2, ix.Pending())
	assert.Equal(t, 0, ix.Len())

	_, err = ix.Query(ctx, "hello", 5, "a")
	assert.Error(t, err)

	// unindexed segments are absent, not an error
	emb.failing.Store(false)
	matches, err := ix.Query(ctx, "hello", 5, "a")
	require.NoError(t, err)
	assert.Empty(t, matches)

	ix.RetryPending(ctx)
	assert.Equal(t, 0, ix.Pending())
	assert.Equal(t, 2, ix.Len())
}

func TestIndexer_RunConsumesQueue(t *testing.T) {
	ix := NewIndexer(handleFor(NewHashEmbedder(64)), NewVectorIndex(), segment.NewMemoryStore(), IndexerOptions{QueueSize: 4})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ix.Run(ctx)

	for i := uint64(1); i <= 3; i++ {
		ix.Enqueue(mkSeg(i, "a", "segment text"))
	}

	require.Eventually(t, func() bool { return ix.Len() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestIndexer_EnqueueNeverBlocks(t *testing.T) {
	ix := NewIndexer(handleFor(NewHashEmbedder(64)), NewVectorIndex(), segment.NewMemoryStore(), IndexerOptions{QueueSize: 1})

	ix.Enqueue(mkSeg(1, "a", "one"))
	ix.Enqueue(mkSeg(2, "a", "two"))
	ix.Enqueue(mkSeg(3, "a", "three"))
	assert.Equal(t, 2, ix.Pending())

	ix.RetryPending(context.Background())
	assert.Equal(t, 0, ix.Pending())
	assert.Equal(t, 2, ix.Len())
}

func TestIndexer_Backfill(t *testing.T) {
	store := segment.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, mkSeg(1, "a", "第一句")))
	require.NoError(t, store.Append(ctx, mkSeg(2, "b", "第二句")))
	require.NoError(t, store.Append(ctx, mkSeg(3, "a", "第三句")))

	ix := NewIndexer(handleFor(NewHashEmbedder(64)), NewVectorIndex(), store, IndexerOptions{})
	n, err := ix.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	matches, err := ix.Query(ctx, "第三句", 1, "a")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, uint64(3), matches[0].ID)
}
