package segment

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seg(id uint64, session string, startSec, endSec int, text string) Segment {
	start := t0.Add(time.Duration(startSec) * time.Second)
	end := t0.Add(time.Duration(endSec) * time.Second)
	return Segment{ID: id, SessionID: session, Text: text, Start: start, End: end, CommittedAt: end, Reason: ReasonSemantic}
}

func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"bolt": func() Store {
			s, err := OpenBoltStore(filepath.Join(t.TempDir(), "data", "soundmem.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStore_AppendOnly(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			require.NoError(t, s.Append(ctx, seg(1, "a", 0, 2, "第一句。")))
			require.NoError(t, s.Append(ctx, seg(3, "a", 2, 4, "第二句。")))

			err := s.Append(ctx, seg(3, "a", 4, 5, "overwrite"))
			assert.ErrorIs(t, err, ErrDuplicate)

			err = s.Append(ctx, seg(2, "a", 4, 5, "late"))
			assert.ErrorIs(t, err, ErrOutOfOrder)

			// Ids are per-session ordered; another session may use a lower id
			require.NoError(t, s.Append(ctx, seg(2, "b", 0, 1, "other")))

			got, err := s.Get(ctx, "a", 3)
			require.NoError(t, err)
			assert.Equal(t, "第二句。", got.Text)
			assert.True(t, got.Start.Equal(t0.Add(2*time.Second)))

			_, err = s.Get(ctx, "a", 2)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Get(ctx, "missing", 1)
			assert.ErrorIs(t, err, ErrNotFound)

			last, err := s.LastID(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), last)
		})
	}
}

func TestStore_RejectsInvalidSegments(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			assert.Error(t, s.Append(ctx, seg(1, "a", 0, 1, "   ")))
			assert.Error(t, s.Append(ctx, seg(1, "", 0, 1, "x")))
			assert.Error(t, s.Append(ctx, seg(0, "a", 0, 1, "x")))
			assert.Error(t, s.Append(ctx, seg(1, "a", 2, 1, "x")))

			bad := seg(1, "a", 0, 2, "x")
			bad.CommittedAt = bad.End.Add(-time.Second)
			assert.Error(t, s.Append(ctx, bad))

			st, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, st.Segments)
		})
	}
}

func TestStore_ListIsOrderedAndRestartable(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			for i := 1; i <= 5; i++ {
				require.NoError(t, s.Append(ctx, seg(uint64(i), "a", (i-1)*10, i*10, "text")))
			}

			seq := s.List("a", nil)
			first, err := seq.Collect(ctx)
			require.NoError(t, err)
			second, err := seq.Collect(ctx)
			require.NoError(t, err)
			assert.Equal(t, first, second)
			require.Len(t, first, 5)
			for i, sg := range first {
				assert.Equal(t, uint64(i+1), sg.ID)
			}

			// Early stop
			var seen []uint64
			require.NoError(t, seq.Each(ctx, func(sg Segment) bool {
				seen = append(seen, sg.ID)
				return len(seen) < 2
			}))
			assert.Equal(t, []uint64{1, 2}, seen)

			// Time range 15s..25s overlaps segments 2 (10-20) and 3 (20-30)
			ranged, err := s.List("a", &TimeRange{From: t0.Add(15 * time.Second), To: t0.Add(25 * time.Second)}).Collect(ctx)
			require.NoError(t, err)
			require.Len(t, ranged, 2)
			assert.Equal(t, uint64(2), ranged[0].ID)
			assert.Equal(t, uint64(3), ranged[1].ID)

			empty, err := s.List("nobody", nil).Collect(ctx)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStore_AllAndSessions(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			require.NoError(t, s.SaveSession(ctx, SessionRecord{ID: "a", Status: StatusActive, StartedAt: t0}))
			require.NoError(t, s.SaveSession(ctx, SessionRecord{ID: "b", Status: StatusActive, StartedAt: t0.Add(time.Minute)}))
			require.NoError(t, s.Append(ctx, seg(1, "a", 0, 1, "one")))
			require.NoError(t, s.Append(ctx, seg(2, "b", 0, 1, "two")))
			require.NoError(t, s.Append(ctx, seg(3, "a", 1, 2, "three")))

			all, err := s.All().Collect(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []uint64{1, 3, 2}, []uint64{all[0].ID, all[1].ID, all[2].ID})

			rec := SessionRecord{ID: "a", Status: StatusCompleted, StartedAt: t0, EndedAt: t0.Add(time.Hour), EndReason: "stopped"}
			require.NoError(t, s.SaveSession(ctx, rec))
			got, err := s.GetSession(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, got.Status)

			_, err = s.GetSession(ctx, "zzz")
			assert.ErrorIs(t, err, ErrNotFound)

			recs, err := s.ListSessions(ctx)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "a", recs[0].ID)

			st, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, Stats{Sessions: 2, Segments: 3}, st)
			assert.NoError(t, s.Ping(ctx))
		})
	}
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soundmem.db")
	ctx := context.Background()

	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, seg(7, "a", 0, 1, "persisted")))
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()

	last, err := s.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), last)

	assert.Equal(t, uint64(8), NewIDAllocator(last).Next())
}

func TestBoltStore_ListPagesLargeSessions(t *testing.T) {
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "soundmem.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	n := scanBatch*2 + 3
	for i := 1; i <= n; i++ {
		require.NoError(t, s.Append(ctx, seg(uint64(i), "a", i, i+1, "x")))
	}

	all, err := s.List("a", nil).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, all, n)
	for i, sg := range all {
		require.Equal(t, uint64(i+1), sg.ID)
	}
}

func TestIDAllocator(t *testing.T) {
	a := NewIDAllocator(0)
	assert.Equal(t, uint64(1), a.Next())
	assert.Equal(t, uint64(2), a.Next())
}
