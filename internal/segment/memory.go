package segment

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lexiqai/soundmem/internal/errorsx"
)

// MemoryStore keeps segments in process memory. It has the same
// semantics as BoltStore and is used for ephemeral runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	segments map[string][]Segment
	sessions map[string]SessionRecord
	closed   bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		segments: make(map[string][]Segment),
		sessions: make(map[string]SessionRecord),
	}
}

func (m *MemoryStore) Append(ctx context.Context, s Segment) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errorsx.Wrap(fmt.Errorf("store closed"), errorsx.KindStorage)
	}

	existing := m.segments[s.SessionID]
	if n := len(existing); n > 0 {
		last := existing[n-1].ID
		if s.ID <= last {
			i := sort.Search(n, func(i int) bool { return existing[i].ID >= s.ID })
			if i < n && existing[i].ID == s.ID {
				return fmt.Errorf("segment %d: %w", s.ID, ErrDuplicate)
			}
			return fmt.Errorf("segment %d after %d: %w", s.ID, last, ErrOutOfOrder)
		}
	}
	m.segments[s.SessionID] = append(existing, s)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string, id uint64) (Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	segs := m.segments[sessionID]
	i := sort.Search(len(segs), func(i int) bool { return segs[i].ID >= id })
	if i < len(segs) && segs[i].ID == id {
		return segs[i], nil
	}
	return Segment{}, fmt.Errorf("segment %s/%d: %w", sessionID, id, ErrNotFound)
}

// snapshot copies the slice header; appends never modify existing elements
func (m *MemoryStore) snapshot(sessionID string) []Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.segments[sessionID]
}

func (m *MemoryStore) List(sessionID string, r *TimeRange) Sequence {
	return Sequence{each: func(ctx context.Context, fn func(Segment) bool) error {
		for _, s := range m.snapshot(sessionID) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Contains(s) && !fn(s) {
				return nil
			}
		}
		return nil
	}}
}

func (m *MemoryStore) All() Sequence {
	return Sequence{each: func(ctx context.Context, fn func(Segment) bool) error {
		m.mu.RLock()
		ids := make([]string, 0, len(m.segments))
		for id := range m.segments {
			ids = append(ids, id)
		}
		m.mu.RUnlock()
		sort.Strings(ids)

		for _, id := range ids {
			cont := true
			err := m.List(id, nil).Each(ctx, func(s Segment) bool {
				cont = fn(s)
				return cont
			})
			if err != nil || !cont {
				return err
			}
		}
		return nil
	}}
}

func (m *MemoryStore) LastID(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last uint64
	for _, segs := range m.segments {
		if n := len(segs); n > 0 && segs[n-1].ID > last {
			last = segs[n-1].ID
		}
	}
	return last, nil
}

func (m *MemoryStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return SessionRecord{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec)
	}
	sortSessions(out)
	return out, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Sessions: len(m.sessions)}
	for _, segs := range m.segments {
		st.Segments += len(segs)
	}
	return st, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortSessions(recs []SessionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].StartedAt.Before(recs[j].StartedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
