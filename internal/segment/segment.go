// Package segment persists committed transcript segments and session
// records. Segments are append-only: they are never updated or deleted.
package segment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrNotFound is returned when a segment or session does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when appending an id that is already stored
	ErrDuplicate = errors.New("segment already exists")
	// ErrOutOfOrder is returned when an id is not greater than the session's last id
	ErrOutOfOrder = errors.New("segment id not increasing")
)

// Commit reasons
const (
	ReasonSemantic = "semantic"
	ReasonTimeout  = "timeout"
	ReasonFinal    = "final"
)

// Segment is an immutable, time-anchored unit of committed transcript text
type Segment struct {
	ID          uint64    `json:"id"`
	SessionID   string    `json:"session_id"`
	Text        string    `json:"text"`
	Start       time.Time `json:"start_time"`
	End         time.Time `json:"end_time"`
	CommittedAt time.Time `json:"committed_at"`
	Reason      string    `json:"reason,omitempty"`
}

// Validate checks the rules every stored segment satisfies
func (s Segment) Validate() error {
	if s.ID == 0 {
		return fmt.Errorf("segment id must be positive")
	}
	if s.SessionID == "" {
		return fmt.Errorf("segment %d: session id is required", s.ID)
	}
	if strings.TrimSpace(s.Text) == "" {
		return fmt.Errorf("segment %d: text is empty", s.ID)
	}
	if s.End.Before(s.Start) {
		return fmt.Errorf("segment %d: end %s before start %s", s.ID, s.End, s.Start)
	}
	if s.CommittedAt.Before(s.End) {
		return fmt.Errorf("segment %d: committed_at %s before end %s", s.ID, s.CommittedAt, s.End)
	}
	return nil
}

// TimeRange selects segments overlapping [From, To]. A zero bound is open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether the segment overlaps the range
func (r *TimeRange) Contains(s Segment) bool {
	if r == nil {
		return true
	}
	if !r.From.IsZero() && s.End.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && s.Start.After(r.To) {
		return false
	}
	return true
}

// Session statuses
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// SessionRecord describes one recording run
type SessionRecord struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	EndReason string    `json:"end_reason,omitempty"`
}

// Stats summarises the store contents
type Stats struct {
	Sessions int `json:"sessions"`
	Segments int `json:"segments"`
}

// Store is the durable, append-only segment store
type Store interface {
	// Append persists a segment atomically. Ids must strictly increase per session.
	Append(ctx context.Context, s Segment) error
	// Get returns one segment
	Get(ctx context.Context, sessionID string, id uint64) (Segment, error)
	// List returns the session's segments in id order, optionally filtered by time
	List(sessionID string, r *TimeRange) Sequence
	// All returns every stored segment, grouped by session and in id order
	All() Sequence
	// LastID returns the highest segment id across all sessions
	LastID(ctx context.Context) (uint64, error)

	SaveSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	ListSessions(ctx context.Context) ([]SessionRecord, error)

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Sequence is a lazy, finite, restartable sequence of segments. Every
// call to Each iterates from the start.
type Sequence struct {
	each func(ctx context.Context, fn func(Segment) bool) error
}

// Each calls fn for every segment in order until fn returns false
func (s Sequence) Each(ctx context.Context, fn func(Segment) bool) error {
	if s.each == nil {
		return nil
	}
	return s.each(ctx, fn)
}

// Collect reads the whole sequence into a slice
func (s Sequence) Collect(ctx context.Context) ([]Segment, error) {
	var out []Segment
	err := s.Each(ctx, func(seg Segment) bool {
		out = append(out, seg)
		return true
	})
	return out, err
}

// IDAllocator hands out process-wide, strictly increasing segment ids.
// It is seeded from the store so ids keep increasing across restarts.
type IDAllocator struct {
	last atomic.Uint64
}

// NewIDAllocator creates an allocator whose first id is last+1
func NewIDAllocator(last uint64) *IDAllocator {
	a := &IDAllocator{}
	a.last.Store(last)
	return a
}

// Next returns the next id
func (a *IDAllocator) Next() uint64 {
	return a.last.Add(1)
}
