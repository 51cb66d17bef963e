package transcriber

import (
	"time"

	"github.com/lexiqai/soundmem/internal/segment"
)

// EventType identifies a transcriber event
type EventType string

const (
	// EventPartial carries the latest text of the uncommitted buffer. It
	// replaces any earlier partial text.
	EventPartial EventType = "partial"
	// EventSegment carries a committed segment
	EventSegment EventType = "segment"
	// EventWarning reports a recoverable fault
	EventWarning EventType = "warning"
)

// Event is emitted to a session's listener as transcription progresses
type Event struct {
	Type      EventType        `json:"type"`
	SessionID string           `json:"session_id"`
	Text      string           `json:"text,omitempty"`
	Segment   *segment.Segment `json:"segment,omitempty"`
	Warning   string           `json:"warning,omitempty"`
	At        time.Time        `json:"at"`
}

// Listener receives events synchronously on the transcriber's goroutine
// and must not block.
type Listener func(Event)
