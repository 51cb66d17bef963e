package stt

import "context"

// Cache is the recognizer's opaque context state. It is returned by
// every recognition call and must be passed unchanged into the next
// call on the same session. A nil or empty Cache starts a fresh context.
type Cache []byte

// Empty reports whether the cache carries no context
func (c Cache) Empty() bool {
	return len(c) == 0
}

// Clone returns an independent copy of the cache
func (c Cache) Clone() Cache {
	if c == nil {
		return nil
	}
	out := make(Cache, len(c))
	copy(out, c)
	return out
}

// Result is the outcome of one recognition call over a whole buffer.
// Text replaces any earlier text recognised for the same buffer.
type Result struct {
	Text  string
	Cache Cache
}

// Recognizer turns buffered audio into text. Calls on one session are
// serialized by the caller; implementations keep no per-session state.
type Recognizer interface {
	Recognize(ctx context.Context, samples []int16, sampleRate int, cache Cache) (Result, error)
}

// HealthChecker is implemented by recognizers that can report on their backend
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}
