package audio

import (
	"context"
	"io"
	"sync"
)

// FrameQueue is a bounded hand-off between a capture loop and a
// recognition worker. Push never blocks: when the queue is full the
// oldest unconsumed frame is dropped to make room.
type FrameQueue struct {
	ch      chan Frame
	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// NewFrameQueue creates a queue holding at most capacity frames
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{ch: make(chan Frame, capacity)}
}

// Push enqueues a frame. It reports whether an older frame was dropped.
// Pushing to a closed queue is a no-op.
func (q *FrameQueue) Push(frame Frame) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	for {
		select {
		case q.ch <- frame:
			return dropped
		default:
		}

		// Full: drop the oldest frame. The consumer may have drained the
		// queue in between, in which case the next send succeeds.
		select {
		case <-q.ch:
			q.dropped++
			dropped = true
		default:
		}
	}
}

// Pop blocks until a frame is available, the queue is closed and
// drained (io.EOF) or ctx is done.
func (q *FrameQueue) Pop(ctx context.Context) (Frame, error) {
	select {
	case frame, ok := <-q.ch:
		if !ok {
			return Frame{}, io.EOF
		}
		return frame, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close stops accepting frames. Frames already queued can still be popped.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len returns the number of queued frames
func (q *FrameQueue) Len() int {
	return len(q.ch)
}

// Dropped returns the number of frames dropped so far
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
