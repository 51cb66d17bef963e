package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrSourceClosed is returned when writing to a closed PushSource
var ErrSourceClosed = errors.New("audio source closed")

// Source produces fixed-size frames at a fixed sample rate.
// Read returns io.EOF when the source ends normally; any other error
// means the device or stream failed.
type Source interface {
	Read(ctx context.Context) (Frame, error)
}

// ReaderSource reads raw PCM16LE mono audio from an io.Reader
type ReaderSource struct {
	r            io.Reader
	framer       *Framer
	frameSamples int
	realtime     bool

	started time.Time
	sent    time.Duration
	buf     []byte
	eof     bool
}

// NewReaderSource creates a source over r. When realtime is set, Read
// paces frames to wall-clock time like a live capture device.
func NewReaderSource(r io.Reader, sampleRate, frameSamples int, realtime bool) *ReaderSource {
	return &ReaderSource{
		r:            r,
		framer:       NewFramer(frameSamples, sampleRate),
		frameSamples: frameSamples,
		realtime:     realtime,
		buf:          make([]byte, frameSamples*2),
	}
}

// Read returns the next frame
func (s *ReaderSource) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.eof {
		return Frame{}, io.EOF
	}

	n, err := io.ReadFull(s.r, s.buf)
	var frame Frame
	switch {
	case err == nil:
		samples, _ := DecodePCM16(s.buf)
		frame = s.framer.Write(samples)[0]
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.eof = true
		samples, _ := DecodePCM16(s.buf[:n&^1])
		s.framer.Write(samples)
		f, ok := s.framer.Flush()
		if !ok {
			return Frame{}, io.EOF
		}
		frame = f
	case errors.Is(err, io.EOF):
		s.eof = true
		return Frame{}, io.EOF
	default:
		return Frame{}, fmt.Errorf("read audio: %w", err)
	}

	if s.realtime {
		if err := s.pace(ctx, frame.Duration()); err != nil {
			return Frame{}, err
		}
	}
	return frame, nil
}

func (s *ReaderSource) pace(ctx context.Context, d time.Duration) error {
	if s.started.IsZero() {
		s.started = time.Now()
	}
	s.sent += d
	wait := time.Until(s.started.Add(s.sent))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PushSource is fed by a producer (for example a WebSocket connection)
// and read by a session's capture loop.
type PushSource struct {
	frames   chan Frame
	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	framer *Framer
	closed bool
	err    error
	tail   *Frame // short last frame, read after the backlog drains
}

// NewPushSource creates a push-fed source buffering up to backlog frames
func NewPushSource(sampleRate, frameSamples, backlog int) *PushSource {
	if backlog <= 0 {
		backlog = 1
	}
	return &PushSource{
		frames: make(chan Frame, backlog),
		stop:   make(chan struct{}),
		framer: NewFramer(frameSamples, sampleRate),
	}
}

// Write frames the samples and hands completed frames to the reader.
// It blocks while the reader is behind, which applies backpressure to
// the producer rather than to the capture loop.
func (s *PushSource) Write(ctx context.Context, samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSourceClosed
	}
	for _, frame := range s.framer.Write(samples) {
		select {
		case s.frames <- frame:
		case <-s.stop:
			return ErrSourceClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CloseWithError ends the stream. A nil error is a normal end of input;
// anything else is reported to the reader as a capture failure once the
// buffered frames are drained.
func (s *PushSource) CloseWithError(err error) {
	// Unblock a producer stuck in Write before taking the lock
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	if frame, ok := s.framer.Flush(); ok {
		s.tail = &frame
	}
	close(s.frames)
}

// Close ends the stream normally
func (s *PushSource) Close() {
	s.CloseWithError(nil)
}

// Read returns the next pushed frame
func (s *PushSource) Read(ctx context.Context) (Frame, error) {
	select {
	case frame, ok := <-s.frames:
		if ok {
			return frame, nil
		}
		s.mu.Lock()
		tail, err := s.tail, s.err
		s.tail = nil
		s.mu.Unlock()
		if tail != nil {
			return *tail, nil
		}
		if err != nil {
			return Frame{}, err
		}
		return Frame{}, io.EOF
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}
