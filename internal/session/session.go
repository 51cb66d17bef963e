// Package session runs recording sessions: capture, streaming
// transcription and segment persistence, one independent pipeline per
// session.
package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/soundmem/internal/audio"
	"github.com/lexiqai/soundmem/internal/errorsx"
	"github.com/lexiqai/soundmem/internal/observability"
	"github.com/lexiqai/soundmem/internal/resilience"
	"github.com/lexiqai/soundmem/internal/segment"
	"github.com/lexiqai/soundmem/internal/transcriber"
)

// End reasons recorded on the session
const (
	EndStopped     = "stopped"
	EndSourceEnded = "source_ended"
	EndShutdown    = "shutdown"
)

// Session is one running recording pipeline:
//
//	source -> capture -> FrameQueue -> transcriber -> persister -> store, indexer
//
// Capture never blocks on recognition; the queue drops its oldest frame
// when the transcriber falls behind.
type Session struct {
	id       string
	settings Settings
	mgr      *Manager

	source audio.Source
	push   *audio.PushSource
	queue  *audio.FrameQueue
	tr     *transcriber.Transcriber

	captureCancel   context.CancelFunc
	recognizeCancel context.CancelFunc
	commits         chan segment.Segment

	mu        sync.RWMutex
	record    segment.SessionRecord
	committed int
	subs      map[chan transcriber.Event]struct{}
	ended     bool

	stopOnce    sync.Once
	transcribed chan struct{}
	done        chan struct{}

	metrics *observability.SessionMetrics
	logger  zerolog.Logger
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// Settings returns the settings the session was started with
func (s *Session) Settings() Settings {
	return s.settings
}

// Record returns a snapshot of the session record
func (s *Session) Record() segment.SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record
}

// Committed returns the number of segments committed so far
func (s *Session) Committed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed
}

// Done is closed once the session has fully ended
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Write feeds PCM samples into a stream session
func (s *Session) Write(ctx context.Context, samples []int16) error {
	if s.push == nil {
		return errors.New("session does not accept pushed audio")
	}
	return s.push.Write(ctx, samples)
}

// CloseInput ends a stream session's input. A nil err is a normal end.
func (s *Session) CloseInput(err error) {
	if s.push != nil {
		s.push.CloseWithError(err)
	}
}

// Subscribe returns a channel of live transcriber events. Slow
// subscribers miss events rather than stalling transcription. The
// channel is closed when the session ends or cancel is called.
func (s *Session) Subscribe() (<-chan transcriber.Event, func()) {
	ch := make(chan transcriber.Event, 64)

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

func (s *Session) publish(ev transcriber.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// capture moves frames from the source into the queue until the source
// ends or the capture context is cancelled
func (s *Session) capture(ctx context.Context) {
	defer s.queue.Close()

	for {
		frame, err := s.source.Read(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Info().Msg("Audio source ended")
				go s.mgr.teardown(s, EndSourceEnded, nil)
			case ctx.Err() != nil:
			default:
				fault := errorsx.Wrap(err, errorsx.KindCapture)
				s.logger.Error().Err(fault).Msg("Audio capture failed")
				s.metrics.RecordError(string(errorsx.KindCapture), "capture")
				go s.mgr.teardown(s, fault.Error(), fault)
			}
			return
		}

		s.metrics.RecordFrameCaptured()
		if s.queue.Push(frame) {
			s.metrics.RecordFrameDropped()
			dropped := s.queue.Dropped()
			if dropped == 1 || dropped%50 == 0 {
				s.logger.Warn().Uint64("dropped_total", dropped).Msg("Recognizer falling behind, dropping oldest audio frames")
				s.publish(transcriber.Event{
					Type:      transcriber.EventWarning,
					SessionID: s.id,
					Warning:   "recognizer falling behind, audio frames dropped",
					At:        time.Now(),
				})
			}
		}
	}
}

// transcribe feeds queued frames to the transcriber and forces the final
// commit once the queue is drained or ctx is cancelled
func (s *Session) transcribe(ctx context.Context) {
	defer close(s.transcribed)
	defer close(s.commits)

	for {
		frame, err := s.queue.Pop(ctx)
		if err != nil {
			break
		}
		seg, err := s.tr.Ingest(ctx, frame)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Frame rejected")
			continue
		}
		if seg != nil {
			s.commits <- *seg
		}
	}

	if seg := s.tr.Close(ctx); seg != nil {
		s.commits <- *seg
	}
}

// persist appends committed segments to the store and hands them to the
// indexer. It drains every commit, including the final one.
func (s *Session) persist() {
	ctx := context.Background()
	for seg := range s.commits {
		err := resilience.Retry(ctx, s.mgr.retry, isRetryableStoreError, func(ctx context.Context) error {
			return s.mgr.deps.Store.Append(ctx, seg)
		})
		s.metrics.RecordSegmentStored(err == nil)
		if err != nil {
			s.metrics.RecordError(string(errorsx.KindStorage), "persister")
			s.logger.Error().Err(err).Uint64("segment_id", seg.ID).Msg("Failed to persist segment")
			s.publish(transcriber.Event{
				Type:      transcriber.EventWarning,
				SessionID: s.id,
				Warning:   "segment could not be stored",
				At:        time.Now(),
			})
			continue
		}

		s.mu.Lock()
		s.committed++
		s.mu.Unlock()
		if s.mgr.deps.Indexer != nil {
			s.mgr.deps.Indexer.Enqueue(seg)
		}
	}
}

func isRetryableStoreError(err error) bool {
	return !errors.Is(err, segment.ErrDuplicate) && !errors.Is(err, segment.ErrOutOfOrder)
}

func (s *Session) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}
