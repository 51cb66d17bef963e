package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/soundmem/internal/audio"
	"github.com/lexiqai/soundmem/internal/config"
	"github.com/lexiqai/soundmem/internal/errorsx"
	"github.com/lexiqai/soundmem/internal/observability"
	"github.com/lexiqai/soundmem/internal/resilience"
	"github.com/lexiqai/soundmem/internal/resource"
	"github.com/lexiqai/soundmem/internal/segment"
	"github.com/lexiqai/soundmem/internal/stt"
	"github.com/lexiqai/soundmem/internal/transcriber"
)

// ErrNotFound is returned for unknown or already ended sessions
var ErrNotFound = errors.New("session not found")

// Enqueuer accepts persisted segments for asynchronous indexing
type Enqueuer interface {
	Enqueue(seg segment.Segment)
}

// Dependencies are the process-wide collaborators shared by all sessions
type Dependencies struct {
	Store       segment.Store
	Recognizers *resource.Handle[stt.Recognizer]
	Indexer     Enqueuer
	IDs         *segment.IDAllocator
}

// Manager starts, tracks and stops sessions. Sessions share nothing but
// the process-wide dependencies, so a fault in one never touches another.
type Manager struct {
	cfg    *config.Config
	deps   Dependencies
	retry  *resilience.RetryConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewManager creates a session manager
func NewManager(cfg *config.Config, deps Dependencies) *Manager {
	return &Manager{
		cfg:  cfg,
		deps: deps,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger:   observability.WithComponent("session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Start creates a session from a free-form settings map and starts its
// pipeline. The recognizer handle is acquired for the session's lifetime.
func (m *Manager) Start(ctx context.Context, raw map[string]interface{}) (*Session, error) {
	settings, err := DecodeSettings(raw)
	if err != nil {
		return nil, err
	}

	var (
		source audio.Source
		push   *audio.PushSource
		file   *os.File
	)
	frameSamples := m.cfg.FrameSamples()
	switch settings.Source {
	case SourceFile:
		file, err = os.Open(settings.FilePath)
		if err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("open audio file: %w", err), errorsx.KindCapture)
		}
		source = audio.NewReaderSource(file, m.cfg.SampleRate, frameSamples, settings.Realtime)
	default:
		push = audio.NewPushSource(m.cfg.SampleRate, frameSamples, m.cfg.FrameQueueSize)
		source = push
	}

	recognizer, err := m.deps.Recognizers.Acquire(ctx)
	if err != nil {
		if file != nil {
			file.Close()
		}
		return nil, errorsx.Wrap(err, errorsx.KindRecognition)
	}

	id := uuid.New().String()
	s := &Session{
		id:          id,
		settings:    settings,
		mgr:         m,
		source:      source,
		push:        push,
		queue:       audio.NewFrameQueue(m.cfg.FrameQueueSize),
		commits:     make(chan segment.Segment, 16),
		subs:        make(map[chan transcriber.Event]struct{}),
		transcribed: make(chan struct{}),
		done:        make(chan struct{}),
		metrics:     observability.NewSessionMetrics(id),
		logger:      observability.WithSession(id),
		record: segment.SessionRecord{
			ID:        id,
			Label:     settings.Label,
			Status:    segment.StatusActive,
			StartedAt: time.Now().UTC(),
		},
	}
	s.tr = transcriber.New(id, recognizer, m.deps.IDs, settings.transcriberOptions(m.cfg), s.publish)

	if err := m.deps.Store.SaveSession(ctx, s.record); err != nil {
		m.deps.Recognizers.Release()
		if file != nil {
			file.Close()
		}
		return nil, errorsx.Wrap(fmt.Errorf("save session: %w", err), errorsx.KindStorage)
	}

	captureCtx, captureCancel := context.WithCancel(context.Background())
	recognizeCtx, recognizeCancel := context.WithCancel(context.Background())
	s.captureCancel = captureCancel
	s.recognizeCancel = recognizeCancel

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	s.metrics.RecordSessionStart()
	s.logger.Info().
		Str("label", settings.Label).
		Str("source", settings.Source).
		Msg("Session started")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.deps.Recognizers.Release()
		if file != nil {
			defer file.Close()
		}

		var workers sync.WaitGroup
		workers.Add(3)
		go func() { defer workers.Done(); s.capture(captureCtx) }()
		go func() { defer workers.Done(); s.transcribe(recognizeCtx) }()
		go func() { defer workers.Done(); s.persist() }()
		workers.Wait()

		captureCancel()
		recognizeCancel()
		m.finish(s)
	}()

	return s, nil
}

// teardown ends a session once: input stops, in-flight recognition gets
// the grace period to finish, then it is cancelled and the transcriber
// forces its final commit. fault marks the session failed.
func (m *Manager) teardown(s *Session, reason string, fault error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.record.EndReason = reason
		if fault != nil {
			s.record.Status = segment.StatusFailed
		} else {
			s.record.Status = segment.StatusCompleted
		}
		s.mu.Unlock()

		if s.push != nil {
			s.push.Close()
		}
		s.captureCancel()

		grace := time.NewTimer(m.cfg.SessionGracePeriod())
		defer grace.Stop()
		select {
		case <-s.transcribed:
		case <-grace.C:
			s.logger.Warn().Dur("grace_period", m.cfg.SessionGracePeriod()).Msg("Recognition did not finish in time, cancelling")
			s.recognizeCancel()
		}
	})
}

// finish records the session outcome once every worker has exited
func (m *Manager) finish(s *Session) {
	s.mu.Lock()
	if s.record.Status == segment.StatusActive {
		s.record.Status = segment.StatusCompleted
	}
	s.record.EndedAt = time.Now().UTC()
	rec := s.record
	s.mu.Unlock()

	if err := m.deps.Store.SaveSession(context.Background(), rec); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save session record")
	}

	s.metrics.RecordSessionEnd(rec.Status)
	s.logger.Info().
		Str("status", rec.Status).
		Str("end_reason", rec.EndReason).
		Int("segments", s.Committed()).
		Msg("Session ended")

	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	s.closeSubscribers()
	close(s.done)
}

// Get returns a running session
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Active returns the running sessions ordered by start time
func (m *Manager) Active() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Record().StartedAt.Before(out[j].Record().StartedAt)
	})
	return out
}

// Stop ends a running session and waits until its final segment is
// persisted or ctx is done
func (m *Manager) Stop(ctx context.Context, id string) (segment.SessionRecord, error) {
	s, ok := m.Get(id)
	if !ok {
		return segment.SessionRecord{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	go m.teardown(s, EndStopped, nil)

	select {
	case <-s.Done():
		return s.Record(), nil
	case <-ctx.Done():
		return s.Record(), ctx.Err()
	}
}

// Shutdown stops every running session and waits for them to end
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, s := range m.Active() {
		go m.teardown(s, EndShutdown, nil)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info().Msg("All sessions stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
