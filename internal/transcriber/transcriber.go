// Package transcriber turns a session's frame stream into committed
// transcript segments. It owns the session's transcript buffer and the
// recognizer context cache and decides when text becomes a segment.
package transcriber

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/soundmem/internal/audio"
	"github.com/lexiqai/soundmem/internal/config"
	"github.com/lexiqai/soundmem/internal/errorsx"
	"github.com/lexiqai/soundmem/internal/observability"
	"github.com/lexiqai/soundmem/internal/segment"
	"github.com/lexiqai/soundmem/internal/stt"
)

// Discard reasons reported in metrics and warnings
const (
	DiscardSilence           = "silence"
	DiscardRecognitionFailed = "recognition_failed"
)

// Options configures the buffering and commit policy
type Options struct {
	SampleRate          int
	RecognitionInterval time.Duration
	MaxBufferDuration   time.Duration
	CacheResetPolicy    string        // config.CacheReset*
	CacheMaxContext     time.Duration // used by context_limit
	VAD                 *audio.VADConfig
}

// OptionsFromConfig builds transcriber options from service configuration
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		SampleRate:          cfg.SampleRate,
		RecognitionInterval: cfg.RecognitionInterval(),
		MaxBufferDuration:   cfg.MaxBufferDuration(),
		CacheResetPolicy:    cfg.CacheResetPolicy,
		CacheMaxContext:     cfg.CacheMaxContext(),
	}
	if cfg.VADEnabled {
		opts.VAD = &audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
		}
	}
	return opts
}

// Transcriber runs the streaming recognition policy for one session.
// It is not safe for concurrent use: the session's worker goroutine is
// its only caller, which also serializes recognition calls.
type Transcriber struct {
	sessionID  string
	recognizer stt.Recognizer
	ids        *segment.IDAllocator
	opts       Options
	listener   Listener
	metrics    *observability.SessionMetrics
	logger     zerolog.Logger
	now        func() time.Time

	vad *audio.VADDetector

	// transcript buffer since the last commit
	samples       []int16
	bufStart      time.Time
	unrecognized  int // samples appended since the last recognition call
	speech        bool
	partial       string
	lastDiscarded time.Duration

	cache      stt.Cache
	cacheStart time.Time // start of the audio the cache has seen
	lastEnd    time.Time
}

// New creates a transcriber for sessionID. listener may be nil.
func New(sessionID string, recognizer stt.Recognizer, ids *segment.IDAllocator, opts Options, listener Listener) *Transcriber {
	if opts.MaxBufferDuration < opts.RecognitionInterval {
		opts.MaxBufferDuration = opts.RecognitionInterval
	}
	if opts.CacheResetPolicy == "" {
		opts.CacheResetPolicy = config.CacheResetContextLimit
	}
	t := &Transcriber{
		sessionID:  sessionID,
		recognizer: recognizer,
		ids:        ids,
		opts:       opts,
		listener:   listener,
		metrics:    observability.NewSessionMetrics(sessionID),
		logger:     observability.WithSession(sessionID).With().Str("component", "transcriber").Logger(),
		now:        time.Now,
	}
	if opts.VAD != nil {
		t.vad = audio.NewVADDetector(opts.VAD)
	}
	return t
}

// Ingest appends a frame to the buffer and runs a recognition tick once
// enough audio has accumulated. It returns the segment committed by that
// tick, if any. Recognition faults are absorbed and reported as warnings.
func (t *Transcriber) Ingest(ctx context.Context, frame audio.Frame) (*segment.Segment, error) {
	if frame.SampleRate != t.opts.SampleRate {
		return nil, fmt.Errorf("frame sample rate %d, expected %d", frame.SampleRate, t.opts.SampleRate)
	}
	if len(frame.Samples) == 0 {
		return nil, nil
	}

	if len(t.samples) == 0 {
		t.bufStart = frame.CapturedAt
		if t.bufStart.Before(t.lastEnd) {
			t.bufStart = t.lastEnd
		}
	}
	t.samples = append(t.samples, frame.Samples...)
	t.unrecognized += len(frame.Samples)

	if t.vad != nil {
		if t.vad.Observe(frame.Samples).Speaking {
			t.speech = true
		}
	}

	if audio.SamplesDuration(t.unrecognized, t.opts.SampleRate) < t.opts.RecognitionInterval &&
		t.BufferDuration() < t.opts.MaxBufferDuration {
		return nil, nil
	}
	return t.tick(ctx), nil
}

// BufferDuration returns the audio length of the uncommitted buffer
func (t *Transcriber) BufferDuration() time.Duration {
	return audio.SamplesDuration(len(t.samples), t.opts.SampleRate)
}

// Partial returns the latest recognised text of the uncommitted buffer
func (t *Transcriber) Partial() string {
	return t.partial
}

// Cache returns a copy of the current recognizer context
func (t *Transcriber) Cache() stt.Cache {
	return t.cache.Clone()
}

func (t *Transcriber) tick(ctx context.Context) *segment.Segment {
	pending := t.unrecognized
	t.unrecognized = 0
	if len(t.samples) == 0 {
		return nil
	}

	text, err := t.recognize(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// teardown: the buffer is left for Close
			t.unrecognized = pending
			return nil
		}
		t.discard(DiscardRecognitionFailed)
		t.warn(fmt.Sprintf("recognition failed twice, dropped %s of audio", t.lastDiscarded), err)
		return nil
	}

	terminal := EndsSentence(text)
	text = strings.TrimSpace(text)
	if text == "" {
		t.discard(DiscardSilence)
		return nil
	}

	t.partial = text
	t.emit(Event{Type: EventPartial, Text: text})

	switch {
	case terminal:
		return t.commit(text, segment.ReasonSemantic)
	case t.BufferDuration() >= t.opts.MaxBufferDuration:
		return t.commit(text, segment.ReasonTimeout)
	}
	return nil
}

// recognize runs the recognizer over the whole buffer, retrying once
// with the same buffer and cache. A buffer without speech short-circuits
// to an empty result.
func (t *Transcriber) recognize(ctx context.Context) (string, error) {
	if t.vad != nil && !t.speech {
		return "", nil
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		t.metrics.RecordRecognitionStart()
		res, err := t.recognizer.Recognize(ctx, t.samples, t.opts.SampleRate, t.cache.Clone())
		t.metrics.RecordRecognitionEnd(err == nil)
		if err == nil {
			if t.cache.Empty() {
				t.cacheStart = t.bufStart
			}
			t.cache = res.Cache
			return res.Text, nil
		}

		lastErr = errorsx.Wrap(err, errorsx.KindRecognition)
		t.metrics.RecordError(string(errorsx.KindRecognition), "transcriber")
		t.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("buffer", t.BufferDuration()).
			Msg("Recognition call failed")
	}
	return "", lastErr
}

func (t *Transcriber) commit(text string, reason string) *segment.Segment {
	start := t.bufStart
	end := start.Add(t.BufferDuration())
	committedAt := t.now()
	if committedAt.Before(end) {
		committedAt = end
	}

	seg := segment.Segment{
		ID:          t.ids.Next(),
		SessionID:   t.sessionID,
		Text:        text,
		Start:       start,
		End:         end,
		CommittedAt: committedAt,
		Reason:      reason,
	}

	if reason == segment.ReasonTimeout && t.resetCacheOnTimeout(end) {
		t.cache = nil
		t.cacheStart = time.Time{}
		t.logger.Debug().Str("policy", t.opts.CacheResetPolicy).Msg("Recognition context reset")
	}

	t.lastEnd = end
	t.clear()
	t.metrics.RecordCommit(reason)
	t.logger.Info().
		Uint64("segment_id", seg.ID).
		Str("reason", reason).
		Dur("duration", end.Sub(start)).
		Msg("Segment committed")
	t.emit(Event{Type: EventSegment, Text: text, Segment: &seg})
	return &seg
}

func (t *Transcriber) resetCacheOnTimeout(end time.Time) bool {
	switch t.opts.CacheResetPolicy {
	case config.CacheResetAlways:
		return true
	case config.CacheResetNever:
		return false
	default:
		return !t.cacheStart.IsZero() && end.Sub(t.cacheStart) > t.opts.CacheMaxContext
	}
}

func (t *Transcriber) discard(reason string) {
	t.lastDiscarded = t.BufferDuration()
	t.lastEnd = t.bufStart.Add(t.lastDiscarded)
	t.clear()
	t.metrics.RecordDiscard(reason)
	t.logger.Debug().Str("reason", reason).Dur("duration", t.lastDiscarded).Msg("Buffer discarded")
}

func (t *Transcriber) clear() {
	t.samples = t.samples[:0]
	t.unrecognized = 0
	t.speech = false
	t.partial = ""
}

func (t *Transcriber) warn(msg string, err error) {
	t.logger.Warn().Err(err).Msg(msg)
	t.emit(Event{Type: EventWarning, Warning: msg})
}

func (t *Transcriber) emit(ev Event) {
	if t.listener == nil {
		return
	}
	ev.SessionID = t.sessionID
	ev.At = t.now()
	t.listener(ev)
}

// Close forces a final commit of any non-empty buffer and discards the
// recognition context. Unrecognised audio gets one last recognition
// attempt; if that fails or ctx is already done, the latest partial text
// is committed instead.
func (t *Transcriber) Close(ctx context.Context) *segment.Segment {
	defer func() {
		t.cache = nil
		t.cacheStart = time.Time{}
	}()

	if len(t.samples) == 0 {
		return nil
	}

	text := t.partial
	if t.unrecognized > 0 {
		recognised, err := t.recognize(ctx)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Final recognition failed, committing last partial text")
		} else if s := strings.TrimSpace(recognised); s != "" {
			text = s
		}
	}

	if strings.TrimSpace(text) == "" {
		t.discard(DiscardSilence)
		return nil
	}
	return t.commit(text, segment.ReasonFinal)
}

// EndsSentence reports whether text ends with sentence-terminal
// punctuation (Chinese or Western) or a line break
func EndsSentence(text string) bool {
	text = strings.TrimRight(text, " \t\"'”’」』)）")
	if strings.HasSuffix(text, "\n") {
		return true
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	r := []rune(text)
	switch r[len(r)-1] {
	case '。', '！', '？', '.', '!', '?', '．':
		return true
	}
	return false
}
