package session

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/soundmem/internal/audio"
	"github.com/lexiqai/soundmem/internal/config"
	"github.com/lexiqai/soundmem/internal/resilience"
	"github.com/lexiqai/soundmem/internal/resource"
	"github.com/lexiqai/soundmem/internal/segment"
	"github.com/lexiqai/soundmem/internal/stt"
	"github.com/lexiqai/soundmem/internal/transcriber"
)

type funcRecognizer func(ctx context.Context, samples []int16) (string, error)

func (f funcRecognizer) Recognize(ctx context.Context, samples []int16, sampleRate int, cache stt.Cache) (stt.Result, error) {
	text, err := f(ctx, samples)
	return stt.Result{Text: text, Cache: cache}, err
}

type collectingIndexer struct {
	mu   sync.Mutex
	segs []segment.Segment
}

func (c *collectingIndexer) Enqueue(seg segment.Segment) {
	c.mu.Lock()
	c.segs = append(c.segs, seg)
	c.mu.Unlock()
}

func (c *collectingIndexer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.segs)
}

func testConfig() *config.Config {
	return &config.Config{
		SampleRate:            16000,
		Channels:              1,
		FrameDurationMs:       100,
		FrameQueueSize:        64,
		RecognitionIntervalMs: 2000,
		MaxBufferDurationMs:   30000,
		CacheResetPolicy:      config.CacheResetContextLimit,
		CacheMaxContextMs:     120000,
		SessionGracePeriodMs:  200,
		RetryMaxAttempts:      3,
		RetryInitialBackoff:   1,
	}
}

func newManager(t *testing.T, rec stt.Recognizer) (*Manager, *segment.MemoryStore, *collectingIndexer) {
	t.Helper()
	store := segment.NewMemoryStore()
	ix := &collectingIndexer{}
	recognizers := resource.NewHandle[stt.Recognizer]("recognizer", func(ctx context.Context) (stt.Recognizer, error) {
		return rec, nil
	}, nil)
	m := NewManager(testConfig(), Dependencies{
		Store:       store,
		Recognizers: recognizers,
		Indexer:     ix,
		IDs:         segment.NewIDAllocator(0),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, store, ix
}

func speech(d time.Duration) []int16 {
	samples := make([]int16, int(d.Seconds()*16000))
	for i := range samples {
		samples[i] = 3000
	}
	return samples
}

func stop(t *testing.T, m *Manager, id string) segment.SessionRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := m.Stop(ctx, id)
	require.NoError(t, err)
	return rec
}

func TestSession_StopForcesFinalCommit(t *testing.T) {
	m, store, ix := newManager(t, funcRecognizer(func(ctx context.Context, samples []int16) (string, error) {
		return "会议开始", nil
	}))

	s, err := m.Start(context.Background(), map[string]interface{}{"label": "standup"})
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), speech(time.Second)))

	rec := stop(t, m, s.ID())
	assert.Equal(t, segment.StatusCompleted, rec.Status)
	assert.Equal(t, EndStopped, rec.EndReason)
	assert.False(t, rec.EndedAt.IsZero())

	segs, err := store.List(s.ID(), nil).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "会议开始", segs[0].Text)
	assert.Equal(t, segment.ReasonFinal, segs[0].Reason)
	assert.Equal(t, time.Second, segs[0].End.Sub(segs[0].Start))
	assert.Equal(t, 1, ix.count())

	stored, err := store.GetSession(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Equal(t, "standup", stored.Label)
	assert.Equal(t, segment.StatusCompleted, stored.Status)

	_, ok := m.Get(s.ID())
	assert.False(t, ok)
	_, err = m.Stop(context.Background(), s.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSession_StreamsEventsAndSegments(t *testing.T) {
	m, store, ix := newManager(t, funcRecognizer(func(ctx context.Context, samples []int16) (string, error) {
		return "说完了。", nil
	}))

	s, err := m.Start(context.Background(), map[string]interface{}{"recognition_interval_ms": "500"})
	require.NoError(t, err)
	events, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Write(context.Background(), speech(2*time.Second)))
	require.Eventually(t, func() bool { return ix.count() == 4 }, 3*time.Second, 10*time.Millisecond)

	rec := stop(t, m, s.ID())
	assert.Equal(t, segment.StatusCompleted, rec.Status)

	var segmentEvents int
	for ev := range events {
		if ev.Type == transcriber.EventSegment {
			segmentEvents++
			assert.Equal(t, s.ID(), ev.SessionID)
		}
	}
	assert.Equal(t, 4, segmentEvents)

	segs, err := store.List(s.ID(), nil).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, segs, 4)
	for i := 1; i < len(segs); i++ {
		assert.Greater(t, segs[i].ID, segs[i-1].ID)
		assert.False(t, segs[i].Start.Before(segs[i-1].End))
	}
}

func TestSession_CaptureFaultFailsOnlyThatSession(t *testing.T) {
	m, store, _ := newManager(t, funcRecognizer(func(ctx context.Context, samples []int16) (string, error) {
		return "还在录", nil
	}))

	broken, err := m.Start(context.Background(), nil)
	require.NoError(t, err)
	healthy, err := m.Start(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, broken.Write(context.Background(), speech(500*time.Millisecond)))
	broken.CloseInput(errors.New("device unplugged"))

	select {
	case <-broken.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after capture fault")
	}

	rec := broken.Record()
	assert.Equal(t, segment.StatusFailed, rec.Status)
	assert.Contains(t, rec.EndReason, "device unplugged")

	// pending audio was finalized
	segs, err := store.List(broken.ID(), nil).Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, segs, 1)

	_, ok := m.Get(healthy.ID())
	assert.True(t, ok)
	assert.Equal(t, segment.StatusActive, healthy.Record().Status)
	require.NoError(t, healthy.Write(context.Background(), speech(100*time.Millisecond)))
}

// sharedASR serves one gRPC recognizer to every session. Buffers that
// start with a negative sample are rejected as invalid audio.
func sharedASR(t *testing.T, rejected *atomic.Int32) stt.Recognizer {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != "/"+stt.RecognizerService+"/Recognize" {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		pcm, _ := base64.StdEncoding.DecodeString(req.Fields["audio"].GetStringValue())
		if len(pcm) >= 2 && int16(uint16(pcm[0])|uint16(pcm[1])<<8) < 0 {
			rejected.Add(1)
			return status.Error(codes.InvalidArgument, "audio is not decodable")
		}
		resp, _ := structpb.NewStruct(map[string]interface{}{"text": "第二个会话正常", "cache": ""})
		return stream.SendMsg(resp)
	}))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	r, err := stt.NewGRPCRecognizer(context.Background(), stt.GRPCOptions{
		Target:  "passthrough:///bufnet",
		Timeout: 2 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
		Reconnect:      &resilience.ReconnectConfig{MaxAttempts: 1, Backoff: time.Millisecond, Multiplier: 1, MaxBackoff: time.Millisecond},
		CircuitBreaker: resilience.NewCircuitBreaker("recognizer", 3, 30*time.Second),
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSession_RecognizerRejectionsStayInOneSession(t *testing.T) {
	var rejected atomic.Int32
	m, store, _ := newManager(t, sharedASR(t, &rejected))

	noisy, err := m.Start(context.Background(), map[string]interface{}{"recognition_interval_ms": 100})
	require.NoError(t, err)
	garbled := speech(time.Second)
	for i := range garbled {
		garbled[i] = -garbled[i]
	}
	require.NoError(t, noisy.Write(context.Background(), garbled))
	require.Eventually(t, func() bool { return rejected.Load() >= 6 }, 5*time.Second, 10*time.Millisecond)

	clean, err := m.Start(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, clean.Write(context.Background(), speech(500*time.Millisecond)))

	rec := stop(t, m, clean.ID())
	assert.Equal(t, segment.StatusCompleted, rec.Status)
	segs, err := store.List(clean.ID(), nil).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "第二个会话正常", segs[0].Text)

	assert.Equal(t, segment.StatusCompleted, stop(t, m, noisy.ID()).Status)
	segs, err = store.List(noisy.ID(), nil).Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestSession_GracePeriodCancelsInflightRecognition(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	m, store, _ := newManager(t, funcRecognizer(func(ctx context.Context, samples []int16) (string, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return "部分结果", nil
		}
		<-ctx.Done()
		return "", ctx.Err()
	}))

	s, err := m.Start(context.Background(), map[string]interface{}{"recognition_interval_ms": 100})
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), speech(300*time.Millisecond)))

	start := time.Now()
	rec := stop(t, m, s.ID())
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, segment.StatusCompleted, rec.Status)

	segs, err := store.List(s.ID(), nil).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "部分结果", segs[0].Text)
	assert.Equal(t, segment.ReasonFinal, segs[0].Reason)
}

func TestSession_FileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meeting.pcm")
	require.NoError(t, os.WriteFile(path, audio.EncodePCM16(speech(time.Second)), 0o644))

	m, store, _ := newManager(t, funcRecognizer(func(ctx context.Context, samples []int16) (string, error) {
		return "文件内容", nil
	}))

	s, err := m.Start(context.Background(), map[string]interface{}{
		"source":    "file",
		"file_path": path,
		"realtime":  false,
	})
	require.NoError(t, err)
	assert.Error(t, s.Write(context.Background(), speech(time.Second)))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("file session did not end")
	}

	assert.Equal(t, EndSourceEnded, s.Record().EndReason)
	segs, err := store.List(s.ID(), nil).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "文件内容", segs[0].Text)
}

func TestManager_StartRejectsBadSettings(t *testing.T) {
	m, _, _ := newManager(t, funcRecognizer(func(ctx context.Context, samples []int16) (string, error) {
		return "", nil
	}))

	_, err := m.Start(context.Background(), map[string]interface{}{"source": "file"})
	assert.Error(t, err)

	_, err = m.Start(context.Background(), map[string]interface{}{"source": "file", "file_path": "/does/not/exist.pcm"})
	assert.Error(t, err)
	assert.Empty(t, m.Active())
}

func TestManager_Shutdown(t *testing.T) {
	m, store, _ := newManager(t, funcRecognizer(func(ctx context.Context, samples []int16) (string, error) {
		return "关机前", nil
	}))

	for i := 0; i < 3; i++ {
		s, err := m.Start(context.Background(), nil)
		require.NoError(t, err)
		require.NoError(t, s.Write(context.Background(), speech(200*time.Millisecond)))
	}
	require.Len(t, m.Active(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.Active())

	records, err := store.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Equal(t, segment.StatusCompleted, rec.Status)
		assert.Equal(t, EndShutdown, rec.EndReason)
	}

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Segments)
}

func TestDecodeSettings(t *testing.T) {
	s, err := DecodeSettings(map[string]interface{}{
		"Label":                   "weekly sync",
		"recognition-interval-ms": "1500",
		"CacheResetPolicy":        "always",
		"vad_enabled":             "false",
	})
	require.NoError(t, err)
	assert.Equal(t, "weekly sync", s.Label)
	assert.Equal(t, SourceStream, s.Source)
	assert.True(t, s.Realtime)
	require.NotNil(t, s.RecognitionIntervalMs)
	assert.Equal(t, 1500, *s.RecognitionIntervalMs)
	require.NotNil(t, s.CacheResetPolicy)
	assert.Equal(t, config.CacheResetAlways, *s.CacheResetPolicy)

	opts := s.transcriberOptions(testConfig())
	assert.Equal(t, 1500*time.Millisecond, opts.RecognitionInterval)
	assert.Equal(t, 30*time.Second, opts.MaxBufferDuration)
	assert.Equal(t, config.CacheResetAlways, opts.CacheResetPolicy)
	assert.Nil(t, opts.VAD)

	empty, err := DecodeSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, SourceStream, empty.Source)
	assert.Nil(t, empty.RecognitionIntervalMs)
}

func TestDecodeSettings_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]interface{}
	}{
		{"unknown key", map[string]interface{}{"colour": "blue"}},
		{"unknown source", map[string]interface{}{"source": "microphone"}},
		{"file without path", map[string]interface{}{"source": "file"}},
		{"bad policy", map[string]interface{}{"cache_reset_policy": "sometimes"}},
		{"zero interval", map[string]interface{}{"recognition_interval_ms": 0}},
		{"not a number", map[string]interface{}{"max_buffer_duration_ms": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSettings(tt.input)
			assert.Error(t, err)
		})
	}
}
