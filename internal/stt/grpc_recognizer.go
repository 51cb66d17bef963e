package stt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/soundmem/internal/audio"
	"github.com/lexiqai/soundmem/internal/errorsx"
	"github.com/lexiqai/soundmem/internal/observability"
	"github.com/lexiqai/soundmem/internal/resilience"
)

const (
	// RecognizerService is the gRPC service name served by the ASR backend
	RecognizerService = "soundmem.asr.v1.Recognizer"
	recognizeMethod   = "/" + RecognizerService + "/Recognize"
)

// GRPCOptions configures a GRPCRecognizer
type GRPCOptions struct {
	Target         string
	TLSEnabled     bool
	Timeout        time.Duration // Per-call deadline
	CircuitBreaker *resilience.CircuitBreaker
	Reconnect      *resilience.ReconnectConfig
	DialOptions    []grpc.DialOption // Extra options, e.g. a custom dialer
}

// GRPCRecognizer calls a remote streaming ASR model over gRPC. Requests
// and responses are google.protobuf.Struct messages:
//
//	request:  {audio: base64 PCM16LE, sample_rate: number, cache: base64}
//	response: {text: string, cache: base64}
type GRPCRecognizer struct {
	opts           GRPCOptions
	conn           *grpc.ClientConn
	mu             sync.RWMutex
	isConnected    bool
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewGRPCRecognizer connects to the recognizer, retrying with backoff
// until the backend reports healthy or the attempts run out.
func NewGRPCRecognizer(ctx context.Context, opts GRPCOptions) (*GRPCRecognizer, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	r := &GRPCRecognizer{
		opts:           opts,
		circuitBreaker: opts.CircuitBreaker,
		logger:         observability.WithComponent("grpc_recognizer").With().Str("target", opts.Target).Logger(),
	}
	if r.circuitBreaker == nil {
		r.circuitBreaker = resilience.NewCircuitBreaker("recognizer", 5, 30*time.Second)
	}

	err := resilience.Reconnect(ctx, "recognizer", func(ctx context.Context) error {
		if err := r.connect(); err != nil {
			return err
		}
		if _, err := r.HealthCheck(ctx); err != nil {
			r.Close()
			return err
		}
		return nil
	}, opts.Reconnect)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.KindRecognition)
	}

	return r, nil
}

// connect creates the client connection
func (r *GRPCRecognizer) connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isConnected && r.conn != nil {
		return nil
	}

	var opts []grpc.DialOption
	if r.opts.TLSEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, r.opts.DialOptions...)

	conn, err := grpc.NewClient(r.opts.Target, opts...)
	if err != nil {
		return fmt.Errorf("failed to create recognizer client for %s: %w", r.opts.Target, err)
	}

	r.conn = conn
	r.isConnected = true
	r.logger.Info().Msg("Recognizer client created")
	return nil
}

// Recognize sends the whole buffer and the session cache to the model
func (r *GRPCRecognizer) Recognize(ctx context.Context, samples []int16, sampleRate int, cache Cache) (Result, error) {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if conn == nil {
		return Result{}, errorsx.Wrap(fmt.Errorf("recognizer client is not connected"), errorsx.KindRecognition)
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"audio":       base64.StdEncoding.EncodeToString(audio.EncodePCM16(samples)),
		"sample_rate": float64(sampleRate),
		"cache":       base64.StdEncoding.EncodeToString(cache),
	})
	if err != nil {
		return Result{}, errorsx.Wrap(fmt.Errorf("build recognize request: %w", err), errorsx.KindRecognition)
	}

	resp := &structpb.Struct{}
	err = r.circuitBreaker.CallFiltered(func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
		return conn.Invoke(callCtx, recognizeMethod, req, resp)
	}, grpcBackendFault)
	if err != nil {
		return Result{}, errorsx.Wrap(fmt.Errorf("recognize: %w", err), errorsx.KindRecognition)
	}

	fields := resp.GetFields()
	newCache, err := base64.StdEncoding.DecodeString(fields["cache"].GetStringValue())
	if err != nil {
		return Result{}, errorsx.Wrap(fmt.Errorf("decode recognizer cache: %w", err), errorsx.KindRecognition)
	}

	return Result{
		Text:  fields["text"].GetStringValue(),
		Cache: Cache(newCache),
	}, nil
}

// HealthCheck queries the standard gRPC health service. Backends that
// do not implement it are treated as healthy once reachable.
func (r *GRPCRecognizer) HealthCheck(ctx context.Context) (bool, error) {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if conn == nil {
		return false, fmt.Errorf("recognizer client is not connected")
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: RecognizerService})
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			return true, nil
		}
		return false, fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return false, fmt.Errorf("recognizer status %s", resp.GetStatus())
	}
	return true, nil
}

// Close closes the gRPC connection
func (r *GRPCRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		err := r.conn.Close()
		r.isConnected = false
		r.conn = nil
		return err
	}

	return nil
}

// IsConnected returns whether the client is currently connected
func (r *GRPCRecognizer) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isConnected
}
