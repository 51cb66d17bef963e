package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dimiro1/banner"

	"github.com/lexiqai/soundmem/internal/config"
	"github.com/lexiqai/soundmem/internal/index"
	"github.com/lexiqai/soundmem/internal/llm"
	"github.com/lexiqai/soundmem/internal/observability"
	"github.com/lexiqai/soundmem/internal/rag"
	"github.com/lexiqai/soundmem/internal/resilience"
	"github.com/lexiqai/soundmem/internal/resource"
	"github.com/lexiqai/soundmem/internal/segment"
	"github.com/lexiqai/soundmem/internal/server"
	"github.com/lexiqai/soundmem/internal/session"
	"github.com/lexiqai/soundmem/internal/stt"
)

// memoryStorePath selects the in-process store instead of a bolt file
const memoryStorePath = ":memory:"

func printBanner() {
	tpl := "{{ .Title \"SOUNDMEM\" \"\" 0 }}\nVersion: " + observability.ServiceVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	if cfg.LogPretty {
		printBanner()
	}

	logger.Info().
		Str("port", cfg.Port).
		Str("recognizer_backend", cfg.RecognizerBackend).
		Str("embedding_backend", cfg.EmbeddingBackend).
		Str("store_path", cfg.StorePath).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("SoundMem service starting")

	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open segment store")
	}

	lastID, err := store.LastID(context.Background())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read last segment id")
	}

	retry := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	completionBreaker := resilience.NewCircuitBreaker("completion",
		cfg.CircuitBreakerMaxFailures, time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)

	client := llm.NewClient(llm.Options{
		APIKey:         cfg.OpenAIAPIKey,
		BaseURL:        cfg.OpenAIBaseURL,
		Model:          cfg.ModelName,
		EmbeddingModel: cfg.EmbeddingModel,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
		Timeout:        time.Duration(cfg.CompletionTimeout) * time.Second,
		Retry:          retry,
		CircuitBreaker: completionBreaker,
	})

	// Process-wide model handles, shared by every session
	recognizers := resource.NewHandle[stt.Recognizer]("recognizer", newRecognizer(cfg), closeRecognizer)
	embedders := resource.NewHandle[index.Embedder]("embedder", func(ctx context.Context) (index.Embedder, error) {
		if cfg.EmbeddingBackend == config.EmbeddingOpenAI {
			return client, nil
		}
		return index.NewHashEmbedder(cfg.EmbeddingDim), nil
	}, nil)

	indexer := index.NewIndexer(embedders, index.NewVectorIndex(), store, index.IndexerOptions{
		QueueSize:     cfg.IndexQueueSize,
		RetryInterval: time.Duration(cfg.IndexRetryIntervalMs) * time.Millisecond,
	})
	if _, err := indexer.Backfill(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Index backfill failed, continuing with a partial index")
	}

	indexCtx, stopIndexer := context.WithCancel(context.Background())
	indexerDone := make(chan struct{})
	go func() {
		defer close(indexerDone)
		indexer.Run(indexCtx)
	}()

	answers := rag.NewService(
		rag.NewRetriever(indexer, store, cfg.TopK, cfg.MinSimilarity),
		rag.NewComposer(cfg.ContextMaxChars, time.Local),
		client,
	)

	manager := session.NewManager(cfg, session.Dependencies{
		Store:       store,
		Recognizers: recognizers,
		Indexer:     indexer,
		IDs:         segment.NewIDAllocator(lastID),
	})

	// Readiness checks are built here to avoid import cycles
	storeCheck := func(ctx context.Context) (bool, error) {
		if err := store.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}

	recognizerCheck := func(ctx context.Context) (bool, error) {
		recognizer, err := recognizers.Acquire(ctx)
		if err != nil {
			return false, err
		}
		defer recognizers.Release()
		if hc, ok := recognizer.(interface {
			HealthCheck(ctx context.Context) (bool, error)
		}); ok {
			return hc.HealthCheck(ctx)
		}
		return true, nil
	}

	completionCheck := func(ctx context.Context) (bool, error) {
		if state := completionBreaker.GetState(); state == resilience.StateOpen {
			return false, fmt.Errorf("completion circuit breaker is %s", state)
		}
		return true, nil
	}

	srv := server.New(cfg, server.Dependencies{
		Sessions: manager,
		Store:    store,
		Answers:  answers,
		Index:    indexer,
		Checks: map[string]observability.HealthCheckFunc{
			"store":      storeCheck,
			"recognizer": recognizerCheck,
			"completion": completionCheck,
		},
	})

	// Create HTTP server with timeouts. Audio and event streams are
	// long-lived, so writes are bounded per message instead.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/sessions", cfg.Port)).
			Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Every running session gets its final commit before the stores close
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Sessions did not stop in time")
	}

	stopIndexer()
	<-indexerDone

	if err := recognizers.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close recognizer")
	}
	if err := embedders.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close embedder")
	}
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close segment store")
	}

	logger.Info().Msg("Server exited gracefully")
}

func openStore(cfg *config.Config) (segment.Store, error) {
	if cfg.StorePath == memoryStorePath {
		return segment.NewMemoryStore(), nil
	}
	return segment.OpenBoltStore(cfg.StorePath)
}

func newRecognizer(cfg *config.Config) resource.InitFunc[stt.Recognizer] {
	// Shared by every session. The recognizers count only backend
	// faults against it, never a rejection of one session's audio.
	breaker := resilience.NewCircuitBreaker("recognizer",
		cfg.CircuitBreakerMaxFailures, time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	timeout := time.Duration(cfg.RecognizerTimeout) * time.Second

	return func(ctx context.Context) (stt.Recognizer, error) {
		if cfg.RecognizerBackend == config.RecognizerDeepgram {
			return stt.NewDeepgramRecognizer(stt.DeepgramOptions{
				APIKey:         cfg.DeepgramAPIKey,
				Model:          cfg.DeepgramModel,
				Language:       cfg.DeepgramLanguage,
				Timeout:        timeout,
				CircuitBreaker: breaker,
			})
		}
		return stt.NewGRPCRecognizer(ctx, stt.GRPCOptions{
			Target:         cfg.RecognizerURL,
			TLSEnabled:     cfg.RecognizerTLSEnabled,
			Timeout:        timeout,
			CircuitBreaker: breaker,
			Reconnect: &resilience.ReconnectConfig{
				MaxAttempts: cfg.ReconnectMaxAttempts,
				Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
				Multiplier:  2.0,
				MaxBackoff:  30 * time.Second,
			},
		})
	}
}

func closeRecognizer(r stt.Recognizer) error {
	if c, ok := r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
