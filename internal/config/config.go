package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Recognizer backends
const (
	RecognizerGRPC     = "grpc"
	RecognizerDeepgram = "deepgram"
)

// Embedding backends
const (
	EmbeddingHash   = "hash"
	EmbeddingOpenAI = "openai"
)

// Cache reset policies applied at a timeout commit
const (
	CacheResetNever        = "never"
	CacheResetAlways       = "always"
	CacheResetContextLimit = "context_limit"
)

// Config holds all configuration for the SoundMem service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Audio capture configuration
	SampleRate      int `envconfig:"SAMPLE_RATE" default:"16000"`      // Hz, mono PCM16
	Channels        int `envconfig:"CHANNELS" default:"1"`             // Only mono is transcribed
	FrameDurationMs int `envconfig:"FRAME_DURATION_MS" default:"100"`  // Fixed frame size
	FrameQueueSize  int `envconfig:"FRAME_QUEUE_SIZE" default:"64"`    // Frames buffered between capture and recognition

	// Voice activity detection (silence gate in front of the recognizer)
	VADEnabled         bool    `envconfig:"VAD_ENABLED" default:"true"`
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"300.0"` // RMS energy threshold on PCM16
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`

	// Streaming transcription policy
	RecognitionIntervalMs int    `envconfig:"RECOGNITION_INTERVAL_MS" default:"2000"`  // Audio accumulated between recognition calls
	MaxBufferDurationMs   int    `envconfig:"MAX_BUFFER_DURATION_MS" default:"30000"`  // Timeout commit threshold
	CacheResetPolicy      string `envconfig:"CACHE_RESET_POLICY" default:"context_limit"`
	CacheMaxContextMs     int    `envconfig:"CACHE_MAX_CONTEXT_MS" default:"120000"`   // Used by context_limit
	SessionGracePeriodMs  int    `envconfig:"SESSION_GRACE_PERIOD_MS" default:"5000"`  // In-flight recognition allowance at teardown

	// Recognizer configuration
	RecognizerBackend    string `envconfig:"RECOGNIZER_BACKEND" default:"grpc"`
	RecognizerURL        string `envconfig:"RECOGNIZER_URL" default:"localhost:50051"`
	RecognizerTLSEnabled bool   `envconfig:"RECOGNIZER_TLS_ENABLED" default:"false"`
	RecognizerTimeout    int    `envconfig:"RECOGNIZER_TIMEOUT" default:"30"` // seconds
	DeepgramAPIKey       string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel        string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage     string `envconfig:"DEEPGRAM_LANGUAGE" default:"zh"`

	// Segment storage
	StorePath string `envconfig:"STORE_PATH" default:"./data/soundmem.db"`

	// Embedding and similarity index
	EmbeddingBackend     string `envconfig:"EMBEDDING_BACKEND" default:"hash"`
	EmbeddingModel       string `envconfig:"EMBEDDING_MODEL" default:"BAAI/bge-small-zh-v1.5"`
	EmbeddingDim         int    `envconfig:"EMBEDDING_DIM" default:"512"` // Only used by the hash backend
	IndexQueueSize       int    `envconfig:"INDEX_QUEUE_SIZE" default:"256"`
	IndexRetryIntervalMs int    `envconfig:"INDEX_RETRY_INTERVAL_MS" default:"10000"`

	// Completion service (OpenAI-compatible)
	OpenAIAPIKey      string  `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIBaseURL     string  `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	ModelName         string  `envconfig:"MODEL_NAME" default:"gpt-3.5-turbo"`
	Temperature       float64 `envconfig:"TEMPERATURE" default:"0.7"`
	MaxTokens         int     `envconfig:"MAX_TOKENS" default:"2000"`
	TopK              int     `envconfig:"TOP_K" default:"5"`
	MinSimilarity     float64 `envconfig:"MIN_SIMILARITY" default:"0"`
	ContextMaxChars   int     `envconfig:"CONTEXT_MAX_CHARS" default:"4000"`
	CompletionTimeout int     `envconfig:"COMPLETION_TIMEOUT" default:"60"` // seconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that envconfig cannot express
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 {
		return fmt.Errorf("CHANNELS must be 1 (mono), got %d", c.Channels)
	}
	if c.FrameDurationMs <= 0 {
		return fmt.Errorf("FRAME_DURATION_MS must be positive, got %d", c.FrameDurationMs)
	}
	if c.FrameQueueSize <= 0 {
		return fmt.Errorf("FRAME_QUEUE_SIZE must be positive, got %d", c.FrameQueueSize)
	}
	if c.RecognitionIntervalMs <= 0 {
		return fmt.Errorf("RECOGNITION_INTERVAL_MS must be positive, got %d", c.RecognitionIntervalMs)
	}
	if c.MaxBufferDurationMs < c.RecognitionIntervalMs {
		return fmt.Errorf("MAX_BUFFER_DURATION_MS (%d) must not be shorter than RECOGNITION_INTERVAL_MS (%d)",
			c.MaxBufferDurationMs, c.RecognitionIntervalMs)
	}

	switch c.CacheResetPolicy {
	case CacheResetNever, CacheResetAlways:
	case CacheResetContextLimit:
		if c.CacheMaxContextMs <= 0 {
			return fmt.Errorf("CACHE_MAX_CONTEXT_MS must be positive for policy %q", c.CacheResetPolicy)
		}
	default:
		return fmt.Errorf("unknown CACHE_RESET_POLICY %q", c.CacheResetPolicy)
	}

	switch c.RecognizerBackend {
	case RecognizerGRPC:
		if c.RecognizerURL == "" {
			return fmt.Errorf("RECOGNIZER_URL is required for the grpc recognizer")
		}
	case RecognizerDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the deepgram recognizer")
		}
	default:
		return fmt.Errorf("unknown RECOGNIZER_BACKEND %q", c.RecognizerBackend)
	}

	switch c.EmbeddingBackend {
	case EmbeddingHash:
		if c.EmbeddingDim <= 0 {
			return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
		}
	case EmbeddingOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai embedding backend")
		}
	default:
		return fmt.Errorf("unknown EMBEDDING_BACKEND %q", c.EmbeddingBackend)
	}

	if c.TopK <= 0 {
		return fmt.Errorf("TOP_K must be positive, got %d", c.TopK)
	}

	if c.SessionGracePeriodMs <= 0 {
		return fmt.Errorf("SESSION_GRACE_PERIOD_MS must be positive, got %d", c.SessionGracePeriodMs)
	}
	if c.RecognizerTimeout <= 0 {
		return fmt.Errorf("RECOGNIZER_TIMEOUT must be positive, got %d", c.RecognizerTimeout)
	}
	if c.CompletionTimeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be positive, got %d", c.CompletionTimeout)
	}
	if c.IndexRetryIntervalMs <= 0 {
		return fmt.Errorf("INDEX_RETRY_INTERVAL_MS must be positive, got %d", c.IndexRetryIntervalMs)
	}

	return nil
}

// FrameDuration returns the fixed capture frame duration
func (c *Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameDurationMs) * time.Millisecond
}

// FrameSamples returns the number of samples in one frame
func (c *Config) FrameSamples() int {
	return c.SampleRate * c.FrameDurationMs / 1000
}

// RecognitionInterval returns the amount of audio accumulated between recognition calls
func (c *Config) RecognitionInterval() time.Duration {
	return time.Duration(c.RecognitionIntervalMs) * time.Millisecond
}

// MaxBufferDuration returns the timeout commit threshold
func (c *Config) MaxBufferDuration() time.Duration {
	return time.Duration(c.MaxBufferDurationMs) * time.Millisecond
}

// CacheMaxContext returns the context age after which a timeout commit resets the cache
func (c *Config) CacheMaxContext() time.Duration {
	return time.Duration(c.CacheMaxContextMs) * time.Millisecond
}

// SessionGracePeriod returns how long teardown waits for an in-flight recognition call
func (c *Config) SessionGracePeriod() time.Duration {
	return time.Duration(c.SessionGracePeriodMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
