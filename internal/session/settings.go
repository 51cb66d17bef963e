package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/lexiqai/soundmem/internal/audio"
	"github.com/lexiqai/soundmem/internal/config"
	"github.com/lexiqai/soundmem/internal/transcriber"
)

// Audio sources a session can capture from
const (
	SourceStream = "stream" // pushed over the audio WebSocket
	SourceFile   = "file"   // raw PCM16LE file on the server host
)

// Settings are the per-session options supplied when a session starts.
// Unset policy fields fall back to the service configuration.
type Settings struct {
	Label    string `mapstructure:"label"`
	Source   string `mapstructure:"source"`
	FilePath string `mapstructure:"file_path"`
	Realtime bool   `mapstructure:"realtime"`

	RecognitionIntervalMs *int    `mapstructure:"recognition_interval_ms"`
	MaxBufferDurationMs   *int    `mapstructure:"max_buffer_duration_ms"`
	CacheResetPolicy      *string `mapstructure:"cache_reset_policy"`
	VADEnabled            *bool   `mapstructure:"vad_enabled"`
}

// DecodeSettings decodes a free-form settings map. Keys match field
// names case-insensitively, ignoring "_" and "-", and scalar values are
// weakly typed ("2000" decodes into an int). File sources are paced in
// real time unless "realtime" is false; unpaced reads outrun the
// recognizer and lose frames to the drop-oldest queue.
func DecodeSettings(input map[string]interface{}) (Settings, error) {
	s := Settings{Realtime: true}
	if len(input) > 0 {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "mapstructure",
			Result:           &s,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
			MatchName: func(mapKey, fieldName string) bool {
				return normalizeKey(mapKey) == normalizeKey(fieldName)
			},
		})
		if err != nil {
			return s, err
		}
		if err := decoder.Decode(input); err != nil {
			return s, fmt.Errorf("decode session settings: %w", err)
		}
	}

	if s.Source == "" {
		s.Source = SourceStream
	}
	return s, s.validate()
}

func (s Settings) validate() error {
	switch s.Source {
	case SourceStream:
	case SourceFile:
		if strings.TrimSpace(s.FilePath) == "" {
			return fmt.Errorf("file_path is required for source %q", SourceFile)
		}
	default:
		return fmt.Errorf("unknown source %q", s.Source)
	}
	if s.RecognitionIntervalMs != nil && *s.RecognitionIntervalMs <= 0 {
		return fmt.Errorf("recognition_interval_ms must be positive")
	}
	if s.MaxBufferDurationMs != nil && *s.MaxBufferDurationMs <= 0 {
		return fmt.Errorf("max_buffer_duration_ms must be positive")
	}
	if s.CacheResetPolicy != nil {
		switch *s.CacheResetPolicy {
		case config.CacheResetNever, config.CacheResetAlways, config.CacheResetContextLimit:
		default:
			return fmt.Errorf("unknown cache_reset_policy %q", *s.CacheResetPolicy)
		}
	}
	return nil
}

// transcriberOptions applies the overrides on top of the service defaults
func (s Settings) transcriberOptions(cfg *config.Config) transcriber.Options {
	opts := transcriber.OptionsFromConfig(cfg)
	if s.RecognitionIntervalMs != nil {
		opts.RecognitionInterval = msDuration(*s.RecognitionIntervalMs)
	}
	if s.MaxBufferDurationMs != nil {
		opts.MaxBufferDuration = msDuration(*s.MaxBufferDurationMs)
	}
	if s.CacheResetPolicy != nil {
		opts.CacheResetPolicy = *s.CacheResetPolicy
	}
	if s.VADEnabled != nil && !*s.VADEnabled {
		opts.VAD = nil
	}
	if s.VADEnabled != nil && *s.VADEnabled && opts.VAD == nil {
		opts.VAD = &audio.VADConfig{EnergyThreshold: cfg.VADEnergyThreshold, SilenceFrames: cfg.VADSilenceFrames}
	}
	return opts
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
