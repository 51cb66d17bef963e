package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	restapi "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/lexiqai/soundmem/internal/audio"
	"github.com/lexiqai/soundmem/internal/errorsx"
	"github.com/lexiqai/soundmem/internal/resilience"
)

// transcribeFunc sends one audio blob to the hosted service
type transcribeFunc func(ctx context.Context, src io.Reader) (interface{}, error)

// DeepgramRecognizer transcribes each buffer with Deepgram's pre-recorded
// API. The hosted model keeps no context between calls, so the session
// cache is passed back untouched.
type DeepgramRecognizer struct {
	transcribe     transcribeFunc
	timeout        time.Duration
	circuitBreaker *resilience.CircuitBreaker
}

// DeepgramOptions configures a DeepgramRecognizer
type DeepgramOptions struct {
	APIKey         string
	Model          string
	Language       string
	Timeout        time.Duration
	CircuitBreaker *resilience.CircuitBreaker
}

// NewDeepgramRecognizer creates a REST client for the hosted recognizer
func NewDeepgramRecognizer(opts DeepgramOptions) (*DeepgramRecognizer, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("deepgram API key is required")
	}

	tOptions := &interfaces.PreRecordedTranscriptionOptions{
		Model:       opts.Model,
		Language:    opts.Language,
		Punctuate:   true,
		SmartFormat: true,
	}

	c := listenClient.NewREST(opts.APIKey, &interfaces.ClientOptions{})
	dg := restapi.New(c)
	if dg == nil {
		return nil, fmt.Errorf("failed to create deepgram REST client")
	}

	return newDeepgramRecognizer(func(ctx context.Context, src io.Reader) (interface{}, error) {
		return dg.FromStream(ctx, src, tOptions)
	}, opts.Timeout, opts.CircuitBreaker), nil
}

func newDeepgramRecognizer(fn transcribeFunc, timeout time.Duration, cb *resilience.CircuitBreaker) *DeepgramRecognizer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cb == nil {
		cb = resilience.NewCircuitBreaker("deepgram", 5, 30*time.Second)
	}
	return &DeepgramRecognizer{
		transcribe:     fn,
		timeout:        timeout,
		circuitBreaker: cb,
	}
}

// deepgramResponse is the subset of the pre-recorded response we read
type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Recognize uploads the buffer as WAV and returns the first transcript
func (d *DeepgramRecognizer) Recognize(ctx context.Context, samples []int16, sampleRate int, cache Cache) (Result, error) {
	wav := audio.EncodeWAV(samples, sampleRate)

	var res interface{}
	err := d.circuitBreaker.CallFiltered(func() error {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		var callErr error
		res, callErr = d.transcribe(callCtx, bytes.NewReader(wav))
		return callErr
	}, deepgramBackendFault)
	if err != nil {
		return Result{}, errorsx.Wrap(fmt.Errorf("deepgram transcribe: %w", err), errorsx.KindRecognition)
	}

	text, err := transcriptOf(res)
	if err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.KindRecognition)
	}

	return Result{Text: text, Cache: cache}, nil
}

// transcriptOf extracts the transcript through the response's JSON form
func transcriptOf(res interface{}) (string, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encode deepgram response: %w", err)
	}

	var parsed deepgramResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode deepgram response: %w", err)
	}

	for _, ch := range parsed.Results.Channels {
		if len(ch.Alternatives) > 0 {
			return strings.TrimSpace(ch.Alternatives[0].Transcript), nil
		}
	}
	return "", nil
}
