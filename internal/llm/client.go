// Package llm talks to an OpenAI-compatible API for chat completions and
// embeddings.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/soundmem/internal/errorsx"
	"github.com/lexiqai/soundmem/internal/observability"
	"github.com/lexiqai/soundmem/internal/resilience"
)

// Options configures a Client
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
	Retry          *resilience.RetryConfig
	CircuitBreaker *resilience.CircuitBreaker
	HTTPClient     *http.Client
}

// Client is a minimal OpenAI-compatible client
type Client struct {
	opts   Options
	http   *http.Client
	cb     *resilience.CircuitBreaker
	logger zerolog.Logger
}

// Message is one chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    float64   `json:"temperature"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	Stream         bool      `json:"stream"`
	EnableThinking *bool     `json:"enable_thinking,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta        Message `json:"delta"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewClient creates a client. BaseURL defaults to the OpenAI endpoint.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	cb := opts.CircuitBreaker
	if cb == nil {
		cb = resilience.NewCircuitBreaker("completion", 5, 30*time.Second)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		opts:   opts,
		http:   hc,
		cb:     cb,
		logger: observability.WithComponent("llm"),
	}
}

// Complete sends a system and user prompt and returns the answer text
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	req := chatRequest{
		Model: c.opts.Model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}
	if c.isQwen() {
		// Qwen rejects thinking mode on non-streaming calls
		off := false
		req.EnableThinking = &off
	}

	start := time.Now()
	var resp chatResponse
	err := c.call(ctx, "/chat/completions", req, &resp)
	observability.ObserveCompletionLatency(time.Since(start))
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("chat completion: %w", err), errorsx.KindCompletion)
	}
	if len(resp.Choices) == 0 {
		return "", errorsx.Wrap(errors.New("chat completion: no choices"), errorsx.KindCompletion)
	}

	c.logger.Debug().
		Str("model", c.opts.Model).
		Str("finish_reason", resp.Choices[0].FinishReason).
		Dur("latency", time.Since(start)).
		Msg("Completion received")
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// CompleteStream is Complete with the answer delivered as it is
// generated. onDelta receives each content fragment in order; an error
// from it aborts the stream. The full trimmed text is returned.
// Opening the stream is retried like Complete, a broken stream is not.
func (c *Client) CompleteStream(ctx context.Context, system, user string, onDelta func(string) error) (string, error) {
	req := chatRequest{
		Model: c.opts.Model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
		Stream:      true,
	}
	if c.isQwen() {
		on := true
		req.EnableThinking = &on
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("encode request: %w", err), errorsx.KindCompletion)
	}

	start := time.Now()
	defer func() { observability.ObserveCompletionLatency(time.Since(start)) }()

	var resp *http.Response
	err = resilience.Retry(ctx, c.opts.Retry, isRetryable, func(ctx context.Context) error {
		return c.cb.Call(func() error {
			var openErr error
			resp, openErr = c.open(ctx, "/chat/completions", body, "text/event-stream")
			return openErr
		})
	})
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("chat completion stream: %w", err), errorsx.KindCompletion)
	}
	defer resp.Body.Close()

	var text strings.Builder
	finish := ""
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug().Err(err).Msg("Skipping malformed stream chunk")
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].FinishReason != "" {
			finish = chunk.Choices[0].FinishReason
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		text.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return "", errorsx.Wrap(fmt.Errorf("chat completion stream: %w", err), errorsx.KindCompletion)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("chat completion stream: %w", err), errorsx.KindCompletion)
	}

	c.logger.Debug().
		Str("model", c.opts.Model).
		Str("finish_reason", finish).
		Dur("latency", time.Since(start)).
		Msg("Completion stream finished")
	return strings.TrimSpace(text.String()), nil
}

// Embed returns the embedding of text. It satisfies index.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embeddingResponse
	err := c.call(ctx, "/embeddings", embeddingRequest{Model: c.opts.EmbeddingModel, Input: []string{text}}, &resp)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("embedding: %w", err), errorsx.KindIndex)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errorsx.Wrap(errors.New("embedding: empty response"), errorsx.KindIndex)
	}
	return resp.Data[0].Embedding, nil
}

func (c *Client) isQwen() bool {
	return strings.Contains(strings.ToLower(c.opts.Model), "qwen") ||
		strings.Contains(strings.ToLower(c.opts.BaseURL), "dashscope")
}

// call posts payload with retries behind the circuit breaker
func (c *Client) call(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	return resilience.Retry(ctx, c.opts.Retry, isRetryable, func(ctx context.Context) error {
		return c.cb.Call(func() error {
			return c.post(ctx, path, body, out)
		})
	})
}

func (c *Client) post(ctx context.Context, path string, body []byte, out interface{}) error {
	resp, err := c.open(ctx, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// open posts body and returns the response once a 2xx status arrives.
// The caller owns the body.
func (c *Client) open(ctx context.Context, path string, body []byte, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(statusErr)
		}
		return nil, statusErr
	}
	return resp, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}
