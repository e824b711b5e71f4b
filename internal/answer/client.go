package answer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	DefaultBaseURL     = "https://api.groq.com/openai/v1"
	DefaultModel       = "llama-3.3-70b-versatile"
	DefaultTemperature = 0.1
	DefaultTimeout     = 15 * time.Second

	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

var _ Engine = (*Client)(nil)

// Client is an Engine backed by an OpenAI-compatible chat completions API.
type Client struct {
	api         *openai.Client
	composer    *Composer
	model       string
	temperature float32
	timeout     time.Duration
	configured  bool
}

// NewClient creates a Client. Without an API key every call fails with
// ErrUnavailable.
func NewClient(cfg Config, composer *Composer) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if composer == nil {
		composer = NewComposerWithCounter(EstimateTokens, 0)
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Client{
		api:         openai.NewClientWithConfig(oc),
		composer:    composer,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		configured:  cfg.APIKey != "",
	}
}

// API exposes the underlying client so the embedding vectorizer can share
// credentials and transport.
func (c *Client) API() *openai.Client {
	return c.api
}

func (c *Client) Ask(ctx context.Context, req Request) (Reply, error) {
	if !c.configured {
		return Reply{}, &Error{Err: fmt.Errorf("%w: no API key configured", ErrUnavailable)}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    c.composer.Messages(req),
		Temperature: c.temperature,
	}

	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.complete(ctx, chatReq)
		if err == nil {
			if len(resp.Choices) == 0 {
				return Reply{}, &Error{Err: errors.New("response contained no choices")}
			}
			return parseReply(resp.Choices[0].Message.Content), nil
		}

		if !isRateLimit(err) {
			return Reply{}, classify(err)
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return Reply{}, &Error{Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}
	}

	return Reply{}, &Error{Err: fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)}
}

func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.api.CreateChatCompletion(reqCtx, req)
}

// Ping checks that the endpoint is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if !c.configured {
		return &Error{Err: fmt.Errorf("%w: no API key configured", ErrUnavailable)}
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.api.ListModels(reqCtx); err != nil {
		return classify(err)
	}
	return nil
}

func isRateLimit(err error) bool {
	return statusCode(err) == http.StatusTooManyRequests
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// classify wraps err, marking transport failures as ErrUnavailable.
func classify(err error) error {
	if statusCode(err) != 0 {
		return &Error{Err: err}
	}
	return &Error{Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
}
