package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Backends served through the OpenAI-compatible chat completions API.
const (
	BackendOpenAI = "openai"
	BackendGroq   = "groq"

	GroqBaseURL = "https://api.groq.com/openai/v1"
)

// DefaultModels holds the model used per backend when none is configured.
var DefaultModels = map[string]string{
	BackendOpenAI: "gpt-4o-mini",
	BackendGroq:   "llama3-70b-8192",
}

// Config selects and authenticates a backend.
type Config struct {
	Backend string
	APIKey  string
	BaseURL string // overrides the backend default
	Timeout time.Duration
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client  *openai.Client
	backend string
	logger  *zap.Logger
}

// New builds a client for cfg.Backend.
func New(cfg Config, logger *zap.Logger) (*OpenAIClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: no API key for backend %q", ErrAuthFailed, cfg.Backend)
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	switch cfg.Backend {
	case BackendOpenAI:
	case BackendGroq:
		oc.BaseURL = GroqBaseURL
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(oc),
		backend: cfg.Backend,
		logger:  logger,
	}, nil
}

// Backend returns the configured backend name.
func (c *OpenAIClient) Backend() string { return c.backend }

func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       opts.Model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	// A zero temperature is dropped by omitempty and the server default applies.
	if req.Temperature == 0 {
		req.Temperature = math.SmallestNonzeroFloat32
	}
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleSystem {
			role = openai.ChatMessageRoleSystem
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", c.mapError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.logger.Warn(c.backend+" returned no content",
			zap.String("model", opts.Model),
			zap.Int("choices", len(resp.Choices)),
		)
		return "", ErrEmptyResponse
	}
	c.logger.Debug("completion received",
		zap.String("backend", c.backend),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) mapError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthFailed
	case http.StatusTooManyRequests:
		return ErrRateLimit
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	c.logger.Error(c.backend+" request failed", zap.Int("status", status), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrRequestFailed, c.backend, err)
}

var _ Client = (*OpenAIClient)(nil)
