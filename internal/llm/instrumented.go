package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/coderloop/internal/metrics"
)

// Instrumented decorates a Client with logging, request metrics and token
// accounting.
type Instrumented struct {
	next    Client
	backend string
	logger  *zap.Logger
	metrics *metrics.Metrics
	count   func(string) int
}

// Instrument wraps next. count may be nil, in which case EstimateTokens is used.
func Instrument(next Client, backend string, logger *zap.Logger, m *metrics.Metrics, count func(string) int) *Instrumented {
	if logger == nil {
		logger = zap.NewNop()
	}
	if count == nil {
		count = EstimateTokens
	}
	return &Instrumented{next: next, backend: backend, logger: logger, metrics: m, count: count}
}

func (c *Instrumented) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	promptTokens := CountMessages(messages, c.count)
	start := time.Now()
	out, err := c.next.Complete(ctx, messages, opts)
	elapsed := time.Since(start)

	c.metrics.RecordLLMRequest(c.backend, Status(err), elapsed)
	if err != nil {
		c.logger.Warn("model request failed",
			zap.String("backend", c.backend),
			zap.String("model", opts.Model),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return "", err
	}

	completionTokens := c.count(out)
	c.metrics.RecordLLMTokens(c.backend, promptTokens, completionTokens)
	c.logger.Info("model request",
		zap.String("backend", c.backend),
		zap.String("model", opts.Model),
		zap.Int("messages", len(messages)),
		zap.Int("prompt_tokens", promptTokens),
		zap.Int("completion_tokens", completionTokens),
		zap.Duration("elapsed", elapsed),
	)
	return out, nil
}

var _ Client = (*Instrumented)(nil)
