// Package ai wraps the remote text-generation model behind the Gateway
// contract used by the chat pipeline.
//
// Every failure a Gateway reports wraps ErrGatewayFailure: transport errors,
// provider errors, timeouts and empty answers alike. Callers decide the
// fallback; gateways never retry.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/webchat/backend/internal/config"
	"github.com/zhouzirui/webchat/backend/internal/model/chat"
	"github.com/zhouzirui/webchat/backend/internal/observability"
)

// ErrGatewayFailure marks any failed model call.
var ErrGatewayFailure = errors.New("model gateway failure")

var errEmptyResponse = errors.New("empty model response")

// Gateway answers chat turns and produces short titles.
type Gateway interface {
	// Respond produces the reply to input given the prior conversation turns.
	Respond(ctx context.Context, history []chat.Turn, input string) (string, error)
	// Summarize condenses text into a short conversation title.
	Summarize(ctx context.Context, text string) (string, error)
}

// NewGateway builds the gateway for the configured provider.
func NewGateway(ctx context.Context, cfg config.AIConfig) (Gateway, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("ai provider %q is not configured", cfg.Provider)
	}
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIService(cfg), nil
	default:
		return NewService(ctx, cfg)
	}
}

func failure(operation string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrGatewayFailure, operation, err)
}

// Disabled fails every call. It stands in when no provider is configured so the
// pipeline still answers with its fallbacks.
type Disabled struct{}

var errNotConfigured = errors.New("no model configured")

func (Disabled) Respond(context.Context, []chat.Turn, string) (string, error) {
	return "", failure("respond", errNotConfigured)
}

func (Disabled) Summarize(context.Context, string) (string, error) {
	return "", failure("summarize", errNotConfigured)
}

type instrumented struct {
	next    Gateway
	metrics *observability.Metrics
}

// WithMetrics records the outcome and latency of every call made through g.
func WithMetrics(g Gateway, metrics *observability.Metrics) Gateway {
	if metrics == nil {
		return g
	}
	return &instrumented{next: g, metrics: metrics}
}

func (i *instrumented) Respond(ctx context.Context, history []chat.Turn, input string) (string, error) {
	start := time.Now()
	text, err := i.next.Respond(ctx, history, input)
	i.metrics.RecordGatewayCall("respond", time.Since(start), err)
	return text, err
}

func (i *instrumented) Summarize(ctx context.Context, text string) (string, error) {
	start := time.Now()
	title, err := i.next.Summarize(ctx, text)
	i.metrics.RecordGatewayCall("summarize", time.Since(start), err)
	return title, err
}
