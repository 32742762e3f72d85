package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/webchat/backend/internal/config"
	"github.com/zhouzirui/webchat/backend/internal/model/chat"
)

const defaultTimeout = 30 * time.Second

// Options tunes a Service built around an existing chat model.
type Options struct {
	SystemPrompt string
	Timeout      time.Duration
}

// Service is the eino-backed Gateway. It runs two compiled chains over the
// same chat model: one for replies and one for titles.
type Service struct {
	respond      compose.Runnable[map[string]any, *schema.Message]
	summarize    compose.Runnable[map[string]any, *schema.Message]
	systemPrompt string
	timeout      time.Duration
	logger       *slog.Logger
}

var _ Gateway = (*Service)(nil)

// NewService creates the gateway for the Ark model described by cfg.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, Options{
		SystemPrompt: cfg.SystemInstruction(),
		Timeout:      cfg.RequestTimeout,
	})
}

// NewServiceWithModel compiles the reply and title chains around chatModel.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, opts Options) (*Service, error) {
	respondTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)
	respond, err := compileChain(ctx, respondTemplate, chatModel)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	titleTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(titleInstruction),
		schema.UserMessage("{text}"),
	)
	summarize, err := compileChain(ctx, titleTemplate, chatModel)
	if err != nil {
		return nil, fmt.Errorf("failed to compile title chain: %w", err)
	}

	systemPrompt := strings.TrimSpace(opts.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = config.DefaultSystemPrompt
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Service{
		respond:      respond,
		summarize:    summarize,
		systemPrompt: systemPrompt,
		timeout:      timeout,
		logger:       slog.Default().With("component", "ai"),
	}, nil
}

func compileChain(ctx context.Context, template prompt.ChatTemplate, chatModel model.ChatModel) (compose.Runnable[map[string]any, *schema.Message], error) {
	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)
	return chain.Compile(ctx)
}

// Respond generates the assistant reply for input.
func (s *Service) Respond(ctx context.Context, history []chat.Turn, input string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	response, err := s.respond.Invoke(ctx, map[string]any{
		"system":  s.systemPrompt,
		"history": buildHistoryMessages(history),
		"query":   input,
	})
	if err != nil {
		return "", failure("respond", err)
	}

	text := strings.TrimSpace(response.Content)
	if text == "" {
		return "", failure("respond", errEmptyResponse)
	}

	s.logger.Debug("generated response", "history", len(history), "length", len(text))
	return text, nil
}

// Summarize asks the model for a short title describing text.
func (s *Service) Summarize(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	response, err := s.summarize.Invoke(ctx, map[string]any{"text": text})
	if err != nil {
		return "", failure("summarize", err)
	}

	title := strings.TrimSpace(response.Content)
	if title == "" {
		return "", failure("summarize", errEmptyResponse)
	}
	return title, nil
}

func buildHistoryMessages(turns []chat.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Text))
		case chat.RoleModel:
			history = append(history, schema.AssistantMessage(turn.Text, nil))
		}
	}

	return history
}
