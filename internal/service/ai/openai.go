package ai

import (
	"context"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/webchat/backend/internal/config"
	"github.com/zhouzirui/webchat/backend/internal/model/chat"
)

// OpenAIService is the Gateway for any OpenAI-compatible chat completions API.
type OpenAIService struct {
	client       *openai.Client
	model        string
	systemPrompt string
	timeout      time.Duration
}

var _ Gateway = (*OpenAIService)(nil)

// NewOpenAIService creates the gateway from cfg. OPENAI_BASE_URL points it at
// a compatible server instead of api.openai.com.
func NewOpenAIService(cfg config.AIConfig) *OpenAIService {
	clientCfg := openai.DefaultConfig(cfg.OpenAIKey)
	if base := strings.TrimSpace(cfg.OpenAIBaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &OpenAIService{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        cfg.OpenAIModel,
		systemPrompt: cfg.SystemInstruction(),
		timeout:      timeout,
	}
}

func (o *OpenAIService) Respond(ctx context.Context, history []chat.Turn, input string) (string, error) {
	return o.complete(ctx, "respond", openAIMessages(o.systemPrompt, history, input))
}

func (o *OpenAIService) Summarize(ctx context.Context, text string) (string, error) {
	return o.complete(ctx, "summarize", openAIMessages(titleInstruction, nil, text))
}

func (o *OpenAIService) complete(ctx context.Context, operation string, messages []openai.ChatCompletionMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	})
	if err != nil {
		return "", failure(operation, err)
	}
	if len(resp.Choices) == 0 {
		return "", failure(operation, errEmptyResponse)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", failure(operation, errEmptyResponse)
	}
	return text, nil
}
