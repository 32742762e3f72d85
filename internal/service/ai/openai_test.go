package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/webchat/backend/internal/config"
	"github.com/zhouzirui/webchat/backend/internal/model/chat"
)

func newOpenAITestServer(t *testing.T, handler func(req openai.ChatCompletionRequest) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		status, body := handler(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func completion(text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID: "chatcmpl-test",
		Choices: []openai.ChatCompletionChoice{{
			Index:   0,
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text},
		}},
	}
}

func openAIConfig(baseURL string) config.AIConfig {
	return config.AIConfig{
		Provider:       config.ProviderOpenAI,
		OpenAIKey:      "sk-test",
		OpenAIModel:    "gpt-test",
		OpenAIBaseURL:  baseURL + "/v1",
		RequestTimeout: time.Second,
		SystemPrompt:   "be brief",
	}
}

func TestOpenAIServiceRespond(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := newOpenAITestServer(t, func(req openai.ChatCompletionRequest) (int, any) {
		got = req
		return http.StatusOK, completion(" 4 ")
	})

	svc := NewOpenAIService(openAIConfig(srv.URL))
	history := []chat.Turn{{Role: chat.RoleUser, Text: "hi"}, {Role: chat.RoleModel, Text: "hello"}}

	text, err := svc.Respond(context.Background(), history, "2+2?")
	require.NoError(t, err)
	assert.Equal(t, "4", text)

	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, got.Messages[0].Role)
	assert.Equal(t, "be brief", got.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, got.Messages[1].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, got.Messages[2].Role)
	assert.Equal(t, "2+2?", got.Messages[3].Content)
}

func TestOpenAIServiceSummarize(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := newOpenAITestServer(t, func(req openai.ChatCompletionRequest) (int, any) {
		got = req
		return http.StatusOK, completion("Arithmetic help")
	})

	title, err := NewOpenAIService(openAIConfig(srv.URL)).Summarize(context.Background(), "what is 2+2")
	require.NoError(t, err)
	assert.Equal(t, "Arithmetic help", title)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, titleInstruction, got.Messages[0].Content)
}

func TestOpenAIServiceFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
	}{
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   map[string]any{"error": map[string]any{"message": "boom", "type": "server_error"}},
		},
		{name: "no choices", status: http.StatusOK, body: openai.ChatCompletionResponse{ID: "x"}},
		{name: "blank content", status: http.StatusOK, body: completion("  ")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newOpenAITestServer(t, func(openai.ChatCompletionRequest) (int, any) {
				return tt.status, tt.body
			})

			_, err := NewOpenAIService(openAIConfig(srv.URL)).Respond(context.Background(), nil, "hi")
			assert.ErrorIs(t, err, ErrGatewayFailure)
		})
	}
}
