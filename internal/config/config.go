package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	AI     AIConfig
	Chat   ChatConfig
	Auth   AuthConfig
	Log    LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Server.Addr(); err != nil {
		errs = append(errs, err)
	}
	if c.Chat.RateLimitInterval < 0 {
		errs = append(errs, fmt.Errorf("CHAT_RATE_LIMIT_INTERVAL must not be negative, got %s", c.Chat.RateLimitInterval))
	}
	if c.Chat.ContextWindow < 1 {
		errs = append(errs, fmt.Errorf("CHAT_CONTEXT_WINDOW must be at least 1, got %d", c.Chat.ContextWindow))
	}
	if c.Chat.TitleFallbackLength < 1 {
		errs = append(errs, fmt.Errorf("CHAT_TITLE_FALLBACK_LENGTH must be at least 1, got %d", c.Chat.TitleFallbackLength))
	}
	switch c.Chat.ForeignSessionPolicy {
	case ForeignSessionCreate, ForeignSessionReject:
	default:
		errs = append(errs, fmt.Errorf("CHAT_FOREIGN_SESSION_POLICY must be %q or %q, got %q",
			ForeignSessionCreate, ForeignSessionReject, c.Chat.ForeignSessionPolicy))
	}
	switch c.AI.Provider {
	case ProviderArk, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("AI_PROVIDER must be %q or %q, got %q", ProviderArk, ProviderOpenAI, c.AI.Provider))
	}
	if c.AI.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("AI_REQUEST_TIMEOUT must be positive, got %s", c.AI.RequestTimeout))
	}
	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("AUTH_SESSION_TTL must be positive, got %s", c.Auth.SessionTTL))
	}
	return errors.Join(errs...)
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	AllowedOrigins []string `env:"SERVER_ALLOWED_ORIGINS" envSeparator:","`
	CookieSecure   bool     `env:"SERVER_COOKIE_SECURE" envDefault:"false"`
}

// Addr 解析服务器监听地址。
func (c ServerConfig) Addr() (string, error) {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// StoreConfig 描述持久化配置。DatabaseURL 为空时使用内存存储。
type StoreConfig struct {
	DatabaseURL string `env:"DATABASE_URL"`
	MaxConns    int32  `env:"DB_MAX_CONNS" envDefault:"20"`
	MinConns    int32  `env:"DB_MIN_CONNS" envDefault:"2"`
	AutoMigrate bool   `env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

const (
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
)

// DefaultSystemPrompt is the assistant persona used when AI_SYSTEM_PROMPT is unset.
const DefaultSystemPrompt = `You are a helpful, professional AI assistant.
- Keep answers concise and relevant.
- Do not engage in illegal or unethical discussions.
- If you don't know something, admit it.`

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider       string        `env:"AI_PROVIDER" envDefault:"ark"`
	RequestTimeout time.Duration `env:"AI_REQUEST_TIMEOUT" envDefault:"30s"`
	SystemPrompt   string        `env:"AI_SYSTEM_PROMPT"`

	APIKey      string   `env:"ARK_API_KEY"`
	AccessKey   string   `env:"ARK_ACCESS_KEY"`
	SecretKey   string   `env:"ARK_SECRET_KEY"`
	Model       string   `env:"ARK_MODEL"`
	BaseURL     string   `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	Region      string   `env:"ARK_REGION" envDefault:"cn-beijing"`
	Temperature *float64 `env:"ARK_TEMPERATURE"`
	TopP        *float64 `env:"ARK_TOP_P"`
	MaxTokens   *int     `env:"ARK_MAX_TOKENS"`

	OpenAIKey     string `env:"OPENAI_API_KEY"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	if c.Provider == ProviderOpenAI {
		return strings.TrimSpace(c.OpenAIKey) != ""
	}
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// SystemInstruction returns the configured persona or the default one.
func (c AIConfig) SystemInstruction() string {
	if s := strings.TrimSpace(c.SystemPrompt); s != "" {
		return s
	}
	return DefaultSystemPrompt
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Provider != ProviderArk || !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

const (
	ForeignSessionCreate = "create"
	ForeignSessionReject = "reject"
)

// ChatConfig tunes the realtime chat pipeline.
type ChatConfig struct {
	RateLimitInterval   time.Duration `env:"CHAT_RATE_LIMIT_INTERVAL" envDefault:"500ms"`
	ContextWindow       int           `env:"CHAT_CONTEXT_WINDOW" envDefault:"10"`
	TitleFallbackLength int           `env:"CHAT_TITLE_FALLBACK_LENGTH" envDefault:"30"`
	// ForeignSessionPolicy decides what happens when a frame names a session
	// the caller does not own: "create" starts a new one, "reject" errors.
	ForeignSessionPolicy string `env:"CHAT_FOREIGN_SESSION_POLICY" envDefault:"create"`
	ReportInvalidInput   bool   `env:"CHAT_REPORT_INVALID_INPUT" envDefault:"false"`
}

// AuthConfig 描述登录会话配置。
type AuthConfig struct {
	SessionTTL time.Duration `env:"AUTH_SESSION_TTL" envDefault:"336h"`
	BcryptCost int           `env:"AUTH_BCRYPT_COST" envDefault:"10"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}
