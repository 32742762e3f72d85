// Package ws serves the realtime chat channel.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/webchat/backend/internal/auth"
	"github.com/zhouzirui/webchat/backend/internal/model/user"
	"github.com/zhouzirui/webchat/backend/internal/observability"
	chatservice "github.com/zhouzirui/webchat/backend/internal/service/chat"
)

const (
	// CloseUnauthorized is sent to anonymous connections.
	CloseUnauthorized = 4001

	maxFrameBytes = 64 << 10
	writeWait     = 10 * time.Second
)

// Authenticator resolves the handshake request to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (user.User, error)
}

// Config tunes the websocket endpoint.
type Config struct {
	// AllowedOrigins lists browser origins accepted besides the serving host.
	// "*" accepts any origin.
	AllowedOrigins []string
	PingInterval   time.Duration
	PongWait       time.Duration
}

// Handler WebSocket聊天处理器
type Handler struct {
	auth         Authenticator
	chatSvc      *chatservice.Service
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongWait     time.Duration
	logger       *slog.Logger
}

// New 创建WebSocket处理器
func New(authn Authenticator, chatSvc *chatservice.Service, metrics *observability.Metrics, cfg Config) *Handler {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}

	return &Handler{
		auth:    authn,
		chatSvc: chatSvc,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
		logger:       slog.Default().With("component", "ws"),
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/chat", h.handleWebSocket)
}

// originChecker accepts requests without an Origin header, same-host origins
// and the configured ones.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(strings.TrimRight(a, "/"), origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, authErr := h.auth.Authenticate(ctx, r)
	if authErr != nil && !errors.Is(authErr, auth.ErrUnauthenticated) {
		h.logger.Error("failed to authenticate connection", "error", authErr)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if authErr != nil {
		h.refuse(conn)
		return
	}

	h.metrics.ConnectionOpened()
	defer h.metrics.ConnectionClosed()
	h.logger.Info("connection opened", "user_id", u.ID, "remote", r.RemoteAddr)

	h.serve(ctx, conn, h.chatSvc.NewConversation(u.ID))
	h.logger.Info("connection closed", "user_id", u.ID)
}

func (h *Handler) refuse(conn *websocket.Conn) {
	h.metrics.ConnectionRefused()
	msg := websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		h.logger.Debug("write close frame failed", "error", err)
	}
}

// serve reads frames one at a time. The next frame is not read until the
// current pass has been answered, so bursts queue in the socket.
func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, conv *chatservice.Conversation) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	go h.pingLoop(ctx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Warn("read error", "error", err)
			}
			return
		}

		event := conv.Handle(ctx, data)
		conn.SetReadDeadline(time.Now().Add(h.pongWait))
		if event == nil {
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(event); err != nil {
			h.logger.Warn("write failed", "error", err)
			return
		}
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
