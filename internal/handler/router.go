package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/webchat/backend/internal/auth"
	"github.com/zhouzirui/webchat/backend/internal/handler/account"
	"github.com/zhouzirui/webchat/backend/internal/handler/chat"
	"github.com/zhouzirui/webchat/backend/internal/handler/ws"
	"github.com/zhouzirui/webchat/backend/internal/observability"
	chatService "github.com/zhouzirui/webchat/backend/internal/service/chat"
	"github.com/zhouzirui/webchat/backend/pkg/utils"
)

// Dependencies 路由所需的核心服务
type Dependencies struct {
	Auth     *auth.Authenticator
	Store    chat.Store
	Chat     *chatService.Service
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	WS       ws.Config
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// 实时聊天通道，认证在握手阶段完成
	ws.New(deps.Auth, deps.Chat, deps.Metrics, deps.WS).RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		api.Use(deps.Auth.Middleware)
		api.Use(auth.CSRF)

		account.New(deps.Auth).RegisterRoutes(api)

		api.Group(func(private chi.Router) {
			private.Use(auth.RequireUser)
			chat.New(deps.Store).RegisterRoutes(private)
		})
	})

	return r
}
