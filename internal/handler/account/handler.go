// Package account serves login, logout, registration and the CSRF bootstrap.
package account

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/webchat/backend/internal/auth"
	"github.com/zhouzirui/webchat/backend/internal/store"
	"github.com/zhouzirui/webchat/backend/pkg/utils"
)

// Handler 账户相关的HTTP处理器
type Handler struct {
	auth   *auth.Authenticator
	logger *slog.Logger
}

// New 创建账户处理器
func New(authn *auth.Authenticator) *Handler {
	return &Handler{auth: authn, logger: slog.Default().With("component", "account")}
}

// RegisterRoutes 注册账户路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Post("/register", h.handleRegister)
	r.Get("/csrf", h.handleCSRF)
	r.Get("/auth-check", h.handleAuthCheck)
}

type credentials struct {
	Username string `json:"username" validate:"required,max=150"`
	Password string `json:"password" validate:"required,max=128"`
}

type registration struct {
	Username string `json:"username" validate:"required,min=3,max=150"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// 用户名先去掉首尾空白再校验长度
func (c *credentials) Normalize() { c.Username = strings.TrimSpace(c.Username) }
func (p *registration) Normalize() { p.Username = strings.TrimSpace(p.Username) }

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload credentials
	if err := utils.DecodeJSON(r, &payload); err != nil {
		respondInvalidCredentials(w)
		return
	}

	u, err := h.auth.CheckCredentials(r.Context(), payload.Username, payload.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		respondInvalidCredentials(w)
		return
	}
	if err != nil {
		h.logger.Error("login failed", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.auth.Login(r.Context(), w, r, u); err != nil {
		h.logger.Error("failed to start login session", "user_id", u.ID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "success", "username": u.Username})
}

func respondInvalidCredentials(w http.ResponseWriter) {
	utils.RespondJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": "Invalid credentials"})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), w, r); err != nil {
		h.logger.Error("logout failed", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload registration
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": err.Error()})
		return
	}

	u, err := h.auth.Register(r.Context(), payload.Username, payload.Password)
	if errors.Is(err, store.ErrUsernameTaken) {
		utils.RespondJSON(w, http.StatusConflict, map[string]string{"status": "error", "message": "Username already taken"})
		return
	}
	if err != nil {
		h.logger.Error("registration failed", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.auth.Login(r.Context(), w, r, u); err != nil {
		h.logger.Error("failed to start login session", "user_id", u.ID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info("user registered", "user_id", u.ID)
	utils.RespondJSON(w, http.StatusCreated, map[string]string{"status": "success", "username": u.Username})
}

func (h *Handler) handleCSRF(w http.ResponseWriter, r *http.Request) {
	h.auth.IssueCSRFToken(w, r)
	utils.RespondJSON(w, http.StatusOK, map[string]string{"csrfToken": "Set in cookie"})
}

func (h *Handler) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	u, ok := auth.UserFromContext(r.Context())
	if !ok {
		utils.RespondJSON(w, http.StatusOK, map[string]any{"isAuthenticated": false})
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"isAuthenticated": true, "username": u.Username})
}
