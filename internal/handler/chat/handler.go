package chat

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/webchat/backend/internal/auth"
	"github.com/zhouzirui/webchat/backend/internal/model/chat"
	"github.com/zhouzirui/webchat/backend/internal/store"
	"github.com/zhouzirui/webchat/backend/pkg/utils"
)

// formattedTimeLayout renders created_at for the session sidebar.
const formattedTimeLayout = "Jan 02, 15:04"

// Store is the persistence the session API needs.
type Store interface {
	store.Sessions
	store.Messages
}

// Handler 会话管理的HTTP处理器
type Handler struct {
	store Store
}

// New 创建会话处理器
func New(st Store) *Handler {
	return &Handler{store: st}
}

// RegisterRoutes 注册会话相关的路由，调用方负责挂载认证中间件
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Get("/sessions/{sessionID}/messages", h.handleListMessages)
	r.Patch("/sessions/{sessionID}/rename", h.handleRename)
}

type sessionView struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"created_at"`
	FormattedTime string    `json:"formatted_time"`
}

func newSessionView(s chat.Session) sessionView {
	return sessionView{
		ID:            s.ID,
		Title:         s.Title,
		CreatedAt:     s.CreatedAt,
		FormattedTime: s.CreatedAt.Format(formattedTimeLayout),
	}
}

// handleListSessions 返回当前用户的会话，最新的在前
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFromContext(r.Context())

	sessions, err := h.store.ListSessions(r.Context(), u.ID)
	if err != nil {
		slog.Error("failed to list sessions", "component", "api", "user_id", u.ID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, newSessionView(s))
	}
	utils.RespondJSON(w, http.StatusOK, views)
}

// handleListMessages 按时间顺序返回会话消息
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := h.store.GetSession(r.Context(), sessionID, u.ID); err != nil {
		h.respondStoreError(w, err)
		return
	}

	messages, err := h.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

// handleRename 修改会话标题
func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var payload struct {
		Title string `json:"title" validate:"required"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	title := strings.TrimSpace(payload.Title)
	if title == "" || utf8.RuneCountInString(title) > chat.MaxTitleLength {
		utils.RespondError(w, http.StatusBadRequest, "title must be between 1 and 200 characters")
		return
	}

	session, err := h.store.UpdateTitle(r.Context(), sessionID, u.ID, title)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, newSessionView(session))
}

func (h *Handler) respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	slog.Error("session store failure", "component", "api", "error", err)
	utils.RespondError(w, http.StatusInternalServerError, "internal error")
}
