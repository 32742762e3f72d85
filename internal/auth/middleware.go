package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/zhouzirui/webchat/backend/internal/model/user"
	"github.com/zhouzirui/webchat/backend/pkg/utils"
)

const (
	CSRFCookieName = "csrftoken"
	CSRFHeaderName = "X-CSRFToken"

	csrfCookieTTL = 365 * 24 * time.Hour
)

type contextKey struct{}

// WithUser stores u in ctx.
func WithUser(ctx context.Context, u user.User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// UserFromContext returns the user placed by Middleware.
func UserFromContext(ctx context.Context) (user.User, bool) {
	u, ok := ctx.Value(contextKey{}).(user.User)
	return u, ok
}

// Middleware attaches the authenticated user, if any, to the request context.
// Anonymous requests pass through untouched.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := a.Authenticate(r.Context(), r)
		switch {
		case err == nil:
			r = r.WithContext(WithUser(r.Context(), u))
		case !errors.Is(err, ErrUnauthenticated):
			slog.Warn("failed to resolve login session", "component", "auth", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser rejects anonymous requests with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			utils.RespondError(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CSRF enforces the double-submit check on unsafe methods: the X-CSRFToken
// header must equal the csrftoken cookie.
func CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(CSRFCookieName)
		header := r.Header.Get(CSRFHeaderName)
		if err != nil || cookie.Value == "" || header == "" ||
			subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			utils.RespondError(w, http.StatusForbidden, "CSRF verification failed.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueCSRFToken sets the csrftoken cookie unless r already carries one and
// returns the token in effect. The cookie is readable by scripts so the
// client can echo it in the header.
func (a *Authenticator) IssueCSRFToken(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(CSRFCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	token := rand.Text()
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(csrfCookieTTL / time.Second),
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return token
}
