// Package auth resolves cookie-backed login sessions to users and guards the
// HTTP surface with them.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/webchat/backend/internal/config"
	"github.com/zhouzirui/webchat/backend/internal/model/user"
	"github.com/zhouzirui/webchat/backend/internal/store"
)

// SessionCookieName carries the login session key.
const SessionCookieName = "sessionid"

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Store is the persistence the authenticator needs.
type Store interface {
	store.Users
	store.LoginSessions
}

// Options tunes an Authenticator.
type Options struct {
	SessionTTL   time.Duration
	BcryptCost   int
	SecureCookie bool
	Now          func() time.Time
}

// OptionsFrom converts the environment configuration.
func OptionsFrom(auth config.AuthConfig, server config.ServerConfig) Options {
	return Options{
		SessionTTL:   auth.SessionTTL,
		BcryptCost:   auth.BcryptCost,
		SecureCookie: server.CookieSecure,
	}
}

// Authenticator 负责登录会话的创建、解析与销毁。
type Authenticator struct {
	store        Store
	ttl          time.Duration
	cost         int
	secureCookie bool
	now          func() time.Time
}

// New creates an Authenticator over st.
func New(st Store, opts Options) *Authenticator {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 14 * 24 * time.Hour
	}
	if opts.BcryptCost < bcrypt.MinCost || opts.BcryptCost > bcrypt.MaxCost {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authenticator{
		store:        st,
		ttl:          opts.SessionTTL,
		cost:         opts.BcryptCost,
		secureCookie: opts.SecureCookie,
		now:          opts.Now,
	}
}

// Authenticate resolves the session cookie of r. Anything short of a live
// login session of an existing user yields ErrUnauthenticated.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (user.User, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return user.User{}, ErrUnauthenticated
	}
	return a.Resolve(ctx, cookie.Value)
}

// Resolve maps a login session key to its user.
func (a *Authenticator) Resolve(ctx context.Context, key string) (user.User, error) {
	session, err := a.store.GetLoginSession(ctx, key)
	if errors.Is(err, store.ErrLoginSessionNotFound) {
		return user.User{}, ErrUnauthenticated
	}
	if err != nil {
		return user.User{}, fmt.Errorf("lookup login session: %w", err)
	}
	if session.Expired(a.now()) {
		return user.User{}, ErrUnauthenticated
	}

	u, err := a.store.GetUser(ctx, session.UserID)
	if errors.Is(err, store.ErrUserNotFound) {
		return user.User{}, ErrUnauthenticated
	}
	if err != nil {
		return user.User{}, fmt.Errorf("lookup user: %w", err)
	}
	return u, nil
}

// CheckCredentials returns the user when password matches.
func (a *Authenticator) CheckCredentials(ctx context.Context, username, password string) (user.User, error) {
	u, err := a.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, store.ErrUserNotFound) {
		return user.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return user.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return user.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Register creates an account. A taken username yields store.ErrUsernameTaken.
func (a *Authenticator) Register(ctx context.Context, username, password string) (user.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return user.User{}, fmt.Errorf("hash password: %w", err)
	}
	return a.store.CreateUser(ctx, strings.TrimSpace(username), string(hash))
}

// Login starts a login session for u and sets its cookie. A session already
// carried by r is ended first.
func (a *Authenticator) Login(ctx context.Context, w http.ResponseWriter, r *http.Request, u user.User) error {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if err := a.store.DeleteLoginSession(ctx, cookie.Value); err != nil {
			return fmt.Errorf("rotate login session: %w", err)
		}
	}

	session := user.LoginSession{
		Key:       rand.Text(),
		UserID:    u.ID,
		ExpiresAt: a.now().Add(a.ttl),
	}
	if err := a.store.CreateLoginSession(ctx, session); err != nil {
		return fmt.Errorf("create login session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.Key,
		Path:     "/",
		Expires:  session.ExpiresAt,
		MaxAge:   int(a.ttl / time.Second),
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Logout ends the login session carried by r, if any, and clears the cookie.
func (a *Authenticator) Logout(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if err := a.store.DeleteLoginSession(ctx, cookie.Value); err != nil {
			return fmt.Errorf("delete login session: %w", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
