// Package middleware содержит HTTP middleware сервиса биллинга.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/mmeshcher/campaign-billing/internal/model"
)

type contextKey string

const userKey contextKey = "user"

const (
	authCookieName = "auth_token"

	roleUser  = "user"
	roleAdmin = "admin"
)

// AuthMiddleware проверяет токен, выданный внешним слоем аутентификации.
// Формат токена: userID.role.hex(hmac-sha256(userID.role)).
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт AuthMiddleware. Пустой секрет заменяется случайным,
// тогда токены действуют только до перезапуска процесса.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("auth: read random key: " + err.Error())
		}
	}
	return &AuthMiddleware{secretKey: key}
}

// Middleware берёт токен из cookie или заголовка Authorization и кладёт
// пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := a.parseToken(tokenFromRequest(r))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin пропускает только администраторов. Ставится после Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if !user.IsAdmin {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sign выпускает токен для пользователя.
func (a *AuthMiddleware) Sign(user model.AuthenticatedUser) string {
	role := roleUser
	if user.IsAdmin {
		role = roleAdmin
	}
	payload := user.ID + "." + role
	return payload + "." + a.signature(payload)
}

func (a *AuthMiddleware) signature(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(token string) (model.AuthenticatedUser, bool) {
	idx := strings.LastIndexByte(token, '.')
	if idx <= 0 {
		return model.AuthenticatedUser{}, false
	}
	payload, sig := token[:idx], token[idx+1:]

	if !hmac.Equal([]byte(sig), []byte(a.signature(payload))) {
		return model.AuthenticatedUser{}, false
	}

	sep := strings.LastIndexByte(payload, '.')
	if sep <= 0 {
		return model.AuthenticatedUser{}, false
	}
	id, role := payload[:sep], payload[sep+1:]
	if role != roleUser && role != roleAdmin {
		return model.AuthenticatedUser{}, false
	}

	return model.AuthenticatedUser{ID: id, IsAdmin: role == roleAdmin}, true
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(authCookieName); err == nil {
		return c.Value
	}
	return ""
}

// UserFromContext извлекает пользователя из контекста запроса.
func UserFromContext(ctx context.Context) (model.AuthenticatedUser, bool) {
	user, ok := ctx.Value(userKey).(model.AuthenticatedUser)
	return user, ok
}

// WithUser кладёт пользователя в контекст.
func WithUser(ctx context.Context, user model.AuthenticatedUser) context.Context {
	return context.WithValue(ctx, userKey, user)
}
