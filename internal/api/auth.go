package api

import (
	"context"
	"net/http"
	"strings"
)

const (
	tokenCookieKey   = "token"
	tokenQueryKey    = "token"
	userIdHeader     = "X-User-Id"
	bearerPrefix     = "Bearer "
	authorizationKey = "Authorization"
)

type contextKey string

const userIdKey contextKey = "user-id"

func WithUserId(ctx context.Context, userId string) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

func UserId(ctx context.Context) (string, bool) {
	userId, ok := ctx.Value(userIdKey).(string)
	return userId, ok && userId != ""
}

// tokenFromRequest looks for a token in the Authorization header, then the
// token cookie, then the token query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get(authorizationKey); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}

	if c, err := r.Cookie(tokenCookieKey); err == nil && c.Value != "" {
		return c.Value
	}

	return r.URL.Query().Get(tokenQueryKey)
}

// requesterId resolves the caller: a verified token wins, otherwise the
// X-User-Id header set by an upstream gateway.
func requesterId(r *http.Request) string {
	if userId, ok := UserId(r.Context()); ok {
		return userId
	}

	return strings.TrimSpace(r.Header.Get(userIdHeader))
}
