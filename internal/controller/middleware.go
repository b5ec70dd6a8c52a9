package controller

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/listenroom/server/internal/protocol"
	"github.com/listenroom/server/pkg/ctxlogger"
)

func (c controller) requestIdMw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = ctxlogger.AppendCtx(ctx, slog.String("request_id", c.generateTimeBasedId()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (c controller) requestLoggingMw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"url", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
		next.ServeHTTP(w, r)
	})
}

func (c controller) getToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}

	// browsers cannot set headers on websocket upgrades
	return r.URL.Query().Get("token")
}

func (c controller) authMw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := c.getToken(r)
		if token == "" {
			c.writeErrorPayload(w, http.StatusUnauthorized, protocol.ErrorPayload{
				Code:    protocol.CodeUnauthorized,
				Message: "missing bearer token",
			})
			return
		}

		user, err := c.verifier.Verify(token)
		if err != nil {
			c.logger.InfoContext(r.Context(), "failed to verify token", "error", err)
			c.writeErrorPayload(w, http.StatusUnauthorized, protocol.ErrorPayload{
				Code:    protocol.CodeUnauthorized,
				Message: "invalid token",
			})
			return
		}

		ctx := context.WithValue(r.Context(), userIdCtxKey, user)
		ctx = ctxlogger.AppendCtx(ctx, slog.String("user_id", user))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
