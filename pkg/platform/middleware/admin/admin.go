// Package admin guards operator endpoints with a shared token.
package admin

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/httputil"
	"idmint/pkg/requestcontext"
)

type contextKeyOperator struct{}

// Operator returns the operator named by X-Admin-Actor-ID, or "" when the
// request was not authenticated as an operator or named no one.
func Operator(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyOperator{}).(string); ok {
		return v
	}
	return ""
}

// RequireAdminToken rejects requests whose X-Admin-Token differs from
// expectedToken. An empty expectedToken rejects everything.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := r.Header.Get("X-Admin-Token")
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				logger.WarnContext(ctx, "admin token mismatch",
					"path", r.URL.Path,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "admin token required"))
				return
			}

			if operator := r.Header.Get("X-Admin-Actor-ID"); operator != "" {
				ctx = context.WithValue(ctx, contextKeyOperator{}, operator)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
