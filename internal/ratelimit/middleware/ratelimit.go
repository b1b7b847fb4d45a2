package middleware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	"idmint/internal/platform/metrics"
	"idmint/internal/ratelimit/models"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/httputil"
	"idmint/pkg/platform/privacy"
	"idmint/pkg/requestcontext"
)

// walletField is the request body field naming the caller.
const walletField = "walletAddress"

type RateLimiter interface {
	Check(ctx context.Context, scope models.Scope, identity string) (*models.Result, error)
}

type Middleware struct {
	limiter RateLimiter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(limiter RateLimiter, logger *slog.Logger, m *metrics.Metrics) *Middleware {
	return &Middleware{
		limiter: limiter,
		logger:  logger,
		metrics: m,
	}
}

// PerWallet limits requests per wallet address read from the JSON body.
// Requests without one are limited by client IP. The body is left intact for
// the next handler. A failing counter store lets requests through.
func (m *Middleware) PerWallet(scope models.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httputil.MaxBodyBytes))
			if err != nil {
				httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			if wallet := gjson.GetBytes(body, walletField).String(); wallet != "" {
				ctx = requestcontext.WithCaller(ctx, wallet)
				r = r.WithContext(ctx)
			}
			caller := requestcontext.Caller(ctx)

			result, err := m.limiter.Check(ctx, scope, caller)
			if err != nil {
				m.logger.ErrorContext(ctx, "failed to check rate limit",
					"error", err,
					"scope", scope,
					"caller", redactCaller(ctx, caller),
					"request_id", requestcontext.RequestID(ctx),
				)
				next.ServeHTTP(w, r)
				return
			}

			addRateLimitHeaders(w, result)
			if !result.Allowed {
				if m.metrics != nil {
					m.metrics.IncrementRateLimitRejections()
				}
				m.logger.WarnContext(ctx, "rate limit exceeded",
					"scope", scope,
					"caller", redactCaller(ctx, caller),
					"limit", result.Limit,
					"request_id", requestcontext.RequestID(ctx),
				)
				writeRateLimitExceeded(w, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func redactCaller(ctx context.Context, caller string) string {
	if caller == requestcontext.ClientIP(ctx) {
		return privacy.AnonymizeIP(caller)
	}
	return privacy.RedactAddress(caller)
}

func addRateLimitHeaders(w http.ResponseWriter, result *models.Result) {
	if result == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func writeRateLimitExceeded(w http.ResponseWriter, result *models.Result) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteError(w, dErrors.WithHint(dErrors.CodeRateLimited,
		fmt.Sprintf("at most %d issuance requests per hour are allowed", result.Limit),
		fmt.Sprintf("retry after %d seconds", result.RetryAfter)))
}
