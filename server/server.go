// Package server exposes the HTTP API: health, readiness, metrics, event
// status and the admin controls for starting or ending an event. It injects
// correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/nadeko-bot/telemetry"
)

// Options wires the HTTP API.
type Options struct {
	Channel   string
	Events    Events
	Sessions  Sessions // optional
	Checks    []Check
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

// NewMux returns the HTTP handler with all routes.
// The provided context is used for rate limiter cleanup goroutines lifecycle.
func NewMux(ctx context.Context, opts Options) http.Handler {
	rateLimiter := newIPRateLimiter(ctx, opts.RateLimit)
	handlers := &Handlers{channel: opts.Channel, events: opts.Events, sessions: opts.Sessions, checks: opts.Checks}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/admin/event/start", handlers.HandleAdminEventStart)
	mux.HandleFunc("/admin/event/finalize", handlers.HandleAdminEventFinalize)

	admin := adminAuth(rateLimitMiddleware(mux, rateLimiter), opts.Auth)
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			admin.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			telemetry.RecordError(span, fmt.Errorf("HTTP %d", wrappedWriter.statusCode))
		}
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, opts Options) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
