package httpserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/davidbz/tariff/internal/config"
	"github.com/davidbz/tariff/internal/domain"
	"github.com/davidbz/tariff/internal/httpserver/middleware"
	"github.com/davidbz/tariff/internal/observability"
	"go.uber.org/zap"
)

// MaxRequestBodyBytes is the largest accepted request body on /v1 routes.
const MaxRequestBodyBytes int64 = 1 << 20

// Server represents the HTTP server.
type Server struct {
	config  config.ServerConfig
	cors    config.CORSConfig
	handler *Handler
	srv     *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(
	serverCfg *config.ServerConfig,
	corsCfg *config.CORSConfig,
	handler *Handler,
) *Server {
	return &Server{
		config:  *serverCfg,
		cors:    *corsCfg,
		handler: handler,
		srv:     nil,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Register routes.
	mux.HandleFunc("/v1/estimate", s.handler.HandleEstimate)
	mux.HandleFunc("/v1/estimate/batch", s.handler.HandleEstimateBatch)
	mux.HandleFunc("/v1/providers", s.handler.HandleProviders)
	mux.HandleFunc("/v1/models", s.handler.HandleModels)
	mux.HandleFunc("/v1/versions", s.handler.HandleVersions)
	mux.HandleFunc("/v1/healthz", s.handler.HandleHealth)

	// Apply middleware chain. Order matters: CORS -> RequestID -> BodyLimit.
	chain := middleware.Chain(
		middleware.CORS(&s.cors),
		observability.RequestID(),
		BodyLimit(MaxRequestBodyBytes),
	)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      chain(mux),
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
	}

	ctx := context.Background()
	observability.FromContext(ctx).Info("starting HTTP server", zap.Int("port", s.config.Port))

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.FromContext(ctx).Info("shutting down HTTP server")

	if s.srv == nil {
		return nil
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}

// BodyLimit rejects over-sized /v1 write requests before they reach the
// route handlers.
func BodyLimit(maxBytes int64) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !shouldLimitBody(r) {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > maxBytes {
				writePayloadTooLarge(r.Context(), w, maxBytes, r.ContentLength)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
			if err != nil {
				writeError(r.Context(), w, invalidBody(err))
				return
			}
			if int64(len(body)) > maxBytes {
				writePayloadTooLarge(r.Context(), w, maxBytes, int64(len(body)))
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func shouldLimitBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return strings.HasPrefix(r.URL.Path, "/v1/")
	default:
		return false
	}
}

func writePayloadTooLarge(ctx context.Context, w http.ResponseWriter, maxBytes, actual int64) {
	writeError(ctx, w, &domain.PricingError{
		Code:       domain.CodeInvalidRequest,
		Message:    "Request body exceeds 1MB limit",
		StatusCode: http.StatusRequestEntityTooLarge,
		Details: map[string]any{
			"max_body_bytes": maxBytes,
			"content_length": actual,
		},
	})
}
