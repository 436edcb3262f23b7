// Package server exposes the node over HTTP: arming, previews, push
// registration, the realtime channel, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tripwire/internal/detect"
	"tripwire/internal/health"
	"tripwire/internal/logging"
	"tripwire/internal/metrics"
	"tripwire/internal/push"
	"tripwire/internal/realtime"
	"tripwire/internal/security"
)

// Controller is the detection side of the node. *detect.Coordinator
// satisfies it.
type Controller interface {
	Arm(ctx context.Context) (*detect.Session, error)
	ReArm(ctx context.Context) (*detect.Session, error)
	Session() *detect.Session
	State() detect.State
	Preview(ctx context.Context) ([]byte, error)
}

// Replayer re-sends retained frames. *retention.Buffer satisfies it.
type Replayer interface {
	Replay(timestamps []int64) []int64
}

// Subscriptions stores push subscriptions. *push.Registry satisfies it.
type Subscriptions interface {
	Upsert(old *push.Subscription, sub push.Subscription)
}

// Config wires a Server.
type Config struct {
	Controller    Controller
	Replayer      Replayer
	Subscriptions Subscriptions
	Hub           *realtime.Hub
	Health        *health.Checker
	Metrics       *metrics.TripwireMetrics

	// VAPIDPublicKey returns the current application server key.
	VAPIDPublicKey func() string
	// ClientConfig returns the settings echoed by /bootstrap.
	ClientConfig func() map[string]any

	StartTime      time.Time
	PreviewLimiter *security.RateLimiter
	Logger         *logging.Logger
}

// Server is the HTTP surface.
type Server struct {
	cfg    Config
	router chi.Router
	logger *logging.Logger
}

// New builds the router and registers the realtime handlers.
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil || cfg.Replayer == nil || cfg.Subscriptions == nil || cfg.Hub == nil {
		return nil, errors.New("server: controller, replayer, subscriptions and hub are required")
	}
	if cfg.VAPIDPublicKey == nil {
		cfg.VAPIDPublicKey = func() string { return "" }
	}
	if cfg.ClientConfig == nil {
		cfg.ClientConfig = func() map[string]any { return map[string]any{} }
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.WithComponent("http"),
	}
	s.cfg.Hub.On(realtime.EventReget, s.handleReget)
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.Get("/bootstrap", s.handleBootstrap)
	r.Get("/arm", s.handleArm)
	r.Get("/re-arm", s.handleReArm)
	r.Get("/preview", s.handlePreview)
	r.Get("/vapid-app-server-key", s.handleVAPIDKey)
	r.Put("/register-push-subscription", s.handleRegisterPush)
	r.Method(http.MethodGet, "/ws", s.cfg.Hub)

	if s.cfg.Health != nil {
		r.Method(http.MethodGet, "/healthz", s.cfg.Health.HealthHandler())
		r.Method(http.MethodGet, "/readyz", s.cfg.Health.ReadinessHandler())
		r.Method(http.MethodGet, "/livez", s.cfg.Health.LivenessHandler())
	}
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Registry().HTTPHandler())
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve serves on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	// Hijacked WebSocket connections are not tracked by Shutdown.
	s.cfg.Hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := s.logger.Debug
		if ww.Status() >= http.StatusInternalServerError {
			level = s.logger.Warn
		}
		level("request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String())
	})
}

// recoverer turns a handler panic into a 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", fmt.Sprint(rec))
				s.cfg.Metrics.RecordError()
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
