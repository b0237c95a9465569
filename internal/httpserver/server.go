package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pastebin/internal/metrics"
	"pastebin/internal/paste"
	"pastebin/internal/storage"
)

// Pastes is the paste lifecycle the server exposes over HTTP.
type Pastes interface {
	Create(ctx context.Context, req paste.CreateRequest) (string, error)
	Read(ctx context.Context, id string) (*storage.Record, error)
	Delete(ctx context.Context, id string) error
	MaxPayloadBytes() int64
}

// Config captures server configuration.
type Config struct {
	Pastes      Pastes
	RateLimiter *RateLimiter
	TrustProxy  bool
	BaseURL     string
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// Server wraps HTTP handling logic.
type Server struct {
	pastes         Pastes
	router         chi.Router
	limiter        *RateLimiter
	trustProxy     bool
	baseURL        *url.URL
	logger         *slog.Logger
	metrics        *metrics.Metrics
	metricsHandler http.Handler
}

// New constructs a new Server instance.
func New(cfg Config) (*Server, error) {
	if cfg.Pastes == nil {
		return nil, errors.New("paste store required")
	}

	var parsedBase *url.URL
	if cfg.BaseURL != "" {
		var err error
		parsedBase, err = url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base url: %w", err)
		}
		if parsedBase.Scheme == "" || parsedBase.Host == "" {
			return nil, errors.New("base url must include scheme and host")
		}
		parsedBase.Path = strings.TrimSuffix(parsedBase.Path, "/")
	}

	srv := &Server{
		pastes:         cfg.Pastes,
		router:         chi.NewRouter(),
		limiter:        cfg.RateLimiter,
		trustProxy:     cfg.TrustProxy,
		baseURL:        parsedBase,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		metricsHandler: cfg.MetricsHandler,
	}
	srv.routes()
	return srv, nil
}

// Handler returns the underlying router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	if s.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(Instrument(s.metrics))
	r.Use(RateLimitMiddleware(s.limiter, func(r *http.Request) string {
		return ClientIP(r, s.trustProxy)
	}, s.metrics))
	r.Use(middleware.Compress(5, "text/plain", "application/json"))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}

	r.Get("/", s.handleUsage)
	r.Post("/", s.handleCreate)
	r.Put("/", s.handleCreate)
	r.Post("/{name}", s.handleCreate)
	r.Put("/{name}", s.handleCreate)

	r.Get("/qr/{id}", s.handleQR)
	r.Get("/{id}", s.handleView)
	r.Get("/{id}/{name}", s.handleRaw)
	r.Delete("/{id}", s.handleDelete)
}

func (s *Server) isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if s.baseURL != nil && s.baseURL.Scheme == "https" {
		return true
	}
	if s.trustProxy {
		proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto"))
		if proto == "https" {
			return true
		}
	}
	return false
}

// canonicalURL returns the public URL of path, which must start with "/"
// and is escaped here.
func (s *Server) canonicalURL(r *http.Request, path string) string {
	if s.baseURL != nil {
		u := *s.baseURL
		u.Path = strings.TrimSuffix(u.Path, "/") + path
		u.RawPath = ""
		return u.String()
	}

	scheme := "http"
	if s.isSecureRequest(r) {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	u := url.URL{Scheme: scheme, Host: host, Path: path}
	return u.String()
}
