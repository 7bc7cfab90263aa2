// Package api provides the administrative REST API: storing extensions and
// choosing which one the gateway runs.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mrhapile/crossroads/runtime"
	"github.com/mrhapile/crossroads/store"
)

// DefaultMaxPayloadBytes bounds an uploaded extension.
const DefaultMaxPayloadBytes = 64 << 20

// Runtime is the part of *runtime.Runtime the API drives.
type Runtime interface {
	Replace(ctx context.Context, binary []byte) error
	Reset(ctx context.Context) error
	Validate(ctx context.Context, binary []byte) (runtime.ModuleInfo, error)
	Active() (runtime.ModuleInfo, error)
}

// Server is the HTTP server for the administrative API.
type Server struct {
	store      store.Store
	runtime    Runtime
	metrics    http.Handler
	logger     zerolog.Logger
	maxPayload int64
	router     chi.Router

	// mu serialises mutations so the store and the active slot change
	// together.
	mu sync.Mutex
}

// Option configures NewServer.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMaxPayloadBytes overrides DefaultMaxPayloadBytes.
func WithMaxPayloadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxPayload = n
		}
	}
}

// NewServer creates a new API server.
func NewServer(st store.Store, rt Runtime, opts ...Option) *Server {
	s := &Server{
		store:      st,
		runtime:    rt,
		logger:     zerolog.Nop(),
		maxPayload: DefaultMaxPayloadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupRoutes configures the router with all API routes.
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/proxies", func(r chi.Router) {
		r.Get("/", s.listProxies)

		r.Get("/current", s.currentProxy)
		r.Get("/current/{tag}", s.activateProxy)
		r.Put("/current/{tag}", s.activateProxy)

		r.Post("/{tag}", s.createProxy)
		r.Get("/{tag}", s.getProxy)
		r.Put("/{tag}", s.updateProxy)
		r.Delete("/{tag}", s.deleteProxy)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("api request")
	})
}

// Restore installs the store's current extension into the runtime. With no
// current extension the runtime keeps its default.
func (s *Server) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ext, err := s.store.Current(ctx)
	if errors.Is(err, store.ErrNoCurrent) {
		s.logger.Info().Msg("no current extension stored, serving the default")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read current extension: %w", err)
	}
	if err := s.runtime.Replace(ctx, ext.Binary); err != nil {
		return fmt.Errorf("failed to restore extension %s: %w", ext.Tag, err)
	}
	s.logger.Info().Str("tag", ext.Tag).Str("digest", ext.Digest).Msg("restored current extension")
	return nil
}

// Follow applies an activation announced by another replica: an empty tag
// resets the runtime, any other tag is loaded from the store and installed
// unless it is already active.
func (s *Server) Follow(ctx context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tag == "" {
		return s.runtime.Reset(ctx)
	}
	ext, err := s.store.Get(ctx, tag)
	if err != nil {
		return err
	}
	if active, err := s.runtime.Active(); err == nil && active.Digest == ext.Digest {
		return nil
	}
	if err := s.runtime.Replace(ctx, ext.Binary); err != nil {
		return fmt.Errorf("failed to activate extension %s: %w", tag, err)
	}
	s.logger.Info().Str("tag", tag).Msg("followed activation")
	return nil
}
