package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mrhapile/crossroads/api"
	"github.com/mrhapile/crossroads/config"
	"github.com/mrhapile/crossroads/gateway"
	"github.com/mrhapile/crossroads/logging"
	"github.com/mrhapile/crossroads/metrics"
	"github.com/mrhapile/crossroads/runtime"
	"github.com/mrhapile/crossroads/store"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			return a.run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "configuration", "c", "", "Path to configuration file")
	return cmd
}

// app is a fully wired server: store, runtime, gateway and admin API.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   store.Store
	engine  *runtime.Engine
	runtime *runtime.Runtime
	metrics *metrics.Metrics
	gateway *gateway.Gateway
	api     *api.Server
}

// newApp builds every component and restores the current extension. A
// current extension that no longer compiles is logged and the default
// extension keeps serving.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = st

	a.engine, err = runtime.NewEngine(ctx,
		runtime.WithMemoryLimitPages(cfg.Runtime.MemoryLimitPages),
		runtime.WithEngineLogger(logging.Component(logger, "engine")))
	if err != nil {
		a.close()
		return nil, err
	}
	a.runtime, err = runtime.NewRuntime(ctx, a.engine,
		runtime.WithLogger(logging.Component(logger, "runtime")),
		runtime.WithObserver(a.metrics))
	if err != nil {
		a.close()
		return nil, err
	}

	upstream, err := cfg.Gateway.Upstream()
	if err != nil {
		a.close()
		return nil, err
	}
	opts := []gateway.Option{
		gateway.WithLogger(logging.Component(logger, "gateway")),
		gateway.WithMaxBodyBytes(cfg.Gateway.MaxBodyBytes),
		gateway.WithDispatcher(gateway.NewHTTPDispatcher(cfg.Gateway.UpstreamTimeout)),
	}
	if upstream != nil {
		opts = append(opts, gateway.WithDefaultUpstream(upstream))
	}
	a.gateway = gateway.New(a.runtime, opts...)

	a.api = api.NewServer(a.store, a.runtime,
		api.WithLogger(logging.Component(logger, "api")),
		api.WithMetricsHandler(a.metrics.Handler()))

	if err := a.api.Restore(ctx); err != nil {
		if !runtime.IsCompileError(err) {
			a.close()
			return nil, err
		}
		logger.Warn().Err(err).Msg("current extension rejected, serving the default")
	}
	return a, nil
}

// run serves both listeners until ctx is done or one of them fails.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if rs, ok := a.store.(*store.RedisStore); ok {
		err := rs.Subscribe(ctx, func(tag string) {
			if err := a.api.Follow(ctx, tag); err != nil {
				a.logger.Warn().Err(err).Str("tag", tag).Msg("failed to follow activation")
			}
		})
		if err != nil {
			return err
		}
		a.logger.Info().Str("channel", rs.Channel()).Msg("following activations")
	}

	servers := []struct {
		name    string
		port    int
		handler http.Handler
	}{
		{"gateway", a.cfg.Gateway.Port, a.gateway},
		{"api", a.cfg.API.Port, a.api},
	}
	for _, s := range servers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", s.port),
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		name := s.name
		g.Go(func() error {
			a.logger.Info().Str("listener", name).Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", name, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	a.logger.Info().Msg("server stopped")
	return err
}

func (a *app) close() {
	ctx := context.Background()
	if a.runtime != nil {
		a.runtime.Close()
	}
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close engine")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close store")
		}
	}
}

// openStore opens the configured backend.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendDir:
		return store.NewDirStore(cfg.Path)
	case config.BackendFluid:
		return store.NewFluidStore(cfg.MountPath)
	case config.BackendPostgres:
		return store.OpenPostgres(ctx, cfg.Postgres.DSN)
	case config.BackendRedis:
		return store.OpenRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

