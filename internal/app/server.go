package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/modelrouter/internal/events"
	"github.com/jordanhubbard/modelrouter/internal/health"
	"github.com/jordanhubbard/modelrouter/internal/httpapi"
	"github.com/jordanhubbard/modelrouter/internal/logging"
	"github.com/jordanhubbard/modelrouter/internal/metrics"
	"github.com/jordanhubbard/modelrouter/internal/registry"
	"github.com/jordanhubbard/modelrouter/internal/router"
	"github.com/jordanhubbard/modelrouter/internal/store"
	"github.com/jordanhubbard/modelrouter/internal/tracing"
)

type Server struct {
	cfg Config

	r *chi.Mux

	router   *router.Router
	registry *registry.Registry
	store    store.Store
	prober   *health.Prober
	factory  *connectorFactory
	logger   *slog.Logger

	shutdownTracing func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)
	ctx := context.Background()

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	// Open store.
	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	bus := events.NewBus()
	m := metrics.New()

	reg := registry.New(registry.WithStore(db), registry.WithEventBus(bus), registry.WithLogger(logger))
	loaded, err := reg.Load(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := seedModels(ctx, reg, policy.Models, logger); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("model registry ready", slog.Int("persisted", loaded), slog.Int("models", reg.Len()))

	// Health tracking feeds registry status and the health gauges.
	ht := health.NewTracker(policy.Health,
		health.WithEventBus(bus),
		health.WithOnUpdate(func(s health.Stats) {
			reg.ApplyHealth(s.ModelID, s.State.ModelStatus(), s.AvgLatencyMs)
			m.ObserveHealth(s.ModelID, string(s.State), s.AvgLatencyMs)
		}),
	)
	prober := health.NewProber(policy.Prober, ht, tracing.NewHTTPClient(policy.Prober.ProbeTimeout), logger)

	factory := newConnectorFactory(cfg)
	connectModels(reg, factory, prober, logger)

	rt, err := router.New(routingConfig(ctx, db, policy.Router, logger), reg,
		router.WithLogger(logger),
		router.WithObserver(m),
		router.WithEventBus(bus),
		router.WithDecisionLog(db),
		router.WithHealthReporter(ht),
	)
	if err != nil {
		db.Close()
		return nil, err
	}

	admin, err := httpapi.NewAdminToken(cfg.AdminToken, cfg.DBDSN, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Router:   rt,
		Registry: reg,
		Store:    db,
		Health:   ht,
		Prober:   prober,
		Metrics:  m,
		EventBus: bus,
		Admin:    admin,
		Connect:  factory.Connect,
		Logger:   logger,
	})

	prober.Start()

	return &Server{
		cfg:             cfg,
		r:               r,
		router:          rt,
		registry:        reg,
		store:           db,
		prober:          prober,
		factory:         factory,
		logger:          logger,
		shutdownTracing: shutdownTracing,
	}, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload applies a new log level and re-reads the policy file: its router
// configuration replaces the live one and new seed models are registered.
// Listen address, database, backend and CORS changes need a restart.
func (s *Server) Reload(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	if err := s.router.UpdateConfig(policy.Router); err != nil {
		return err
	}
	logging.SetLevel(cfg.LogLevel)
	if err := seedModels(context.Background(), s.registry, policy.Models, s.logger); err != nil {
		return err
	}
	connectModels(s.registry, s.factory, s.prober, s.logger)
	s.cfg = cfg
	s.logger.Info("configuration reloaded", slog.String("strategy", string(policy.Router.Strategy)))
	return nil
}

func (s *Server) Close() error {
	s.prober.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if s.shutdownTracing != nil {
		errs = append(errs, s.shutdownTracing(ctx))
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// seedModels registers policy models that are not already persisted, so
// admin changes made at runtime survive a restart.
func seedModels(ctx context.Context, reg *registry.Registry, seeds []SeedModel, logger *slog.Logger) error {
	for _, s := range seeds {
		if _, ok := reg.GetModel(s.ID); ok {
			continue
		}
		if err := reg.Register(ctx, s.ModelMetadata(), nil); err != nil {
			return fmt.Errorf("seed model %s: %w", s.ID, err)
		}
		logger.Info("seeded model", slog.String("model", s.ID), slog.String("provider", s.Provider))
	}
	return nil
}

// connectModels attaches a connector to every registered model whose
// provider has a backend, and registers it with the prober.
func connectModels(reg *registry.Registry, factory *connectorFactory, prober *health.Prober, logger *slog.Logger) {
	for _, m := range reg.ListModels() {
		conn, err := factory.Connect(m)
		if err != nil {
			logger.Warn("cannot connect model", slog.String("model", m.ID), slog.String("error", err.Error()))
			continue
		}
		if conn == nil {
			logger.Warn("no backend configured for model",
				slog.String("model", m.ID),
				slog.String("provider", m.Provider),
			)
			continue
		}
		if err := reg.SetConnector(m.ID, conn); err != nil {
			logger.Warn("cannot attach connector", slog.String("model", m.ID), slog.String("error", err.Error()))
			continue
		}
		if p, ok := conn.(interface{ HealthEndpoint() string }); ok {
			prober.AddTarget(health.NewTarget(m.ID, p.HealthEndpoint()))
		}
	}
}

// routingConfig prefers the configuration saved through the admin API over
// the policy file. An invalid saved configuration is ignored.
func routingConfig(ctx context.Context, db store.Store, fromPolicy router.Config, logger *slog.Logger) router.Config {
	saved, err := db.LoadRoutingConfig(ctx)
	if err != nil {
		logger.Warn("failed to load saved routing config", slog.String("error", err.Error()))
		return fromPolicy
	}
	if saved == nil {
		return fromPolicy
	}
	if err := saved.Validate(); err != nil {
		logger.Warn("ignoring invalid saved routing config", slog.String("error", err.Error()))
		return fromPolicy
	}
	logger.Info("using saved routing config", slog.String("strategy", string(saved.Strategy)))
	return *saved
}
