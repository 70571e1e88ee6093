package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/caregrid/caregrid/pkg/audit"
	"github.com/caregrid/caregrid/pkg/auth"
	"github.com/caregrid/caregrid/pkg/config"
	"github.com/caregrid/caregrid/pkg/middleware"
	"github.com/caregrid/caregrid/pkg/observability"
	"github.com/caregrid/caregrid/pkg/permissions"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "caregrid-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)
	logger.Info("Starting CareGrid permission server")

	ctx := context.Background()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := permissions.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	store := permissions.NewStore(db)
	if err := permissions.InitializePermissions(ctx, store); err != nil {
		return fmt.Errorf("failed to seed permissions: %w", err)
	}
	if err := permissions.InitializeBuiltInRoles(ctx, store); err != nil {
		return fmt.Errorf("failed to seed built-in roles: %w", err)
	}

	tokenStore := auth.NewTokenStore(db)
	if err := tokenStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure token schema: %w", err)
	}

	cache, err := buildCache(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to build snapshot cache: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
	}

	resolverOpts := []permissions.ResolverOption{
		permissions.WithLogger(logger),
	}
	if metrics != nil {
		resolverOpts = append(resolverOpts, permissions.WithMetrics(metrics))
	}
	resolver := permissions.NewResolver(store, cache, resolverOpts...)

	var auditLogger audit.Logger = audit.NopLogger{}
	if cfg.AuditEnabled {
		dbLogger, err := audit.NewDBLogger(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to create audit logger: %w", err)
		}
		auditLogger = dbLogger
	}

	gate := permissions.NewGate(resolver)
	handlers := permissions.NewHandlers(store, resolver, auditLogger)
	authMiddleware := middleware.NewAuthMiddleware(tokenStore, false)

	router := mux.NewRouter()
	router.Use(mux.MiddlewareFunc(middleware.RequestID))
	router.Use(mux.MiddlewareFunc(middleware.HospitalScope))
	if metrics != nil {
		router.Use(mux.MiddlewareFunc(observability.HTTPMetricsMiddleware(metrics)))
	}

	// Management API: authenticated, and gated on users:manage
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(mux.MiddlewareFunc(authMiddleware.Handler))
	api.Use(mux.MiddlewareFunc(gate.Require(permissions.ResourceUsers, permissions.ActionManage)))
	handlers.RegisterRoutes(api)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthServer := buildHealthServer(cfg, db, metrics)

	var janitor *permissions.Janitor
	if cfg.Janitor.Enabled {
		janitor = permissions.NewJanitor(store, resolver, logger,
			permissions.WithSchedule(cfg.Janitor.Schedule),
			permissions.WithRetention(cfg.Janitor.Retention),
		)
		if err := janitor.Start(); err != nil {
			return fmt.Errorf("failed to start janitor: %w", err)
		}
	}

	var group errgroup.Group
	group.Go(func() error {
		logger.WithField("addr", server.Addr).Info("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		if janitor != nil {
			janitor.Stop()
		}
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return auditLogger.Close()
	})
	if closer, ok := cache.(interface{ Close() error }); ok {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return closer.Close()
		})
	}

	if err := shutdown.WaitForShutdown(); err != nil {
		return err
	}
	return group.Wait()
}

// openDatabase opens the PostgreSQL pool and verifies connectivity
func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// buildCache picks the snapshot cache tier: Redis when configured,
// otherwise the in-process LRU
func buildCache(cfg config.CacheConfig) (permissions.SnapshotCache, error) {
	if cfg.RedisAddr != "" {
		return permissions.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL)
	}
	return permissions.NewMemoryCache(cfg.Size, cfg.TTL), nil
}

// buildHealthServer serves liveness, readiness and metrics on a separate
// port so the management API can stay behind auth
func buildHealthServer(cfg *config.Config, db *sql.DB, metrics *observability.Metrics) *http.Server {
	healthMux := http.NewServeMux()

	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	healthMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	if metrics != nil {
		healthMux.Handle("/metrics", metrics.Handler())
	}

	return &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      healthMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}
