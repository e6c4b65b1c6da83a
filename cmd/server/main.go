// Package main is the entry point for the knowledge portal BFF binary.
// It dispatches three subcommands (serve, migrate and version) via a simple
// switch on os.Args. The serve command runs the audit-log migrations on
// startup so a fresh deployment never needs a separate migration step.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- pprof is only served on the internal profiling port, never by the Gin router.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/knowledge-portal/portal/internal/api"
	"github.com/knowledge-portal/portal/internal/api/account"
	"github.com/knowledge-portal/portal/internal/auth/oidc"
	"github.com/knowledge-portal/portal/internal/backend"
	"github.com/knowledge-portal/portal/internal/config"
	"github.com/knowledge-portal/portal/internal/db"
	"github.com/knowledge-portal/portal/internal/kv"
	"github.com/knowledge-portal/portal/internal/safego"
	"github.com/knowledge-portal/portal/internal/telemetry"
	"github.com/knowledge-portal/portal/internal/usersync"
)

const (
	version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(configPath, cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("Knowledge Portal v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(configPath string, cfg *config.Config) error {
	// Initialise structured logger as early as possible so all subsequent log output
	// uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Fails in production when a secret is missing
	if err := cfg.CheckSecrets(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	if err := config.Watch(configPath, func(c *config.Config) {
		telemetry.SetLevel(c.Logging.Level)
	}); err != nil {
		slog.Warn("config file watch disabled", "error", err)
	}

	ctx := context.Background()

	// Session KV area
	var (
		store       kv.Store
		redisClient redis.UniversalClient
	)
	if cfg.Redis.Enabled {
		client := kv.NewRedisClient(&cfg.Redis)
		defer client.Close()
		rs, err := kv.NewRedis(client)
		if err != nil {
			return fmt.Errorf("failed to create redis store: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rs.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		store, redisClient = rs, rs.Client()
		slog.Info("session store: redis", "addr", cfg.Redis.Addr)
	} else {
		store = kv.NewMemory()
		slog.Warn("session store: in-memory; sessions are lost on restart and not shared between replicas")
	}

	database, err := openAuditDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
	}

	// The interface stays nil, not typed-nil, when the provider is unavailable.
	var provider account.IdentityProvider
	if cfg.OIDCConfigured() {
		p, err := oidc.NewProvider(ctx, &cfg.Auth.OIDC)
		if err != nil {
			slog.Error("identity provider unavailable; sign-in disabled", "issuer", cfg.Auth.OIDC.IssuerURL, "error", err)
		} else {
			provider = p
			slog.Info("identity provider ready", "issuer", cfg.Auth.OIDC.IssuerURL)
		}
	} else {
		slog.Warn("identity provider not configured; sign-in disabled")
	}

	// Start Prometheus metrics endpoint on a dedicated port so it is not reachable
	// through the public ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	if cfg.Telemetry.Profiling.Enabled {
		pprofAddr := fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port)
		safego.Go("pprof-server", func() {
			slog.Info("starting pprof server", "addr", pprofAddr)
			// net/http/pprof registers its handlers on http.DefaultServeMux at init time.
			srv := &http.Server{ //nolint:gosec // #nosec G112 -- internal-only pprof port
				Addr:         pprofAddr,
				Handler:      http.DefaultServeMux, // #nosec G108 -- pprof-only internal port
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("pprof server error", "error", err)
			}
		})
	}

	router, bgServices, err := api.NewRouter(cfg, api.Dependencies{
		KV:       store,
		Redis:    redisClient,
		DB:       database,
		Provider: provider,
		Backend:  backend.NewClient(&cfg.Backend),
		Syncer:   usersync.NewClient(cfg),
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"base_url", cfg.Server.BaseURL,
			"environment", cfg.App.Environment,
			"test_bypass", cfg.Auth.TestBypass)

		var err error
		if cfg.Security.TLS.Enabled {
			slog.Info("TLS enabled", "cert", cfg.Security.TLS.CertFile, "key", cfg.Security.TLS.KeyFile)
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		bgServices.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop rate limiter goroutines and drain pending audit writes
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// openAuditDatabase connects to the audit database and brings its schema up to
// date. Outside production an unreachable database only disables the audit log.
func openAuditDatabase(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		if cfg.App.IsProduction() {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Warn("database unavailable; audit log not stored", "host", cfg.Database.Host, "error", err)
		return nil, nil
	}
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	telemetry.StartDBStatsCollector(database.DB)

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema version", "version", v, "dirty", dirty)
	}
	return database, nil
}

func runMigrations(cfg *config.Config, direction string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	database, err := db.Connect(context.Background(), &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)

	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	slog.Info("migration completed", "version", v, "dirty", dirty)
	return nil
}
