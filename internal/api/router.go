// Package api wires together all HTTP routes for the knowledge portal BFF.
//
// Route grouping:
//   - /health, /ready and /version are public health endpoints.
//   - /api/v1/auth/* runs the sign-in flow and is rate limited more strictly.
//   - /api/v1/pages/:locale/* runs the page guard, which redirects instead of
//     answering 401/403 and honours the test bypass.
//   - every other /api/v1 route runs the API guard, then mounts the session's
//     user and chat stores, then records successful writes to the audit log.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/knowledge-portal/portal/internal/api/account"
	"github.com/knowledge-portal/portal/internal/api/pages"
	"github.com/knowledge-portal/portal/internal/api/portal"
	"github.com/knowledge-portal/portal/internal/audit"
	"github.com/knowledge-portal/portal/internal/auth"
	"github.com/knowledge-portal/portal/internal/backend"
	"github.com/knowledge-portal/portal/internal/config"
	"github.com/knowledge-portal/portal/internal/db/repositories"
	"github.com/knowledge-portal/portal/internal/guard"
	"github.com/knowledge-portal/portal/internal/kv"
	"github.com/knowledge-portal/portal/internal/middleware"
	"github.com/knowledge-portal/portal/internal/session"
	"github.com/knowledge-portal/portal/internal/store"
	"github.com/knowledge-portal/portal/internal/usersync"
)

// checkTimeout bounds each dependency check made by /health and /ready
const checkTimeout = 3 * time.Second

// Dependencies are the external collaborators the router is built on. The
// caller (cmd/server) owns their lifecycle.
type Dependencies struct {
	// KV holds OAuth state, ID tokens and user store snapshots. Required.
	KV kv.Store
	// Redis switches rate limiting to the shared GCRA limiter. Optional.
	Redis redis.UniversalClient
	// DB enables the audit log. Optional.
	DB *sqlx.DB
	// Provider is the identity provider. Optional; sign-in answers 503 without it.
	Provider account.IdentityProvider
	Backend  backend.API
	Syncer   usersync.Syncer
	Version  string
}

// BackgroundServices holds references to background resources that must be
// stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
	recorder     *audit.Recorder
}

// Shutdown stops the in-memory rate limiters, waits for pending audit writes
// and flushes the audit shippers. It should be called after the HTTP server has
// been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if err := bg.recorder.Close(); err != nil {
		slog.Warn("failed to close audit shippers", "error", err)
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) (*gin.Engine, *BackgroundServices, error) {
	if deps.KV == nil {
		return nil, nil, fmt.Errorf("router: a KV store is required")
	}
	if deps.Backend == nil || deps.Syncer == nil {
		return nil, nil, fmt.Errorf("router: backend client and user syncer are required")
	}

	codec, err := session.NewCodec(cfg.Auth.Session.Secret)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session codec: %w", err)
	}
	sessions := session.NewManager(codec, deps.KV, cfg.Auth.Session)

	// Keep both interfaces nil, not typed-nil, when there is no database.
	var (
		auditWriter audit.Writer
		auditLister portal.AuditLister
	)
	if deps.DB != nil {
		repo := repositories.NewAuditRepository(deps.DB)
		auditWriter = repo
		auditLister = repo
	} else {
		slog.Warn("no database configured; audit log not stored")
	}

	var shipper audit.Shipper
	ms, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create audit shippers: %w", err)
	}
	if ms.Len() > 0 {
		shipper = ms
		slog.Info("audit shipping enabled", "shippers", ms.Len())
	}
	recorder := audit.NewRecorder(auditWriter, shipper)

	routeGuard, err := guard.New(sessions, cfg)
	if err != nil {
		ms.Close()
		return nil, nil, err
	}

	users := store.NewUserRegistry(deps.KV, cfg.Store.Namespace, cfg.Auth.Session.TTL, cfg.Store.UserCapacity, cfg.Store.UserIdleTTL)
	chats := store.NewChatRegistry(cfg.Store.ChatCapacity, cfg.Store.ChatIdleTTL)
	resolver := session.NewResolver(deps.Syncer, recorder, cfg.Auth.Session.TTL)

	accountHandlers := account.NewHandlers(cfg, account.Options{
		Provider: deps.Provider,
		Resolver: resolver,
		Sessions: sessions,
		KV:       deps.KV,
		Recorder: recorder,
		Users:    users,
		Chats:    chats,
	})
	portalHandlers := portal.NewHandlers(cfg, deps.Backend, auditLister)

	bg := &BackgroundServices{recorder: recorder}
	newLimiter := func(prefix string, rc middleware.RateLimitConfig) middleware.Limiter {
		if deps.Redis != nil {
			return middleware.NewRedisLimiter(deps.Redis, prefix, rc)
		}
		rl := middleware.NewRateLimiter(rc)
		bg.rateLimiters = append(bg.rateLimiters, rl)
		return rl
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	var authLimit, uploadLimit gin.HandlerFunc = passThrough, passThrough
	if cfg.Security.RateLimiting.Enabled {
		router.Use(middleware.RateLimitMiddleware(newLimiter("general", middleware.RateLimitConfigFrom(cfg.Security.RateLimiting))))
		authLimit = middleware.RateLimitMiddleware(newLimiter("auth", middleware.AuthRateLimitConfig()))
		uploadLimit = middleware.RateLimitMiddleware(newLimiter("upload", middleware.UploadRateLimitConfig()))
	}

	router.GET("/health", healthCheckHandler(deps.KV))
	router.GET("/ready", readinessHandler(deps.KV, deps.DB, deps.Backend))
	router.GET("/version", versionHandler(deps.Version))

	v1 := router.Group("/api/v1")

	authGroup := v1.Group("/auth", authLimit)
	{
		authGroup.GET("/signin", accountHandlers.SignInHandler())
		authGroup.GET("/callback", accountHandlers.CallbackHandler())
		authGroup.GET("/session", accountHandlers.SessionHandler())
		authGroup.POST("/refresh", routeGuard.RequireAPI(auth.Authenticated), accountHandlers.RefreshHandler())
		authGroup.POST("/signout", accountHandlers.SignOutHandler())
	}

	pages.Register(v1.Group("/pages"), routeGuard, cfg.I18n)

	provideUser := store.ProvideUserStore(users)
	provideChat := store.ProvideChatStore(chats)
	auditWrites := middleware.AuditMiddleware(recorder)

	// protected builds the chain for an API route guarded by set
	protected := func(set auth.PermissionSet, handlers ...gin.HandlerFunc) []gin.HandlerFunc {
		chain := []gin.HandlerFunc{routeGuard.RequireAPI(set), provideUser, provideChat, auditWrites}
		return append(chain, handlers...)
	}

	// User store
	v1.GET("/store/user", protected(auth.Authenticated, portalHandlers.GetUserStoreHandler())...)
	v1.PUT("/store/user/current-sector", protected(auth.Authenticated, portalHandlers.SelectSectorHandler())...)
	v1.DELETE("/store/user", protected(auth.Authenticated, portalHandlers.ClearUserStoreHandler())...)

	// Sectors
	v1.GET("/sectors", protected(auth.Authenticated, portalHandlers.ListSectorsHandler())...)
	v1.POST("/sectors", protected(auth.CanManageSectors, portalHandlers.CreateSectorHandler())...)
	v1.DELETE("/sectors/:id", protected(auth.CanManageSectors, portalHandlers.DeleteSectorHandler())...)

	// Chat
	v1.GET("/chat", protected(auth.Authenticated, portalHandlers.GetChatHandler())...)
	v1.POST("/chat/messages", protected(auth.Authenticated, portalHandlers.SendMessageHandler())...)
	v1.DELETE("/chat", protected(auth.Authenticated, portalHandlers.ResetChatHandler())...)

	// Documents
	v1.POST("/documents", protected(auth.CanUpload, uploadLimit, portalHandlers.UploadDocumentHandler())...)
	v1.GET("/documents", protected(auth.Authenticated, portalHandlers.ListDocumentsHandler())...)
	v1.DELETE("/documents/:id", protected(auth.CanUpload, portalHandlers.DeleteDocumentHandler())...)

	// Invitations
	v1.POST("/invitations", protected(auth.CanInviteUsers, portalHandlers.InviteUserHandler())...)

	// Notifications
	v1.GET("/notifications/unread", protected(auth.Authenticated, portalHandlers.UnreadCountHandler())...)
	v1.GET("/notifications/stream", protected(auth.Authenticated, portalHandlers.StreamUnreadHandler())...)

	// Audit log
	v1.GET("/audit", protected(auth.CanViewAuditLog, portalHandlers.ListAuditLogsHandler())...)

	return router, bg, nil
}

func passThrough(c *gin.Context) { c.Next() }

// healthCheckHandler returns the liveness status of the service. Only the KV
// area is checked: without it no session can be established.
// GET /health
func healthCheckHandler(store kv.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "session store unavailable",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// The KV area and, when configured, the audit database must answer. The
// backend is reported but does not fail readiness: pages still render and
// show backend errors on their own.
// GET /ready
func readinessHandler(store kv.Store, db *sqlx.DB, api backend.API) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		defer cancel()
		checks := gin.H{}

		if err := store.Ping(ctx); err != nil {
			checks["kv"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "session store not ready",
			})
			return
		}
		checks["kv"] = "healthy"

		if db == nil {
			checks["database"] = "disabled"
		} else if err := db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		} else {
			checks["database"] = "healthy"
		}

		if err := api.Health(ctx); err != nil {
			slog.Warn("backend health check failed", "error", err)
			checks["backend"] = "unhealthy"
		} else {
			checks["backend"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the build version
// GET /version
func versionHandler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     version,
			"api_version": "v1",
		})
	}
}
