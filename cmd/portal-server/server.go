package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/medportal/portal/internal/config"
	"github.com/medportal/portal/internal/domain/accessgrant"
	"github.com/medportal/portal/internal/domain/record"
	"github.com/medportal/portal/internal/domain/verification"
	"github.com/medportal/portal/internal/platform/audit"
	"github.com/medportal/portal/internal/platform/auth"
	"github.com/medportal/portal/internal/platform/cache"
	"github.com/medportal/portal/internal/platform/db"
	"github.com/medportal/portal/internal/platform/middleware"
	"github.com/medportal/portal/internal/platform/registry"
)

const (
	maxBodySize     = "1M"
	shutdownTimeout = 10 * time.Second
	hotCachePrefix  = "medportal:"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newHotCache connects to Redis when configured. Without Redis, or when it is
// unreachable, an in-process cache is used; entries there live at most
// HOT_CACHE_TTL, which bounds how stale another instance's view can be.
func newHotCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Store, func()) {
	if cfg.RedisURL == "" {
		logger.Info().Msg("REDIS_URL not set, using in-process hot cache")
		return cache.NewMemory(), func() {}
	}
	rc, err := cache.NewRedis(ctx, cfg.RedisURL, hotCachePrefix)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, falling back to in-process hot cache")
		return cache.NewMemory(), func() {}
	}
	logger.Info().Msg("connected to redis")
	return rc, func() { _ = rc.Close() }
}

// services holds the domain handlers mounted under /api/v1.
type services struct {
	verification *verification.Handler
	records      *record.Handler
	access       *accessgrant.Handler
}

func buildServices(cfg *config.Config, pool db.Querier, tx *db.Transactor, hot cache.Store, logger zerolog.Logger) *services {
	sink := audit.Multi{audit.NewPGSink(pool), audit.NewLogSink(logger)}

	registries := map[verification.IdentifierType]registry.Client{
		verification.TypeDoctorLicense: registry.NewDoctorCouncilClient(cfg.DoctorRegistryURL, cfg.RegistryTimeout),
		verification.TypeHospitalID:    registry.NewFacilityClient(cfg.HospitalRegistryURL, cfg.HospitalRegistryAPIKey, cfg.RegistryTimeout),
	}
	verRepo := verification.NewRepo(pool)
	gw := verification.NewGateway(verRepo, registries, hot, verification.GatewayConfig{
		TTL:         cfg.VerificationTTL(),
		HotCacheTTL: cfg.HotCacheTTL,
	}, logger)
	mod := verification.NewModerator(verRepo, tx, sink, hot, logger)

	recordRepo := record.NewRepo(pool)
	engine := accessgrant.NewEngine(accessgrant.NewRepo(pool), recordRepo, tx, sink, accessgrant.Config{
		DefaultDurationDays: cfg.DefaultGrantDays,
		MaxDurationDays:     cfg.MaxGrantDays,
		FanoutRetries:       cfg.GrantFanoutRetries,
	}, logger)

	return &services{
		verification: verification.NewHandler(gw, mod),
		records:      record.NewHandler(record.NewService(recordRepo)),
		access:       accessgrant.NewHandler(engine),
	}
}

func newEcho(cfg *config.Config, logger zerolog.Logger, svc *services, dbHealth echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader, auth.DevRoleHeader},
	}))
	e.Use(echomw.BodyLimit(maxBodySize))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if dbHealth != nil {
		e.GET("/health/db", dbHealth)
	}

	apiV1 := e.Group("/api/v1")
	svc.verification.RegisterRoutes(apiV1)
	svc.records.RegisterRoutes(apiV1)
	svc.access.RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	hot, closeHot := newHotCache(ctx, cfg, logger)
	defer closeHot()

	svc := buildServices(cfg, pool, db.NewTransactor(pool), hot, logger)
	e := newEcho(cfg, logger, svc, dbHealthHandler(pool, hot))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func dbHealthHandler(pool *pgxpool.Pool, hot cache.Store) echo.HandlerFunc {
	return db.HealthHandler(pool, db.DependencyCheck{
		Name:     "hot_cache",
		Optional: true,
		Ping:     hot.Ping,
	})
}
