package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/eclinic/qrid/internal/config"
	"github.com/eclinic/qrid/internal/domain/qrtoken"
	"github.com/eclinic/qrid/internal/domain/scanaudit"
	"github.com/eclinic/qrid/internal/domain/scanflow"
	"github.com/eclinic/qrid/internal/domain/subject"
	"github.com/eclinic/qrid/internal/platform/auth"
	"github.com/eclinic/qrid/internal/platform/db"
	"github.com/eclinic/qrid/internal/platform/middleware"
	"github.com/eclinic/qrid/internal/platform/openapi"
	"github.com/eclinic/qrid/internal/platform/phi"
	"github.com/eclinic/qrid/internal/platform/reporting"
	"github.com/eclinic/qrid/internal/platform/sandbox"
	"github.com/eclinic/qrid/internal/platform/telemetry"
	"github.com/eclinic/qrid/internal/platform/webhook"
	"github.com/eclinic/qrid/internal/platform/websocket"
)

// stores are the persistence backends selected by STORE_BACKEND.
type stores struct {
	pool     *pgxpool.Pool
	audit    scanaudit.Sink
	trail    scanaudit.Reader
	subjects subject.Repository
	inTx     sandbox.TxRunner
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	st, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.PHIEncryptionKey == "" {
		return st, nil
	}
	c, err := newPHICipher(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.subjects = phi.NewRepository(st.subjects, c)
	logger.Info().Int("key_version", c.CurrentVersion()).Msg("subject summaries are encrypted at rest")
	return st, nil
}

func newPHICipher(cfg *config.Config) (*phi.Cipher, error) {
	key, err := phi.ParseKey(cfg.PHIEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("PHI_ENCRYPTION_KEY: %w", err)
	}
	c, err := phi.NewCipher(key, cfg.PHIKeyVersion)
	if err != nil {
		return nil, err
	}
	for _, entry := range cfg.PHIPreviousKeys {
		ver, prev, err := phi.ParseVersionedKey(entry)
		if err != nil {
			return nil, fmt.Errorf("PHI_PREVIOUS_KEYS: %w", err)
		}
		if err := c.AddPreviousKey(prev, ver); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if cfg.UsesMemoryStore() {
		sink, err := scanaudit.NewMemSink()
		if err != nil {
			return nil, fmt.Errorf("memory audit sink: %w", err)
		}
		repo, err := subject.NewRepoMem()
		if err != nil {
			return nil, fmt.Errorf("memory subject repo: %w", err)
		}
		logger.Warn().Msg("using in-memory store: audit log and subject records are lost on restart")
		return &stores{audit: sink, trail: sink, subjects: repo}, nil
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  "qrid-server",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	sink := scanaudit.NewPGSink(pool)
	return &stores{
		pool:     pool,
		audit:    sink,
		trail:    sink,
		subjects: subject.NewRepoPG(pool),
		inTx: func(ctx context.Context, fn func(context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		},
	}, nil
}

func (s *stores) pinger() db.Pinger {
	if s.pool == nil {
		return nil
	}
	return s.pool
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

type server struct {
	echo     *echo.Echo
	manager  *scanflow.Manager
	hub      *websocket.Hub
	webhooks *webhook.Manager
	logger   zerolog.Logger
}

func newServer(ctx context.Context, cfg *config.Config, st *stores, logger zerolog.Logger) (*server, error) {
	qrCfg := qrtoken.Config{BaseURL: cfg.QRBaseURL}
	codec := qrtoken.NewCodec(qrCfg, nil)
	builder := qrtoken.NewBuilder(qrCfg, nil)

	// The log sink mirrors every entry so audit activity is visible even when
	// the durable sink is failing.
	sinks := scanaudit.MultiSink{st.audit, scanaudit.NewLogSink(logger)}
	var metrics *telemetry.Registry
	if cfg.MetricsEnabled {
		metrics = telemetry.NewRegistry()
		sinks = append(sinks, scanaudit.SinkFunc(func(_ context.Context, e *scanaudit.Entry) error {
			metrics.ObserveScan(string(e.Outcome), e.QRType, string(e.ScannedByRole), e.ErrorKind)
			return nil
		}))
	}

	webhookStore, err := webhook.NewStore()
	if err != nil {
		return nil, err
	}
	webhooks := webhook.NewManager(webhookStore, logger)
	sinks = append(sinks, scanaudit.SinkFunc(func(_ context.Context, e *scanaudit.Entry) error {
		ev, err := webhook.NewEvent("scan."+string(e.Outcome), e.QRID, e)
		if err != nil {
			return err
		}
		webhooks.Publish(ev)
		return nil
	}))

	recorder := scanaudit.NewRecorder(sinks, nil, logger)
	subjects := subject.NewService(st.subjects, cfg.LookupTimeout)

	var manager *scanflow.Manager
	hub := websocket.NewHub(func(userID, topic string) bool {
		id, ok := strings.CutPrefix(topic, scanflow.Topic(""))
		return ok && manager.CanObserve(id, userID)
	}, logger)
	manager = scanflow.NewManager(scanflow.Deps{
		Decoder:   codec,
		Auditor:   recorder,
		Lookup:    subjects,
		Publisher: hub,
	}, scanflow.Config{
		AuditTimeout: cfg.AuditWriteTimeout,
		IdleTimeout:  cfg.ScanSessionIdleTimeout,
		MaxPerActor:  cfg.ScanSessionsPerActor,
	}, logger)

	var seeder *sandbox.Seeder
	if cfg.SandboxSeed {
		seedCfg := sandbox.DefaultSeedConfig()
		seedCfg.Patients = cfg.SandboxSubjects
		seeder = sandbox.NewSeeder(seedCfg)
		result, err := seeder.Generate()
		if err != nil {
			webhooks.Close(ctx)
			return nil, fmt.Errorf("sandbox seed: %w", err)
		}
		if _, err := seeder.Load(ctx, subjects, st.inTx); err != nil {
			webhooks.Close(ctx)
			return nil, fmt.Errorf("sandbox seed: %w", err)
		}
		logger.Info().Int("subjects", result.Total).Msg("sandbox data seeded")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if metrics != nil {
		e.Use(metrics.Middleware())
	}
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		e.Use(auth.DevAuthMiddleware(auth.RoleAdmin))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	healthy := func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
	e.GET("/health", healthy)
	e.GET("/health/live", healthy)
	e.GET("/health/db", db.HealthHandler(st.pinger()))

	if metrics != nil {
		metrics.GaugeFunc("qrid_scan_sessions_active", "Open scan sessions.", func() float64 {
			return float64(manager.Len())
		})
		metrics.GaugeFunc("qrid_websocket_clients", "Connected websocket clients.", func() float64 {
			return float64(hub.ClientCount())
		})
		if st.pool != nil {
			pool := st.pool
			metrics.GaugeFunc("qrid_db_pool_connections", "Open database pool connections.", func() float64 {
				return float64(pool.Stat().TotalConns())
			})
		}
		e.GET("/metrics", metrics.Handler())
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 || rateLimitCfg.BurstSize <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))

	qrtoken.NewHandler(builder, codec, cfg.QRDefaultTTLHours).RegisterRoutes(apiV1)
	scanflow.NewHandler(manager).RegisterRoutes(apiV1)

	reporting.NewHandler(st.trail).RegisterRoutes(apiV1)
	webhook.NewHandler(webhooks).RegisterRoutes(apiV1.Group("/webhooks", auth.RequireRole(auth.RoleAdmin)))

	if cfg.IsDev() || cfg.SandboxSeed {
		sandboxGroup := apiV1.Group("/sandbox", auth.RequireRole(auth.RoleAdmin))
		sandbox.NewSeedHandler(subjects, st.inTx, seeder, logger).RegisterRoutes(sandboxGroup)
	}

	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	docs := openapi.NewGenerator(apiVersion, cfg.QRBaseURL)
	docs.Public = auth.IsPublicPath
	docs.Summaries = routeSummaries
	docs.RegisterRoutes(e)

	return &server{echo: e, manager: manager, hub: hub, webhooks: webhooks, logger: logger}, nil
}

// Shutdown stops accepting requests, closes every scan session, waits for
// outstanding audit writes and then drains webhook deliveries.
func (s *server) Shutdown(ctx context.Context) error {
	s.hub.BroadcastAll(shutdownEvent())

	var errs []error
	if err := s.echo.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scan sessions: %w", err))
	}
	if err := s.webhooks.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error().Err(err).Msg("shutdown incomplete")
		return err
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

const apiVersion = "1.0.0"

var routeSummaries = map[string]string{
	"POST /api/v1/qr/link":                      "Issue a patient link token",
	"POST /api/v1/qr/emergency":                 "Issue an emergency card token",
	"POST /api/v1/qr/appointment":               "Issue an appointment check-in token",
	"POST /api/v1/qr/prescription":              "Issue a prescription token",
	"POST /api/v1/qr/lab-report":                "Issue a lab report token",
	"POST /api/v1/qr/decode":                    "Decode a raw scanned string",
	"POST /api/v1/scan-sessions":                "Open a scan session",
	"GET /api/v1/scan-sessions/:id":             "Get a scan session snapshot",
	"POST /api/v1/scan-sessions/:id/scan":       "Submit a scanned string",
	"POST /api/v1/scan-sessions/:id/rescan":     "Reset a session for another scan",
	"POST /api/v1/scan-sessions/:id/retry":      "Retry the last scan",
	"DELETE /api/v1/scan-sessions/:id":          "Close a scan session",
	"GET /api/v1/reports/access-log":            "List who scanned which codes",
	"GET /api/v1/reports/measures/:id/evaluate": "Evaluate a scan measure",
	"POST /api/v1/webhooks":                     "Register a webhook endpoint",
	"GET /api/v1/webhooks/:id/deliveries":       "List webhook delivery attempts",
	"POST /api/v1/sandbox/seed":                 "Seed synthetic subjects",
	"GET /ws":                                   "Subscribe to scan session events",
}
