// Package server wires the retrieval engine, ticket orchestrator and storage
// behind an HTTP API.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/deskhand/deskhand/config"
	"github.com/deskhand/deskhand/internal/embedcache"
	"github.com/deskhand/deskhand/internal/index"
	"github.com/deskhand/deskhand/internal/ingest"
	"github.com/deskhand/deskhand/internal/retrieval"
	"github.com/deskhand/deskhand/internal/store"
	"github.com/deskhand/deskhand/internal/telemetry"
	"github.com/deskhand/deskhand/internal/ticket"
	"github.com/deskhand/deskhand/provider"
)

// Run loads configuration, applies migrations, builds the pipeline and
// serves the API until the listener stops.
func Run(cfgPath, addr string) error {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	idx, err := index.NewPostgres(ctx, dsn)
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}
	prov, err := provider.NewProvider(cfg.Provider)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	var rdb *redis.Client
	var cache embedcache.Cache
	switch cfg.Cache.Backend {
	case "redis":
		rdb, err = embedcache.Conn(ctx, cfg.Storage.Redis.Host+":"+cfg.Storage.Redis.Port,
			cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		cache = embedcache.NewRedisCache(prov, rdb, cfg.Cache.TTL, nil)
	default:
		cache, err = embedcache.NewLRU(prov, cfg.Cache.Capacity, cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	engine, err := retrieval.NewEngine(cache, idx, cfg.Retrieval, metrics, nil)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	ingestor, err := ingest.NewIngestor(prov, idx, cfg.Chunking, cfg.Retrieval, nil)
	if err != nil {
		return fmt.Errorf("ingestor: %w", err)
	}

	responderLogger := log.New(log.Writer(), "[RESPOND] ", log.LstdFlags)
	orch, err := ticket.NewOrchestrator(
		engine,
		&LLMComposer{Provider: prov},
		&LLMEvaluator{Provider: prov},
		&LogResponder{Logger: responderLogger},
		st,
		st,
		cfg.Retrieval, cfg.Pipeline, metrics, nil,
	)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	api := e.Group("/api")
	th := &TicketsHandler{Service: orch, Archive: st, Escalations: st}
	th.Register(api.Group("/tickets"))
	th.RegisterEscalations(api.Group("/escalations"))
	dh := &DocumentsHandler{Service: ingestor}
	dh.Register(api.Group("/documents"))
	sh := &SearchHandler{Service: engine}
	sh.Register(api.Group("/search"))

	sched := &Scheduler{Cache: cache, Rdb: rdb, Spec: cfg.Server.SweepSchedule, Stop: make(chan struct{})}
	sched.Start()

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
