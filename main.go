package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"kuva-api/api"
	"kuva-api/board"
	"kuva-api/config"
	"kuva-api/query"
	"kuva-api/session"
	"kuva-api/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Server.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(cfg.Storage)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}

	rc := redis.NewClient(cfg.Redis.RedisOptions())
	defer rc.Close()
	var cache query.ResultCache
	if cfg.Redis.QueryCacheTTL > 0 {
		cache = query.NewRedisCache(rc, cfg.Redis.QueryCacheTTL)
	}
	hub := query.NewHub(rc, cfg.Redis.Channel, logger)
	go hub.Run(ctx)

	layouts := board.DefaultLayouts()
	if cfg.Board.LayoutsFile != "" {
		if layouts, err = board.LoadLayouts(cfg.Board.LayoutsFile); err != nil {
			logger.Fatalf("board layouts: %v", err)
		}
	}

	persister := board.NewPersister(store, cfg.Persist, logger)
	sessions := session.NewManager(session.Config{
		Store:     store,
		Persister: persister,
		Cache:     cache,
		Hub:       hub,
		Layouts:   layouts,
		SignupURL: cfg.Server.SignupURL,
		Logger:    logger,
	})

	auth, err := newAuth(cfg.Auth)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.SonicSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization,
			api.HeaderSessionID, api.HeaderIdempotencyKey,
		},
	}))
	e.Use(api.Telemetry(logger))
	e.Use(api.GzipRequestMiddleware())
	if cfg.Server.Debug {
		pprof.Register(e)
	}

	api.Register(e, api.Deps{
		Sessions:  sessions,
		Auth:      auth,
		Deduper:   api.NewRedisDeduper(rc, cfg.Redis.DedupeTTL),
		Health:    func(ctx context.Context) error { return rc.Ping(ctx).Err() },
		LoginPath: cfg.Server.LoginPath,
		Logger:    logger,
	})

	go func() {
		if err := e.Start(cfg.Server.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("sessions ended with unconfirmed moves")
	}
	if err := persister.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("persister shutdown")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracer shutdown")
	}
}

func newAuth(cfg config.AuthConfig) (*api.Auth, error) {
	if cfg.TestMode {
		return api.NewAuth(nil, "", "")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.Audience, "https://"+cfg.Domain+"/")
}
