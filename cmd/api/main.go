package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"labtrack/internal/app"
	"labtrack/internal/archive"
	"labtrack/internal/blob"
	"labtrack/internal/config"
	"labtrack/internal/logging"
	"labtrack/internal/metrics"
	"labtrack/internal/search"
	"labtrack/internal/session"
	"labtrack/internal/store"
)

func main() {
	cfg, err := config.Load()
	logger := logging.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}
	ctx := context.Background()
	m := metrics.New()

	dataStore, db := openStore(ctx, cfg, logger)
	if db != nil {
		defer db.Close()
	}

	var backend search.Backend
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		backend = meiliClient
		defer meiliClient.Close()
	}
	searchService := search.NewService(backend, logger)
	defer searchService.Wait()

	var hooks []archive.Hook
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		client, err := blob.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseTLS)
		if err != nil {
			logger.Fatal().Err(err).Msg("object storage client failed")
		}
		hooks = append(hooks, blob.NewArchiveTagger(client))
	}

	deps := app.Deps{
		Store:    dataStore,
		Searcher: searchService,
		Indexer:  searchService,
		Hooks:    hooks,
		Metrics:  m,
		Logger:   logger,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
		logger.Info().Msg("refresh sessions stored in redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set, refresh tokens disabled")
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn().Err(err).Msg("bootstrap owner not created")
	}

	if meiliClient != nil {
		go func() {
			indexed, err := searchService.Reindex(ctx, dataStore, 500)
			if err != nil {
				logger.Warn().Err(err).Int("indexed", indexed).Msg("audit reindex incomplete")
				return
			}
			logger.Info().Int("indexed", indexed).Msg("audit reindex finished")
		}()
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, m, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreDriver).Msg("labtrack listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

// openStore returns the configured store. The *sql.DB is nil for the memory
// driver.
func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Store, *sql.DB) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn().Msg("using in-memory store, data is lost on exit")
		return store.NewMemoryStore(), nil
	case "postgres", "":
	default:
		logger.Fatal().Str("driver", cfg.StoreDriver).Msg("unknown store driver")
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	if len(applied) > 0 {
		logger.Info().Strs("versions", applied).Msg("migrations applied")
	}
	return store.NewPostgresStore(db), db
}
