package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"genbridge/internal/adapter/repo"
	"genbridge/internal/host"
	"genbridge/internal/host/bridge"
	"genbridge/internal/http/handlers"
	httpapi "genbridge/internal/http/httpapi"
	"genbridge/internal/infra"
	"genbridge/internal/infra/credentials"
	"genbridge/internal/metrics"
	"genbridge/internal/providers/dashscope"
	"genbridge/internal/session"
	"genbridge/internal/storage"
	"genbridge/internal/task"
	"genbridge/internal/taskboard"
	"genbridge/internal/thumbnail"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.New()
	sessionID := uuid.NewString()
	observers := []task.Observer{collector}

	hostClient, err := bridge.NewClient(bridge.Options{
		BaseURL:        cfg.HostBridgeURL,
		Logger:         &logger,
		RequestTimeout: cfg.HostRequestTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("bridge: host client")
	}

	mirror, err := taskboard.NewMirror(taskboard.MirrorOptions{Board: hostClient, Logger: &logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("bridge: task board mirror")
	}
	observers = append(observers, mirror)

	// Task history is optional and only enabled with DATABASE_URL.
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("bridge: db connection failed")
	}
	var history *taskboard.History
	if pool != nil {
		defer pool.Close()
		runner := infra.NewSQLRunner(pool, logger)
		tasks := repo.NewTaskRepository(runner)
		if err := tasks.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("bridge: apply task schema")
		}
		if cfg.DashScopeAPIKey == "" {
			cfg.DashScopeAPIKey = storedAPIKey(ctx, credentials.NewStore(runner), &logger)
		}
		history, err = taskboard.NewHistory(tasks, sessionID, &logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("bridge: task history")
		}
		observers = append(observers, history)
	} else {
		logger.Info().Msg("bridge: DATABASE_URL not set, task history disabled")
	}

	store, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("bridge: storage")
	}
	uploader, err := storage.NewUploader(store, cfg.StorageBaseURL, hostClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("bridge: uploader")
	}

	opts := session.Options{
		ID:            sessionID,
		Acquirer:      hostClient,
		Revoker:       hostClient,
		Uploader:      uploader,
		TaskObservers: observers,
		Logger:        &logger,
	}
	opts.TaskPolicy = task.Policy{
		Interval: cfg.TaskPollInterval,
		Deadline: cfg.TaskDeadline,
		MaxPolls: cfg.TaskMaxPolls,
	}
	opts.Thumbnails = thumbnail.Options{
		Delay:     cfg.ThumbnailDelay,
		FastDelay: cfg.ThumbnailFastDelay,
		Size:      cfg.ThumbnailSize,
		OnFetch:   collector.ObserveThumbnail,
	}
	opts.OnUploadOutcome = collector.ObserveUpload

	provider, err := dashscope.NewClient(dashscope.Options{
		APIKey:  cfg.DashScopeAPIKey,
		BaseURL: cfg.DashScopeBaseURL,
		Model:   cfg.DashScopeModel,
		Logger:  &logger,
	})
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("bridge: dashscope disabled")
	case !provider.HasCredentials():
		logger.Warn().Msg("bridge: DASHSCOPE_API_KEY not set, submissions disabled")
	default:
		opts.Provider = provider
	}

	sess, err := session.New(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("bridge: session")
	}

	states := make(chan host.DocumentState, 16)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if err := sess.Thumbnails().Watch(ctx, states); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("bridge: document state watcher stopped")
		}
	}()

	app := handlers.NewApp(sess, &logger)
	app.History = history
	app.States = states

	router := httpapi.NewRouter(app, httpapi.Options{
		Metrics:         collector,
		StaticDir:       store.BasePath(),
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Logger:          &logger,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Str("session_id", sessionID).Msg("bridge listening")
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	<-watchDone
	sess.Close()
	mirror.Close()
	logger.Info().Msg("bridge stopped")
}

// storedAPIKey falls back to the key provisioned with cmd/providerkey.
func storedAPIKey(ctx context.Context, store *credentials.Store, logger *infra.Logger) string {
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Warn().Err(err).Msg("bridge: provider key table unavailable")
		return ""
	}
	key, err := store.DashScopeAPIKey(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("bridge: read stored dashscope key")
		return ""
	}
	return key
}
