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

	"emberchat/guard"
	"emberchat/infrastructure/ws"
	"emberchat/internal"
	"emberchat/moderation"
	"emberchat/observability"
	"emberchat/registry"
	"emberchat/repositories"
	"emberchat/runtime/workers"
	"emberchat/services"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
)

// Exit codes to provide meaningful status to the operating system or
// service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// main stays a thin wrapper so every defer in run executes before
	// the process exits.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "emberchat terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Configuration & logger
	_ = godotenv.Load()

	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	charReplacement, err := internal.CharacterRune(config.CharReplacement)
	if err != nil {
		return exitConfig, err
	}

	logger := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Stores and core components
	messages := repositories.NewMessageRepository(db, logger, config.MessageTTL)
	records := repositories.NewRecordRepository(db, logger)
	promos := repositories.NewPromoRepository(db, logger)
	moderationRepo := repositories.NewModerationRepository(db, logger)

	authority := moderation.NewAuthority(moderationRepo, logger)
	censor, err := moderation.NewCensor(config.CensoredWordList(), charReplacement)
	if err != nil {
		return exitConfig, fmt.Errorf("censor init failed: %w", err)
	}

	rateGuard := guard.New(guard.Policy{
		MinGap:        config.MinMessageGap,
		WindowReset:   config.WindowReset,
		BurstLimit:    config.BurstLimit,
		BlockDuration: config.BlockDuration,
	}, config.SlowModeGap, logger)

	channelRegistry := registry.New(logger)

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)

	engine := services.NewBroadcastService(logger, services.Settings{
		MaxContentLength: config.MaxContentLength,
		RecentLimit:      config.RecentLimit,
		MuteDuration:     config.DefaultMuteDuration,
		SlowModeDuration: config.DefaultSlowModeDuration,
		PromoCadence:     config.PromoCadence,
	}, rateGuard, authority, censor, messages, promos, records, channelRegistry, metrics)

	// 4. Reaper under supervision
	reaper, err := workers.NewReaper(logger, config.ReaperCron, metrics,
		workers.Sweep{Kind: "messages", Run: messages.SweepExpired},
		workers.Sweep{Kind: "promos", Run: promos.SweepExpired},
		workers.Sweep{Kind: "handles", Run: func() (int, error) {
			return records.SweepExpired(repositories.KindHandle)
		}},
		workers.Sweep{Kind: "themes", Run: func() (int, error) {
			return records.SweepExpired(repositories.KindTheme)
		}},
		workers.Sweep{Kind: "mutes", Run: moderationRepo.SweepExpiredMutes},
	)
	if err != nil {
		return exitConfig, err
	}

	supervisor := workers.NewSupervisor(logger).Add(reaper)

	// 5. Context & signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go supervisor.Run(ctx)

	// 6. HTTP server
	server := ws.NewServer(logger, engine, channelRegistry, metrics, promRegistry,
		config.JWTSecret, config.ConnectionBufferSize)

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	httpServer := &http.Server{Addr: address, Handler: server.Router()}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "address", address, "at", time.Now().UTC())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// 7. Wait for stop or error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		return exitRuntime, err
	}

	// 8. Graceful shutdown
	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	supervisor.Stop()
	logger.Info("Program stopped cleanly")

	return exitOK, nil
}
