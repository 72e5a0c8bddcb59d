package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/checkin-scanner/internal/api"
	"github.com/example/checkin-scanner/internal/config"
	"github.com/example/checkin-scanner/internal/connectivity"
	httptransport "github.com/example/checkin-scanner/internal/http"
	"github.com/example/checkin-scanner/internal/inference"
	"github.com/example/checkin-scanner/internal/logging"
	"github.com/example/checkin-scanner/internal/metrics"
	"github.com/example/checkin-scanner/internal/persistence"
	"github.com/example/checkin-scanner/internal/persistence/sqlite"
	"github.com/example/checkin-scanner/internal/queue"
	"github.com/example/checkin-scanner/internal/scanner"
	"github.com/example/checkin-scanner/internal/syncer"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	pool, err := sqlite.NewConnectionPool(cfg.SQLiteDSN)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := pool.Close(); cerr != nil {
			logger.Error("failed to close storage", "error", cerr)
		}
	}()

	if err := pool.Migrate(context.Background()); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	queueRepo := sqlite.NewQueueRepository(pool)
	historyRepo := sqlite.NewHistoryRepository(pool)
	eventRepo := sqlite.NewEventRepository(pool)
	stateRepo := sqlite.NewStateRepository(pool)

	client := api.NewHTTPClient(cfg.APIBaseURL, cfg.DeviceID, cfg.SubmitTimeout)
	cache := inference.NewHistoryCache(historyRepo, cfg.CacheCapacity, cfg.LookbackWindow)
	engine := inference.NewEngine(cache, cfg.LookbackWindow, cfg.DebounceWindow)
	scanQueue := queue.New(queueRepo, cfg.QueueCeiling, logger)

	monitor := connectivity.NewMonitor(client, cfg.ProbeInterval, cfg.ProbeThreshold, logger)
	coordinator := syncer.New(scanQueue, client, cache, monitor.Online, syncer.Options{
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	})

	runCtx := logging.ContextWithLogger(ctx, logger)
	syncNow := func(context.Context) {
		go func() {
			if err := coordinator.RunSyncCycle(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sync cycle failed", "error", err)
			}
		}()
	}

	monitor.OnTransition(func(online bool) {
		if online {
			metrics.ConnectivityOnline.Set(1)
			syncNow(runCtx)
		} else {
			metrics.ConnectivityOnline.Set(0)
		}
	})

	session := scanner.NewSession(scanner.Config{
		Engine:   engine,
		Cache:    cache,
		Queue:    scanQueue,
		Client:   client,
		Online:   monitor.Online,
		States:   stateRepo,
		Events:   eventRepo,
		NewID:    uuid.NewString,
		OnScan:   syncNow,
		Display:  cfg.DisplayInterval,
		Submit:   cfg.SubmitTimeout,
		DeviceID: cfg.DeviceID,
	})

	if err := cache.Warm(runCtx, time.Now().Add(-cfg.LookbackWindow)); err != nil {
		logger.Warn("failed to warm history cache", "error", err)
	}
	if err := session.Restore(runCtx); err != nil {
		logger.Warn("failed to restore session state", "error", err)
	}
	refreshEvents(runCtx, logger, client, eventRepo)
	seedHistory(runCtx, logger, client, cache)

	go monitor.Run(runCtx)
	go runTickers(runCtx, logger, cfg, syncNow, client, eventRepo, scanQueue, historyRepo)
	go runScanLoop(runCtx, logger, session)

	scanHandler := httptransport.NewScanHandler(session, eventRepo, logger)
	statusHandler := httptransport.NewStatusHandler(session, scanQueue, monitor.Online, syncNow, logger)
	router := httptransport.NewRouter(httptransport.RouterConfig{
		Scans:      scanHandler,
		Status:     statusHandler,
		Metrics:    promhttp.Handler(),
		Middleware: []func(http.Handler) http.Handler{httptransport.RequestLogger(logger)},
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown server", "error", err)
		}
	}()

	logger.Info("scanner control endpoint listening", "addr", server.Addr, "device_id", cfg.DeviceID)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server encountered error", "error", err)
		os.Exit(1)
	}
}

// runScanLoop feeds decoded QR payloads from stdin into the session, one per
// line. Scanner hardware in keyboard-wedge mode appears to the process as
// exactly this stream.
func runScanLoop(ctx context.Context, logger *slog.Logger, session *scanner.Session) {
	input := bufio.NewScanner(os.Stdin)
	for input.Scan() {
		if ctx.Err() != nil {
			return
		}
		code := strings.TrimSpace(input.Text())
		if code == "" {
			continue
		}

		outcome, err := session.HandleScan(ctx, code)
		if err != nil {
			var vErr *scanner.ValidationError
			if errors.As(err, &vErr) {
				logger.Warn("scan not accepted", "errors", vErr.FieldErrors)
				continue
			}
			logger.Error("scan failed", "error", err)
			continue
		}
		logger.Info("scan handled",
			"resolution", outcome.Resolution,
			"action", outcome.Record.Action,
			"message", outcome.Message)
	}
	if err := input.Err(); err != nil {
		logger.Error("scan input closed", "error", err)
	}
}

func runTickers(
	ctx context.Context,
	logger *slog.Logger,
	cfg config.Config,
	syncNow func(context.Context),
	client api.Client,
	events *sqlite.EventRepository,
	scanQueue *queue.Queue,
	history *sqlite.HistoryRepository,
) {
	syncTicker := time.NewTicker(cfg.SyncInterval)
	refreshTicker := time.NewTicker(cfg.EventRefresh)
	sweepTicker := time.NewTicker(cfg.Retention / 4)
	defer syncTicker.Stop()
	defer refreshTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			syncNow(ctx)
		case <-refreshTicker.C:
			refreshEvents(ctx, logger, client, events)
		case <-sweepTicker.C:
			cutoff := time.Now().Add(-cfg.Retention)
			if _, err := scanQueue.EvictSynced(ctx, cutoff); err != nil {
				logger.Warn("retention sweep failed", "error", err)
			}
			if _, err := history.DeleteHistoryBefore(ctx, cutoff); err != nil {
				logger.Warn("history sweep failed", "error", err)
			}
		}
	}
}

// refreshEvents replaces the local event catalog with the server's view. A
// fetch failure keeps the cached catalog so the device stays usable offline.
func refreshEvents(ctx context.Context, logger *slog.Logger, client api.Client, events persistence.EventRepository) {
	fetched, err := client.FetchActiveEvents(ctx)
	if err != nil {
		logger.Warn("failed to refresh event catalog", "error", err)
		return
	}
	if err := events.ReplaceEvents(ctx, fetched); err != nil {
		logger.Warn("failed to store event catalog", "error", err)
		return
	}
	logger.Debug("event catalog refreshed", "count", len(fetched))
}

// seedHistory pulls the server's recent check-ins so inference has context
// even on a freshly provisioned device.
func seedHistory(ctx context.Context, logger *slog.Logger, client api.Client, cache *inference.HistoryCache) {
	records, err := client.FetchRecentCheckins(ctx, 500)
	if err != nil {
		logger.Warn("failed to seed history from server", "error", err)
		return
	}
	for _, record := range records {
		entry := persistence.HistoryEntry{
			QRCodeID:   record.QRCodeID,
			EventID:    record.EventID,
			RecordID:   record.ID,
			Action:     record.Action,
			CapturedAt: record.CapturedAt,
			Source:     persistence.SourceConfirmed,
			UpdatedAt:  time.Now(),
		}
		if _, err := cache.Record(ctx, entry); err != nil {
			logger.Warn("failed to seed history entry", "record_id", record.ID, "error", err)
		}
	}
}
