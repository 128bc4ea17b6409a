package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hookq/hookq/internal/api"
	"github.com/hookq/hookq/internal/breaker"
	"github.com/hookq/hookq/internal/config"
	"github.com/hookq/hookq/internal/dedup"
	"github.com/hookq/hookq/internal/health"
	"github.com/hookq/hookq/internal/middleware"
	"github.com/hookq/hookq/internal/notifier"
	"github.com/hookq/hookq/internal/pool"
	"github.com/hookq/hookq/internal/repository"
	"github.com/hookq/hookq/internal/resource"
	"github.com/hookq/hookq/internal/task"
)

func initLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

func main() {
	logger := initLogger()
	cfg := config.Load(logger)

	tracker := resource.NewTracker()

	cache, err := dedup.NewCache(cfg.RedisAddr, cfg.CacheProbeInterval, logger)
	if err != nil {
		logger.Error("failed to connect to dedup cache", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Error("failed to close dedup cache", slog.Any("error", err))
		}
	}()

	var recorder pool.OutcomeRecorder
	if cfg.PostgresDSN != "" {
		sink, err := repository.NewPostgresSink(cfg.PostgresDSN)
		if err != nil {
			logger.Error("failed to connect to outcome sink", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Error("failed to close outcome sink", slog.Any("error", err))
			}
		}()
		recorder = sink
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
	}, logger)

	workers := pool.New(pool.Config{
		Workers:           cfg.Workers,
		QueueCapacity:     cfg.QueueCapacity,
		DefaultMaxRetries: cfg.MaxRetries,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
	}, recorder, logger)

	dispatcher := notifier.NewDispatcher(breakers, cfg.NotifyPerMinute, logger, buildChannels(cfg)...)

	monitor := health.NewMonitor(cfg.HealthHistorySize, logger)
	monitor.RegisterComponent("circuits", health.CircuitProbe(breakers))
	monitor.RegisterComponent("dedup", health.DedupProbe(cache))
	monitor.RegisterComponent("pool", health.PoolProbe(workers))
	monitor.RegisterComponent("resources", health.ResourceProbe(tracker))

	apiHandler := api.New(workers, cache, breakers, monitor, cfg.DedupTTL, logger)
	registerEventHandlers(apiHandler, dispatcher)

	workers.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.MetricsMiddleware(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("server starting", slog.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		runHealthLoop(groupCtx, cfg.HealthInterval, monitor, dispatcher, logger)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", slog.Any("error", err))
		}

		workers.Stop(cfg.ShutdownTimeout)
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("processor exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

// registerEventHandlers binds the commerce webhook types to their business
// handlers. Each handler fans its result out to the downstream notification
// channels; the dispatcher routes those calls through the per-channel
// circuit breakers.
func registerEventHandlers(a *api.API, dispatcher *notifier.Dispatcher) {
	notify := func(subject string) api.Handler {
		return func(e api.Event) task.Handler {
			return task.HandlerFunc(func(ctx context.Context) (any, error) {
				n := notifier.Notification{
					Subject:  subject,
					Body:     fmt.Sprintf("event %s (%s)", e.ID, e.Type),
					Severity: "info",
					Metadata: e.Payload,
				}
				sent := dispatcher.Dispatch(ctx, n)
				return map[string]any{"notified": sent}, nil
			})
		}
	}

	a.RegisterHandler("order.created", notify("new order received"))
	a.RegisterHandler("order.cancelled", notify("order cancelled"))
	a.RegisterHandler("stock.updated", notify("stock level changed"))
	a.RegisterHandler("price.changed", notify("price changed"))
}

// runHealthLoop periodically evaluates system health and pushes an alert
// through the dispatcher when the monitor says so.
func runHealthLoop(ctx context.Context, interval time.Duration, monitor *health.Monitor, dispatcher *notifier.Dispatcher, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := monitor.CheckHealth()
			if !monitor.ShouldAlert() {
				continue
			}

			logger.Warn("health alert triggered",
				slog.Float64("score", snap.OverallScore),
				slog.String("status", string(snap.Status)))

			dispatcher.Dispatch(ctx, notifier.Notification{
				Subject:  "processor health alert",
				Body:     fmt.Sprintf("overall score %.1f (%s), trend %s", snap.OverallScore, snap.Status, monitor.GetTrend(0)),
				Severity: "critical",
			})
		}
	}
}

// buildChannels assembles the configured notification channels; unset
// credentials simply leave a channel out.
func buildChannels(cfg config.Config) []notifier.Channel {
	var channels []notifier.Channel

	if cfg.SendgridAPIKey != "" && cfg.AlertEmailTo != "" {
		channels = append(channels, notifier.NewEmailChannel(
			cfg.SendgridAPIKey, "hookq", cfg.AlertEmailFrom, cfg.AlertEmailTo))
	}
	if cfg.AlertWebhookURL != "" {
		channels = append(channels, notifier.NewWebhookChannel(cfg.AlertWebhookName, cfg.AlertWebhookURL))
	}

	return channels
}
