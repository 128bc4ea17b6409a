package notifier

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/hookq/hookq/internal/breaker"
	"github.com/hookq/hookq/internal/metrics"
)

// Dispatcher fans one notification out to every registered channel. Each
// channel is guarded by its own circuit and rate limiter; a failing channel
// never blocks the others, and failures are resolved here rather than
// surfaced to the caller.
type Dispatcher struct {
	channels []Channel
	limiters map[string]*rate.Limiter
	breakers *breaker.Registry
	logger   *slog.Logger
}

func NewDispatcher(breakers *breaker.Registry, perMinute float64, logger *slog.Logger, channels ...Channel) *Dispatcher {
	if perMinute <= 0 {
		perMinute = 30
	}

	limiters := make(map[string]*rate.Limiter, len(channels))
	for _, ch := range channels {
		limiters[ch.Name()] = rate.NewLimiter(rate.Limit(perMinute/60), int(perMinute))
	}

	return &Dispatcher{
		channels: channels,
		limiters: limiters,
		breakers: breakers,
		logger:   logger,
	}
}

// Dispatch sends n to every channel. It returns the number of channels that
// accepted the notification.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) int {
	sent := 0
	for _, ch := range d.channels {
		name := ch.Name()

		if !d.limiters[name].Allow() {
			metrics.RecordNotificationDropped(name, "rate_limited")
			d.logger.Warn("notification rate limited", slog.String("channel", name))
			continue
		}

		_, err := d.breakers.Call(name, func() (any, error) {
			return nil, ch.Send(ctx, n)
		})
		if errors.Is(err, breaker.ErrCircuitOpen) {
			metrics.RecordNotificationDropped(name, "circuit_open")
			d.logger.Warn("notification dropped, circuit open", slog.String("channel", name))
			continue
		}
		if err != nil {
			metrics.RecordNotification(name, "failure")
			d.logger.Error("notification send failed",
				slog.String("channel", name),
				slog.Any("error", err))
			continue
		}

		metrics.RecordNotification(name, "success")
		sent++
	}

	return sent
}
