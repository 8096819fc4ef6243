package event

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/nadeko-bot/chat"
	"github.com/onnwee/nadeko-bot/telemetry"
)

// CheckThreshold is the automatic start predicate. A threshold <= 0 disables it.
func CheckThreshold(activeCount, threshold int, cooldownUntil, now time.Time, active bool) bool {
	if threshold <= 0 || active {
		return false
	}
	return activeCount >= threshold && !now.Before(cooldownUntil)
}

// AutoStarter is satisfied by *Orchestrator.
type AutoStarter interface {
	AutoStart(ctx context.Context, activeCount int) bool
}

// Monitor polls channel presence and offers each count to the orchestrator.
type Monitor struct {
	Presence chat.Presence
	Events   AutoStarter
	Channel  string
	Interval time.Duration // default 5m
}

// Run polls until ctx is canceled. The first poll happens immediately.
func (m *Monitor) Run(ctx context.Context) {
	every := m.Interval
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	slog.Info("event trigger: started poller", slog.Duration("interval", every), slog.String("channel", m.Channel))
	for {
		m.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := m.Presence.ActiveCount(ctx, m.Channel)
	if err != nil {
		telemetry.IncCounter(telemetry.TransportFailures, "presence")
		slog.Debug("event trigger: presence lookup", slog.Any("err", err))
		return
	}
	if m.Events.AutoStart(ctx, n) {
		slog.Info("event trigger: threshold reached", slog.Int("active", n), slog.String("channel", m.Channel))
	}
}
