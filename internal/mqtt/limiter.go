package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// publishGate throttles outbound event publishes with a token bucket so
// a traffic burst cannot flood the broker. Events over the rate are
// skipped, not queued; skips are reported once per report interval.
type publishGate struct {
	lim     *rate.Limiter
	skipped atomic.Int64
	every   time.Duration
	logger  *slog.Logger
}

func newPublishGate(perSecond float64, burst int, every time.Duration, logger *slog.Logger) *publishGate {
	return &publishGate{
		lim:    rate.NewLimiter(rate.Limit(perSecond), burst),
		every:  every,
		logger: logger,
	}
}

func (g *publishGate) allow() bool {
	if g.lim.Allow() {
		return true
	}
	g.skipped.Add(1)
	return false
}

// report logs skipped publishes and, when bus is non-nil, events the
// bus dropped before they reached the forwarder. It blocks until ctx is
// cancelled.
func (g *publishGate) report(ctx context.Context, busDropped func() int64) {
	t := time.NewTicker(g.every)
	defer t.Stop()

	var lastBus int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		skipped := g.skipped.Swap(0)
		var lost int64
		if busDropped != nil {
			total := busDropped()
			lost, lastBus = total-lastBus, total
		}
		if skipped > 0 || lost > 0 {
			g.logger.Warn("mqtt events not forwarded",
				"throttled", skipped,
				"bus_dropped", lost,
				"window", g.every,
			)
		}
	}
}
