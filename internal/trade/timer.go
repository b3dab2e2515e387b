package trade

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically times out trades that passed their deadline.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new trade expiry timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the expiry check loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.checkExpired(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) checkExpired(ctx context.Context) {
	expired, err := t.store.ListExpired(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list expired trades", "error", err)
		return
	}

	for _, tr := range expired {
		if err := t.service.HandleTimeout(ctx, tr.ID); err != nil {
			t.logger.Warn("trade timeout handling failed",
				"tradeId", tr.ID, "status", tr.Status, "error", err)
			continue
		}
		t.logger.Info("expired trade processed", "tradeId", tr.ID, "status", tr.Status)
	}
}
