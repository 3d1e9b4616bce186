package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type reservationReaper interface {
	ReapExpired(ctx context.Context) (int, error)
}

type reapTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) reapTicker

// startReaperWorker sweeps expired channel reservations on a fixed interval
// until the context is cancelled. The returned func blocks until the worker
// has exited.
func startReaperWorker(ctx context.Context, logger *slog.Logger, reaper reservationReaper, interval time.Duration) func() {
	return startReaperWorkerWithTicker(ctx, logger, reaper, interval, func(d time.Duration) reapTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startReaperWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	reaper reservationReaper,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if reaper == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				reclaimed, err := reaper.ReapExpired(workerCtx)
				if err != nil && logger != nil {
					logger.Error("reservation sweep failed", "error", err)
				}
				if reclaimed > 0 && logger != nil {
					logger.Info("reclaimed expired reservations", "count", reclaimed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
