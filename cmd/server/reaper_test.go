package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeReaper struct {
	calls chan struct{}
	err   error
}

func newFakeReaper() *fakeReaper {
	return &fakeReaper{calls: make(chan struct{}, 1)}
}

func (f *fakeReaper) ReapExpired(ctx context.Context) (int, error) {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return 1, f.err
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestStartReaperWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	reaper := newFakeReaper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startReaperWorkerWithTicker(ctx, logger, reaper, time.Minute, func(time.Duration) reapTicker {
		return ticker
	})

	ticker.Tick()
	select {
	case <-reaper.calls:
	case <-time.After(time.Second):
		t.Fatal("expected sweep to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestStartReaperWorkerContinuesPastErrors(t *testing.T) {
	ctx := context.Background()

	ticker := newManualTicker()
	reaper := newFakeReaper()
	reaper.err = errors.New("sweep failed")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startReaperWorkerWithTicker(ctx, logger, reaper, time.Minute, func(time.Duration) reapTicker {
		return ticker
	})
	defer stop()

	for i := 0; i < 2; i++ {
		ticker.Tick()
		select {
		case <-reaper.calls:
		case <-time.After(time.Second):
			t.Fatalf("expected sweep %d despite errors", i+1)
		}
	}
}

func TestStartReaperWorkerDisabled(t *testing.T) {
	stop := startReaperWorkerWithTicker(context.Background(), nil, nil, time.Minute, nil)
	stop()

	stop = startReaperWorkerWithTicker(context.Background(), nil, newFakeReaper(), 0, nil)
	stop()
}
