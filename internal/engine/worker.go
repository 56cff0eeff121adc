package engine

import (
	"context"
	"errors"
	"time"
)

// minOfflineRetry bounds how quickly an offline engine tries the remote again.
const minOfflineRetry = time.Second

// Worker drives one Engine: it runs a cycle on start, on every trigger, on
// the poll interval, and on a backoff timer while offline.
type Worker struct {
	engine   *Engine
	interval time.Duration
	trigger  chan struct{}
}

// NewWorker creates a worker. A zero interval disables polling.
func NewWorker(e *Engine, interval time.Duration) *Worker {
	return &Worker{
		engine:   e,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Engine returns the driven engine.
func (w *Worker) Engine() *Engine { return w.engine }

// Trigger schedules a cycle without blocking. Triggers arriving while one is
// already scheduled are coalesced into it.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var (
		retryTimer *time.Timer
		retryC     <-chan time.Time
		offline    int
	)
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	run := func() {
		_, err := w.engine.RunCycle(ctx)
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer, retryC = nil, nil
		}
		if !errors.Is(err, ErrOffline) {
			offline = 0
			return
		}
		offline++
		retryTimer = time.NewTimer(w.offlineDelay(offline))
		retryC = retryTimer.C
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.trigger:
			run()
		case <-tick:
			run()
		case <-retryC:
			run()
		}
	}
}

func (w *Worker) offlineDelay(n int) time.Duration {
	d := w.engine.svc.Retry.Delay(n)
	if d < minOfflineRetry {
		d = minOfflineRetry
	}
	if w.interval > 0 && d > w.interval {
		d = w.interval
	}
	return d
}
