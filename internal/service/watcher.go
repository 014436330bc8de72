package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Processor runs one sanity-check pass. SanityService implements it.
type Processor interface {
	Process(ctx context.Context, ids []int) ([]Result, error)
}

// Watcher periodically checks every open bug.
type Watcher struct {
	processor Processor
	interval  time.Duration
	logger    *zap.Logger
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

// NewWatcher creates a new watcher.
func NewWatcher(processor Processor, interval time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		processor: processor,
		interval:  interval,
		logger:    logger,
	}
}

// Start begins periodic checking. The first pass runs immediately.
// Non-blocking - launches goroutine and returns immediately.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true

	ctx, w.cancel = context.WithCancel(ctx)
	w.logger.Info("Watcher starting", zap.Duration("interval", w.interval))

	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop stops the watcher and waits for a running pass to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("Watcher stopped")
}

// Run starts the watcher and blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.Start(ctx)
	<-ctx.Done()
	w.Stop()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	startTime := time.Now()

	results, err := w.processor.Process(ctx, nil)
	if err != nil && ctx.Err() == nil {
		w.logger.Error("Sanity-check pass failed", zap.Error(err))
	}

	var updated, failed int
	for _, r := range results {
		if r.Updated {
			updated++
		}
		if r.Err != nil {
			failed++
		}
	}
	w.logger.Info("Sanity-check pass completed",
		zap.Duration("duration", time.Since(startTime)),
		zap.Int("bugs", len(results)),
		zap.Int("updated", updated),
		zap.Int("errors", failed))
}
