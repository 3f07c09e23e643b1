package cache

import (
	"context"
	"sync"
	"time"

	"github.com/tessara/pipecache/internal/logger"
)

// BackgroundLoader drives repeated FetchNext calls at a throttled cadence
// until the cache is fully loaded. The delay between chunks keeps the process
// responsive to interactive requests; chunk failures are logged rather than
// surfaced, since partial data is already on screen, but the loader gives up
// for the session after maxFailures consecutive errors. Pause skips the next
// scheduled chunk while letting an in-flight one complete.
type BackgroundLoader struct {
	cache       *Cache
	delay       time.Duration
	maxFailures int

	mu      sync.Mutex
	paused  bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBackgroundLoader creates a loader for one cache instance.
func NewBackgroundLoader(c *Cache, delay time.Duration, maxFailures int) *BackgroundLoader {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &BackgroundLoader{cache: c, delay: delay, maxFailures: maxFailures}
}

// Start launches the loading goroutine. A second Start while running is a
// no-op. The goroutine exits when the cache is exhausted, the context is
// canceled, or failures exceed the limit; Clear/owner switch flips HasMore to
// false and stale chunk responses are discarded by the cache's generation
// stamp, so no explicit stop call is needed there.
func (b *BackgroundLoader) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.running = true
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	kind := string(b.cache.Kind())
	logger.WithKind("background", kind).Debugf("background loader starting, delay %v", b.delay)
	b.cache.SetBackgroundLoading(true)

	go func() {
		defer close(done)
		defer func() {
			b.cache.SetBackgroundLoading(false)
			b.mu.Lock()
			b.running = false
			b.mu.Unlock()
		}()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				logger.WithKind("background", kind).Debug("background loader canceled")
				return
			case <-time.After(b.delay):
			}

			if b.isPaused() {
				continue
			}
			if !b.cache.HasMore() {
				logger.WithKind("background", kind).Info("background loading complete")
				return
			}

			if err := b.cache.FetchNext(ctx); err != nil {
				failures++
				logger.WithKind("background", kind).Warnf("background chunk failed (%d/%d): %v", failures, b.maxFailures, err)
				if failures >= b.maxFailures {
					logger.WithKind("background", kind).Error("background loading stopped after repeated failures; re-initialize to resume")
					return
				}
				continue
			}
			failures = 0
		}
	}()
}

// Pause skips scheduling of further chunks until Resume. An in-flight chunk
// still completes.
func (b *BackgroundLoader) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume re-enables chunk scheduling.
func (b *BackgroundLoader) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
}

// Stop cancels the loading goroutine and waits for it to exit.
func (b *BackgroundLoader) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Running reports whether the loading goroutine is active.
func (b *BackgroundLoader) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Paused reports whether chunk scheduling is currently skipped.
func (b *BackgroundLoader) Paused() bool {
	return b.isPaused()
}

func (b *BackgroundLoader) isPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}
