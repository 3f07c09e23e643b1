package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tessara/pipecache/internal/store"
)

func fastConfig(maxAttempts int, onRetry func(error, int)) Config {
	return Config{MaxAttempts: maxAttempts, Backoff: time.Millisecond, OnRetry: onRetry}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), fastConfig(3, nil), func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ExhaustionSurfacesLastError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	retries := 0
	var retryAttempts []int

	_, err := Do(context.Background(), fastConfig(3, func(err error, attempt int) {
		retries++
		retryAttempts = append(retryAttempts, attempt)
		if !errors.Is(err, boom) {
			t.Errorf("expected boom in onRetry, got %v", err)
		}
	}), func(ctx context.Context) (string, error) {
		calls++
		return "", boom
	})

	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 invocations, got %d", calls)
	}
	if retries != 2 {
		t.Errorf("expected exactly 2 onRetry calls, got %d", retries)
	}
	if len(retryAttempts) != 2 || retryAttempts[0] != 2 || retryAttempts[1] != 3 {
		t.Errorf("expected retry signals before attempts 2 and 3, got %v", retryAttempts)
	}
}

func TestDo_RecoversMidway(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), fastConfig(5, nil), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", store.ErrUnavailable
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Errorf("expected ok after 3 calls, got %q after %d", result, calls)
	}
}

func TestDo_PermanentErrorShortCircuits(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(5, nil), func(ctx context.Context) (int, error) {
		calls++
		return 0, store.ErrPermissionDenied
	})
	if !errors.Is(err, store.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error must not be retried, got %d calls", calls)
	}
}

func TestDo_ContextCancelAbortsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := Config{MaxAttempts: 3, Backoff: time.Hour}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Do(ctx, cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancel, got %d", calls)
	}
	if time.Since(start) > time.Second {
		t.Error("cancel should abort the backoff wait")
	}
}

func TestDo_ZeroMaxAttemptsMeansOne(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Config{Backoff: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("nope")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
}
