package stock

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

func TestRetryConfigNormalized(t *testing.T) {
	got := RetryConfig{MaxAttempts: 0, InitialDelay: -time.Second, MaxDelay: 0, BackoffFactor: 0.5}.normalized()
	def := DefaultRetryConfig()

	if got.MaxAttempts != def.MaxAttempts {
		t.Fatalf("expected max attempts %d, got %d", def.MaxAttempts, got.MaxAttempts)
	}
	if got.InitialDelay != def.InitialDelay {
		t.Fatalf("expected initial delay %s, got %s", def.InitialDelay, got.InitialDelay)
	}
	if got.MaxDelay != def.MaxDelay {
		t.Fatalf("expected max delay %s, got %s", def.MaxDelay, got.MaxDelay)
	}
	if got.BackoffFactor != def.BackoffFactor {
		t.Fatalf("expected backoff %v, got %v", def.BackoffFactor, got.BackoffFactor)
	}
}

func TestRetryConfigNormalizedInitialDelay(t *testing.T) {
	def := DefaultRetryConfig()
	tests := []struct {
		name string
		cfg  RetryConfig
		want time.Duration
	}{
		{"zero falls back to default", RetryConfig{InitialDelay: 0}, def.InitialDelay},
		{"negative falls back to default", RetryConfig{InitialDelay: -time.Millisecond}, def.InitialDelay},
		{"positive is kept", RetryConfig{InitialDelay: 3 * time.Millisecond}, 3 * time.Millisecond},
		{"capped by max delay", RetryConfig{InitialDelay: time.Second, MaxDelay: 20 * time.Millisecond}, 20 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.normalized().InitialDelay; got != tt.want {
				t.Fatalf("expected initial delay %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRetryOnConflictBacksOffWithZeroDelay(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: 0, MaxDelay: time.Second, BackoffFactor: 2}
	def := DefaultRetryConfig()

	start := time.Now()
	err := retryOnConflict(context.Background(), cfg, log.WithField("component", "stock-test"), 1, func(int) error {
		return domain.ErrRecordConflict
	})
	if !errors.Is(err, domain.ErrRecordConflict) {
		t.Fatalf("expected conflict after retries, got %v", err)
	}
	// две паузы: default и default*2
	if elapsed, want := time.Since(start), 3*def.InitialDelay; elapsed < want {
		t.Fatalf("retries must back off, elapsed %s < %s", elapsed, want)
	}
}

func TestRetryOnConflict(t *testing.T) {
	logger := log.WithField("component", "stock-test")
	otherErr := errors.New("boom")

	tests := []struct {
		name      string
		failures  int
		failWith  error
		wantErr   error
		wantCalls int
	}{
		{name: "first attempt succeeds", failures: 0, wantCalls: 1},
		{name: "conflict then success", failures: 2, failWith: domain.ErrRecordConflict, wantCalls: 3},
		{name: "conflicts exhaust attempts", failures: 10, failWith: domain.ErrRecordConflict, wantErr: domain.ErrRecordConflict, wantCalls: 4},
		{name: "other error is not retried", failures: 10, failWith: otherErr, wantErr: otherErr, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryOnConflict(context.Background(), fastRetry(), logger, 1, func(int) error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if calls != tt.wantCalls {
				t.Fatalf("expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestRetryOnConflictStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Second, BackoffFactor: 2}
	err := retryOnConflict(ctx, cfg, log.WithField("component", "stock-test"), 1, func(int) error {
		return domain.ErrRecordConflict
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
