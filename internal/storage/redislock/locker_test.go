package redislock

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func openTestLocker(t *testing.T, ttl time.Duration) *Locker {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("BMS_REDIS_TEST_ADDR"))
	if addr == "" {
		t.Skip("BMS_REDIS_TEST_ADDR is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l, err := Open(ctx, Config{
		Addr:          addr,
		TTL:           ttl,
		RetryInterval: 2 * time.Millisecond,
		KeyPrefix:     fmt.Sprintf("bms:test-lock:%d:", time.Now().UnixNano()),
	})
	if err != nil {
		t.Skipf("redis is not available: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestNewAppliesDefaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	l := New(client, Config{})
	require.Equal(t, defaultTTL, l.ttl)
	require.Equal(t, defaultRetryInterval, l.retryInterval)
	require.Equal(t, "bms:stock-lock:42", l.key(42))
}

func TestLocker_RedisMutualExclusion(t *testing.T) {
	l := openTestLocker(t, 2*time.Second)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			unlock, err := l.Lock(ctx, 3)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen)
}

func TestLocker_RedisWaitHonorsContext(t *testing.T) {
	l := openTestLocker(t, 2*time.Second)

	unlock, err := l.Lock(context.Background(), 5)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, 5)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocker_RedisExpiredLockIsNotStolenBack(t *testing.T) {
	l := openTestLocker(t, 50*time.Millisecond)

	unlockFirst, err := l.Lock(context.Background(), 9)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	unlockSecond, err := l.Lock(context.Background(), 9)
	require.NoError(t, err)

	// освобождение просроченного владельца не должно снять чужую блокировку
	unlockFirst()
	exists, err := l.client.Exists(context.Background(), l.key(9)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), exists)

	unlockSecond()
}
