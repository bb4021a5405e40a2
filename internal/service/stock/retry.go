package stock

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/domain"
)

// RetryConfig конфигурация повторов при конфликте compare-and-swap.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	// нулевая пауза не растёт при умножении, и повторы шли бы без backoff
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	c.InitialDelay = min(c.InitialDelay, c.MaxDelay)
	if c.BackoffFactor < 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	return c
}

// retryOnConflict повторяет fn с экспоненциальной задержкой, пока она возвращает
// ErrRecordConflict. Прочие ошибки возвращаются сразу.
func retryOnConflict(ctx context.Context, cfg RetryConfig, logger *log.Entry, productID int64, fn func(attempt int) error) error {
	cfg = cfg.normalized()
	delay := cfg.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.WithFields(log.Fields{
					"product_id": productID,
					"attempt":    attempt,
				}).Info("stock update succeeded after retry")
			}
			return nil
		}
		if !errors.Is(err, domain.ErrRecordConflict) {
			return err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}
		logger.WithFields(log.Fields{
			"product_id": productID,
			"attempt":    attempt,
			"delay":      delay,
		}).Warn("stock changed concurrently, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	logger.WithFields(log.Fields{
		"product_id":   productID,
		"max_attempts": cfg.MaxAttempts,
	}).WithError(lastErr).Error("stock update failed after all retry attempts")
	return lastErr
}
