package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Config controls the exponential backoff schedule.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultConfig is the schedule used for embedding and index calls:
// up to 5 attempts, 500ms doubling to a 30s cap, +-15% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.3,
	}
}

// ErrorClassifier reports whether an error is worth retrying.
type ErrorClassifier func(error) bool

// Retrier runs an operation with exponential backoff and jitter between
// failed attempts. Non-retryable errors abort immediately.
type Retrier struct {
	config      Config
	isRetryable ErrorClassifier
	logger      *slog.Logger
}

// NewRetrier creates a Retrier. A nil classifier treats every error as
// non-retryable.
func NewRetrier(config Config, classifier ErrorClassifier, logger *slog.Logger) *Retrier {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Retrier{
		config:      config,
		isRetryable: classifier,
		logger:      logger,
	}
}

// Do runs operation until it succeeds, exhausts the attempt budget, hits a
// non-retryable error, or the context is cancelled during a backoff wait.
func (r *Retrier) Do(ctx context.Context, operation func() error) error {
	start := time.Now()
	var lastErr error
	var totalWait time.Duration

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		attemptStart := time.Now()
		lastErr = operation()
		attemptDuration := time.Since(attemptStart)

		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("operation_succeeded_after_retry",
					"attempt", attempt,
					"attempt_duration_ms", attemptDuration.Milliseconds(),
					"total_duration_ms", time.Since(start).Milliseconds(),
					"total_wait_ms", totalWait.Milliseconds())
			}
			return nil
		}

		retryable := r.isRetryable != nil && r.isRetryable(lastErr)
		r.logger.Warn("operation_attempt_failed",
			"attempt", attempt,
			"error", lastErr,
			"retryable", retryable,
			"attempt_duration_ms", attemptDuration.Milliseconds())

		if attempt == r.config.MaxAttempts || !retryable {
			r.logger.Error("operation_failed_permanently",
				"attempt", attempt,
				"error", lastErr,
				"retryable", retryable,
				"total_duration_ms", time.Since(start).Milliseconds())
			break
		}

		delay := r.calculateDelay(attempt)
		totalWait += delay

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("operation failed after %d attempts (wait: %dms): %w",
		r.config.MaxAttempts, totalWait.Milliseconds(), lastErr)
}

func (r *Retrier) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	// Jitter spreads simultaneous retries from parallel workers.
	jitter := 1.0 + (rand.Float64()-0.5)*r.config.JitterFactor
	delay *= jitter

	return time.Duration(delay)
}
