package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:   maxAttempts,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

var errTransient = errors.New("transient")

func alwaysRetryable(error) bool { return true }

func TestRetrier_Do(t *testing.T) {
	tests := map[string]struct {
		failures      int // attempts that fail before one succeeds
		maxAttempts   int
		classifier    ErrorClassifier
		expectedCalls int
		wantErr       bool
	}{
		"success on first attempt": {
			failures:      0,
			maxAttempts:   3,
			classifier:    alwaysRetryable,
			expectedCalls: 1,
		},
		"success on second attempt": {
			failures:      1,
			maxAttempts:   3,
			classifier:    alwaysRetryable,
			expectedCalls: 2,
		},
		"failure after max attempts": {
			failures:      10,
			maxAttempts:   3,
			classifier:    alwaysRetryable,
			expectedCalls: 3,
			wantErr:       true,
		},
		"non-retryable error fails immediately": {
			failures:      10,
			maxAttempts:   3,
			classifier:    func(error) bool { return false },
			expectedCalls: 1,
			wantErr:       true,
		},
		"nil classifier never retries": {
			failures:      10,
			maxAttempts:   3,
			classifier:    nil,
			expectedCalls: 1,
			wantErr:       true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := NewRetrier(fastConfig(tc.maxAttempts), tc.classifier, testLogger())

			calls := 0
			err := r.Do(context.Background(), func() error {
				calls++
				if calls <= tc.failures {
					return errTransient
				}
				return nil
			})

			assert.Equal(t, tc.expectedCalls, calls)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errTransient, "the last attempt error must stay unwrappable")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetrier_ContextCancelDuringBackoff(t *testing.T) {
	cfg := Config{
		MaxAttempts:   5,
		BaseDelay:     time.Hour, // the wait must come from ctx, not the clock
		MaxDelay:      time.Hour,
		BackoffFactor: 2.0,
	}
	r := NewRetrier(cfg, alwaysRetryable, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	calls := 0
	err := r.Do(ctx, func() error {
		calls++
		return errTransient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation during backoff must not run another attempt")
}

func TestRetrier_CalculateDelay(t *testing.T) {
	cfg := Config{
		MaxAttempts:   5,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      400 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterFactor:  0, // deterministic for assertions
	}
	r := NewRetrier(cfg, alwaysRetryable, testLogger())

	assert.Equal(t, 100*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 200*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 400*time.Millisecond, r.calculateDelay(3))
	assert.Equal(t, 400*time.Millisecond, r.calculateDelay(4), "delay must cap at MaxDelay")
}

func TestRetrier_JitterStaysWithinBounds(t *testing.T) {
	cfg := Config{
		MaxAttempts:   5,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.3,
	}
	r := NewRetrier(cfg, alwaysRetryable, testLogger())

	for i := 0; i < 100; i++ {
		d := r.calculateDelay(1)
		assert.GreaterOrEqual(t, d, 85*time.Millisecond)
		assert.LessOrEqual(t, d, 115*time.Millisecond)
	}
}
