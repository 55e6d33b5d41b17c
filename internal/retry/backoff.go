package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config configures retry behavior with exponential backoff
type Config struct {
	MaxRetries int           // Maximum number of retry attempts (default: 3)
	BaseDelay  time.Duration // Base delay between retries (default: 1s)
	MaxDelay   time.Duration // Maximum delay between retries (default: 30s)
	Multiplier float64       // Exponential backoff multiplier (default: 2.0)
	Jitter     bool          // Add random jitter to prevent thundering herd

	// Retryable, when set, classifies each failure. A non-retryable
	// error stops the loop immediately instead of burning the
	// remaining attempts.
	Retryable func(error) bool
}

// Result contains information about the retry operation
type Result struct {
	Attempts  int
	LastError error
	Success   bool
	Duration  time.Duration
}

// DefaultConfig returns a retry configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// TokenExchangeConfig is tuned for the host's token endpoint: fewer, quicker
// attempts so an auth failure surfaces before the operator gives up.
func TokenExchangeConfig() Config {
	return Config{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// WithBackoff executes an operation with exponential backoff. The last
// error is preserved; context cancellation stops further attempts.
func WithBackoff(ctx context.Context, cfg Config, logger zerolog.Logger, op func() error) Result {
	start := time.Now()
	res := Result{}

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		res.Attempts = attempt + 1

		err := op()
		if err == nil {
			res.Success = true
			res.Duration = time.Since(start)
			if attempt > 0 {
				logger.Debug().Int("attempts", res.Attempts).Dur("took", res.Duration).
					Msg("operation succeeded after retry")
			}
			return res
		}
		res.LastError = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			break
		}
		if attempt >= cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			res.LastError = ctx.Err()
			break
		}

		delay := delayFor(cfg, attempt)
		logger.Debug().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).
			Msg("operation failed, retrying")

		select {
		case <-ctx.Done():
			res.LastError = ctx.Err()
			res.Duration = time.Since(start)
			return res
		case <-time.After(delay):
		}
	}

	res.Duration = time.Since(start)
	logger.Debug().Err(res.LastError).Int("attempts", res.Attempts).
		Msg("operation failed after all retries")
	return res
}

// delayFor computes baseDelay * multiplier^attempt, capped at MaxDelay,
// with up to 10% jitter.
func delayFor(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}
	return time.Duration(delay)
}

// IsRetryable reports whether an error looks transient enough to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"no such host",
		"network unreachable",
		"broken pipe",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
