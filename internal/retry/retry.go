package retry

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/services/classifier"
)

// Strategy selects the backoff curve between attempts
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
)

// Operation is the retried unit of work. Each attempt is assumed idempotent
// from the caller's perspective; non-idempotent operations must not be
// wrapped without caller-side deduplication.
type Operation func(ctx context.Context) (interface{}, error)

// Options configures a retry loop
type Options struct {
	// MaxRetries is the total attempt budget, not the count of re-attempts
	MaxRetries   int
	Strategy     Strategy
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       bool

	// RetryIf decides whether a failed attempt should be retried. Nil uses
	// DefaultRetryIf.
	RetryIf func(err error, attempt int) bool

	// OnRetry observes each scheduled retry before the backoff sleep
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultOptions returns the standard retry configuration
func DefaultOptions() *Options {
	return &Options{
		MaxRetries:   3,
		Strategy:     StrategyExponential,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
}

// DefaultRetryIf never retries client validation failures or credential
// problems, always retries rate limits, server errors, and connection
// resets/timeouts, and defaults to retry for anything unclassified.
func DefaultRetryIf(err error, attempt int) bool {
	if err == nil {
		return false
	}

	if code, ok := classifier.StatusCode(err); ok {
		switch {
		case code == 400:
			return false
		case code == 401 || code == 403:
			return false
		case code == 429:
			return true
		case code >= 500:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "expired api key") ||
		strings.Contains(msg, "invalid credentials") {
		return false
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "econnreset") ||
		strings.Contains(msg, "etimedout") {
		return true
	}

	// Unclassified failures default to retry
	return true
}

// Delay computes the pre-jitter backoff delay for a zero-based attempt index
func (o *Options) Delay(attempt int) time.Duration {
	var delay time.Duration
	switch o.Strategy {
	case StrategyLinear:
		delay = o.InitialDelay * time.Duration(attempt+1)
	case StrategyFixed:
		delay = o.InitialDelay
	default: // exponential
		// Doubling stops at MaxDelay so large attempt counts cannot
		// overflow the shift
		delay = o.InitialDelay
		for i := 0; i < attempt && delay < o.MaxDelay; i++ {
			delay <<= 1
			if delay <= 0 {
				delay = o.MaxDelay
			}
		}
	}

	if delay > o.MaxDelay && o.Strategy != StrategyFixed {
		delay = o.MaxDelay
	}
	return delay
}

// applyJitter scales the delay by a uniform random factor in [0.5, 1.0]
func applyJitter(delay time.Duration) time.Duration {
	factor := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(delay) * factor)
}

// Execute runs the operation under the backoff policy, stopping the moment
// the predicate declines a retry or the attempt budget is exhausted, and
// returning the last failure.
func Execute(ctx context.Context, op Operation, opts *Options, logger arbor.ILogger) (interface{}, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	// Work on a copy; the caller's Options must not be mutated
	o := *opts
	if o.MaxRetries < 1 {
		o.MaxRetries = 1
	}
	retryIf := o.RetryIf
	if retryIf == nil {
		retryIf = DefaultRetryIf
	}

	var lastErr error
	for attempt := 0; attempt < o.MaxRetries; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if attempt == o.MaxRetries-1 {
			break
		}
		if !retryIf(err, attempt) {
			if logger != nil {
				logger.Debug().Int("attempt", attempt+1).Err(err).Msg("Retry declined by predicate")
			}
			break
		}

		delay := o.Delay(attempt)
		if o.Jitter {
			delay = applyJitter(delay)
		}

		if o.OnRetry != nil {
			o.OnRetry(attempt+1, err, delay)
		}
		if logger != nil {
			logger.Warn().
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Err(err).
				Msg("Retrying operation")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}
