package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

// statusErr carries a structured HTTP status for predicate tests
type statusErr struct {
	code int
	msg  string
}

func (e *statusErr) Error() string   { return e.msg }
func (e *statusErr) StatusCode() int { return e.code }

func fastOptions() *Options {
	opts := DefaultOptions()
	opts.InitialDelay = time.Millisecond
	opts.MaxDelay = 10 * time.Millisecond
	opts.Jitter = false
	return opts
}

func TestExecuteSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	retries := 0

	opts := fastOptions()
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		retries++
	}

	value, err := Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts <= 2 {
			return nil, &statusErr{code: 500, msg: "internal server error"}
		}
		return "ok", nil
	}, opts, arbor.NewLogger())

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, retries)
}

func TestExecuteShortCircuitsWhenPredicateDeclines(t *testing.T) {
	attempts := 0
	opts := fastOptions()
	opts.RetryIf = func(err error, attempt int) bool { return false }

	cause := errors.New("boom")
	_, err := Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, cause
	}, opts, arbor.NewLogger())

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, cause)
}

func TestExecuteExhaustsBudget(t *testing.T) {
	attempts := 0
	opts := fastOptions()
	opts.MaxRetries = 3

	cause := &statusErr{code: 503, msg: "service unavailable"}
	_, err := Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, cause
	}, opts, arbor.NewLogger())

	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, cause)
}

func TestExecuteContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	opts := fastOptions()
	opts.InitialDelay = time.Second
	opts.MaxDelay = time.Second
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		cancel()
	}

	_, err := Execute(ctx, func(c context.Context) (interface{}, error) {
		return nil, &statusErr{code: 500, msg: "internal"}
	}, opts, arbor.NewLogger())

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayBounds(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{"exponential attempt 0", StrategyExponential, 0, time.Second},
		{"exponential attempt 1", StrategyExponential, 1, 2 * time.Second},
		{"exponential attempt 3", StrategyExponential, 3, 8 * time.Second},
		{"exponential capped", StrategyExponential, 6, 30 * time.Second},
		{"exponential huge attempt stays capped", StrategyExponential, 80, 30 * time.Second},
		{"linear attempt 0", StrategyLinear, 0, time.Second},
		{"linear attempt 2", StrategyLinear, 2, 3 * time.Second},
		{"linear capped", StrategyLinear, 40, 30 * time.Second},
		{"fixed attempt 0", StrategyFixed, 0, time.Second},
		{"fixed attempt 5", StrategyFixed, 5, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &Options{
				Strategy:     tt.strategy,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
			}
			assert.Equal(t, tt.want, opts.Delay(tt.attempt))
		})
	}
}

func TestExecuteDoesNotMutateCallerOptions(t *testing.T) {
	opts := &Options{
		MaxRetries:   0, // below minimum; Execute must not write the floor back
		Strategy:     StrategyFixed,
		InitialDelay: time.Millisecond,
	}

	_, err := Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	}, opts, arbor.NewLogger())
	require.Error(t, err)

	assert.Equal(t, 0, opts.MaxRetries)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 100; i++ {
		jittered := applyJitter(base)
		assert.GreaterOrEqual(t, jittered, base/2, "iteration %d", i)
		assert.LessOrEqual(t, jittered, base, "iteration %d", i)
	}
}

func TestDefaultRetryIf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad request not retried", &statusErr{code: 400, msg: "bad request"}, false},
		{"unauthorized not retried", &statusErr{code: 401, msg: "unauthorized"}, false},
		{"rate limit retried", &statusErr{code: 429, msg: "too many requests"}, true},
		{"server error retried", &statusErr{code: 500, msg: "internal"}, true},
		{"bad gateway retried", &statusErr{code: 502, msg: "bad gateway"}, true},
		{"invalid api key message not retried", errors.New("invalid api key supplied"), false},
		{"expired key message not retried", fmt.Errorf("request failed: %w", errors.New("expired api key")), false},
		{"connection reset retried", errors.New("read tcp: connection reset by peer"), true},
		{"timeout retried", errors.New("request timed out"), true},
		{"unclassified defaults to retry", errors.New("something odd happened"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultRetryIf(tt.err, 0))
		})
	}
}
