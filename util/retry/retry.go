// Package retry provides context-aware retry loops and backoff helpers.
package retry

import (
	"context"
	"time"

	"github.com/bsv-blockchain/tracker/ulogger"
)

type Options struct {
	retryCount        int
	backoffMultiplier int
	backoffDuration   time.Duration
	message           string
	exponential       bool
	backoffFactor     float64
	maxBackoff        time.Duration
	infinite          bool
}

type Option func(*Options)

func WithRetryCount(n int) Option {
	return func(o *Options) { o.retryCount = n }
}

// WithBackoffMultiplier sets m in the linear wait (m*attempt+1)*duration. 0 gives a fixed wait.
func WithBackoffMultiplier(m int) Option {
	return func(o *Options) { o.backoffMultiplier = m }
}

func WithBackoffDurationType(d time.Duration) Option {
	return func(o *Options) { o.backoffDuration = d }
}

func WithMessage(msg string) Option {
	return func(o *Options) { o.message = msg }
}

func WithExponentialBackoff() Option {
	return func(o *Options) { o.exponential = true }
}

func WithBackoffFactor(f float64) Option {
	return func(o *Options) { o.backoffFactor = f }
}

func WithMaxBackoff(d time.Duration) Option {
	return func(o *Options) { o.maxBackoff = d }
}

func WithInfiniteRetry() Option {
	return func(o *Options) { o.infinite = true }
}

func defaultOptions() *Options {
	return &Options{
		retryCount:        3,
		backoffMultiplier: 2,
		backoffDuration:   time.Second,
		backoffFactor:     2.0,
		maxBackoff:        30 * time.Second,
	}
}

// Retry calls f until it succeeds, the attempts are used up or ctx is done.
// There is no wait after the final attempt. The error of the last attempt is returned.
func Retry[T any](ctx context.Context, logger ulogger.Logger, f func() (T, error), opts ...Option) (T, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	var (
		result T
		err    error
	)

	wait := o.backoffDuration

	for attempt := 0; o.infinite || attempt < o.retryCount; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}

			return result, err
		}

		result, err = f()
		if err == nil {
			return result, nil
		}

		if !o.infinite && attempt == o.retryCount-1 {
			break
		}

		if o.message != "" {
			logger.Warnf("%s (attempt %d): %v", o.message, attempt+1, err)
		}

		if o.exponential {
			if sleepErr := sleepFunc(ctx, wait); sleepErr != nil {
				return result, err
			}

			wait = CappedExponentialBackoff(wait, o.backoffFactor, o.maxBackoff)
		} else if sleepErr := BackoffAndSleep(ctx, attempt, o.backoffMultiplier, o.backoffDuration); sleepErr != nil {
			return result, err
		}
	}

	return result, err
}
