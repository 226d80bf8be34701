package retry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func stubSleep(t *testing.T) *recordedSleeps {
	rec := &recordedSleeps{}
	orig := sleepFunc

	sleepFunc = func(ctx context.Context, d time.Duration) error {
		rec.mu.Lock()
		rec.sleeps = append(rec.sleeps, d)
		rec.mu.Unlock()

		return ctx.Err()
	}

	t.Cleanup(func() { sleepFunc = orig })

	return rec
}

func TestRetrySucceedsFirstTry(t *testing.T) {
	rec := stubSleep(t)

	result, err := Retry(context.Background(), ulogger.TestLogger{}, func() (string, error) {
		return "success", nil
	}, WithRetryCount(3))

	require.NoError(t, err)
	assert.Equal(t, "success", result)
	assert.Empty(t, rec.sleeps)
}

func TestRetryFixedWaitBetweenAttemptsOnly(t *testing.T) {
	rec := stubSleep(t)
	calls := 0

	_, err := Retry(context.Background(), ulogger.TestLogger{}, func() (int, error) {
		calls++
		return 0, errors.NewNetworkError("refused")
	}, WithRetryCount(3), WithBackoffMultiplier(0), WithBackoffDurationType(time.Second))

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetworkError))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.sleeps)
}

func TestRetryRecovers(t *testing.T) {
	stubSleep(t)
	calls := 0

	result, err := Retry(context.Background(), ulogger.TestLogger{}, func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.NewProcessingError("error")
		}

		return "ok", nil
	}, WithRetryCount(3), WithMessage("Trying again"))

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}

func TestRetryExponentialCapped(t *testing.T) {
	rec := stubSleep(t)

	_, _ = Retry(context.Background(), ulogger.TestLogger{}, func() (int, error) {
		return 0, errors.NewProcessingError("fail")
	}, WithRetryCount(5), WithExponentialBackoff(), WithBackoffDurationType(50*time.Millisecond),
		WithBackoffFactor(2.0), WithMaxBackoff(150*time.Millisecond))

	assert.Equal(t, []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		150 * time.Millisecond,
		150 * time.Millisecond,
	}, rec.sleeps)
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Retry(ctx, ulogger.TestLogger{}, func() (int, error) {
		calls++
		return 0, nil
	}, WithInfiniteRetry())

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestCappedExponentialBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, CappedExponentialBackoff(time.Second, 2.0, 10*time.Second))
	assert.Equal(t, 10*time.Second, CappedExponentialBackoff(8*time.Second, 2.0, 10*time.Second))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
