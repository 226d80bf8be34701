package supervisor

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubsystem fails with failErr on the runs listed in failOn, otherwise blocks until cancelled.
type fakeSubsystem struct {
	name    string
	failErr error
	failOn  map[int]bool
	panicOn map[int]bool

	runs      atomic.Int32
	mu        sync.Mutex
	reporters []Reporter
}

func (f *fakeSubsystem) Name() string { return f.name }

func (f *fakeSubsystem) Run(ctx context.Context, reporter Reporter) error {
	run := int(f.runs.Add(1))

	f.mu.Lock()
	f.reporters = append(f.reporters, reporter)
	f.mu.Unlock()

	reporter.Healthy()

	if f.panicOn[run] {
		panic("boom")
	}

	if f.failOn[run] {
		reporter.Fatal(f.failErr)
		reporter.Fatal(f.failErr)

		return f.failErr
	}

	<-ctx.Done()

	return nil
}

func (f *fakeSubsystem) reporter(i int) Reporter {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.reporters[i]
}

func testPolicy() Policy {
	return Policy{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
		RestartWindow:  time.Minute,
	}
}

func runSupervisor(t *testing.T, s *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.Run(ctx)
	}()

	t.Cleanup(cancel)

	return cancel, errCh
}

func TestSingleFatalRestartsOnlyThatSubsystemOnce(t *testing.T) {
	s := New(ulogger.TestLogger{}, testPolicy())

	store := &fakeSubsystem{name: "directory", failErr: errors.NewStorageError("disk gone"), failOn: map[int]bool{1: true}}
	indexer := &fakeSubsystem{name: "indexer"}
	server := &fakeSubsystem{name: "server"}

	require.NoError(t, s.Add(store))
	require.NoError(t, s.Add(indexer))
	require.NoError(t, s.Add(server))

	cancel, errCh := runSupervisor(t, s)

	require.Eventually(t, func() bool {
		return store.runs.Load() == 2 && s.State("directory") == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	// give a would-be second restart time to happen
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(2), store.runs.Load())
	assert.Equal(t, 1, s.Restarts("directory"))
	assert.Equal(t, int32(1), indexer.runs.Load())
	assert.Equal(t, int32(1), server.runs.Load())
	assert.Equal(t, 0, s.Restarts("indexer"))

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	assert.Equal(t, StateStopped, s.State("directory"))
}

func TestStaleGenerationIsIgnored(t *testing.T) {
	s := New(ulogger.TestLogger{}, testPolicy())

	sub := &fakeSubsystem{name: "indexer", failErr: errors.NewRPCError("node down"), failOn: map[int]bool{1: true}}
	require.NoError(t, s.Add(sub))

	runSupervisor(t, s)

	require.Eventually(t, func() bool {
		return sub.runs.Load() == 2 && s.State("indexer") == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	s.statusCh <- Status{Subsystem: "indexer", Generation: 1, Fatal: true, Err: errors.NewRPCError("late"), At: time.Now()}

	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(2), sub.runs.Load())
	assert.Equal(t, StateRunning, s.State("indexer"))
}

func TestPanicAndUnexpectedReturnAreFatal(t *testing.T) {
	s := New(ulogger.TestLogger{}, testPolicy())

	sub := &fakeSubsystem{name: "server", panicOn: map[int]bool{1: true}, failOn: map[int]bool{2: true}}
	require.NoError(t, s.Add(sub))

	runSupervisor(t, s)

	require.Eventually(t, func() bool {
		return sub.runs.Load() == 3 && s.State("server") == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, s.Restarts("server"))
}

func TestRestartCapGivesUp(t *testing.T) {
	policy := testPolicy()
	policy.MaxRestarts = 2

	s := New(ulogger.TestLogger{}, policy)

	sub := &fakeSubsystem{name: "indexer", failErr: errors.NewRPCError("node down"), failOn: map[int]bool{1: true, 2: true, 3: true, 4: true}}
	require.NoError(t, s.Add(sub))

	_, errCh := runSupervisor(t, s)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrServiceError))
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not give up")
	}

	assert.Equal(t, int32(3), sub.runs.Load())
	assert.Equal(t, StateStopped, s.State("indexer"))
}

func TestHealthyHeartbeatFromCurrentInstance(t *testing.T) {
	s := New(ulogger.TestLogger{}, testPolicy())

	sub := &fakeSubsystem{name: "indexer"}
	require.NoError(t, s.Add(sub))

	runSupervisor(t, s)

	require.Eventually(t, func() bool { return sub.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	sub.reporter(0).Healthy()

	status, body, err := s.Health(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"name":"indexer"`)
	assert.Contains(t, body, `"state":"running"`)
}

func TestAddValidation(t *testing.T) {
	s := New(ulogger.TestLogger{}, testPolicy())

	require.NoError(t, s.Add(&fakeSubsystem{name: "a"}))
	require.Error(t, s.Add(&fakeSubsystem{name: "a"}))
}

func TestPolicyBackoff(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, BackoffFactor: 2}.normalized()

	assert.Equal(t, 100*time.Millisecond, p.nextBackoff(0))
	assert.Equal(t, 200*time.Millisecond, p.nextBackoff(100*time.Millisecond))
	assert.Equal(t, 300*time.Millisecond, p.nextBackoff(200*time.Millisecond))
	assert.Equal(t, 300*time.Millisecond, p.nextBackoff(300*time.Millisecond))
}

func TestPolicyRestartWindow(t *testing.T) {
	p := Policy{MaxRestarts: 2, RestartWindow: time.Minute}.normalized()
	now := time.Now()

	kept, exhausted := p.exhausted([]time.Time{now.Add(-2 * time.Minute), now.Add(-time.Second)}, now)
	assert.Len(t, kept, 1)
	assert.False(t, exhausted)

	_, exhausted = p.exhausted([]time.Time{now.Add(-2 * time.Second), now.Add(-time.Second)}, now)
	assert.True(t, exhausted)

	unlimited := Policy{}.normalized()
	_, exhausted = unlimited.exhausted(make([]time.Time, 100), now)
	assert.False(t, exhausted)
}
