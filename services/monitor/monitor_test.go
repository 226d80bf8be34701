package monitor

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/model"
	"github.com/bsv-blockchain/tracker/pkg/protocol"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	mu      sync.Mutex
	records map[string]*model.ProviderRecord
	updates []model.RecordUpdate
}

func newFakeDirectory(records ...*model.ProviderRecord) *fakeDirectory {
	d := &fakeDirectory{records: make(map[string]*model.ProviderRecord)}
	for _, rec := range records {
		d.records[rec.Address] = rec
	}

	return d
}

func (d *fakeDirectory) Snapshot(context.Context) ([]*model.ProviderRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*model.ProviderRecord, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec.Clone())
	}

	return out, nil
}

func (d *fakeDirectory) Update(_ context.Context, address string, update model.RecordUpdate) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.updates = append(d.updates, update)

	rec, ok := d.records[address]
	if !ok {
		return false, nil
	}

	update.Apply(rec)

	return true, nil
}

func (d *fakeDirectory) get(address string) *model.ProviderRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.records[address].Clone()
}

func (d *fakeDirectory) updateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.updates)
}

// pipeDialer answers every dial with an in-process maker driven by respond.
type pipeDialer struct {
	mu      sync.Mutex
	dials   map[string]int
	down    map[string]bool
	respond func(t *testing.T, conn net.Conn)
	t       *testing.T
}

func newPipeDialer(t *testing.T, respond func(t *testing.T, conn net.Conn)) *pipeDialer {
	return &pipeDialer{dials: make(map[string]int), down: make(map[string]bool), respond: respond, t: t}
}

func (d *pipeDialer) DialContext(_ context.Context, _ string, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dials[address]++
	down := d.down[address]
	d.mu.Unlock()

	if down {
		return nil, errors.NewNetworkConnectionRefusedError("%s is down", address)
	}

	client, maker := net.Pipe()

	go func() {
		defer maker.Close()
		d.respond(d.t, maker)
	}()

	return client, nil
}

func (d *pipeDialer) dialCount(address string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dials[address]
}

func pongWith(address string) func(t *testing.T, conn net.Conn) {
	return func(t *testing.T, conn net.Conn) {
		ping, err := protocol.ReadResponse(conn, 0)
		if err != nil {
			return
		}

		assert.Equal(t, protocol.ResponsePing, ping.Kind)
		assert.Equal(t, "tracker.onion", ping.Address)
		assert.Equal(t, uint16(8080), ping.Port)

		_ = protocol.WriteRequest(conn, protocol.NewPongRequest(address))
	}
}

func silent(_ *testing.T, conn net.Conn) {
	_, _ = protocol.ReadResponse(conn, 0)
	time.Sleep(200 * time.Millisecond)
}

func testSettings() *settings.Settings {
	return &settings.Settings{
		Tracker: settings.TrackerSettings{
			ListenAddress: "0.0.0.0:8080",
			Hostname:      "tracker.onion",
			MaxFrameSize:  protocol.MaxFrameSize,
		},
		Monitor: settings.MonitorSettings{
			Cooldown:      5 * time.Second,
			Attempts:      3,
			Backoff:       time.Millisecond,
			SweepInterval: 10 * time.Millisecond,
			ReadTimeout:   100 * time.Millisecond,
			Concurrency:   4,
		},
	}
}

func fixedClock(m *Monitor, now time.Time) {
	m.now = func() time.Time { return now }
}

func TestSuccessfulProbeRefreshesRecord(t *testing.T) {
	now := time.Now()
	old := now.Add(-time.Minute)

	rec := model.NewProviderRecord("maker.onion:6102", old)
	rec.Stale = true

	directory := newFakeDirectory(rec)
	dialer := newPipeDialer(t, pongWith("maker.onion:6102"))

	m := New(ulogger.TestLogger{}, testSettings(), directory, dialer)
	fixedClock(m, now)

	m.sweep(context.Background())

	got := directory.get("maker.onion:6102")
	assert.False(t, got.Stale)
	assert.True(t, got.LastSeen.Equal(now))
	assert.Equal(t, 1, dialer.dialCount("maker.onion:6102"))
}

func TestUnreachableMakerIsMarkedStaleOnce(t *testing.T) {
	now := time.Now()
	directory := newFakeDirectory(model.NewProviderRecord("gone.onion:6102", now.Add(-time.Minute)))

	dialer := newPipeDialer(t, silent)
	dialer.down["gone.onion:6102"] = true

	m := New(ulogger.TestLogger{}, testSettings(), directory, dialer)
	fixedClock(m, now)

	m.sweep(context.Background())

	assert.True(t, directory.get("gone.onion:6102").Stale)
	assert.Equal(t, 3, dialer.dialCount("gone.onion:6102"))
	assert.Equal(t, 1, directory.updateCount())

	// still unreachable: probed again but not marked again
	m.sweep(context.Background())

	assert.Equal(t, 6, dialer.dialCount("gone.onion:6102"))
	assert.Equal(t, 1, directory.updateCount())
}

func TestSilentMakerIsMarkedStale(t *testing.T) {
	now := time.Now()
	directory := newFakeDirectory(model.NewProviderRecord("mute.onion:6102", now.Add(-time.Minute)))
	dialer := newPipeDialer(t, silent)

	tSettings := testSettings()
	tSettings.Monitor.Attempts = 1
	tSettings.Monitor.ReadTimeout = 20 * time.Millisecond

	m := New(ulogger.TestLogger{}, tSettings, directory, dialer)
	fixedClock(m, now)

	m.sweep(context.Background())

	assert.True(t, directory.get("mute.onion:6102").Stale)
}

func TestCoolingDownRecordIsSkipped(t *testing.T) {
	now := time.Now()
	directory := newFakeDirectory(model.NewProviderRecord("fresh.onion:6102", now.Add(-time.Second)))
	dialer := newPipeDialer(t, pongWith("fresh.onion:6102"))

	m := New(ulogger.TestLogger{}, testSettings(), directory, dialer)
	fixedClock(m, now)

	m.sweep(context.Background())

	assert.Equal(t, 0, dialer.dialCount("fresh.onion:6102"))
	assert.Equal(t, 0, directory.updateCount())
}

func TestRecoveryAfterFailedAttempt(t *testing.T) {
	now := time.Now()
	directory := newFakeDirectory(model.NewProviderRecord("flaky.onion:6102", now.Add(-time.Minute)))

	var (
		mu    sync.Mutex
		calls int
	)

	dialer := newPipeDialer(t, func(t *testing.T, conn net.Conn) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()

		if first {
			_, _ = protocol.ReadResponse(conn, 0)
			return
		}

		pongWith("flaky.onion:6102")(t, conn)
	})

	m := New(ulogger.TestLogger{}, testSettings(), directory, dialer)
	fixedClock(m, now)

	m.sweep(context.Background())

	got := directory.get("flaky.onion:6102")
	assert.False(t, got.Stale)
	assert.True(t, got.LastSeen.Equal(now))
	assert.Equal(t, 2, dialer.dialCount("flaky.onion:6102"))
}

func TestProbeRejectsWrongMessage(t *testing.T) {
	dialer := newPipeDialer(t, func(_ *testing.T, conn net.Conn) {
		_, _ = protocol.ReadResponse(conn, 0)
		_ = protocol.WriteRequest(conn, protocol.NewGetRequest())
	})

	_, err := Probe(context.Background(), dialer, "maker.onion:1", protocol.NewPingResponse("t.onion", 1), time.Second, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetworkInvalidResponse))
}

func TestProbeHonoursCancellation(t *testing.T) {
	dialer := newPipeDialer(t, silent)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	start := time.Now()
	_, err := Probe(ctx, dialer, "maker.onion:1", protocol.NewPingResponse("t.onion", 1), 5*time.Second, 0)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStartStopsOnCancel(t *testing.T) {
	directory := newFakeDirectory()
	m := New(ulogger.TestLogger{}, testSettings(), directory, newPipeDialer(t, silent))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- m.Start(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestOwnAddress(t *testing.T) {
	host, port := ownAddress(settings.TrackerSettings{ListenAddress: "0.0.0.0:8080"})
	assert.Equal(t, "0.0.0.0", host)
	assert.Equal(t, uint16(8080), port)

	host, port = ownAddress(settings.TrackerSettings{ListenAddress: "0.0.0.0:8080", Hostname: "me.onion"})
	assert.Equal(t, "me.onion", host)
	assert.Equal(t, uint16(8080), port)
}

func TestSocksDialerReportsUnreachableProxy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	require.NoError(t, l.Close())

	tSettings := testSettings()
	tSettings.Tracker.SocksAddress = addr

	_, err = NewSocksDialer(tSettings).DialContext(context.Background(), "tcp", "maker.onion:6102")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetworkConnectionRefused))
}
