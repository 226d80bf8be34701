package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bsv-blockchain/tracker/model"
	"github.com/bsv-blockchain/tracker/services/tracker"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/bsv-blockchain/tracker/util/supervisor"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDirectory struct {
	active []string
	status *model.SpendStatus
}

func (d *staticDirectory) Active(context.Context) ([]string, error) {
	return d.active, nil
}

func (d *staticDirectory) SpendStatus(_ context.Context, outpoint model.Outpoint) (*model.SpendStatus, error) {
	status := *d.status
	status.Outpoint = outpoint

	return &status, nil
}

type idleMonitor struct{}

func (idleMonitor) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func startTracker(t *testing.T, directory tracker.Directory) string {
	t.Helper()

	tSettings := &settings.Settings{
		Tracker: settings.TrackerSettings{ListenAddress: "127.0.0.1:0", MaxFrameSize: 1 << 20},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := tracker.New(ulogger.TestLogger{}, tSettings, directory, idleMonitor{})

	go func() {
		_ = server.Run(ctx, supervisor.NopReporter{})
	}()

	require.Eventually(t, func() bool {
		return server.Addr() != nil
	}, 2*time.Second, 5*time.Millisecond)

	return server.Addr().String()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	err := newApp(&out).Run(append([]string{"trackercli"}, args...))

	return out.String(), err
}

func TestAnnounceCommand(t *testing.T) {
	out, err := run(t, "announce", "--address", "a:1")
	require.NoError(t, err)
	assert.Equal(t, "6a03613a31\n", out)

	out, err = run(t, "announce", "--address", "a:1", "--push", "pushdata2")
	require.NoError(t, err)
	assert.Equal(t, "6a4d0300613a31\n", out)

	_, err = run(t, "announce", "--address", "a:1", "--onion")
	require.Error(t, err)

	_, err = run(t, "announce", "--address", "a:1", "--push", "pushdata4")
	require.Error(t, err)
}

func TestGetCommand(t *testing.T) {
	addr := startTracker(t, &staticDirectory{active: []string{"a.onion:1", "b.onion:2"}})

	out, err := run(t, "--tracker", addr, "get")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.onion:1", "b.onion:2"}, strings.Fields(out))
}

func TestWatchCommand(t *testing.T) {
	var spender chainhash.Hash
	spender[0] = 0xab

	addr := startTracker(t, &staticDirectory{status: &model.SpendStatus{
		Known:         true,
		Confirmed:     true,
		MempoolSpends: []model.MempoolTx{{TxID: spender, FirstSeen: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}},
	}})

	outpoint := strings.Repeat("11", 32) + ":0"

	out, err := run(t, "--tracker", addr, "watch", "--outpoint", outpoint)
	require.NoError(t, err)
	assert.Contains(t, out, `"known": true`)
	assert.Contains(t, out, spender.String())
	assert.Contains(t, out, `"outpoint": "`+outpoint+`"`)

	_, err = run(t, "--tracker", addr, "watch", "--outpoint", "nope")
	require.Error(t, err)
}
