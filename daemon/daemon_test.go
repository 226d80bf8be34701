package daemon

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/services/indexer"
	"github.com/bsv-blockchain/tracker/services/tracker"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/bsv-blockchain/tracker/util/supervisor"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// announcingNode serves a two block chain whose second block announces one maker.
type announcingNode struct {
	blocks []*wire.MsgBlock
}

func newAnnouncingNode(t *testing.T, address string) *announcingNode {
	t.Helper()

	script, err := indexer.EncodeAnnouncement(address, indexer.PushDirect)
	require.NoError(t, err)

	prev := chainhash.Hash{0x01}
	announce := wire.NewMsgTx(wire.TxVersion)
	announce.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), nil, nil))
	announce.AddTxOut(wire.NewTxOut(0, script))
	announce.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	announce.LockTime = 100

	return &announcingNode{
		blocks: []*wire.MsgBlock{
			{Header: wire.BlockHeader{Nonce: 0}},
			{Header: wire.BlockHeader{Nonce: 1}, Transactions: []*wire.MsgTx{announce}},
		},
	}
}

func (n *announcingNode) GetTipHeight(context.Context) (uint32, error) {
	return uint32(len(n.blocks) - 1), nil
}

func (n *announcingNode) GetBlockHash(_ context.Context, height uint32) (*chainhash.Hash, error) {
	if int(height) >= len(n.blocks) {
		return nil, errors.NewRPCError("no block at %d", height)
	}

	hash := n.blocks[height].BlockHash()

	return &hash, nil
}

func (n *announcingNode) GetBlock(_ context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	for _, block := range n.blocks {
		if block.BlockHash() == *hash {
			return block, nil
		}
	}

	return nil, errors.NewRPCError("unknown block %s", hash)
}

func (n *announcingNode) GetRawMempool(context.Context) ([]chainhash.Hash, error) {
	return nil, nil
}

func (n *announcingNode) GetRawTransaction(_ context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	return nil, errors.NewRPCError("unknown transaction %s", txid)
}

type refusingDialer struct{}

func (refusingDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	return nil, errors.NewNetworkConnectionRefusedError("%s unreachable", address)
}

func testSettings() *settings.Settings {
	return &settings.Settings{
		HealthListenAddress: "127.0.0.1:0",
		PrometheusEndpoint:  "/metrics",
		Tracker: settings.TrackerSettings{
			ListenAddress: "127.0.0.1:0",
			MaxFrameSize:  1 << 20,
			ConnRateLimit: 100,
			ConnRateBurst: 100,
		},
		Directory: settings.DirectorySettings{
			StoreURL:    &url.URL{Scheme: "memory", Path: "/"},
			MailboxSize: 10,
			DBTimeout:   time.Second,
		},
		Indexer: settings.IndexerSettings{
			PollInterval: 20 * time.Millisecond,
			SeenCacheTTL: time.Minute,
		},
		Monitor: settings.MonitorSettings{
			// long enough that the freshly indexed maker is not probed during the test
			Cooldown:      time.Hour,
			Attempts:      1,
			Backoff:       time.Millisecond,
			SweepInterval: 20 * time.Millisecond,
			ReadTimeout:   100 * time.Millisecond,
			Concurrency:   1,
		},
		Supervisor: settings.SupervisorSettings{
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
			BackoffFactor:  2,
			RestartWindow:  time.Minute,
		},
	}
}

func startDaemon(t *testing.T, tSettings *settings.Settings, node indexer.NodeClient) (*Daemon, chan error) {
	t.Helper()

	d := New(
		WithLoggerFactory(func(string) ulogger.Logger { return ulogger.TestLogger{} }),
		WithNodeFactory(func(ulogger.Logger, *settings.Settings) (indexer.NodeClient, error) { return node, nil }),
		WithDialer(refusingDialer{}),
	)

	readyCh := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- d.Start(ulogger.TestLogger{}, tSettings, readyCh)
	}()

	select {
	case <-readyCh:
	case err := <-done:
		t.Fatalf("daemon failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}

	t.Cleanup(d.Stop)

	return d, done
}

func TestDaemonServesIndexedMakers(t *testing.T) {
	d, done := startDaemon(t, testSettings(), newAnnouncingNode(t, "abc123.example:9001"))

	require.Eventually(t, func() bool {
		return d.TrackerAddr() != nil
	}, 5*time.Second, 10*time.Millisecond)

	client, err := tracker.Dial(context.Background(), nil, d.TrackerAddr().String())
	require.NoError(t, err)

	defer client.Close()

	require.Eventually(t, func() bool {
		addresses, err := client.Get(context.Background())
		return err == nil && len(addresses) == 1 && addresses[0] == "abc123.example:9001"
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, supervisor.StateRunning, d.Supervisor().State("indexer"))

	d.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonHealthEndpoints(t *testing.T) {
	d, _ := startDaemon(t, testSettings(), newAnnouncingNode(t, "abc123.example:9001"))

	base := "http://" + d.HealthAddr().String()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health/readiness") //nolint:noctx // test helper
		if err != nil {
			return false
		}

		defer resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/health/liveness") //nolint:noctx // test helper
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Supervisor")

	resp, err = http.Get(base + "/metrics") //nolint:noctx // test helper
	require.NoError(t, err)

	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Contains(t, string(body), "tracker_directory_records")
}

func TestDaemonRejectsUnknownStore(t *testing.T) {
	tSettings := testSettings()
	tSettings.Directory.StoreURL = &url.URL{Scheme: "nosuchdb"}

	err := New(WithLoggerFactory(func(string) ulogger.Logger { return ulogger.TestLogger{} })).Start(ulogger.TestLogger{}, tSettings)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}
