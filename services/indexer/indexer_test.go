package indexer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/model"
	"github.com/bsv-blockchain/tracker/services/directory"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/stores/ledger/memory"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/bsv-blockchain/tracker/util/supervisor"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	mu       sync.Mutex
	blocks   []*wire.MsgBlock
	mempool  []*wire.MsgTx
	tipErr   error
	fetched  []uint32
	txFetch  int
	tipCalls atomic.Int32
}

func (n *fakeNode) GetTipHeight(context.Context) (uint32, error) {
	n.tipCalls.Add(1)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.tipErr != nil {
		return 0, n.tipErr
	}

	return uint32(len(n.blocks) - 1), nil
}

func (n *fakeNode) GetBlockHash(_ context.Context, height uint32) (*chainhash.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if int(height) >= len(n.blocks) {
		return nil, errors.NewRPCError("no block at %d", height)
	}

	hash := n.blocks[height].BlockHash()

	return &hash, nil
}

func (n *fakeNode) GetBlock(_ context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for height, block := range n.blocks {
		if block.BlockHash() == *hash {
			n.fetched = append(n.fetched, uint32(height))
			return block, nil
		}
	}

	return nil, errors.NewRPCError("unknown block %s", hash)
}

func (n *fakeNode) GetRawMempool(context.Context) ([]chainhash.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	txids := make([]chainhash.Hash, 0, len(n.mempool))
	for _, tx := range n.mempool {
		txids = append(txids, tx.TxHash())
	}

	return txids, nil
}

func (n *fakeNode) GetRawTransaction(_ context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.txFetch++

	for _, tx := range n.mempool {
		if tx.TxHash() == *txid {
			return tx, nil
		}
	}

	return nil, errors.NewRPCError("unknown transaction %s", txid)
}

func (n *fakeNode) addBlock(txs ...*wire.MsgTx) {
	n.mu.Lock()
	defer n.mu.Unlock()

	height := uint32(len(n.blocks))
	coinbase := wire.NewMsgTx(wire.TxVersion)
	coinbase.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex), []byte{byte(height), 0x01}, nil))
	coinbase.AddTxOut(wire.NewTxOut(50_0000_0000, []byte{0x51}))

	block := &wire.MsgBlock{
		Header:       wire.BlockHeader{Nonce: height},
		Transactions: append([]*wire.MsgTx{coinbase}, txs...),
	}

	n.blocks = append(n.blocks, block)
}

func (n *fakeNode) fetchedHeights() []uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]uint32(nil), n.fetched...)
}

func (n *fakeNode) txFetches() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.txFetch
}

type countingReporter struct {
	healthy atomic.Int32
}

func (r *countingReporter) Healthy()    { r.healthy.Add(1) }
func (r *countingReporter) Fatal(error) {}

func testSettings() *settings.Settings {
	return &settings.Settings{
		Directory: settings.DirectorySettings{
			MailboxSize: 10,
			DBTimeout:   time.Second,
		},
		Indexer: settings.IndexerSettings{
			PollInterval: 10 * time.Millisecond,
			SeenCacheTTL: time.Minute,
		},
	}
}

func startDirectory(t *testing.T, tSettings *settings.Settings) *directory.Client {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mailbox := directory.NewMailbox(tSettings.Directory.MailboxSize)
	server := directory.New(ulogger.TestLogger{}, tSettings, memory.New(ulogger.TestLogger{}))

	go func() {
		_ = server.Start(ctx, mailbox, supervisor.NopReporter{})
	}()

	return directory.NewClient(mailbox)
}

func fundingHash(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	h[31] = b

	return h
}

// spendTx spends prev:0 and pays to outputs scripts, an announcement first if address is set.
func spendTx(t *testing.T, prev chainhash.Hash, address string, lockTime uint32, outputs int) *wire.MsgTx {
	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), []byte{0x51}, nil))

	if address != "" {
		script, err := EncodeAnnouncement(address, PushDirect)
		require.NoError(t, err)

		tx.AddTxOut(wire.NewTxOut(0, script))
	}

	for len(tx.TxOut) < outputs {
		tx.AddTxOut(wire.NewTxOut(1000, []byte{0x76, 0xa9, byte(len(tx.TxOut))}))
	}

	tx.LockTime = lockTime

	return tx
}

func TestAnnouncementEligibility(t *testing.T) {
	ix := New(ulogger.TestLogger{}, testSettings(), &fakeNode{}, nil)
	prev := fundingHash(1)

	tests := []struct {
		name     string
		tx       *wire.MsgTx
		expected bool
	}{
		{"two outputs", spendTx(t, prev, "abc123.example:9001", 100, 2), true},
		{"five outputs", spendTx(t, prev, "abc123.example:9001", 100, 5), true},
		{"one output", spendTx(t, prev, "abc123.example:9001", 100, 1), false},
		{"six outputs", spendTx(t, prev, "abc123.example:9001", 100, 6), false},
		{"zero locktime", spendTx(t, prev, "abc123.example:9001", 0, 2), false},
		{"no announcement", spendTx(t, prev, "", 100, 3), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			address, ok := ix.announcement(tt.tx)
			assert.Equal(t, tt.expected, ok)

			if tt.expected {
				assert.Equal(t, "abc123.example:9001", address)
			}
		})
	}
}

func TestAnnouncementFirstQualifyingOutputWins(t *testing.T) {
	tx := spendTx(t, fundingHash(1), "first.example:1", 7, 1)

	second, err := EncodeAnnouncement("second.onion:2", PushData1)
	require.NoError(t, err)

	tx.AddTxOut(wire.NewTxOut(0, second))

	ix := New(ulogger.TestLogger{}, testSettings(), &fakeNode{}, nil)
	address, ok := ix.announcement(tx)
	require.True(t, ok)
	assert.Equal(t, "first.example:1", address)

	tSettings := testSettings()
	tSettings.Indexer.RequireOnion = true

	ix = New(ulogger.TestLogger{}, tSettings, &fakeNode{}, nil)
	address, ok = ix.announcement(tx)
	require.True(t, ok)
	assert.Equal(t, "second.onion:2", address)
}

func TestIndexerRegistersAnnouncedMaker(t *testing.T) {
	tSettings := testSettings()
	client := startDirectory(t, tSettings)
	ctx := context.Background()

	node := &fakeNode{}
	node.addBlock()
	node.addBlock(spendTx(t, fundingHash(1), "abc123.example:9001", 800_000, 2))

	ix := New(ulogger.TestLogger{}, tSettings, node, client)
	require.NoError(t, ix.cycle(ctx))

	rec, err := client.Get(ctx, "abc123.example:9001")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Stale)
	assert.Equal(t, "abc123.example:9001", rec.Address)

	active, err := client.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123.example:9001"}, active)

	next, ok, err := client.Watermark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), next)

	// nothing new: no block is fetched again
	require.NoError(t, ix.cycle(ctx))
	assert.Equal(t, []uint32{0, 1}, node.fetchedHeights())
}

func TestIndexerResumesFromWatermark(t *testing.T) {
	tSettings := testSettings()
	client := startDirectory(t, tSettings)
	ctx := context.Background()

	node := &fakeNode{}
	for i := 0; i < 4; i++ {
		node.addBlock()
	}

	require.NoError(t, client.SetWatermark(ctx, 2))

	ix := New(ulogger.TestLogger{}, tSettings, node, client)
	require.NoError(t, ix.cycle(ctx))

	assert.Equal(t, []uint32{2, 3}, node.fetchedHeights())
}

func TestIndexerStartsAtConfiguredHeight(t *testing.T) {
	tSettings := testSettings()
	tSettings.Indexer.StartHeight = 3
	client := startDirectory(t, tSettings)
	ctx := context.Background()

	node := &fakeNode{}
	for i := 0; i < 5; i++ {
		node.addBlock()
	}

	ix := New(ulogger.TestLogger{}, tSettings, node, client)
	require.NoError(t, ix.cycle(ctx))

	assert.Equal(t, []uint32{3, 4}, node.fetchedHeights())

	next, ok, err := client.Watermark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(5), next)
}

func TestIndexerRecordsMempoolSpends(t *testing.T) {
	tSettings := testSettings()
	client := startDirectory(t, tSettings)
	ctx := context.Background()

	funding := fundingHash(9)
	spend := spendTx(t, funding, "", 1, 2)

	node := &fakeNode{mempool: []*wire.MsgTx{spend}}
	node.addBlock()

	ix := New(ulogger.TestLogger{}, tSettings, node, client)
	require.NoError(t, ix.cycle(ctx))

	spenders, err := client.WatchUtxo(ctx, model.NewOutpoint(funding, 0))
	require.NoError(t, err)
	require.Len(t, spenders, 1)
	assert.Equal(t, spend.TxHash(), spenders[0].TxID)

	// mempool transactions are not scanned for announcements
	active, err := client.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// already seen: the transaction is not fetched again
	require.NoError(t, ix.cycle(ctx))
	assert.Equal(t, 1, node.txFetches())
}

func TestIndexerSkipsKnownMempoolTxsAfterRestart(t *testing.T) {
	tSettings := testSettings()
	client := startDirectory(t, tSettings)
	ctx := context.Background()

	spend := spendTx(t, fundingHash(4), "", 1, 2)

	node := &fakeNode{mempool: []*wire.MsgTx{spend}}
	node.addBlock()

	require.NoError(t, New(ulogger.TestLogger{}, tSettings, node, client).cycle(ctx))

	// a fresh indexer has an empty cache but the directory knows the tx
	require.NoError(t, New(ulogger.TestLogger{}, tSettings, node, client).cycle(ctx))
	assert.Equal(t, 1, node.txFetches())
}

func TestIndexerNodeFailureEndsRun(t *testing.T) {
	tSettings := testSettings()
	client := startDirectory(t, tSettings)

	node := &fakeNode{tipErr: errors.NewRPCError("connection refused")}
	node.addBlock()

	err := New(ulogger.TestLogger{}, tSettings, node, client).Run(context.Background(), &countingReporter{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRPC))
}

func TestIndexerRetriesDirectoryFailures(t *testing.T) {
	tSettings := testSettings()

	mailbox := directory.NewMailbox(1)
	mailbox.Close()

	node := &fakeNode{}
	node.addBlock()

	reporter := &countingReporter{}
	ix := New(ulogger.TestLogger{}, tSettings, node, directory.NewClient(mailbox))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- ix.Run(ctx, reporter)
	}()

	require.Eventually(t, func() bool {
		return node.tipCalls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("indexer did not stop")
	}

	assert.Equal(t, int32(0), reporter.healthy.Load())
}

func TestIndexerReportsHealthy(t *testing.T) {
	tSettings := testSettings()
	client := startDirectory(t, tSettings)

	node := &fakeNode{}
	node.addBlock()

	reporter := &countingReporter{}
	ix := New(ulogger.TestLogger{}, tSettings, node, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- ix.Run(ctx, reporter)
	}()

	require.Eventually(t, func() bool {
		return reporter.healthy.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestToModelTxSkipsCoinbaseInput(t *testing.T) {
	node := &fakeNode{}
	node.addBlock()

	coinbase := node.blocks[0].Transactions[0]
	m := toModelTx(coinbase)

	assert.Equal(t, coinbase.TxHash(), m.TxID)
	assert.Empty(t, m.Inputs)
	require.Len(t, m.Outputs, 1)
	assert.Equal(t, int64(50_0000_0000), m.Outputs[0].Value)
}
