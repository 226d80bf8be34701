// Package tests holds the behaviour every ledger.Store implementation must share.
package tests

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/model"
	"github.com/bsv-blockchain/tracker/stores/ledger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Hash(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	h[31] = b

	return h
}

// RunAll runs every shared test against stores built by newStore.
func RunAll(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("Health", func(t *testing.T) { Health(t, newStore(t)) })
	t.Run("Servers", func(t *testing.T) { Servers(t, newStore(t)) })
	t.Run("UtxoConfirmationMonotone", func(t *testing.T) { UtxoConfirmationMonotone(t, newStore(t)) })
	t.Run("SpendLifecycle", func(t *testing.T) { SpendLifecycle(t, newStore(t)) })
	t.Run("MempoolEdges", func(t *testing.T) { MempoolEdges(t, newStore(t)) })
	t.Run("Watermark", func(t *testing.T) { Watermark(t, newStore(t)) })
}

func Health(t *testing.T, store ledger.Store) {
	status, _, err := store.Health(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}

func Servers(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	require.NoError(t, store.UpsertServer(ctx, &model.ProviderRecord{Address: "b.onion:1", LastSeen: now}))
	require.NoError(t, store.UpsertServer(ctx, &model.ProviderRecord{Address: "a.onion:1", LastSeen: now, Stale: true}))
	require.NoError(t, store.UpsertServer(ctx, &model.ProviderRecord{Address: "b.onion:1", LastSeen: now.Add(time.Second), Stale: true}))

	records, err := store.LoadServers(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "a.onion:1", records[0].Address)
	assert.True(t, records[0].Stale)
	assert.Equal(t, "b.onion:1", records[1].Address)
	assert.True(t, records[1].Stale)
	assert.True(t, now.Add(time.Second).Equal(records[1].LastSeen))
}

func UtxoConfirmationMonotone(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	op := model.NewOutpoint(Hash(1), 0)

	// seen in a block first, then the same tx is reprocessed from the mempool
	require.NoError(t, store.UpsertUtxo(ctx, &model.Utxo{Outpoint: op, Value: 1000, Script: []byte{0x51}, Confirmed: true, ConfirmedHeight: 10}))
	require.NoError(t, store.UpsertUtxo(ctx, &model.Utxo{Outpoint: op, Value: 1000, Script: []byte{0x51}}))

	utxo, err := store.GetUtxo(ctx, op)
	require.NoError(t, err)
	assert.True(t, utxo.Confirmed)
	assert.Equal(t, uint32(10), utxo.ConfirmedHeight)
	assert.Equal(t, int64(1000), utxo.Value)
	assert.Equal(t, []byte{0x51}, utxo.Script)

	// unconfirmed first, then mined
	op2 := model.NewOutpoint(Hash(2), 1)
	require.NoError(t, store.UpsertUtxo(ctx, &model.Utxo{Outpoint: op2, Value: 5}))

	utxo, err = store.GetUtxo(ctx, op2)
	require.NoError(t, err)
	assert.False(t, utxo.Confirmed)

	require.NoError(t, store.UpsertUtxo(ctx, &model.Utxo{Outpoint: op2, Value: 5, Confirmed: true, ConfirmedHeight: 11}))
	require.NoError(t, store.UpsertUtxo(ctx, &model.Utxo{Outpoint: op2, Value: 5, Confirmed: true, ConfirmedHeight: 12}))

	utxo, err = store.GetUtxo(ctx, op2)
	require.NoError(t, err)
	assert.True(t, utxo.Confirmed)
	assert.Equal(t, uint32(11), utxo.ConfirmedHeight)

	_, err = store.GetUtxo(ctx, model.NewOutpoint(Hash(9), 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func SpendLifecycle(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	op := model.NewOutpoint(Hash(3), 0)
	mempoolSpender := Hash(4)
	blockSpender := Hash(5)

	// unknown outpoints are ignored
	require.NoError(t, store.MarkSpent(ctx, op, mempoolSpender, false))
	_, err := store.GetUtxo(ctx, op)
	require.Error(t, err)

	require.NoError(t, store.UpsertUtxo(ctx, &model.Utxo{Outpoint: op, Value: 10, Confirmed: true, ConfirmedHeight: 1}))
	require.NoError(t, store.MarkSpent(ctx, op, mempoolSpender, false))

	utxo, err := store.GetUtxo(ctx, op)
	require.NoError(t, err)
	assert.True(t, utxo.Spent)
	assert.False(t, utxo.SpendConfirmed)
	require.NotNil(t, utxo.SpentBy)
	assert.Equal(t, mempoolSpender, *utxo.SpentBy)

	require.NoError(t, store.MarkSpent(ctx, op, blockSpender, true))
	require.NoError(t, store.MarkSpent(ctx, op, mempoolSpender, false))

	utxo, err = store.GetUtxo(ctx, op)
	require.NoError(t, err)
	assert.True(t, utxo.Spent)
	assert.True(t, utxo.SpendConfirmed)
	assert.True(t, utxo.Confirmed)
	assert.Equal(t, blockSpender, *utxo.SpentBy)

	// a later confirmed re-insert must not reset the spend
	require.NoError(t, store.UpsertUtxo(ctx, &model.Utxo{Outpoint: op, Value: 10, Confirmed: true, ConfirmedHeight: 1}))

	utxo, err = store.GetUtxo(ctx, op)
	require.NoError(t, err)
	assert.True(t, utxo.Spent)
}

func MempoolEdges(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	prev := model.NewOutpoint(Hash(6), 2)
	spender := Hash(7)
	other := Hash(8)
	seen := time.Unix(1700000000, 0)

	spenders, err := store.MempoolSpenders(ctx, prev)
	require.NoError(t, err)
	assert.Empty(t, spenders)

	exists, err := store.MempoolTxExists(ctx, spender)
	require.NoError(t, err)
	assert.False(t, exists)

	inserted, err := store.InsertMempoolTx(ctx, spender, seen)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertMempoolTx(ctx, spender, seen.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, inserted)

	exists, err = store.MempoolTxExists(ctx, spender)
	require.NoError(t, err)
	assert.True(t, exists)

	// the tx row alone does not make it a spender
	spenders, err = store.MempoolSpenders(ctx, prev)
	require.NoError(t, err)
	assert.Empty(t, spenders)

	require.NoError(t, store.InsertMempoolInput(ctx, model.MempoolInput{SpendingTxID: spender, Prev: prev}))
	require.NoError(t, store.InsertMempoolInput(ctx, model.MempoolInput{SpendingTxID: spender, Prev: prev}))

	_, err = store.InsertMempoolTx(ctx, other, seen.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, store.InsertMempoolInput(ctx, model.MempoolInput{SpendingTxID: other, Prev: prev}))

	spenders, err = store.MempoolSpenders(ctx, prev)
	require.NoError(t, err)
	require.Len(t, spenders, 2)
	assert.Equal(t, spender, spenders[0].TxID)
	assert.True(t, seen.Equal(spenders[0].FirstSeen))
	assert.Equal(t, other, spenders[1].TxID)

	spenders, err = store.MempoolSpenders(ctx, model.NewOutpoint(Hash(6), 3))
	require.NoError(t, err)
	assert.Empty(t, spenders)

	// an edge may land before its transaction row and stays hidden until the row exists
	late := Hash(9)
	require.NoError(t, store.InsertMempoolInput(ctx, model.MempoolInput{SpendingTxID: late, Prev: prev}))

	spenders, err = store.MempoolSpenders(ctx, prev)
	require.NoError(t, err)
	assert.Len(t, spenders, 2)

	_, err = store.InsertMempoolTx(ctx, late, seen.Add(2*time.Second))
	require.NoError(t, err)

	spenders, err = store.MempoolSpenders(ctx, prev)
	require.NoError(t, err)
	require.Len(t, spenders, 3)
	assert.Equal(t, late, spenders[2].TxID)
}

func Watermark(t *testing.T, store ledger.Store) {
	ctx := context.Background()

	_, found, err := store.GetWatermark(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetWatermark(ctx, 100))
	require.NoError(t, store.SetWatermark(ctx, 101))

	height, found, err := store.GetWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint32(101), height)
}
