// Package ledger defines the persistence behind the directory: provider records,
// the utxo lifecycle tables, the mempool tables and the indexer watermark.
//
// Implementations are not required to be safe for concurrent writers; the
// directory service is their only writer.
package ledger

import (
	"context"
	"time"

	"github.com/bsv-blockchain/tracker/model"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type Store interface {
	Health(ctx context.Context, checkLiveness bool) (int, string, error)

	// LoadServers returns every persisted provider record.
	LoadServers(ctx context.Context) ([]*model.ProviderRecord, error)
	// UpsertServer inserts or overwrites the record keyed by its address.
	UpsertServer(ctx context.Context, rec *model.ProviderRecord) error

	// UpsertUtxo inserts the row if absent. An existing unconfirmed row is upgraded
	// when utxo.Confirmed is set; nothing is ever downgraded and spend fields are untouched.
	UpsertUtxo(ctx context.Context, utxo *model.Utxo) error
	// MarkSpent flags an existing row spent by spentBy. A confirmed spend also sets
	// SpendConfirmed; an unconfirmed spend never overrides a confirmed one.
	// Unknown outpoints are ignored.
	MarkSpent(ctx context.Context, outpoint model.Outpoint, spentBy chainhash.Hash, confirmed bool) error
	// GetUtxo returns errors.ErrNotFound for an unknown outpoint.
	GetUtxo(ctx context.Context, outpoint model.Outpoint) (*model.Utxo, error)

	// InsertMempoolTx reports false if txid was already recorded.
	InsertMempoolTx(ctx context.Context, txid chainhash.Hash, seen time.Time) (bool, error)
	MempoolTxExists(ctx context.Context, txid chainhash.Hash) (bool, error)
	// InsertMempoolInput may run before the spending transaction's row is inserted.
	InsertMempoolInput(ctx context.Context, edge model.MempoolInput) error
	// MempoolSpenders returns the mempool transactions with an input edge to outpoint, oldest first.
	// Edges whose transaction row is missing are not returned.
	MempoolSpenders(ctx context.Context, outpoint model.Outpoint) ([]model.MempoolTx, error)

	// GetWatermark returns the next block height to index, and false if none was saved yet.
	GetWatermark(ctx context.Context) (uint32, bool, error)
	SetWatermark(ctx context.Context, height uint32) error

	Close() error
}
