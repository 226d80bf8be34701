package directory

import (
	"context"
	"time"

	"github.com/bsv-blockchain/tracker/model"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// request is one mailbox entry. The set is closed: only this package builds requests.
type request interface {
	kind() string
	handle(ctx context.Context, s *Server)
}

type result[T any] struct {
	value T
	err   error
}

// op is a request answered on a one-slot reply channel, so the actor never blocks on a
// caller that gave up.
type op[T any] struct {
	name  string
	run   func(ctx context.Context, s *Server) (T, error)
	reply chan result[T]
}

func newOp[T any](name string, run func(ctx context.Context, s *Server) (T, error)) *op[T] {
	return &op[T]{
		name:  name,
		run:   run,
		reply: make(chan result[T], 1),
	}
}

func (o *op[T]) kind() string {
	return o.name
}

func (o *op[T]) handle(ctx context.Context, s *Server) {
	start := time.Now()

	v, err := o.run(ctx, s)

	prometheusDirectoryRequests.WithLabelValues(o.name).Observe(time.Since(start).Seconds())

	if err != nil {
		prometheusDirectoryErrors.WithLabelValues(o.name).Inc()
	}

	o.reply <- result[T]{value: v, err: err}
}

const (
	reqAdd             = "add"
	reqGet             = "get"
	reqSnapshot        = "snapshot"
	reqActive          = "active"
	reqUpdate          = "update"
	reqWatchUtxo       = "watch_utxo"
	reqSpendStatus     = "spend_status"
	reqRecordMempoolTx = "record_mempool_tx"
	reqKnownMempoolTxs = "known_mempool_txs"
	reqRecordBlock     = "record_block"
	reqWatermark       = "watermark"
	reqSetWatermark    = "set_watermark"
)

func addOp(address string, rec *model.ProviderRecord) *op[struct{}] {
	return newOp(reqAdd, func(ctx context.Context, s *Server) (struct{}, error) {
		return struct{}{}, s.add(ctx, address, rec)
	})
}

func getOp(address string) *op[*model.ProviderRecord] {
	return newOp(reqGet, func(_ context.Context, s *Server) (*model.ProviderRecord, error) {
		return s.get(address), nil
	})
}

func snapshotOp() *op[[]*model.ProviderRecord] {
	return newOp(reqSnapshot, func(_ context.Context, s *Server) ([]*model.ProviderRecord, error) {
		return s.snapshot(), nil
	})
}

func activeOp() *op[[]string] {
	return newOp(reqActive, func(_ context.Context, s *Server) ([]string, error) {
		return s.active(), nil
	})
}

func updateOp(address string, update model.RecordUpdate) *op[bool] {
	return newOp(reqUpdate, func(ctx context.Context, s *Server) (bool, error) {
		return s.update(ctx, address, update)
	})
}

func watchUtxoOp(outpoint model.Outpoint) *op[[]model.MempoolTx] {
	return newOp(reqWatchUtxo, func(ctx context.Context, s *Server) ([]model.MempoolTx, error) {
		return s.watchUtxo(ctx, outpoint)
	})
}

func spendStatusOp(outpoint model.Outpoint) *op[*model.SpendStatus] {
	return newOp(reqSpendStatus, func(ctx context.Context, s *Server) (*model.SpendStatus, error) {
		return s.spendStatus(ctx, outpoint)
	})
}

func recordMempoolTxOp(tx *model.Tx, seen time.Time) *op[bool] {
	return newOp(reqRecordMempoolTx, func(ctx context.Context, s *Server) (bool, error) {
		return s.recordMempoolTx(ctx, tx, seen)
	})
}

func knownMempoolTxsOp(txids []chainhash.Hash) *op[map[chainhash.Hash]bool] {
	return newOp(reqKnownMempoolTxs, func(ctx context.Context, s *Server) (map[chainhash.Hash]bool, error) {
		return s.knownMempoolTxs(ctx, txids)
	})
}

func recordBlockOp(height uint32, txs []*model.Tx) *op[struct{}] {
	return newOp(reqRecordBlock, func(ctx context.Context, s *Server) (struct{}, error) {
		return struct{}{}, s.recordBlock(ctx, height, txs)
	})
}

type watermark struct {
	height uint32
	ok     bool
}

func watermarkOp() *op[watermark] {
	return newOp(reqWatermark, func(ctx context.Context, s *Server) (watermark, error) {
		h, ok, err := s.store.GetWatermark(ctx)
		return watermark{height: h, ok: ok}, err
	})
}

func setWatermarkOp(height uint32) *op[struct{}] {
	return newOp(reqSetWatermark, func(ctx context.Context, s *Server) (struct{}, error) {
		return struct{}{}, s.setWatermark(ctx, height)
	})
}
