// Package indexer follows the node: it records mempool transactions as they appear and
// applies every block from the stored watermark to the tip, registering the maker
// announcements found on the way.
package indexer

import (
	"context"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/model"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/bsv-blockchain/tracker/util/supervisor"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jellydator/ttlcache/v3"
)

const (
	minAnnouncementOutputs = 2
	maxAnnouncementOutputs = 5
)

// Directory is what the indexer writes to.
type Directory interface {
	Add(ctx context.Context, address string, rec *model.ProviderRecord) error
	RecordMempoolTx(ctx context.Context, tx *model.Tx, seen time.Time) (bool, error)
	KnownMempoolTxs(ctx context.Context, txids []chainhash.Hash) (map[chainhash.Hash]bool, error)
	RecordBlock(ctx context.Context, height uint32, txs []*model.Tx) error
	Watermark(ctx context.Context) (uint32, bool, error)
}

type Indexer struct {
	logger    ulogger.Logger
	settings  *settings.Settings
	node      NodeClient
	directory Directory
	// seen holds mempool txids already recorded, so steady-state polls skip the directory.
	seen *ttlcache.Cache[chainhash.Hash, struct{}]
	now  func() time.Time
}

func New(logger ulogger.Logger, tSettings *settings.Settings, node NodeClient, directory Directory) *Indexer {
	initPrometheusMetrics()

	ttl := tSettings.Indexer.SeenCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Indexer{
		logger:    logger,
		settings:  tSettings,
		node:      node,
		directory: directory,
		seen:      ttlcache.New[chainhash.Hash, struct{}](ttlcache.WithTTL[chainhash.Hash, struct{}](ttl)),
		now:       time.Now,
	}
}

func (i *Indexer) Name() string {
	return "indexer"
}

// Run polls the node until ctx is done. Node failures end the run with an error so the
// supervisor restarts the indexer; directory failures are retried on the next poll.
func (i *Indexer) Run(ctx context.Context, reporter supervisor.Reporter) error {
	interval := i.settings.Indexer.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	i.logger.Infof("[Indexer] starting, polling every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := i.cycle(ctx)

		switch {
		case ctx.Err() != nil:
			i.logger.Infof("[Indexer] stopping")
			return nil
		case err == nil:
			reporter.Healthy()
		case errors.Is(err, errors.ErrRPC):
			i.logger.Errorf("[Indexer] node unavailable: %v", err)
			return err
		default:
			i.logger.Warnf("[Indexer] pass failed, retrying on next poll: %v", err)
		}

		select {
		case <-ctx.Done():
			i.logger.Infof("[Indexer] stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func (i *Indexer) cycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		prometheusIndexerCycle.Observe(time.Since(start).Seconds())
	}()

	if err := i.processMempool(ctx); err != nil {
		return err
	}

	return i.processBlocks(ctx)
}

func (i *Indexer) processMempool(ctx context.Context) error {
	txids, err := i.node.GetRawMempool(ctx)
	if err != nil {
		return err
	}

	i.seen.DeleteExpired()

	candidates := make([]chainhash.Hash, 0, len(txids))

	for _, txid := range txids {
		if !i.seen.Has(txid) {
			candidates = append(candidates, txid)
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	known, err := i.directory.KnownMempoolTxs(ctx, candidates)
	if err != nil {
		return err
	}

	recorded := 0

	for idx := range candidates {
		txid := candidates[idx]

		if known[txid] {
			i.seen.Set(txid, struct{}{}, ttlcache.DefaultTTL)
			continue
		}

		tx, err := i.node.GetRawTransaction(ctx, &txid)
		if err != nil {
			// the tx may have left the mempool between the listing and the fetch
			if ctx.Err() == nil {
				i.logger.Warnf("[Indexer] skipping mempool tx %s: %v", txid, err)
			}

			continue
		}

		isNew, err := i.directory.RecordMempoolTx(ctx, toModelTx(tx), i.now())
		if err != nil {
			return err
		}

		i.seen.Set(txid, struct{}{}, ttlcache.DefaultTTL)

		if isNew {
			recorded++
		}
	}

	if recorded > 0 {
		prometheusIndexerMempoolTxs.Add(float64(recorded))
		i.logger.Debugf("[Indexer] recorded %d new mempool transactions", recorded)
	}

	return nil
}

func (i *Indexer) processBlocks(ctx context.Context) error {
	tip, err := i.node.GetTipHeight(ctx)
	if err != nil {
		return err
	}

	prometheusIndexerTip.Set(float64(tip))

	next, ok, err := i.directory.Watermark(ctx)
	if err != nil {
		return err
	}

	if !ok {
		next = uint32(max(i.settings.Indexer.StartHeight, 0))
		i.logger.Infof("[Indexer] no watermark stored, starting at height %d", next)
	}

	for height := next; height <= tip; height++ {
		if err = i.processBlock(ctx, height); err != nil {
			return err
		}
	}

	return nil
}

func (i *Indexer) processBlock(ctx context.Context, height uint32) error {
	hash, err := i.node.GetBlockHash(ctx, height)
	if err != nil {
		return err
	}

	block, err := i.node.GetBlock(ctx, hash)
	if err != nil {
		return err
	}

	txs := make([]*model.Tx, 0, len(block.Transactions))

	for _, tx := range block.Transactions {
		if address, ok := i.announcement(tx); ok {
			if err = i.directory.Add(ctx, address, model.NewProviderRecord(address, i.now())); err != nil {
				return err
			}

			prometheusIndexerAnnouncements.Inc()
			i.logger.Infof("[Indexer] maker %s announced in tx %s at height %d", address, tx.TxHash(), height)
		}

		txs = append(txs, toModelTx(tx))
	}

	if err = i.directory.RecordBlock(ctx, height, txs); err != nil {
		return err
	}

	prometheusIndexerBlocks.Inc()
	i.logger.Debugf("[Indexer] indexed block %s at height %d (%d txs)", hash, height, len(txs))

	return nil
}

// announcement returns the first valid announced address in tx. Only transactions with a
// non-zero locktime and two to five outputs can carry one.
func (i *Indexer) announcement(tx *wire.MsgTx) (string, bool) {
	if tx.LockTime == 0 || len(tx.TxOut) < minAnnouncementOutputs || len(tx.TxOut) > maxAnnouncementOutputs {
		return "", false
	}

	for _, out := range tx.TxOut {
		address, ok := ExtractAnnouncement(out.PkScript)
		if !ok {
			continue
		}

		if ValidateAddress(address, i.settings.Indexer.RequireOnion) == nil {
			return address, true
		}
	}

	return "", false
}

func isCoinbaseInput(in *wire.TxIn) bool {
	return in.PreviousOutPoint.Index == wire.MaxPrevOutIndex && in.PreviousOutPoint.Hash == (chainhash.Hash{})
}

func toModelTx(tx *wire.MsgTx) *model.Tx {
	m := &model.Tx{
		TxID:    tx.TxHash(),
		Inputs:  make([]model.Outpoint, 0, len(tx.TxIn)),
		Outputs: make([]model.TxOutput, 0, len(tx.TxOut)),
	}

	for _, in := range tx.TxIn {
		if isCoinbaseInput(in) {
			continue
		}

		m.Inputs = append(m.Inputs, model.NewOutpoint(in.PreviousOutPoint.Hash, in.PreviousOutPoint.Index))
	}

	for _, out := range tx.TxOut {
		m.Outputs = append(m.Outputs, model.TxOutput{Value: out.Value, Script: out.PkScript})
	}

	return m
}
