// Package directory is the single writer of tracker state: the provider directory and,
// through the ledger store, the utxo and mempool tables. Callers talk to it only through
// a Client posting requests into a Mailbox; one request is processed at a time.
package directory

import (
	"context"
	"sort"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/model"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/stores/ledger"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/bsv-blockchain/tracker/util/supervisor"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Server is one directory instance. It is not safe for concurrent use; Start is its
// only goroutine.
type Server struct {
	logger    ulogger.Logger
	settings  *settings.Settings
	store     ledger.Store
	records   map[string]*model.ProviderRecord
	dbTimeout time.Duration
}

func New(logger ulogger.Logger, tSettings *settings.Settings, store ledger.Store) *Server {
	initPrometheusMetrics()

	dbTimeout := tSettings.Directory.DBTimeout
	if dbTimeout <= 0 {
		dbTimeout = 5 * time.Second
	}

	return &Server{
		logger:    logger,
		settings:  tSettings,
		store:     store,
		records:   make(map[string]*model.ProviderRecord),
		dbTimeout: dbTimeout,
	}
}

// Start loads the persisted directory and serves mailbox until ctx is done. Any other
// exit, including a panic or the mailbox being closed underneath it, is reported as
// fatal. The mailbox is always closed on return so pending callers fail fast.
func (s *Server) Start(ctx context.Context, mailbox *Mailbox, reporter supervisor.Reporter) (err error) {
	defer mailbox.Close()

	defer func() {
		if r := recover(); r != nil {
			err = errors.NewProcessingError("[Directory] panic while serving: %v", r)
		}

		if err != nil {
			s.logger.Errorf("[Directory] stopped: %v", err)
			reporter.Fatal(err)
		}
	}()

	if err = s.load(ctx); err != nil {
		return err
	}

	s.logger.Infof("[Directory] serving %d provider records", len(s.records))
	reporter.Healthy()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("[Directory] shutting down")
			return nil

		case <-mailbox.Done():
			return errors.NewMailboxClosedError("[Directory] mailbox closed while serving")

		case req := <-mailbox.requests:
			s.handle(ctx, req)
		}
	}
}

func (s *Server) handle(ctx context.Context, req request) {
	reqCtx, cancel := context.WithTimeout(ctx, s.dbTimeout)
	defer cancel()

	req.handle(reqCtx, s)
}

func (s *Server) load(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, s.dbTimeout)
	defer cancel()

	recs, err := s.store.LoadServers(loadCtx)
	if err != nil {
		return errors.NewStorageError("[Directory] failed to load provider records", err)
	}

	for _, rec := range recs {
		s.records[rec.Address] = rec
	}

	s.refreshGauges()

	return nil
}

func (s *Server) refreshGauges() {
	active := 0

	for _, rec := range s.records {
		if !rec.Stale {
			active++
		}
	}

	prometheusDirectoryRecords.Set(float64(len(s.records)))
	prometheusDirectoryActive.Set(float64(active))
}

// add inserts or overwrites the record for address.
func (s *Server) add(ctx context.Context, address string, rec *model.ProviderRecord) error {
	if address == "" || rec == nil {
		return errors.NewInvalidArgumentError("[Directory] add needs an address and a record")
	}

	next := rec.Clone()
	next.Address = address

	if err := s.store.UpsertServer(ctx, next); err != nil {
		return errors.NewStorageError("[Directory][%s] failed to persist record", address, err)
	}

	_, existed := s.records[address]
	s.records[address] = next
	s.refreshGauges()

	if existed {
		s.logger.Debugf("[Directory][%s] record replaced", address)
	} else {
		s.logger.Infof("[Directory][%s] new provider", address)
	}

	return nil
}

func (s *Server) get(address string) *model.ProviderRecord {
	return s.records[address].Clone()
}

func (s *Server) snapshot() []*model.ProviderRecord {
	out := make([]*model.ProviderRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	return out
}

func (s *Server) active() []string {
	out := make([]string, 0, len(s.records))

	for address, rec := range s.records {
		if !rec.Stale {
			out = append(out, address)
		}
	}

	sort.Strings(out)

	return out
}

// update applies a field change to an existing record. An unknown address is a no-op
// and reports false.
func (s *Server) update(ctx context.Context, address string, update model.RecordUpdate) (bool, error) {
	current, ok := s.records[address]
	if !ok {
		s.logger.Debugf("[Directory][%s] ignoring %s for unknown provider", address, update.Kind)
		return false, nil
	}

	next := current.Clone()
	if !update.Apply(next) {
		return false, errors.NewInvalidArgumentError("[Directory][%s] unknown update kind %d", address, update.Kind)
	}

	if err := s.store.UpsertServer(ctx, next); err != nil {
		return false, errors.NewStorageError("[Directory][%s] failed to persist %s", address, update.Kind, err)
	}

	if next.Stale != current.Stale {
		s.logger.Infof("[Directory][%s] stale=%t", address, next.Stale)
	}

	s.records[address] = next
	s.refreshGauges()

	return true, nil
}

func (s *Server) watchUtxo(ctx context.Context, outpoint model.Outpoint) ([]model.MempoolTx, error) {
	spenders, err := s.store.MempoolSpenders(ctx, outpoint)
	if err != nil {
		return nil, errors.NewStorageError("[Directory][%s] failed to load mempool spenders", outpoint, err)
	}

	if spenders == nil {
		spenders = []model.MempoolTx{}
	}

	return spenders, nil
}

func (s *Server) spendStatus(ctx context.Context, outpoint model.Outpoint) (*model.SpendStatus, error) {
	status := &model.SpendStatus{Outpoint: outpoint}

	utxo, err := s.store.GetUtxo(ctx, outpoint)

	switch {
	case err == nil:
		status.Known = true
		status.Confirmed = utxo.Confirmed
		status.Spent = utxo.Spent
		status.SpendConfirmed = utxo.SpendConfirmed
		status.SpentBy = utxo.SpentBy
	case errors.Is(err, errors.ErrNotFound):
	default:
		return nil, errors.NewStorageError("[Directory][%s] failed to load utxo", outpoint, err)
	}

	if status.MempoolSpends, err = s.watchUtxo(ctx, outpoint); err != nil {
		return nil, err
	}

	return status, nil
}

// recordMempoolTx stores a mempool transaction seen for the first time, its input edges
// and its outputs as unconfirmed rows. The transaction row is written last, so a failure
// part way leaves it unknown and the next poll records it again. It reports false if the
// transaction was known.
func (s *Server) recordMempoolTx(ctx context.Context, tx *model.Tx, seen time.Time) (bool, error) {
	exists, err := s.store.MempoolTxExists(ctx, tx.TxID)
	if err != nil {
		return false, errors.NewStorageError("[Directory][%s] failed to look up mempool tx", tx.TxID, err)
	}

	if exists {
		return false, nil
	}

	for _, prev := range tx.Inputs {
		if err = s.store.InsertMempoolInput(ctx, model.MempoolInput{SpendingTxID: tx.TxID, Prev: prev}); err != nil {
			return false, errors.NewStorageError("[Directory][%s] failed to record input %s", tx.TxID, prev, err)
		}

		if err = s.store.MarkSpent(ctx, prev, tx.TxID, false); err != nil {
			return false, errors.NewStorageError("[Directory][%s] failed to mark %s spent", tx.TxID, prev, err)
		}
	}

	if err = s.upsertOutputs(ctx, tx, false, 0); err != nil {
		return false, err
	}

	inserted, err := s.store.InsertMempoolTx(ctx, tx.TxID, seen)
	if err != nil {
		return false, errors.NewStorageError("[Directory][%s] failed to record mempool tx", tx.TxID, err)
	}

	return inserted, nil
}

func (s *Server) knownMempoolTxs(ctx context.Context, txids []chainhash.Hash) (map[chainhash.Hash]bool, error) {
	known := make(map[chainhash.Hash]bool, len(txids))

	for _, txid := range txids {
		exists, err := s.store.MempoolTxExists(ctx, txid)
		if err != nil {
			return nil, errors.NewStorageError("[Directory][%s] failed to look up mempool tx", txid, err)
		}

		if exists {
			known[txid] = true
		}
	}

	return known, nil
}

// recordBlock applies a fully fetched block in transaction order and then moves the
// watermark past it.
func (s *Server) recordBlock(ctx context.Context, height uint32, txs []*model.Tx) error {
	for _, tx := range txs {
		for _, prev := range tx.Inputs {
			if err := s.store.MarkSpent(ctx, prev, tx.TxID, true); err != nil {
				return errors.NewStorageError("[Directory][%d] failed to mark %s spent by %s", height, prev, tx.TxID, err)
			}
		}

		if err := s.upsertOutputs(ctx, tx, true, height); err != nil {
			return err
		}
	}

	return s.setWatermark(ctx, height+1)
}

func (s *Server) upsertOutputs(ctx context.Context, tx *model.Tx, confirmed bool, height uint32) error {
	for vout, out := range tx.Outputs {
		utxo := &model.Utxo{
			Outpoint:  model.NewOutpoint(tx.TxID, uint32(vout)),
			Value:     out.Value,
			Script:    out.Script,
			Confirmed: confirmed,
		}

		if confirmed {
			utxo.ConfirmedHeight = height
		}

		if err := s.store.UpsertUtxo(ctx, utxo); err != nil {
			return errors.NewStorageError("[Directory][%s] failed to store output %d", tx.TxID, vout, err)
		}

		if err := s.applyMempoolSpend(ctx, utxo.Outpoint); err != nil {
			return err
		}
	}

	return nil
}

// applyMempoolSpend marks outpoint spent by its oldest mempool spender when the spender
// was recorded before the row existed. A row already marked spent is left alone.
func (s *Server) applyMempoolSpend(ctx context.Context, outpoint model.Outpoint) error {
	spenders, err := s.store.MempoolSpenders(ctx, outpoint)
	if err != nil {
		return errors.NewStorageError("[Directory][%s] failed to load mempool spenders", outpoint, err)
	}

	if len(spenders) == 0 {
		return nil
	}

	utxo, err := s.store.GetUtxo(ctx, outpoint)
	if err != nil {
		return errors.NewStorageError("[Directory][%s] failed to load utxo", outpoint, err)
	}

	if utxo.Spent {
		return nil
	}

	if err = s.store.MarkSpent(ctx, outpoint, spenders[0].TxID, false); err != nil {
		return errors.NewStorageError("[Directory][%s] failed to mark spent by %s", outpoint, spenders[0].TxID, err)
	}

	return nil
}

func (s *Server) setWatermark(ctx context.Context, height uint32) error {
	if err := s.store.SetWatermark(ctx, height); err != nil {
		return errors.NewStorageError("[Directory] failed to store watermark %d", height, err)
	}

	prometheusDirectoryWatermark.Set(float64(height))

	return nil
}
