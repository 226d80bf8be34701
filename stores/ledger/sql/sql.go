// Package sql provides the relational ledger.Store used in production.
// It supports PostgreSQL and SQLite (file or in-memory) with schema creation on start.
//
// # Database Schema
//
//   - servers: provider records keyed by rendezvous address
//   - utxos: output lifecycle rows keyed by (txid, vout)
//   - mempool_tx: transactions seen in the node mempool
//   - mempool_inputs: edges from a mempool transaction to the outpoints it spends
//   - indexer_state: the single-row block watermark
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/model"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/bsv-blockchain/tracker/util"
	"github.com/bsv-blockchain/tracker/util/usql"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Store struct {
	logger    ulogger.Logger
	db        *usql.DB
	engine    util.SQLEngine
	dbTimeout time.Duration
}

func New(_ context.Context, logger ulogger.Logger, tSettings *settings.Settings, storeURL *url.URL) (*Store, error) {
	initPrometheusMetrics()

	db, err := util.InitSQLDB(logger, storeURL, tSettings)
	if err != nil {
		return nil, errors.NewStorageError("failed to init sql db", err)
	}

	engine := util.SQLEngine(storeURL.Scheme)

	if err = createSchema(db, engine); err != nil {
		return nil, err
	}

	dbTimeout := tSettings.Directory.DBTimeout
	if dbTimeout <= 0 {
		dbTimeout = 5 * time.Second
	}

	return &Store{
		logger:    logger,
		db:        db,
		engine:    engine,
		dbTimeout: dbTimeout,
	}, nil
}

func (s *Store) Health(ctx context.Context, checkLiveness bool) (int, string, error) {
	details := fmt.Sprintf("SQL Engine is %s", s.engine)

	if checkLiveness {
		return http.StatusOK, details, nil
	}

	var num int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&num); err != nil {
		return http.StatusServiceUnavailable, details, err
	}

	return http.StatusOK, details, nil
}

func (s *Store) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.dbTimeout)
}

func (s *Store) fail(function string, err error, format string, args ...interface{}) error {
	wrapped := errors.NewStorageError(format, append(args, err)...)
	prometheusLedgerErrors.WithLabelValues(function, errors.GetErrorCategory(err)).Inc()

	return wrapped
}

func (s *Store) LoadServers(ctx context.Context) ([]*model.ProviderRecord, error) {
	prometheusLedgerOps.WithLabelValues("LoadServers").Inc()

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT address, last_seen, stale FROM servers ORDER BY address`)
	if err != nil {
		return nil, s.fail("LoadServers", err, "[LedgerSQL] failed to load servers")
	}
	defer rows.Close()

	records := make([]*model.ProviderRecord, 0)

	for rows.Next() {
		var (
			rec      model.ProviderRecord
			lastSeen int64
		)

		if err = rows.Scan(&rec.Address, &lastSeen, &rec.Stale); err != nil {
			return nil, s.fail("LoadServers", err, "[LedgerSQL] failed to scan server")
		}

		rec.LastSeen = time.Unix(0, lastSeen)
		records = append(records, &rec)
	}

	if err = rows.Err(); err != nil {
		return nil, s.fail("LoadServers", err, "[LedgerSQL] failed to iterate servers")
	}

	return records, nil
}

func (s *Store) UpsertServer(ctx context.Context, rec *model.ProviderRecord) error {
	prometheusLedgerOps.WithLabelValues("UpsertServer").Inc()

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	q := `
		INSERT INTO servers (address, last_seen, stale) VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET last_seen = excluded.last_seen, stale = excluded.stale
	`

	if _, err := s.db.ExecContext(ctx, q, rec.Address, rec.LastSeen.UnixNano(), rec.Stale); err != nil {
		return s.fail("UpsertServer", err, "[LedgerSQL] failed to upsert server %s", rec.Address)
	}

	return nil
}

func (s *Store) UpsertUtxo(ctx context.Context, utxo *model.Utxo) error {
	prometheusLedgerOps.WithLabelValues("UpsertUtxo").Inc()

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	var height interface{}
	if utxo.Confirmed {
		height = int64(utxo.ConfirmedHeight)
	}

	script := utxo.Script
	if script == nil {
		script = []byte{}
	}

	// confirmation is monotone: only an unconfirmed row is ever touched on conflict
	q := `
		INSERT INTO utxos (txid, vout, value, script, confirmed, confirmed_height)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (txid, vout) DO UPDATE SET confirmed = TRUE, confirmed_height = excluded.confirmed_height
		WHERE utxos.confirmed = FALSE AND excluded.confirmed = TRUE
	`

	_, err := s.db.ExecContext(ctx, q, utxo.Outpoint.TxID[:], int64(utxo.Outpoint.Vout), utxo.Value, script, utxo.Confirmed, height)
	if err != nil {
		return s.fail("UpsertUtxo", err, "[LedgerSQL] failed to upsert utxo %s", utxo.Outpoint)
	}

	return nil
}

func (s *Store) MarkSpent(ctx context.Context, outpoint model.Outpoint, spentBy chainhash.Hash, confirmed bool) error {
	prometheusLedgerOps.WithLabelValues("MarkSpent").Inc()

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	var q string
	if confirmed {
		q = `UPDATE utxos SET spent = TRUE, spent_by = $3, spend_confirmed = TRUE WHERE txid = $1 AND vout = $2`
	} else {
		q = `UPDATE utxos SET spent = TRUE, spent_by = $3 WHERE txid = $1 AND vout = $2 AND spend_confirmed = FALSE`
	}

	if _, err := s.db.ExecContext(ctx, q, outpoint.TxID[:], int64(outpoint.Vout), spentBy[:]); err != nil {
		return s.fail("MarkSpent", err, "[LedgerSQL] failed to mark %s spent", outpoint)
	}

	return nil
}

func (s *Store) GetUtxo(ctx context.Context, outpoint model.Outpoint) (*model.Utxo, error) {
	prometheusLedgerOps.WithLabelValues("GetUtxo").Inc()

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	q := `
		SELECT value, script, confirmed, confirmed_height, spent, spent_by, spend_confirmed
		FROM utxos WHERE txid = $1 AND vout = $2
	`

	var (
		utxo    = &model.Utxo{Outpoint: outpoint}
		height  sql.NullInt64
		spentBy []byte
	)

	err := s.db.QueryRowContext(ctx, q, outpoint.TxID[:], int64(outpoint.Vout)).
		Scan(&utxo.Value, &utxo.Script, &utxo.Confirmed, &height, &utxo.Spent, &spentBy, &utxo.SpendConfirmed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("utxo %s not found", outpoint)
		}

		return nil, s.fail("GetUtxo", err, "[LedgerSQL] failed to get utxo %s", outpoint)
	}

	if height.Valid {
		utxo.ConfirmedHeight = uint32(height.Int64) //nolint:gosec // heights fit in uint32
	}

	if len(spentBy) == chainhash.HashSize {
		by, _ := chainhash.NewHash(spentBy)
		utxo.SpentBy = by
	}

	return utxo, nil
}

func (s *Store) InsertMempoolTx(ctx context.Context, txid chainhash.Hash, seen time.Time) (bool, error) {
	prometheusLedgerOps.WithLabelValues("InsertMempoolTx").Inc()

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	q := `INSERT INTO mempool_tx (txid, first_seen) VALUES ($1, $2) ON CONFLICT (txid) DO NOTHING`

	res, err := s.db.ExecContext(ctx, q, txid[:], seen.UnixNano())
	if err != nil {
		// another process sharing the database may have won the race
		if isUniqueViolation(err) {
			return false, nil
		}

		return false, s.fail("InsertMempoolTx", err, "[LedgerSQL] failed to insert mempool tx %s", txid)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("InsertMempoolTx", err, "[LedgerSQL] failed to read rows affected for %s", txid)
	}

	return n > 0, nil
}

func (s *Store) MempoolTxExists(ctx context.Context, txid chainhash.Hash) (bool, error) {
	prometheusLedgerOps.WithLabelValues("MempoolTxExists").Inc()

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	var n int

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mempool_tx WHERE txid = $1`, txid[:]).Scan(&n)
	if err != nil {
		return false, s.fail("MempoolTxExists", err, "[LedgerSQL] failed to look up mempool tx %s", txid)
	}

	return n > 0, nil
}

func (s *Store) InsertMempoolInput(ctx context.Context, edge model.MempoolInput) error {
	prometheusLedgerOps.WithLabelValues("InsertMempoolInput").Inc()

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	q := `
		INSERT INTO mempool_inputs (spending_txid, prev_txid, prev_vout) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, q, edge.SpendingTxID[:], edge.Prev.TxID[:], int64(edge.Prev.Vout)); err != nil {
		return s.fail("InsertMempoolInput", err, "[LedgerSQL] failed to insert mempool input %s -> %s", edge.SpendingTxID, edge.Prev)
	}

	return nil
}

func (s *Store) MempoolSpenders(ctx context.Context, outpoint model.Outpoint) ([]model.MempoolTx, error) {
	prometheusLedgerOps.WithLabelValues("MempoolSpenders").Inc()

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	q := `
		SELECT m.txid, m.first_seen
		FROM mempool_inputs i
		JOIN mempool_tx m ON m.txid = i.spending_txid
		WHERE i.prev_txid = $1 AND i.prev_vout = $2
		ORDER BY m.first_seen, m.txid
	`

	rows, err := s.db.QueryContext(ctx, q, outpoint.TxID[:], int64(outpoint.Vout))
	if err != nil {
		return nil, s.fail("MempoolSpenders", err, "[LedgerSQL] failed to query spenders of %s", outpoint)
	}
	defer rows.Close()

	txs := make([]model.MempoolTx, 0)

	for rows.Next() {
		var (
			txid []byte
			seen int64
		)

		if err = rows.Scan(&txid, &seen); err != nil {
			return nil, s.fail("MempoolSpenders", err, "[LedgerSQL] failed to scan spender of %s", outpoint)
		}

		hash, err := chainhash.NewHash(txid)
		if err != nil {
			return nil, s.fail("MempoolSpenders", err, "[LedgerSQL] corrupt spender txid for %s", outpoint)
		}

		txs = append(txs, model.MempoolTx{TxID: *hash, FirstSeen: time.Unix(0, seen)})
	}

	if err = rows.Err(); err != nil {
		return nil, s.fail("MempoolSpenders", err, "[LedgerSQL] failed to iterate spenders of %s", outpoint)
	}

	return txs, nil
}

func (s *Store) GetWatermark(ctx context.Context) (uint32, bool, error) {
	prometheusLedgerOps.WithLabelValues("GetWatermark").Inc()

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	var watermark int64

	err := s.db.QueryRowContext(ctx, `SELECT watermark FROM indexer_state WHERE id = 1`).Scan(&watermark)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}

		return 0, false, s.fail("GetWatermark", err, "[LedgerSQL] failed to read watermark")
	}

	return uint32(watermark), true, nil //nolint:gosec // stored from a uint32
}

func (s *Store) SetWatermark(ctx context.Context, height uint32) error {
	prometheusLedgerOps.WithLabelValues("SetWatermark").Inc()

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	q := `
		INSERT INTO indexer_state (id, watermark) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET watermark = excluded.watermark
	`

	if _, err := s.db.ExecContext(ctx, q, int64(height)); err != nil {
		return s.fail("SetWatermark", err, "[LedgerSQL] failed to set watermark %d", height)
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	return false
}
