// Package memory is a map-backed ledger.Store for tests and throwaway runs.
package memory

import (
	"bytes"
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/model"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type Memory struct {
	logger    ulogger.Logger
	mu        sync.RWMutex
	servers   map[string]model.ProviderRecord
	utxos     map[model.Outpoint]*model.Utxo
	mempool   map[chainhash.Hash]time.Time
	edges     map[model.Outpoint]map[chainhash.Hash]struct{}
	watermark *uint32
}

func New(logger ulogger.Logger) *Memory {
	return &Memory{
		logger:  logger,
		servers: make(map[string]model.ProviderRecord),
		utxos:   make(map[model.Outpoint]*model.Utxo),
		mempool: make(map[chainhash.Hash]time.Time),
		edges:   make(map[model.Outpoint]map[chainhash.Hash]struct{}),
	}
}

func (m *Memory) Health(_ context.Context, _ bool) (int, string, error) {
	return http.StatusOK, "Memory Store available", nil
}

func (m *Memory) LoadServers(_ context.Context) ([]*model.ProviderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*model.ProviderRecord, 0, len(m.servers))
	for _, rec := range m.servers {
		r := rec
		records = append(records, &r)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Address < records[j].Address })

	return records, nil
}

func (m *Memory) UpsertServer(_ context.Context, rec *model.ProviderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.servers[rec.Address] = *rec

	return nil
}

func (m *Memory) UpsertUtxo(_ context.Context, utxo *model.Utxo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.utxos[utxo.Outpoint]
	if !ok {
		u := *utxo
		u.Spent, u.SpentBy, u.SpendConfirmed = false, nil, false
		u.Script = append([]byte(nil), utxo.Script...)
		m.utxos[utxo.Outpoint] = &u

		return nil
	}

	if utxo.Confirmed && !existing.Confirmed {
		existing.Confirmed = true
		existing.ConfirmedHeight = utxo.ConfirmedHeight
	}

	return nil
}

func (m *Memory) MarkSpent(_ context.Context, outpoint model.Outpoint, spentBy chainhash.Hash, confirmed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.utxos[outpoint]
	if !ok {
		return nil
	}

	if existing.SpendConfirmed && !confirmed {
		return nil
	}

	by := spentBy
	existing.Spent = true
	existing.SpentBy = &by

	if confirmed {
		existing.SpendConfirmed = true
	}

	return nil
}

func (m *Memory) GetUtxo(_ context.Context, outpoint model.Outpoint) (*model.Utxo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	existing, ok := m.utxos[outpoint]
	if !ok {
		return nil, errors.NewNotFoundError("utxo %s not found", outpoint)
	}

	u := *existing
	if existing.SpentBy != nil {
		by := *existing.SpentBy
		u.SpentBy = &by
	}

	return &u, nil
}

func (m *Memory) InsertMempoolTx(_ context.Context, txid chainhash.Hash, seen time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mempool[txid]; ok {
		return false, nil
	}

	m.mempool[txid] = seen

	return true, nil
}

func (m *Memory) MempoolTxExists(_ context.Context, txid chainhash.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.mempool[txid]

	return ok, nil
}

func (m *Memory) InsertMempoolInput(_ context.Context, edge model.MempoolInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	spenders, ok := m.edges[edge.Prev]
	if !ok {
		spenders = make(map[chainhash.Hash]struct{})
		m.edges[edge.Prev] = spenders
	}

	spenders[edge.SpendingTxID] = struct{}{}

	return nil
}

func (m *Memory) MempoolSpenders(_ context.Context, outpoint model.Outpoint) ([]model.MempoolTx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs := make([]model.MempoolTx, 0, len(m.edges[outpoint]))

	for txid := range m.edges[outpoint] {
		// an edge is only visible once its transaction row exists
		seen, ok := m.mempool[txid]
		if !ok {
			continue
		}

		txs = append(txs, model.MempoolTx{TxID: txid, FirstSeen: seen})
	}

	sort.Slice(txs, func(i, j int) bool {
		if txs[i].FirstSeen.Equal(txs[j].FirstSeen) {
			return bytes.Compare(txs[i].TxID[:], txs[j].TxID[:]) < 0
		}

		return txs[i].FirstSeen.Before(txs[j].FirstSeen)
	})

	return txs, nil
}

func (m *Memory) GetWatermark(_ context.Context) (uint32, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.watermark == nil {
		return 0, false, nil
	}

	return *m.watermark, true, nil
}

func (m *Memory) SetWatermark(_ context.Context, height uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := height
	m.watermark = &h

	return nil
}

func (m *Memory) Close() error {
	return nil
}
