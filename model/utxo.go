package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Outpoint identifies a transaction output.
type Outpoint struct {
	TxID chainhash.Hash
	Vout uint32
}

func NewOutpoint(txid chainhash.Hash, vout uint32) Outpoint {
	return Outpoint{TxID: txid, Vout: vout}
}

// ParseOutpoint parses the "txid:vout" form, txid in the usual byte-reversed hex.
func ParseOutpoint(s string) (Outpoint, error) {
	txidStr, voutStr, ok := strings.Cut(s, ":")
	if !ok {
		return Outpoint{}, errors.NewInvalidArgumentError("outpoint %q must be txid:vout", s)
	}

	hash, err := chainhash.NewHashFromStr(txidStr)
	if err != nil || len(txidStr) != chainhash.MaxHashStringSize {
		return Outpoint{}, errors.NewInvalidArgumentError("outpoint %q has an invalid txid", s)
	}

	vout, err := strconv.ParseUint(voutStr, 10, 32)
	if err != nil {
		return Outpoint{}, errors.NewInvalidArgumentError("outpoint %q has an invalid vout", s, err)
	}

	return Outpoint{TxID: *hash, Vout: uint32(vout)}, nil
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.String(), o.Vout)
}

// Utxo is the lifecycle row for one output seen in the mempool or a block.
// Confirmed and Spent only ever move from false to true.
type Utxo struct {
	Outpoint        Outpoint
	Value           int64
	Script          []byte
	Confirmed       bool
	ConfirmedHeight uint32
	Spent           bool
	SpentBy         *chainhash.Hash
	SpendConfirmed  bool
}

// MempoolTx is a transaction first observed in the node's mempool.
type MempoolTx struct {
	TxID      chainhash.Hash
	FirstSeen time.Time
}

// MempoolInput is the edge from a mempool transaction to an outpoint it spends.
type MempoolInput struct {
	SpendingTxID chainhash.Hash
	Prev         Outpoint
}

// TxOutput is an output as seen by the indexer.
type TxOutput struct {
	Value  int64
	Script []byte
}

// Tx is the slice of a transaction the ledger needs: its id, spent outpoints and outputs.
type Tx struct {
	TxID    chainhash.Hash
	Inputs  []Outpoint
	Outputs []TxOutput
}

// SpendStatus is the answer to a watch request: the ledger's view of an outpoint
// plus every mempool transaction spending it.
type SpendStatus struct {
	Outpoint       Outpoint
	Known          bool
	Confirmed      bool
	Spent          bool
	SpendConfirmed bool
	SpentBy        *chainhash.Hash
	MempoolSpends  []MempoolTx
}
