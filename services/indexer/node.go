package indexer

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// NodeClient is the slice of the node's RPC interface the indexer needs.
// Every failure is reported as an errors.ErrRPC.
type NodeClient interface {
	GetTipHeight(ctx context.Context) (uint32, error)
	GetBlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error)
	GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetRawMempool(ctx context.Context) ([]chainhash.Hash, error)
	GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error)
}
