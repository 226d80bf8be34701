package indexer

import (
	"bytes"
	"context"
	"encoding/hex"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	jsoniter "github.com/json-iterator/go"
	"github.com/ordishs/go-bitcoin"
)

// rpcNode talks to a bitcoind compatible node over JSON-RPC.
type rpcNode struct {
	logger ulogger.Logger
	client *bitcoin.Bitcoind
}

func NewRPCNode(logger ulogger.Logger, tSettings *settings.Settings) (NodeClient, error) {
	if tSettings.Node.RPCURL == nil {
		return nil, errors.NewConfigurationError("[Indexer] node_rpcURL is not set")
	}

	client, err := bitcoin.NewFromURL(tSettings.Node.RPCURL, tSettings.Node.UseSSL)
	if err != nil {
		return nil, errors.NewConfigurationError("[Indexer] could not create rpc client for %s", tSettings.Node.RPCURL.Host, err)
	}

	logger.Infof("[Indexer] using node rpc at %s", tSettings.Node.RPCURL.Host)

	return &rpcNode{logger: logger, client: client}, nil
}

func (n *rpcNode) GetTipHeight(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.NewContextCanceledError("[Indexer] getblockchaininfo cancelled", err)
	}

	info, err := n.client.GetBlockchainInfo()
	if err != nil {
		return 0, errors.NewRPCError("[Indexer] getblockchaininfo failed", err)
	}

	return uint32(info.Blocks), nil
}

func (n *rpcNode) GetBlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewContextCanceledError("[Indexer] getblockhash cancelled", err)
	}

	hashStr, err := n.client.GetBlockHash(int(height))
	if err != nil {
		return nil, errors.NewRPCError("[Indexer] getblockhash %d failed", height, err)
	}

	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return nil, errors.NewRPCError("[Indexer] getblockhash %d returned %q", height, hashStr, err)
	}

	return hash, nil
}

func (n *rpcNode) GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewContextCanceledError("[Indexer] getblock cancelled", err)
	}

	raw, err := n.client.GetRawBlock(hash.String())
	if err != nil {
		return nil, errors.NewRPCError("[Indexer] getblock %s failed", hash, err)
	}

	block := &wire.MsgBlock{}
	if err = block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.NewRPCError("[Indexer] could not decode block %s", hash, err)
	}

	return block, nil
}

func (n *rpcNode) GetRawMempool(ctx context.Context) ([]chainhash.Hash, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewContextCanceledError("[Indexer] getrawmempool cancelled", err)
	}

	raw, err := n.client.GetRawMempool(false)
	if err != nil {
		return nil, errors.NewRPCError("[Indexer] getrawmempool failed", err)
	}

	var txids []string
	if err = jsoniter.Unmarshal(raw, &txids); err != nil {
		return nil, errors.NewRPCError("[Indexer] could not decode mempool listing", err)
	}

	hashes := make([]chainhash.Hash, 0, len(txids))

	for _, txid := range txids {
		hash, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			return nil, errors.NewRPCError("[Indexer] mempool listing contains %q", txid, err)
		}

		hashes = append(hashes, *hash)
	}

	return hashes, nil
}

func (n *rpcNode) GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewContextCanceledError("[Indexer] getrawtransaction cancelled", err)
	}

	txHex, err := n.client.GetRawTransactionHex(txid.String())
	if err != nil {
		return nil, errors.NewRPCError("[Indexer] getrawtransaction %s failed", txid, err)
	}

	if txHex == nil {
		return nil, errors.NewRPCError("[Indexer] getrawtransaction %s returned nothing", txid)
	}

	raw, err := hex.DecodeString(*txHex)
	if err != nil {
		return nil, errors.NewRPCError("[Indexer] transaction %s is not hex", txid, err)
	}

	tx := &wire.MsgTx{}
	if err = tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.NewRPCError("[Indexer] could not decode transaction %s", txid, err)
	}

	return tx, nil
}
