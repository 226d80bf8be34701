package directory

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/model"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Client is the handle every other subsystem holds. When the directory is restarted the
// supervisor rebinds the client to the new mailbox, so holders never see the swap.
// Requests in flight on the old mailbox fail with errors.ErrMailboxClosed.
type Client struct {
	mailbox atomic.Pointer[Mailbox]
}

func NewClient(mailbox *Mailbox) *Client {
	c := &Client{}
	c.mailbox.Store(mailbox)

	return c
}

// Rebind points the client at mailbox and returns the previous one.
func (c *Client) Rebind(mailbox *Mailbox) *Mailbox {
	return c.mailbox.Swap(mailbox)
}

func call[T any](ctx context.Context, c *Client, o *op[T]) (T, error) {
	var zero T

	mb := c.mailbox.Load()
	if mb == nil {
		return zero, errors.NewServiceNotStartedError("[Directory] client is not bound to a mailbox")
	}

	if err := mb.send(ctx, o); err != nil {
		return zero, err
	}

	select {
	case r := <-o.reply:
		return r.value, r.err
	case <-mb.Done():
		// the instance may have answered just before exiting
		select {
		case r := <-o.reply:
			return r.value, r.err
		default:
		}

		return zero, errors.NewMailboxClosedError("[Directory] %s abandoned by a stopped directory", o.kind())
	case <-ctx.Done():
		return zero, errors.NewContextCanceledError("[Directory] %s cancelled", o.kind(), ctx.Err())
	}
}

// Add inserts or overwrites the record for address.
func (c *Client) Add(ctx context.Context, address string, rec *model.ProviderRecord) error {
	_, err := call(ctx, c, addOp(address, rec))
	return err
}

// Get returns a copy of the record for address, or nil if there is none.
func (c *Client) Get(ctx context.Context, address string) (*model.ProviderRecord, error) {
	return call(ctx, c, getOp(address))
}

// Snapshot returns copies of every record, ordered by address.
func (c *Client) Snapshot(ctx context.Context) ([]*model.ProviderRecord, error) {
	return call(ctx, c, snapshotOp())
}

// Active returns the addresses of every non-stale record, ordered.
func (c *Client) Active(ctx context.Context) ([]string, error) {
	return call(ctx, c, activeOp())
}

// Update changes an existing record. It reports false, without error, if address is unknown.
func (c *Client) Update(ctx context.Context, address string, update model.RecordUpdate) (bool, error) {
	return call(ctx, c, updateOp(address, update))
}

// WatchUtxo returns the mempool transactions spending outpoint, oldest first.
func (c *Client) WatchUtxo(ctx context.Context, outpoint model.Outpoint) ([]model.MempoolTx, error) {
	return call(ctx, c, watchUtxoOp(outpoint))
}

// SpendStatus combines the ledger row for outpoint with its mempool spenders.
func (c *Client) SpendStatus(ctx context.Context, outpoint model.Outpoint) (*model.SpendStatus, error) {
	return call(ctx, c, spendStatusOp(outpoint))
}

// RecordMempoolTx reports false if tx had already been recorded.
func (c *Client) RecordMempoolTx(ctx context.Context, tx *model.Tx, seen time.Time) (bool, error) {
	return call(ctx, c, recordMempoolTxOp(tx, seen))
}

// KnownMempoolTxs returns the subset of txids already recorded.
func (c *Client) KnownMempoolTxs(ctx context.Context, txids []chainhash.Hash) (map[chainhash.Hash]bool, error) {
	return call(ctx, c, knownMempoolTxsOp(txids))
}

// RecordBlock applies every transaction of the block at height and advances the
// watermark to height+1.
func (c *Client) RecordBlock(ctx context.Context, height uint32, txs []*model.Tx) error {
	_, err := call(ctx, c, recordBlockOp(height, txs))
	return err
}

// Watermark returns the next height to index and whether one was ever stored.
func (c *Client) Watermark(ctx context.Context) (uint32, bool, error) {
	w, err := call(ctx, c, watermarkOp())
	return w.height, w.ok, err
}

func (c *Client) SetWatermark(ctx context.Context, height uint32) error {
	_, err := call(ctx, c, setWatermarkOp(height))
	return err
}
