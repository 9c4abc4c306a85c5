// Package watcher follows the source chain for settler send calls, assigns each new order its
// commitment log index and hands it to the order store.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/colorfulnotion/reimann/chain"
	"github.com/colorfulnotion/reimann/common"
	log "github.com/colorfulnotion/reimann/log"
	"github.com/colorfulnotion/reimann/metrics"
	"github.com/colorfulnotion/reimann/order"
	"github.com/colorfulnotion/reimann/smt"
	"github.com/colorfulnotion/reimann/storage"
	"github.com/colorfulnotion/reimann/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
)

const DefaultPollInterval = 250 * time.Millisecond

// Skip reasons reported to metrics.
const (
	skipDecode   = "decode"
	skipReverted = "reverted"
	skipNoLog    = "no_log"
	skipSender   = "sender"
)

// Source is the read side of the source chain. *chain.Reader implements it.
type Source interface {
	ChainID() uint64
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTransactions(ctx context.Context, n uint64) ([]*types.Transaction, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Sender(tx *types.Transaction) (common.Address, error)
}

// CommitmentLog assigns indices to order hashes. *smt.Client implements it.
type CommitmentLog interface {
	Lookup(ctx context.Context, leaf common.Hash) (uint64, error)
	Append(ctx context.Context, leaf common.Hash) (*smt.AppendResponse, error)
}

type Config struct {
	// Settler is the source settler address; the zero address accepts send calls to any contract.
	Settler      common.Address
	PollInterval time.Duration
	// StartBlock is the first block scanned when no cursor is stored; 0 starts at the head.
	StartBlock uint64
}

// Watcher scans source blocks in ascending order, so commitment indices follow submission order.
type Watcher struct {
	cfg     Config
	source  Source
	log     CommitmentLog
	store   *order.Store
	persist *storage.PersistenceStore // optional, holds the cursor
	metrics *metrics.Metrics

	next    uint64 // next block to scan
	started bool
}

func New(cfg Config, source Source, commitments CommitmentLog, store *order.Store, ps *storage.PersistenceStore, m *metrics.Metrics) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if m == nil {
		m = metrics.New(metrics.DefaultNamespace)
	}
	return &Watcher{
		cfg:     cfg,
		source:  source,
		log:     commitments,
		store:   store,
		persist: ps,
		metrics: m,
	}
}

// Next returns the next block the watcher will scan.
func (w *Watcher) Next() uint64 {
	return w.next
}

// Run polls until ctx is cancelled. Failed iterations are retried with exponential backoff and
// never advance the cursor past the failing block.
func (w *Watcher) Run(ctx context.Context) error {
	log.Info(log.Watcher, "Watcher: Starting", "chain", w.source.ChainID(), "settler", w.cfg.Settler.Hex(), "poll", w.cfg.PollInterval)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.PollInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		wait := w.cfg.PollInterval
		if _, err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = bo.NextBackOff()
			w.metrics.IncLoopErrors("watcher")
			log.Warn(log.Watcher, "Watcher: iteration failed", "next", w.next, "retryIn", wait, "err", err)
		} else {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			log.Info(log.Watcher, "Watcher: Stopped", "next", w.next)
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Poll scans every block from the cursor up to the current head and returns the number of
// orders it recorded.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	head, err := w.source.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if !w.started {
		if err := w.initCursor(head); err != nil {
			return 0, err
		}
	}
	w.metrics.SetWatcherHeight(head)

	observed := 0
	for w.next <= head {
		n, err := w.scanBlock(ctx, w.next)
		observed += n
		if err != nil {
			return observed, fmt.Errorf("block %d: %w", w.next, err)
		}
		if w.persist != nil {
			if err := w.persist.PutCursor(w.source.ChainID(), w.next+1); err != nil {
				return observed, err
			}
		}
		w.next++
	}
	return observed, nil
}

func (w *Watcher) initCursor(head uint64) error {
	w.next = head
	if w.cfg.StartBlock > 0 {
		w.next = w.cfg.StartBlock
	}
	if w.persist != nil {
		next, ok, err := w.persist.Cursor(w.source.ChainID())
		if err != nil {
			return err
		}
		if ok {
			w.next = next
		}
	}
	w.started = true
	log.Info(log.Watcher, "Watcher: cursor", "next", w.next, "head", head)
	return nil
}

func (w *Watcher) scanBlock(ctx context.Context, n uint64) (observed int, err error) {
	ctx, span := tracing.Start(ctx, "watcher", "watcher.block", attribute.Int64("block", int64(n)))
	defer func() { tracing.End(span, err) }()

	txs, err := w.source.BlockTransactions(ctx, n)
	if err != nil {
		return 0, err
	}
	for _, tx := range txs {
		ok, err := w.processTx(ctx, n, tx)
		if err != nil {
			return observed, err
		}
		if ok {
			observed++
		}
	}
	return observed, nil
}

// processTx records tx as an order when it is a successful send to the settler.
func (w *Watcher) processTx(ctx context.Context, block uint64, tx *types.Transaction) (bool, error) {
	to := tx.To()
	if to == nil {
		return false, nil
	}
	if w.cfg.Settler != (common.Address{}) && common.Address(*to) != w.cfg.Settler {
		return false, nil
	}
	txHash := common.Hash(tx.Hash())
	call, err := chain.DecodeSend(tx.Data())
	if err != nil {
		w.metrics.IncTxsSkipped(skipDecode)
		log.Debug(log.Watcher, "Skipping tx", "tx", txHash.Hex(), "reason", err)
		return false, nil
	}

	receipt, err := w.source.TransactionReceipt(ctx, txHash)
	if err != nil {
		return false, err
	}
	orderHash, err := chain.OrderHashFromReceipt(receipt)
	switch {
	case errors.Is(err, chain.ErrReverted):
		w.metrics.IncTxsSkipped(skipReverted)
		log.Debug(log.Watcher, "Skipping reverted send", "tx", txHash.Hex())
		return false, nil
	case err != nil:
		w.metrics.IncTxsSkipped(skipNoLog)
		log.Warn(log.Watcher, "Send without order log", "tx", txHash.Hex(), "err", err)
		return false, nil
	}
	sender, err := w.source.Sender(tx)
	if err != nil {
		w.metrics.IncTxsSkipped(skipSender)
		log.Warn(log.Watcher, "Cannot recover sender", "tx", txHash.Hex(), "err", err)
		return false, nil
	}

	index, err := w.indexOf(ctx, orderHash)
	if err != nil {
		return false, err
	}
	o := &order.Order{
		Hash:         orderHash,
		Index:        index,
		FillDeadline: call.FillDeadline,
		FromToken:    call.FromToken,
		ToToken:      call.ToToken,
		Sender:       sender,
		Recipient:    call.Recipient,
		AmountIn:     call.AmountIn,
		MinAmountOut: call.MinAmountOut,
		Source:       w.source.ChainID(),
		Destination:  call.Destination,
		SourceTx:     txHash,
		SourceBlock:  block,
		Status:       order.StatusPending,
	}
	err = w.store.Insert(o)
	if errors.Is(err, order.ErrDuplicateOrder) {
		log.Debug(log.Watcher, "Order already known", "hash", orderHash.Hex())
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.metrics.IncOrdersObserved()
	log.Info(log.Watcher, "New order", "hash", orderHash.Hex(), "index", index, "block", block, "destination", call.Destination)
	return true, nil
}

// indexOf returns the commitment index of orderHash, appending it on first sight. The lookup
// keeps a restart between append and cursor update from appending the same order twice.
func (w *Watcher) indexOf(ctx context.Context, orderHash common.Hash) (uint64, error) {
	index, err := w.log.Lookup(ctx, orderHash)
	if err == nil {
		return index, nil
	}
	if !errors.Is(err, smt.ErrLeafNotFound) {
		return 0, fmt.Errorf("lookup %s: %w", orderHash.Hex(), err)
	}
	res, err := w.log.Append(ctx, orderHash)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", orderHash.Hex(), err)
	}
	return res.Index, nil
}
