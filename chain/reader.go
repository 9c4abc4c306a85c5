package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/colorfulnotion/reimann/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Dial connects to a node's JSON-RPC endpoint.
func Dial(ctx context.Context, url string, timeout time.Duration) (*ethclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c, err := rpc.DialContext(dialCtx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return ethclient.NewClient(c), nil
}

// Reader exposes block and receipt reads for one chain, with sender recovery.
type Reader struct {
	name    string
	backend Backend
	chainID uint64
	signer  types.Signer
}

func NewReader(ctx context.Context, name string, backend Backend) (*Reader, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: chain id: %w", name, err)
	}
	return &Reader{
		name:    name,
		backend: backend,
		chainID: chainID.Uint64(),
		signer:  types.LatestSignerForChainID(chainID),
	}, nil
}

func (r *Reader) ChainID() uint64 {
	return r.chainID
}

func (r *Reader) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := r.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: block number: %w", r.name, err)
	}
	return n, nil
}

// BlockTransactions returns the transactions of block n in block order.
func (r *Reader) BlockTransactions(ctx context.Context, n uint64) ([]*types.Transaction, error) {
	block, err := r.backend.BlockByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		return nil, fmt.Errorf("%s: block %d: %w", r.name, n, err)
	}
	return block.Transactions(), nil
}

func (r *Reader) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := r.backend.TransactionReceipt(ctx, hash.Eth())
	if err != nil {
		return nil, fmt.Errorf("%s: receipt %s: %w", r.name, hash.Hex(), err)
	}
	return receipt, nil
}

// Sender recovers the signer of tx.
func (r *Reader) Sender(tx *types.Transaction) (common.Address, error) {
	from, err := types.Sender(r.signer, tx)
	if err != nil {
		return common.Address{}, err
	}
	return common.Address(from), nil
}
