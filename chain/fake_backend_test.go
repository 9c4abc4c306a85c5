package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/colorfulnotion/reimann/common"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeBackend mines every sent transaction instantly and answers view calls from fixed state.
type fakeBackend struct {
	mu sync.Mutex

	chainID  int64
	nonce    uint64
	sent     []*types.Transaction
	receipts map[ethcommon.Hash]*types.Receipt
	blocks   []*types.Block

	// view state
	allowance *big.Int
	balance   *big.Int
	orderRoot [32]byte

	revertMethod string // transactions calling this method revert
	hideReceipts int    // number of receipt polls answered with NotFound
}

func newFakeBackend(chainID int64) *fakeBackend {
	return &fakeBackend{
		chainID:   chainID,
		receipts:  make(map[ethcommon.Hash]*types.Receipt),
		allowance: new(big.Int),
		balance:   new(big.Int),
	}
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.blocks)), nil
}

func (f *fakeBackend) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := number.Uint64()
	if n == 0 || n > uint64(len(f.blocks)) {
		return nil, ethereum.NotFound
	}
	return f.blocks[n-1], nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hideReceipts > 0 {
		f.hideReceipts--
		return nil, ethereum.NotFound
	}
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce++
	f.sent = append(f.sent, tx)

	status := types.ReceiptStatusSuccessful
	if f.revertMethod != "" && methodName(tx.Data()) == f.revertMethod {
		status = types.ReceiptStatusFailed
	}
	receipt := &types.Receipt{Status: status, TxHash: tx.Hash()}
	if methodName(tx.Data()) == "send" {
		orderHash := common.Keccak256(tx.Data())
		receipt.Logs = []*types.Log{{Data: orderHash.Bytes()}}
	}
	f.receipts[tx.Hash()] = receipt
	f.blocks = append(f.blocks, types.NewBlockWithHeader(&types.Header{Number: big.NewInt(int64(len(f.blocks) + 1))}).
		WithBody(types.Body{Transactions: []*types.Transaction{tx}}))
	return nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	method, contractABI := lookupMethod(msg.Data)
	switch method {
	case "allowance":
		return contractABI.Methods[method].Outputs.Pack(f.allowance)
	case "balanceOf":
		return contractABI.Methods[method].Outputs.Pack(f.balance)
	case "orderRoot":
		return contractABI.Methods[method].Outputs.Pack(f.orderRoot)
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, tx := range f.sent {
		out = append(out, methodName(tx.Data()))
	}
	return out
}

func lookupMethod(data []byte) (string, abi.ABI) {
	if len(data) < 4 {
		return "", abi.ABI{}
	}
	for _, a := range []abi.ABI{RollupSettlerABI, MockERC20ABI, NexusSettlerABI} {
		if m, err := a.MethodById(data[:4]); err == nil {
			return m.Name, a
		}
	}
	return "", abi.ABI{}
}

func methodName(data []byte) string {
	name, _ := lookupMethod(data)
	return name
}
