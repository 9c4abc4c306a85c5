package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/colorfulnotion/reimann/common"
	log "github.com/colorfulnotion/reimann/log"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	DefaultReceiptPoll    = 250 * time.Millisecond
	DefaultReceiptTimeout = 2 * time.Minute
	gasLimitHeadroomPct   = 20
)

// Backend is the subset of ethclient.Client the relay needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Transactor signs and sends contract calls on one chain with one key.
type Transactor struct {
	name    string
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer

	receiptPoll    time.Duration
	receiptTimeout time.Duration

	// serializes nonce assignment for this account
	sendMu sync.Mutex
}

// NewTransactor binds key to backend, reading the chain id from the node.
func NewTransactor(ctx context.Context, name string, backend Backend, key *ecdsa.PrivateKey) (*Transactor, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: chain id: %w", name, err)
	}
	from := common.Address(crypto.PubkeyToAddress(key.PublicKey))
	return &Transactor{
		name:           name,
		backend:        backend,
		key:            key,
		from:           from,
		chainID:        chainID,
		signer:         types.LatestSignerForChainID(chainID),
		receiptPoll:    DefaultReceiptPoll,
		receiptTimeout: DefaultReceiptTimeout,
	}, nil
}

func (t *Transactor) Name() string { return t.name }

func (t *Transactor) From() common.Address { return t.from }

func (t *Transactor) ChainID() uint64 { return t.chainID.Uint64() }

func (t *Transactor) Backend() Backend { return t.backend }

// SetReceiptPolling overrides the receipt poll interval and timeout.
func (t *Transactor) SetReceiptPolling(poll, timeout time.Duration) {
	t.receiptPoll = poll
	t.receiptTimeout = timeout
}

// Call executes a read-only method and returns its unpacked outputs.
func (t *Transactor) Call(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := contract.Eth()
	out, err := t.backend.CallContract(ctx, ethereum.CallMsg{From: t.from.Eth(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: call %s: %w", t.name, method, err)
	}
	return contractABI.Unpack(method, out)
}

// Send packs and submits a method call, returning the transaction hash without waiting.
func (t *Transactor) Send(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, args ...interface{}) (common.Hash, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return t.SendData(ctx, contract, data)
}

// SendData signs and submits a legacy transaction carrying data to contract.
func (t *Transactor) SendData(ctx context.Context, contract common.Address, data []byte) (common.Hash, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	to := contract.Eth()
	nonce, err := t.backend.PendingNonceAt(ctx, t.from.Eth())
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: nonce: %w", t.name, err)
	}
	gasPrice, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: gas price: %w", t.name, err)
	}
	gas, err := t.backend.EstimateGas(ctx, ethereum.CallMsg{From: t.from.Eth(), To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: estimate gas: %w", t.name, err)
	}
	gas += gas * gasLimitHeadroomPct / 100

	tx, err := types.SignNewTx(t.key, t.signer, &types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Data:     data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: sign: %w", t.name, err)
	}
	if err := t.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("%s: send: %w", t.name, err)
	}
	log.Debug(log.Chain, "Sent transaction", "chain", t.name, "tx", tx.Hash().Hex(), "nonce", nonce, "gas", gas)
	return common.Hash(tx.Hash()), nil
}

// Receipt returns the receipt of hash, or nil without error while it is still pending.
func (t *Transactor) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := t.backend.TransactionReceipt(ctx, hash.Eth())
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: receipt %s: %w", t.name, hash.Hex(), err)
	}
	return receipt, nil
}

// WaitMined polls for the receipt of hash. A reverted receipt is returned with ErrReverted.
func (t *Transactor) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(t.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := t.Receipt(ctx, hash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%s: tx %s: %w", t.name, hash.Hex(), ErrReverted)
			}
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: waiting for %s: %w", t.name, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Transact sends a method call and waits for it to be mined.
func (t *Transactor) Transact(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, args ...interface{}) (*types.Receipt, error) {
	hash, err := t.Send(ctx, contract, contractABI, method, args...)
	if err != nil {
		return nil, err
	}
	return t.WaitMined(ctx, hash)
}
