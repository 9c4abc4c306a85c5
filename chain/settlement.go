package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/colorfulnotion/reimann/common"
	log "github.com/colorfulnotion/reimann/log"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Contracts are the deployed settlement contract and token addresses.
type Contracts struct {
	HubSettler         common.Address
	SourceSettler      common.Address
	DestinationSettler common.Address
	SourceToken        common.Address
	DestinationToken   common.Address
}

// Settlement performs the relay's on-chain steps across the hub, source and destination chains.
type Settlement struct {
	hub         *Transactor
	source      *Transactor
	destination *Transactor
	contracts   Contracts
}

func NewSettlement(hub, source, destination *Transactor, contracts Contracts) *Settlement {
	return &Settlement{hub: hub, source: source, destination: destination, contracts: contracts}
}

func (s *Settlement) SourceChainID() uint64 {
	return s.source.ChainID()
}

// DestinationChainID is the chain orders are fulfilled on.
func (s *Settlement) DestinationChainID() uint64 {
	return s.destination.ChainID()
}

func (s *Settlement) Solver() common.Address {
	return s.destination.From()
}

// EnsureAllowance makes sure the destination settler may pull amount of token from the solver.
// With mint set, the solver's balance is topped up first (sandbox tokens only).
func (s *Settlement) EnsureAllowance(ctx context.Context, token common.Address, amount *uint256.Int, mint bool) error {
	owner := s.destination.From()
	spender := s.contracts.DestinationSettler

	allowance, err := s.uintCall(ctx, s.destination, token, "allowance", owner.Eth(), spender.Eth())
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	if mint {
		balance, err := s.uintCall(ctx, s.destination, token, "balanceOf", owner.Eth())
		if err != nil {
			return err
		}
		if balance.Cmp(amount) < 0 {
			shortfall := new(uint256.Int).Sub(amount, balance)
			if _, err := s.destination.Transact(ctx, token, MockERC20ABI, "mint", owner.Eth(), shortfall.ToBig()); err != nil {
				return fmt.Errorf("mint: %w", err)
			}
			log.Debug(log.Chain, "Minted destination tokens", "token", token.Hex(), "amount", shortfall.Dec())
		}
	}
	if _, err := s.destination.Transact(ctx, token, MockERC20ABI, "approve", spender.Eth(), amount.ToBig()); err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	log.Debug(log.Chain, "Approved destination settler", "token", token.Hex(), "amount", amount.Dec())
	return nil
}

// SourceOrderRoot reads the commitment root the source settler currently holds.
func (s *Settlement) SourceOrderRoot(ctx context.Context) (common.Hash, error) {
	out, err := s.source.Call(ctx, s.contracts.SourceSettler, RollupSettlerABI, "orderRoot")
	if err != nil {
		return common.Hash{}, err
	}
	if len(out) != 1 {
		return common.Hash{}, fmt.Errorf("orderRoot: %d outputs", len(out))
	}
	root, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("orderRoot: unexpected output %T", out[0])
	}
	return common.Hash(root), nil
}

// UpdateHubRoot records root for the source chain on the hub settler.
func (s *Settlement) UpdateHubRoot(ctx context.Context, source uint64, root common.Hash) error {
	_, err := s.hub.Transact(ctx, s.contracts.HubSettler, NexusSettlerABI, "updateRollupOrderRoot",
		new(big.Int).SetUint64(source), [32]byte(root))
	return err
}

// UpdateDestinationRoot records root for the source chain on the destination settler.
func (s *Settlement) UpdateDestinationRoot(ctx context.Context, source uint64, root common.Hash) error {
	_, err := s.destination.Transact(ctx, s.contracts.DestinationSettler, RollupSettlerABI, "updateRollupOrderRoot",
		new(big.Int).SetUint64(source), [32]byte(root))
	return err
}

// SubmitFulfil sends fulfil to the destination settler without waiting for it.
func (s *Settlement) SubmitFulfil(ctx context.Context, call *FulfilCall) (common.Hash, error) {
	data, err := call.Pack()
	if err != nil {
		return common.Hash{}, err
	}
	return s.destination.SendData(ctx, s.contracts.DestinationSettler, data)
}

// WaitFulfil waits for a fulfil transaction; reverts are ErrReverted.
func (s *Settlement) WaitFulfil(ctx context.Context, tx common.Hash) error {
	_, err := s.destination.WaitMined(ctx, tx)
	return err
}

// FulfilReceipt returns the receipt of a previously submitted fulfil, nil while unknown.
func (s *Settlement) FulfilReceipt(ctx context.Context, tx common.Hash) (*types.Receipt, error) {
	return s.destination.Receipt(ctx, tx)
}

// SendOrder approves the source settler and submits send on the source chain, returning the
// order hash from the receipt.
func SendOrder(ctx context.Context, source *Transactor, settler common.Address, call *SendCall) (common.Hash, error) {
	if _, err := source.Transact(ctx, call.FromToken, MockERC20ABI, "approve", settler.Eth(), call.AmountIn.ToBig()); err != nil {
		return common.Hash{}, fmt.Errorf("approve: %w", err)
	}
	data, err := EncodeSend(call)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := source.SendData(ctx, settler, data)
	if err != nil {
		return common.Hash{}, err
	}
	receipt, err := source.WaitMined(ctx, tx)
	if err != nil {
		return common.Hash{}, err
	}
	return OrderHashFromReceipt(receipt)
}

func (s *Settlement) uintCall(ctx context.Context, t *Transactor, token common.Address, method string, args ...interface{}) (*uint256.Int, error) {
	out, err := t.Call(ctx, token, MockERC20ABI, method, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: %d outputs", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output %T", method, out[0])
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("%s: value overflows uint256", method)
	}
	return u, nil
}
