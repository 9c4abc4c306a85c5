package chain

import (
	"fmt"
	"math"
	"math/big"

	"github.com/colorfulnotion/reimann/common"
	"github.com/colorfulnotion/reimann/merkle"
	"github.com/colorfulnotion/reimann/order"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// SendCall is a decoded RollupSettler.send invocation.
type SendCall struct {
	FillDeadline uint32
	FromToken    common.Address
	ToToken      common.Address
	Recipient    common.Address
	AmountIn     *uint256.Int
	MinAmountOut *uint256.Int
	Destination  uint64
}

// FulfilCall is a RollupSettler.fulfil invocation.
type FulfilCall struct {
	FillDeadline uint32
	FromToken    common.Address
	ToToken      common.Address
	Sender       common.Address
	Recipient    common.Address
	AmountIn     *uint256.Int
	MinAmountOut *uint256.Int
	Source       uint64
	Nonce        uint32
	Proof        merkle.Proof
}

// DecodeSend decodes send calldata. Anything else, including malformed arguments, is ErrNotSendCall.
func DecodeSend(data []byte) (*SendCall, error) {
	if len(data) < 4 {
		return nil, ErrNotSendCall
	}
	method, err := RollupSettlerABI.MethodById(data[:4])
	if err != nil || method.Name != "send" {
		return nil, ErrNotSendCall
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSendCall, err)
	}
	if len(args) != 7 {
		return nil, ErrNotSendCall
	}

	fillDeadline, ok1 := args[0].(uint32)
	fromToken, ok2 := args[1].(ethcommon.Address)
	toToken, ok3 := args[2].(ethcommon.Address)
	recipient, ok4 := args[3].(ethcommon.Address)
	amountIn, ok5 := args[4].(*big.Int)
	minAmountOut, ok6 := args[5].(*big.Int)
	destination, ok7 := args[6].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return nil, ErrNotSendCall
	}
	if !destination.IsUint64() {
		return nil, fmt.Errorf("%w: destination chain id %s out of range", ErrNotSendCall, destination)
	}
	in, _ := uint256.FromBig(amountIn)
	minOut, _ := uint256.FromBig(minAmountOut)

	return &SendCall{
		FillDeadline: fillDeadline,
		FromToken:    common.Address(fromToken),
		ToToken:      common.Address(toToken),
		Recipient:    common.Address(recipient),
		AmountIn:     in,
		MinAmountOut: minOut,
		Destination:  destination.Uint64(),
	}, nil
}

// EncodeSend packs send calldata.
func EncodeSend(c *SendCall) ([]byte, error) {
	return RollupSettlerABI.Pack("send",
		c.FillDeadline,
		c.FromToken.Eth(),
		c.ToToken.Eth(),
		c.Recipient.Eth(),
		c.AmountIn.ToBig(),
		c.MinAmountOut.ToBig(),
		new(big.Int).SetUint64(c.Destination),
	)
}

// NewFulfilCall builds the fulfil arguments for o with its commitment log proof.
func NewFulfilCall(o *order.Order, source uint64, proof merkle.Proof) (*FulfilCall, error) {
	if o.Index > math.MaxUint32 {
		return nil, fmt.Errorf("order index %d does not fit the uint32 nonce", o.Index)
	}
	if len(proof) != ProofLength {
		return nil, fmt.Errorf("proof has %d elements, want %d", len(proof), ProofLength)
	}
	return &FulfilCall{
		FillDeadline: o.FillDeadline,
		FromToken:    o.FromToken,
		ToToken:      o.ToToken,
		Sender:       o.Sender,
		Recipient:    o.Recipient,
		AmountIn:     o.AmountIn,
		MinAmountOut: o.MinAmountOut,
		Source:       source,
		Nonce:        uint32(o.Index),
		Proof:        proof,
	}, nil
}

// Verify checks the call's proof places orderHash at its nonce under root, the same check the
// destination settler performs.
func (f *FulfilCall) Verify(orderHash, root common.Hash) bool {
	return merkle.VerifyProof(orderHash, uint64(f.Nonce), root, f.Proof)
}

func (f *FulfilCall) Pack() ([]byte, error) {
	if len(f.Proof) != ProofLength {
		return nil, fmt.Errorf("proof has %d elements, want %d", len(f.Proof), ProofLength)
	}
	var proof [ProofLength][32]byte
	for i, h := range f.Proof {
		proof[i] = h
	}
	return RollupSettlerABI.Pack("fulfil",
		f.FillDeadline,
		f.FromToken.Eth(),
		f.ToToken.Eth(),
		f.Sender.Eth(),
		f.Recipient.Eth(),
		f.AmountIn.ToBig(),
		f.MinAmountOut.ToBig(),
		new(big.Int).SetUint64(f.Source),
		f.Nonce,
		proof,
	)
}

// DecodeFulfil unpacks fulfil calldata.
func DecodeFulfil(data []byte) (*FulfilCall, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short")
	}
	method, err := RollupSettlerABI.MethodById(data[:4])
	if err != nil || method.Name != "fulfil" {
		return nil, fmt.Errorf("calldata is not a fulfil call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	var f struct {
		FillDeadline uint32
		FromToken    ethcommon.Address
		ToToken      ethcommon.Address
		Sender       ethcommon.Address
		Recipient    ethcommon.Address
		AmountIn     *big.Int
		MinAmountOut *big.Int
		Source       *big.Int
		Nonce        uint32
		Proof        [ProofLength][32]byte
	}
	if err := method.Inputs.Copy(&f, args); err != nil {
		return nil, err
	}
	in, _ := uint256.FromBig(f.AmountIn)
	minOut, _ := uint256.FromBig(f.MinAmountOut)
	proof := make(merkle.Proof, ProofLength)
	for i := range f.Proof {
		proof[i] = common.Hash(f.Proof[i])
	}
	return &FulfilCall{
		FillDeadline: f.FillDeadline,
		FromToken:    common.Address(f.FromToken),
		ToToken:      common.Address(f.ToToken),
		Sender:       common.Address(f.Sender),
		Recipient:    common.Address(f.Recipient),
		AmountIn:     in,
		MinAmountOut: minOut,
		Source:       f.Source.Uint64(),
		Nonce:        f.Nonce,
		Proof:        proof,
	}, nil
}

// OrderHashFromReceipt extracts the order hash the source settler emits as the payload of the
// first log of a successful send.
func OrderHashFromReceipt(r *types.Receipt) (common.Hash, error) {
	if r.Status != types.ReceiptStatusSuccessful {
		return common.Hash{}, ErrReverted
	}
	if len(r.Logs) == 0 {
		return common.Hash{}, ErrNoOrderLog
	}
	data := r.Logs[0].Data
	if len(data) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: first log carries %d bytes", ErrNoOrderLog, len(data))
	}
	return common.BytesToHash(data), nil
}
