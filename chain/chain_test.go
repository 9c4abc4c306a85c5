package chain

import (
	"context"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/colorfulnotion/reimann/common"
	"github.com/colorfulnotion/reimann/merkle"
	"github.com/colorfulnotion/reimann/order"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func testSendCall() *SendCall {
	recipient, _ := common.GetEVMDevAccount(2)
	return &SendCall{
		FillDeadline: 1_900_000_000,
		FromToken:    common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		ToToken:      common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
		Recipient:    recipient,
		AmountIn:     uint256.NewInt(1_000_000),
		MinAmountOut: uint256.NewInt(990_000),
		Destination:  31339,
	}
}

func devTransactor(t *testing.T, backend Backend) *Transactor {
	t.Helper()
	_, keyHex := common.GetEVMDevAccount(0)
	key, _, err := common.LoadSigningKey(keyHex)
	require.NoError(t, err)
	tr, err := NewTransactor(context.Background(), "test", backend, key)
	require.NoError(t, err)
	tr.SetReceiptPolling(time.Millisecond, time.Second)
	return tr
}

func TestDecodeSendRoundTrip(t *testing.T) {
	want := testSendCall()
	data, err := EncodeSend(want)
	require.NoError(t, err)
	require.Equal(t, RollupSettlerABI.Methods["send"].ID, data[:4])

	got, err := DecodeSend(data)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeSendRejectsOtherCalldata(t *testing.T) {
	approve, err := MockERC20ABI.Pack("approve", common.Address{}.Eth(), big.NewInt(1))
	require.NoError(t, err)
	send, err := EncodeSend(testSendCall())
	require.NoError(t, err)

	for name, data := range map[string][]byte{
		"empty":     nil,
		"short":     {0x01, 0x02},
		"approve":   approve,
		"truncated": send[:4+32*3],
		"unknown":   {0xde, 0xad, 0xbe, 0xef, 0x00},
	} {
		_, err := DecodeSend(data)
		require.ErrorIs(t, err, ErrNotSendCall, name)
	}
}

func TestFulfilCallFromOrderVerifiesOffline(t *testing.T) {
	tree := merkle.MustNewIncrementalMerkleTree(merkle.DefaultHeight)
	var leaves []common.Hash
	for i := 0; i < 10; i++ {
		leaves = append(leaves, common.Keccak256([]byte{'o', byte(i)}))
		_, err := tree.Append(leaves[i])
		require.NoError(t, err)
	}
	require.Equal(t, uint64(10), tree.Len())
	proof := tree.GenerateProof(5)
	root := tree.Root()
	require.True(t, merkle.VerifyProof(leaves[5], 5, root, proof))

	sender, _ := common.GetEVMDevAccount(1)
	send := testSendCall()
	o := &order.Order{
		Hash:         leaves[5],
		Index:        5,
		FillDeadline: send.FillDeadline,
		FromToken:    send.FromToken,
		ToToken:      send.ToToken,
		Sender:       sender,
		Recipient:    send.Recipient,
		AmountIn:     send.AmountIn,
		MinAmountOut: send.MinAmountOut,
		Destination:  send.Destination,
	}
	call, err := NewFulfilCall(o, 31338, proof)
	require.NoError(t, err)
	require.True(t, call.Verify(o.Hash, root))

	data, err := call.Pack()
	require.NoError(t, err)
	decoded, err := DecodeFulfil(data)
	require.NoError(t, err)
	require.Equal(t, uint32(5), decoded.Nonce)
	require.Equal(t, uint64(31338), decoded.Source)
	require.Equal(t, sender, decoded.Sender)
	require.Equal(t, o.AmountIn, decoded.AmountIn)
	require.True(t, decoded.Verify(o.Hash, root))
	require.False(t, decoded.Verify(leaves[4], root))
	require.False(t, decoded.Verify(o.Hash, common.Keccak256([]byte("stale root"))))
}

func TestNewFulfilCallRejectsBadInput(t *testing.T) {
	o := &order.Order{Index: math.MaxUint32 + 1, AmountIn: uint256.NewInt(1), MinAmountOut: uint256.NewInt(1)}
	_, err := NewFulfilCall(o, 1, make(merkle.Proof, ProofLength))
	require.Error(t, err)

	o.Index = 1
	_, err = NewFulfilCall(o, 1, make(merkle.Proof, 16))
	require.Error(t, err)
}

func TestOrderHashFromReceipt(t *testing.T) {
	h := common.Keccak256([]byte("order"))
	got, err := OrderHashFromReceipt(&types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs:   []*types.Log{{Data: h.Bytes()}, {Data: []byte{1}}},
	})
	require.NoError(t, err)
	require.Equal(t, h, got)

	_, err = OrderHashFromReceipt(&types.Receipt{Status: types.ReceiptStatusFailed, Logs: []*types.Log{{Data: h.Bytes()}}})
	require.ErrorIs(t, err, ErrReverted)

	_, err = OrderHashFromReceipt(&types.Receipt{Status: types.ReceiptStatusSuccessful})
	require.ErrorIs(t, err, ErrNoOrderLog)

	_, err = OrderHashFromReceipt(&types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{{Data: h.Bytes()[:31]}}})
	require.ErrorIs(t, err, ErrNoOrderLog)
}

func TestTransactorSignsWithChainID(t *testing.T) {
	backend := newFakeBackend(31339)
	tr := devTransactor(t, backend)
	want, _ := common.GetEVMDevAccount(0)
	require.Equal(t, want, tr.From())
	require.Equal(t, uint64(31339), tr.ChainID())

	for i := 0; i < 2; i++ {
		_, err := tr.Transact(context.Background(), common.Address{}, MockERC20ABI, "approve", want.Eth(), big.NewInt(5))
		require.NoError(t, err)
	}
	require.Len(t, backend.sent, 2)
	for i, tx := range backend.sent {
		require.Equal(t, uint64(i), tx.Nonce())
		require.Zero(t, big.NewInt(31339).Cmp(tx.ChainId()))
		require.Equal(t, uint64(120_000), tx.Gas())
		from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31339)), tx)
		require.NoError(t, err)
		require.Equal(t, want.Eth(), from)
	}
}

func TestWaitMined(t *testing.T) {
	backend := newFakeBackend(31339)
	tr := devTransactor(t, backend)
	ctx := context.Background()

	backend.hideReceipts = 3
	_, err := tr.Transact(ctx, common.Address{}, MockERC20ABI, "mint", common.Address{}.Eth(), big.NewInt(1))
	require.NoError(t, err)

	backend.revertMethod = "approve"
	receipt, err := tr.Transact(ctx, common.Address{}, MockERC20ABI, "approve", common.Address{}.Eth(), big.NewInt(1))
	require.ErrorIs(t, err, ErrReverted)
	require.NotNil(t, receipt)

	_, err = tr.WaitMined(ctx, common.Keccak256([]byte("never sent")))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	pending, err := tr.Receipt(ctx, common.Keccak256([]byte("never sent")))
	require.NoError(t, err)
	require.Nil(t, pending)
}

func newTestSettlement(t *testing.T) (*Settlement, *fakeBackend, *fakeBackend, *fakeBackend) {
	hub, source, dest := newFakeBackend(31337), newFakeBackend(31338), newFakeBackend(31339)
	contracts := Contracts{
		HubSettler:         common.HexToAddress("0x1000000000000000000000000000000000000001"),
		SourceSettler:      common.HexToAddress("0x2000000000000000000000000000000000000002"),
		DestinationSettler: common.HexToAddress("0x3000000000000000000000000000000000000003"),
	}
	s := NewSettlement(devTransactor(t, hub), devTransactor(t, source), devTransactor(t, dest), contracts)
	return s, hub, source, dest
}

func TestEnsureAllowance(t *testing.T) {
	s, _, _, dest := newTestSettlement(t)
	ctx := context.Background()
	token := common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")

	dest.allowance = big.NewInt(500)
	require.NoError(t, s.EnsureAllowance(ctx, token, uint256.NewInt(500), true))
	require.Empty(t, dest.sentMethods())

	dest.balance = big.NewInt(100)
	require.NoError(t, s.EnsureAllowance(ctx, token, uint256.NewInt(900), true))
	require.Equal(t, []string{"mint", "approve"}, dest.sentMethods())

	args, err := MockERC20ABI.Methods["mint"].Inputs.Unpack(dest.sent[0].Data()[4:])
	require.NoError(t, err)
	require.Zero(t, big.NewInt(800).Cmp(args[1].(*big.Int)))
	require.Equal(t, token.Eth(), *dest.sent[0].To())

	args, err = MockERC20ABI.Methods["approve"].Inputs.Unpack(dest.sent[1].Data()[4:])
	require.NoError(t, err)
	require.Equal(t, s.contracts.DestinationSettler.Eth(), args[0])
	require.Zero(t, big.NewInt(900).Cmp(args[1].(*big.Int)))

	// without minting only approve is sent
	require.NoError(t, s.EnsureAllowance(ctx, token, uint256.NewInt(900), false))
	require.Equal(t, []string{"mint", "approve", "approve"}, dest.sentMethods())
}

func TestRootPropagationAndFulfil(t *testing.T) {
	s, hub, source, dest := newTestSettlement(t)
	ctx := context.Background()
	root := common.Keccak256([]byte("root"))
	source.orderRoot = root

	got, err := s.SourceOrderRoot(ctx)
	require.NoError(t, err)
	require.Equal(t, root, got)
	require.Equal(t, uint64(31338), s.SourceChainID())
	require.Equal(t, uint64(31339), s.DestinationChainID())

	require.NoError(t, s.UpdateHubRoot(ctx, 31338, root))
	require.NoError(t, s.UpdateDestinationRoot(ctx, 31338, root))
	require.Equal(t, []string{"updateRollupOrderRoot"}, hub.sentMethods())
	require.Equal(t, s.contracts.HubSettler.Eth(), *hub.sent[0].To())
	args, err := NexusSettlerABI.Methods["updateRollupOrderRoot"].Inputs.Unpack(hub.sent[0].Data()[4:])
	require.NoError(t, err)
	require.Zero(t, big.NewInt(31338).Cmp(args[0].(*big.Int)))
	require.Equal(t, [32]byte(root), args[1])

	o := &order.Order{Index: 0, AmountIn: uint256.NewInt(1), MinAmountOut: uint256.NewInt(1)}
	call, err := NewFulfilCall(o, 31338, make(merkle.Proof, ProofLength))
	require.NoError(t, err)
	tx, err := s.SubmitFulfil(ctx, call)
	require.NoError(t, err)
	require.NoError(t, s.WaitFulfil(ctx, tx))
	require.Equal(t, []string{"updateRollupOrderRoot", "fulfil"}, dest.sentMethods())

	receipt, err := s.FulfilReceipt(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
}

func TestSendOrder(t *testing.T) {
	backend := newFakeBackend(31338)
	tr := devTransactor(t, backend)
	settler := common.HexToAddress("0x2000000000000000000000000000000000000002")

	orderHash, err := SendOrder(context.Background(), tr, settler, testSendCall())
	require.NoError(t, err)
	require.Equal(t, []string{"approve", "send"}, backend.sentMethods())
	require.Equal(t, common.Keccak256(backend.sent[1].Data()), orderHash)

	reader, err := NewReader(context.Background(), "source", backend)
	require.NoError(t, err)
	head, err := reader.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), head)
	txs, err := reader.BlockTransactions(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	sender, err := reader.Sender(txs[0])
	require.NoError(t, err)
	require.Equal(t, tr.From(), sender)
}
