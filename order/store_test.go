package order

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/colorfulnotion/reimann/common"
	"github.com/colorfulnotion/reimann/storage"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func testOrder(i uint64) *Order {
	sender, _ := common.GetEVMDevAccount(1)
	recipient, _ := common.GetEVMDevAccount(2)
	return &Order{
		Hash:         common.Keccak256(common.Uint64ToBigEndian(i)),
		Index:        i,
		FillDeadline: 1_900_000_000,
		FromToken:    common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		ToToken:      common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
		Sender:       sender,
		Recipient:    recipient,
		AmountIn:     uint256.NewInt(1000 + i),
		MinAmountOut: uint256.NewInt(900 + i),
		Source:       31338,
		Destination:  31339,
	}
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "Pending", StatusPending.String())
	require.Equal(t, "Settled", StatusSettled.String())
	require.Equal(t, "Unknown(42)", Status(42).String())
	require.True(t, StatusFailed.Terminal())
	require.False(t, StatusSettling.Terminal())

	s, err := ParseStatus("Proving")
	require.NoError(t, err)
	require.Equal(t, StatusProving, s)
	_, err = ParseStatus("proving")
	require.Error(t, err)
}

func TestInsertPendingFIFO(t *testing.T) {
	s := NewStore(nil)
	for _, i := range []uint64{0, 1, 2} {
		require.NoError(t, s.Insert(testOrder(i)))
	}
	pending := s.Pending()
	require.Len(t, pending, 3)
	for i, o := range pending {
		require.Equal(t, uint64(i), o.Index)
		require.False(t, o.CreatedAt.IsZero())
	}
	require.Equal(t, 3, s.Len())
}

func TestInsertDuplicate(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Insert(testOrder(0)))
	require.ErrorIs(t, s.Insert(testOrder(0)), ErrDuplicateOrder)
	require.Equal(t, 1, s.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Insert(testOrder(3)))

	o, err := s.Get(testOrder(3).Hash)
	require.NoError(t, err)
	o.AmountIn.SetUint64(1)
	o.Status = StatusSettling

	again, err := s.Get(testOrder(3).Hash)
	require.NoError(t, err)
	require.Equal(t, uint64(1003), again.AmountIn.Uint64())
	require.Equal(t, StatusPending, again.Status)

	_, err = s.Get(common.Hash{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTerminalLeavesMemory(t *testing.T) {
	s := NewStore(nil)
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, s.Insert(testOrder(i)))
	}
	o := testOrder(1)
	o.Status = StatusSettling
	require.NoError(t, s.Update(o))
	require.Equal(t, Stats{Pending: 2, Settling: 1}, s.Stats())

	o.Status = StatusSettled
	require.NoError(t, s.Update(o))
	require.Equal(t, Stats{Pending: 2, Settled: 1}, s.Stats())

	pending := s.Pending()
	require.Len(t, pending, 2)
	require.Equal(t, uint64(0), pending[0].Index)
	require.Equal(t, uint64(2), pending[1].Index)

	require.ErrorIs(t, s.Update(o), ErrNotFound)
}

func TestRemoveAndClear(t *testing.T) {
	ps, err := storage.NewMemoryPersistenceStore()
	require.NoError(t, err)
	defer ps.Close()

	s := NewStore(ps)
	for i := uint64(0); i < 4; i++ {
		require.NoError(t, s.Insert(testOrder(i)))
	}
	require.NoError(t, s.Remove(testOrder(2).Hash))
	require.ErrorIs(t, s.Remove(testOrder(2).Hash), ErrNotFound)
	require.Equal(t, 3, s.Len())

	require.NoError(t, s.Clear())
	require.Zero(t, s.Len())
	require.Empty(t, s.Pending())

	n, err := ps.CountPrefix(storage.OrderPrefix())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestLoadRestoresPendingInIndexOrder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "orders")
	ps, err := storage.NewPersistenceStore(dir)
	require.NoError(t, err)

	s := NewStore(ps)
	for _, i := range []uint64{0, 1, 2, 3} {
		require.NoError(t, s.Insert(testOrder(i)))
	}
	settled := testOrder(0)
	settled.Status = StatusSettled
	settled.FulfilTx = common.Keccak256([]byte("fulfil"))
	require.NoError(t, s.Update(settled))

	settling := testOrder(2)
	settling.Status = StatusSettling
	settling.Attempts = 2
	require.NoError(t, s.Update(settling))
	require.NoError(t, ps.Close())

	ps, err = storage.NewPersistenceStore(dir)
	require.NoError(t, err)
	defer ps.Close()

	restored := NewStore(ps)
	require.NoError(t, restored.Load())
	pending := restored.Pending()
	require.Len(t, pending, 3)
	require.Equal(t, []uint64{1, 2, 3}, []uint64{pending[0].Index, pending[1].Index, pending[2].Index})
	require.Equal(t, StatusSettling, pending[1].Status)
	require.Equal(t, 2, pending[1].Attempts)
	require.Equal(t, uint64(1002), pending[1].AmountIn.Uint64())
	require.Equal(t, Stats{Pending: 2, Settling: 1, Settled: 1}, restored.Stats())

	// settled records stay readable and block re-insertion
	got, err := restored.Get(settled.Hash)
	require.NoError(t, err)
	require.Equal(t, StatusSettled, got.Status)
	require.Equal(t, settled.FulfilTx, got.FulfilTx)
	require.ErrorIs(t, restored.Insert(testOrder(0)), ErrDuplicateOrder)
}

func TestConcurrentInsertAndSnapshot(t *testing.T) {
	s := NewStore(nil)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < 200; i++ {
			if err := s.Insert(testOrder(i)); err != nil {
				t.Errorf("insert %d: %v", i, err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			pending := s.Pending()
			for j, o := range pending {
				if o.Index != uint64(j) {
					t.Errorf("snapshot out of order at %d: %d", j, o.Index)
					return
				}
			}
		}
	}()
	wg.Wait()
	// no insert is ever dropped on contention
	require.Equal(t, 200, s.Len())
}
