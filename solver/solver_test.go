package solver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/colorfulnotion/reimann/chain"
	"github.com/colorfulnotion/reimann/common"
	"github.com/colorfulnotion/reimann/merkle"
	"github.com/colorfulnotion/reimann/metrics"
	"github.com/colorfulnotion/reimann/order"
	"github.com/colorfulnotion/reimann/smt"
	"github.com/colorfulnotion/reimann/storage"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

const (
	sourceChainID      = 31338
	destinationChainID = 31339
)

// serviceLog answers proof queries straight from a service.
type serviceLog struct {
	svc     *smt.Service
	tamper  bool
	queries int
}

func (l *serviceLog) Query(ctx context.Context, index uint64) (*smt.QueryResponse, error) {
	l.queries++
	proof, root := l.svc.Query(index)
	if l.tamper {
		proof[0] = common.Keccak256([]byte("tampered"))
	}
	return &smt.QueryResponse{Success: true, Proof: proof, Root: root}, nil
}

type fulfilment struct {
	call *chain.FulfilCall
	root common.Hash
}

type fakeSettler struct {
	mu sync.Mutex

	svc        *smt.Service
	sourceRoot *common.Hash // overrides the service root when set

	calls        []string
	fulfils      []fulfilment
	hubRoots     []common.Hash
	destRoot     common.Hash
	receipts     map[common.Hash]*types.Receipt
	allowanceErr int // EnsureAllowance calls failing before one succeeds
	revertNext   bool
	waitErr      error
	minted       []bool
}

func newFakeSettler(svc *smt.Service) *fakeSettler {
	return &fakeSettler{svc: svc, receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeSettler) SourceChainID() uint64 { return sourceChainID }

func (f *fakeSettler) DestinationChainID() uint64 { return destinationChainID }

func (f *fakeSettler) EnsureAllowance(ctx context.Context, token common.Address, amount *uint256.Int, mint bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "allowance")
	f.minted = append(f.minted, mint)
	if f.allowanceErr > 0 {
		f.allowanceErr--
		return errors.New("rpc unavailable")
	}
	return nil
}

func (f *fakeSettler) SourceOrderRoot(ctx context.Context) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "orderRoot")
	if f.sourceRoot != nil {
		return *f.sourceRoot, nil
	}
	return f.svc.Root(), nil
}

func (f *fakeSettler) UpdateHubRoot(ctx context.Context, source uint64, root common.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "hubRoot")
	f.hubRoots = append(f.hubRoots, root)
	return nil
}

func (f *fakeSettler) UpdateDestinationRoot(ctx context.Context, source uint64, root common.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "destRoot")
	f.destRoot = root
	return nil
}

// SubmitFulfil mines the fulfil at once; it succeeds iff the proof verifies against the
// destination root, like the destination settler.
func (f *fakeSettler) SubmitFulfil(ctx context.Context, call *chain.FulfilCall) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fulfil")
	tx := common.Keccak256([]byte(fmt.Sprintf("fulfil-%d-%d", call.Nonce, len(f.fulfils))))
	f.fulfils = append(f.fulfils, fulfilment{call: call, root: f.destRoot})

	status := types.ReceiptStatusSuccessful
	if f.revertNext {
		f.revertNext = false
		status = types.ReceiptStatusFailed
	}
	f.receipts[tx] = &types.Receipt{Status: status}
	return tx, nil
}

func (f *fakeSettler) WaitFulfil(ctx context.Context, tx common.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return f.waitErr
	}
	r, ok := f.receipts[tx]
	if !ok {
		return context.DeadlineExceeded
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return chain.ErrReverted
	}
	return nil
}

func (f *fakeSettler) FulfilReceipt(ctx context.Context, tx common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "receipt")
	return f.receipts[tx], nil
}

func (f *fakeSettler) fulfilledNonces() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint32
	for _, ff := range f.fulfils {
		out = append(out, ff.call.Nonce)
	}
	return out
}

type harness struct {
	svc     *smt.Service
	log     *serviceLog
	settler *fakeSettler
	store   *order.Store
	persist *storage.PersistenceStore
	solver  *Solver
	metrics *metrics.Metrics
	clock   time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	svc, err := smt.NewService(smt.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	ps, err := storage.NewMemoryPersistenceStore()
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })

	h := &harness{
		svc:     svc,
		log:     &serviceLog{svc: svc},
		settler: newFakeSettler(svc),
		store:   order.NewStore(ps),
		persist: ps,
		clock:   time.Unix(1_800_000_000, 0),
	}
	h.metrics = metrics.New("test")
	h.solver = New(cfg, h.log, h.settler, h.store, h.metrics)
	h.solver.now = func() time.Time { return h.clock }
	return h
}

// addOrder appends a fresh order hash to the log and records the order.
func (h *harness) addOrder(t *testing.T, i int) *order.Order {
	t.Helper()
	hash := common.Keccak256([]byte(fmt.Sprintf("order-%d", i)))
	_, index, err := h.svc.Append(hash)
	require.NoError(t, err)
	sender, _ := common.GetEVMDevAccount(1)
	recipient, _ := common.GetEVMDevAccount(2)
	o := &order.Order{
		Hash:         hash,
		Index:        index,
		FillDeadline: 1_900_000_000,
		FromToken:    common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		ToToken:      common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
		Sender:       sender,
		Recipient:    recipient,
		AmountIn:     uint256.NewInt(1000),
		MinAmountOut: uint256.NewInt(990),
		Source:       sourceChainID,
		Destination:  destinationChainID,
		Status:       order.StatusPending,
	}
	require.NoError(t, h.store.Insert(o))
	return o
}

func TestTickSettlesInIndexOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var orders []*order.Order
	for i := 0; i < 10; i++ {
		orders = append(orders, h.addOrder(t, i))
	}

	require.Equal(t, 10, h.solver.Tick(context.Background()))
	require.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, h.settler.fulfilledNonces())
	require.Zero(t, h.store.Len())
	require.Equal(t, 10, h.store.Stats().Settled)

	// every fulfil carries a proof the destination accepts under the root it was given
	for i, f := range h.settler.fulfils {
		require.True(t, f.call.Verify(orders[i].Hash, f.root), "order %d", i)
		require.Equal(t, uint64(sourceChainID), f.call.Source)
		require.Len(t, f.call.Proof, merkle.DefaultHeight)
	}
	require.Equal(t, []string{"allowance", "orderRoot", "hubRoot", "destRoot", "fulfil"}, h.settler.calls[:5])
	require.True(t, h.settler.minted[0])

	stored, err := h.store.Get(orders[5].Hash)
	require.NoError(t, err)
	require.Equal(t, order.StatusSettled, stored.Status)
	require.NotEqual(t, common.Hash{}, stored.FulfilTx)
	require.Equal(t, h.svc.Root(), stored.ProofRoot)
}

func TestStrictFIFOHoldsLaterOrders(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	first := h.addOrder(t, 0)
	h.addOrder(t, 1)
	h.settler.allowanceErr = 1

	require.Zero(t, h.solver.Tick(context.Background()))
	require.Empty(t, h.settler.fulfilledNonces())
	o, err := h.store.Get(first.Hash)
	require.NoError(t, err)
	require.Equal(t, 1, o.Attempts)
	require.Equal(t, order.StatusPending, o.Status)
	require.Contains(t, o.LastError, "rpc unavailable")
	require.Equal(t, h.clock.Add(DefaultRetryInitial), o.NextAttemptAt)

	// still backing off: nothing moves
	require.Zero(t, h.solver.Tick(context.Background()))

	h.clock = h.clock.Add(time.Minute)
	require.Equal(t, 2, h.solver.Tick(context.Background()))
	require.Equal(t, []uint32{0, 1}, h.settler.fulfilledNonces())
}

func TestNonStrictSkipsFailingOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictFIFO = false
	h := newHarness(t, cfg)
	h.addOrder(t, 0)
	h.addOrder(t, 1)
	h.settler.allowanceErr = 1

	require.Equal(t, 1, h.solver.Tick(context.Background()))
	require.Equal(t, []uint32{1}, h.settler.fulfilledNonces())
	require.Equal(t, 1, h.store.Len())
}

func TestOrderFailsAfterMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	h := newHarness(t, cfg)
	o := h.addOrder(t, 0)
	h.settler.allowanceErr = 100

	for i := 0; i < 3; i++ {
		h.solver.Tick(context.Background())
		h.clock = h.clock.Add(time.Hour)
	}
	require.Zero(t, h.store.Len())
	stored, err := h.store.Get(o.Hash)
	require.NoError(t, err)
	require.Equal(t, order.StatusFailed, stored.Status)
	require.Equal(t, 3, stored.Attempts)
	require.Equal(t, 1, h.store.Stats().Failed)
}

func TestProofMismatchStopsBeforeChain(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	o := h.addOrder(t, 0)
	h.log.tamper = true

	require.Zero(t, h.solver.Tick(context.Background()))
	require.Equal(t, []string{"allowance"}, h.settler.calls)
	stored, err := h.store.Get(o.Hash)
	require.NoError(t, err)
	require.Equal(t, order.StatusProving, stored.Status)
	require.Contains(t, stored.LastError, ErrProofMismatch.Error())
}

func TestWaitsForSourceRoot(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	o := h.addOrder(t, 0)
	stale := merkle.EmptyRoot(merkle.DefaultHeight)
	h.settler.sourceRoot = &stale

	require.Zero(t, h.solver.Tick(context.Background()))
	stored, err := h.store.Get(o.Hash)
	require.NoError(t, err)
	require.Equal(t, order.StatusProving, stored.Status)
	require.Zero(t, stored.Attempts)
	require.Equal(t, h.clock.Add(DefaultFillInterval), stored.NextAttemptAt)

	h.settler.sourceRoot = nil
	h.clock = h.clock.Add(DefaultFillInterval)
	require.Equal(t, 1, h.solver.Tick(context.Background()))
	require.Equal(t, 2, h.log.queries)
}

func TestForeignDestinationFailsWithoutChainCalls(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	foreign := h.addOrder(t, 0)
	foreign.Destination = 999
	require.NoError(t, h.store.Update(foreign))
	h.addOrder(t, 1)

	// the foreign order leaves the queue at once and does not hold back the next one
	require.Equal(t, 1, h.solver.Tick(context.Background()))
	require.Equal(t, []uint32{1}, h.settler.fulfilledNonces())
	require.Equal(t, []string{"allowance", "orderRoot", "hubRoot", "destRoot", "fulfil"}, h.settler.calls)

	stored, err := h.store.Get(foreign.Hash)
	require.NoError(t, err)
	require.Equal(t, order.StatusFailed, stored.Status)
	require.Zero(t, stored.Attempts)
	require.Contains(t, stored.LastError, ErrWrongDestination.Error())
	require.Contains(t, stored.LastError, "999")
	require.Equal(t, 1, h.store.Stats().Failed)
}

func TestDivergedSourceRootEventuallyFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.MaxRootWaits = 3
	h := newHarness(t, cfg)
	o := h.addOrder(t, 0)
	h.addOrder(t, 1)
	foreign := common.Keccak256([]byte("foreign root"))
	h.settler.sourceRoot = &foreign

	ticks := 0
	for h.store.Stats().Failed == 0 && ticks < 1000 {
		h.solver.Tick(context.Background())
		h.clock = h.clock.Add(time.Hour)
		ticks++
	}
	// MaxRootWaits waits per attempt, MaxAttempts attempts
	require.Equal(t, 6, ticks)
	require.Equal(t, 6, h.log.queries)
	require.Empty(t, h.settler.fulfilledNonces())

	stored, err := h.store.Get(o.Hash)
	require.NoError(t, err)
	require.Equal(t, order.StatusFailed, stored.Status)
	require.Equal(t, 2, stored.Attempts)
	require.Contains(t, stored.LastError, ErrRootBehind.Error())
	require.Equal(t, 6.0, solverLoopErrors(t, h.metrics))

	// the next order is no longer held back once the source root catches up
	h.settler.sourceRoot = nil
	require.Equal(t, 1, h.solver.Tick(context.Background()))
	require.Equal(t, []uint32{1}, h.settler.fulfilledNonces())
}

func TestRevertedFulfilIsResubmitted(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	o := h.addOrder(t, 0)
	h.settler.revertNext = true

	require.Zero(t, h.solver.Tick(context.Background()))
	stored, err := h.store.Get(o.Hash)
	require.NoError(t, err)
	require.Equal(t, order.StatusSettling, stored.Status)
	require.Equal(t, common.Hash{}, stored.FulfilTx)
	require.ErrorContains(t, errors.New(stored.LastError), "reverted")

	h.clock = h.clock.Add(time.Minute)
	require.Equal(t, 1, h.solver.Tick(context.Background()))
	require.Equal(t, []uint32{0, 0}, h.settler.fulfilledNonces())
}

func TestResumeChecksRecordedFulfil(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	o := h.addOrder(t, 0)
	h.settler.waitErr = context.DeadlineExceeded

	// the fulfil is mined but the wait gives up; the tx hash is already recorded
	require.Zero(t, h.solver.Tick(context.Background()))
	stored, err := h.store.Get(o.Hash)
	require.NoError(t, err)
	require.Equal(t, order.StatusSettling, stored.Status)
	require.NotEqual(t, common.Hash{}, stored.FulfilTx)

	// a restarted solver over the reloaded store finds the receipt instead of fulfilling again
	store := order.NewStore(h.persist)
	require.NoError(t, store.Load())
	h.settler.waitErr = nil
	restarted := New(DefaultConfig(), h.log, h.settler, store, metrics.New("restarted"))
	restarted.now = func() time.Time { return h.clock.Add(time.Hour) }
	require.Equal(t, 1, restarted.Tick(context.Background()))
	require.Len(t, h.settler.fulfilledNonces(), 1)
	require.Equal(t, "receipt", h.settler.calls[len(h.settler.calls)-1])
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FillInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	h.solver.now = time.Now
	h.addOrder(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.solver.Run(ctx) }()
	require.Eventually(t, func() bool { return h.store.Stats().Settled == 1 }, 5*time.Second, 10*time.Millisecond)
	require.True(t, h.solver.IsRunning())
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.False(t, h.solver.IsRunning())
}

func TestRetryDelayGrowsToMax(t *testing.T) {
	s := New(Config{RetryInitial: time.Second, RetryMax: 5 * time.Second}, nil, nil, order.NewStore(nil), nil)
	require.Equal(t, time.Second, s.retryDelay(1))
	require.Equal(t, 1500*time.Millisecond, s.retryDelay(2))
	require.Equal(t, 5*time.Second, s.retryDelay(10))
}

func solverLoopErrors(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "test_loop_errors_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "loop" && l.GetValue() == "solver" {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
