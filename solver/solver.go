// Package solver settles indexed orders on the destination chain. Each order moves through an
// explicit status machine, Pending -> Proving -> Settling -> Settled, and ends in Failed once it
// runs out of attempts. Orders are taken in commitment index order.
package solver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/colorfulnotion/reimann/chain"
	"github.com/colorfulnotion/reimann/common"
	log "github.com/colorfulnotion/reimann/log"
	"github.com/colorfulnotion/reimann/merkle"
	"github.com/colorfulnotion/reimann/metrics"
	"github.com/colorfulnotion/reimann/order"
	"github.com/colorfulnotion/reimann/smt"
	"github.com/colorfulnotion/reimann/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrProofMismatch means the service returned a proof that does not place the order hash at
	// its index under the root served with it.
	ErrProofMismatch = errors.New("solver: proof does not verify")
	// ErrRootBehind means the source settler's root does not cover the order yet.
	ErrRootBehind = errors.New("solver: source order root does not include order")
	// ErrWrongDestination means the order asks for a chain this solver does not fill on.
	ErrWrongDestination = errors.New("solver: order destination is not the configured destination chain")
)

// Configuration defaults
const (
	DefaultFillInterval = 2 * time.Second
	DefaultMaxAttempts  = 5
	DefaultMaxRootWaits = 30
	DefaultStepTimeout  = 3 * time.Minute
	DefaultRetryInitial = 2 * time.Second
	DefaultRetryMax     = time.Minute
)

// Step names used for spans and metrics.
const (
	stepAllowance = "allowance"
	stepProve     = "prove"
	stepSettle    = "settle"
)

// CommitmentLog serves inclusion proofs. *smt.Client implements it.
type CommitmentLog interface {
	Query(ctx context.Context, index uint64) (*smt.QueryResponse, error)
}

// Settler performs the on-chain steps. *chain.Settlement implements it.
type Settler interface {
	SourceChainID() uint64
	DestinationChainID() uint64
	EnsureAllowance(ctx context.Context, token common.Address, amount *uint256.Int, mint bool) error
	SourceOrderRoot(ctx context.Context) (common.Hash, error)
	UpdateHubRoot(ctx context.Context, source uint64, root common.Hash) error
	UpdateDestinationRoot(ctx context.Context, source uint64, root common.Hash) error
	SubmitFulfil(ctx context.Context, call *chain.FulfilCall) (common.Hash, error)
	WaitFulfil(ctx context.Context, tx common.Hash) error
	FulfilReceipt(ctx context.Context, tx common.Hash) (*types.Receipt, error)
}

type Config struct {
	FillInterval time.Duration
	MaxAttempts  int
	MaxRootWaits int  // fill intervals waiting for the source root that count as one attempt
	MintOnDemand bool // top up the solver's destination token balance (sandbox tokens)
	StrictFIFO   bool // a failing order holds back every later order
	StepTimeout  time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func DefaultConfig() Config {
	return Config{
		FillInterval: DefaultFillInterval,
		MaxAttempts:  DefaultMaxAttempts,
		MaxRootWaits: DefaultMaxRootWaits,
		MintOnDemand: true,
		StrictFIFO:   true,
		StepTimeout:  DefaultStepTimeout,
		RetryInitial: DefaultRetryInitial,
		RetryMax:     DefaultRetryMax,
	}
}

// Solver drives pending orders to settlement on a fixed interval.
type Solver struct {
	mu sync.RWMutex

	cfg     Config
	log     CommitmentLog
	settler Settler
	store   *order.Store
	metrics *metrics.Metrics

	// proofs fetched in Proving, keyed by order hash; only touched by the tick loop
	proofs map[common.Hash]merkle.Proof

	stopCh  chan struct{}
	running bool
	now     func() time.Time
}

func New(cfg Config, commitments CommitmentLog, settler Settler, store *order.Store, m *metrics.Metrics) *Solver {
	def := DefaultConfig()
	if cfg.FillInterval <= 0 {
		cfg.FillInterval = def.FillInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxRootWaits <= 0 {
		cfg.MaxRootWaits = def.MaxRootWaits
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	if m == nil {
		m = metrics.New(metrics.DefaultNamespace)
	}
	return &Solver{
		cfg:     cfg,
		log:     commitments,
		settler: settler,
		store:   store,
		metrics: m,
		proofs:  make(map[common.Hash]merkle.Proof),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Run processes orders every FillInterval until ctx is cancelled or Stop is called.
func (s *Solver) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("solver: already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	log.Info(log.Solver, "Solver: Starting",
		"source", s.settler.SourceChainID(),
		"fillInterval", s.cfg.FillInterval,
		"strictFIFO", s.cfg.StrictFIFO)

	ticker := time.NewTicker(s.cfg.FillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop ends a running loop.
func (s *Solver) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false

	log.Info(log.Solver, "Solver: Stopped")
}

func (s *Solver) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Tick takes one pass over the pending orders in index order and returns how many settled.
func (s *Solver) Tick(ctx context.Context) int {
	defer s.reportStats()

	settled := 0
	for _, o := range s.store.Pending() {
		if ctx.Err() != nil {
			return settled
		}
		if dest := s.settler.DestinationChainID(); o.Destination != dest {
			s.fail(o, fmt.Errorf("%w: order wants chain %d, solver fills chain %d", ErrWrongDestination, o.Destination, dest))
			continue
		}
		if o.NextAttemptAt.After(s.now()) {
			if s.cfg.StrictFIFO {
				return settled
			}
			continue
		}
		err := s.advance(ctx, o)
		if err == nil {
			settled++
			continue
		}
		s.retryLater(o, err)
		if s.cfg.StrictFIFO {
			return settled
		}
	}
	return settled
}

// advance runs o's remaining steps until it settles or a step fails.
func (s *Solver) advance(ctx context.Context, o *order.Order) error {
	for {
		var err error
		switch o.Status {
		case order.StatusPending:
			err = s.step(ctx, stepAllowance, o, s.ensureAllowance)
		case order.StatusProving:
			err = s.step(ctx, stepProve, o, s.prove)
		case order.StatusSettling:
			err = s.step(ctx, stepSettle, o, s.settle)
		case order.StatusSettled:
			delete(s.proofs, o.Hash)
			s.metrics.IncOrdersSettled()
			log.Info(log.Solver, "Order settled", "hash", o.Hash.Hex(), "index", o.Index, "fulfilTx", o.FulfilTx.Hex(), "attempts", o.Attempts)
			return nil
		default:
			return fmt.Errorf("order %s in unexpected status %s", o.Hash.Hex(), o.Status)
		}
		if err != nil {
			return err
		}
	}
}

// step runs fn under a span and a timeout and persists the order's new status.
func (s *Solver) step(ctx context.Context, name string, o *order.Order, fn func(context.Context, *order.Order) error) (err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "solver", "solver."+name,
		attribute.String("order", o.Hash.Hex()),
		attribute.Int64("index", int64(o.Index)))
	defer func() {
		s.metrics.ObserveStep(name, time.Since(start))
		tracing.End(span, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	if err := fn(ctx, o); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return s.store.Update(o)
}

func (s *Solver) ensureAllowance(ctx context.Context, o *order.Order) error {
	if err := s.settler.EnsureAllowance(ctx, o.ToToken, o.MinAmountOut, s.cfg.MintOnDemand); err != nil {
		return err
	}
	o.Status = order.StatusProving
	return nil
}

// prove fetches the order's inclusion proof and checks it offline before anything is sent.
func (s *Solver) prove(ctx context.Context, o *order.Order) error {
	resp, err := s.log.Query(ctx, o.Index)
	if err != nil {
		return err
	}
	if !merkle.VerifyProof(o.Hash, o.Index, resp.Root, resp.Proof) {
		return fmt.Errorf("%w: index %d root %s", ErrProofMismatch, o.Index, resp.Root.Hex())
	}
	s.proofs[o.Hash] = resp.Proof
	o.ProofRoot = resp.Root
	o.Status = order.StatusSettling
	log.Debug(log.Solver, "Proof verified", "hash", o.Hash.Hex(), "index", o.Index, "root", resp.Root.Hex())
	return nil
}

// settle propagates the source root and fulfils the order on the destination.
func (s *Solver) settle(ctx context.Context, o *order.Order) error {
	if o.FulfilTx != (common.Hash{}) {
		done, err := s.resume(ctx, o)
		if done || err != nil {
			return err
		}
	}

	proof, ok := s.proofs[o.Hash]
	if !ok {
		// restarted in Settling
		o.Status = order.StatusProving
		return nil
	}
	source := o.Source
	if source == 0 {
		source = s.settler.SourceChainID()
	}

	root, err := s.settler.SourceOrderRoot(ctx)
	if err != nil {
		return err
	}
	if !merkle.VerifyProof(o.Hash, o.Index, root, proof) {
		// the proof is tied to the service root; fetch a fresh one against the next root
		delete(s.proofs, o.Hash)
		o.Status = order.StatusProving
		return fmt.Errorf("%w: source root %s", ErrRootBehind, root.Hex())
	}
	o.RootWaits = 0
	if err := s.settler.UpdateHubRoot(ctx, source, root); err != nil {
		return fmt.Errorf("hub root: %w", err)
	}
	if err := s.settler.UpdateDestinationRoot(ctx, source, root); err != nil {
		return fmt.Errorf("destination root: %w", err)
	}

	call, err := chain.NewFulfilCall(o, source, proof)
	if err != nil {
		return err
	}
	tx, err := s.settler.SubmitFulfil(ctx, call)
	if err != nil {
		return fmt.Errorf("fulfil: %w", err)
	}
	o.FulfilTx = tx
	o.ProofRoot = root
	if err := s.store.Update(o); err != nil {
		return err
	}
	log.Info(log.Solver, "Submitted fulfil", "hash", o.Hash.Hex(), "index", o.Index, "tx", tx.Hex())

	if err := s.settler.WaitFulfil(ctx, tx); err != nil {
		if errors.Is(err, chain.ErrReverted) {
			o.FulfilTx = common.Hash{}
		}
		return err
	}
	o.Status = order.StatusSettled
	return nil
}

// resume checks a fulfil recorded by an earlier attempt. It reports done when that fulfil
// succeeded; a revert clears it so the order is fulfilled again.
func (s *Solver) resume(ctx context.Context, o *order.Order) (bool, error) {
	receipt, err := s.settler.FulfilReceipt(ctx, o.FulfilTx)
	if err != nil {
		return false, err
	}
	if receipt == nil {
		if err := s.settler.WaitFulfil(ctx, o.FulfilTx); err != nil {
			if errors.Is(err, chain.ErrReverted) {
				o.FulfilTx = common.Hash{}
				return false, nil
			}
			return false, err
		}
		o.Status = order.StatusSettled
		return true, nil
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		log.Info(log.Solver, "Recorded fulfil already mined", "hash", o.Hash.Hex(), "tx", o.FulfilTx.Hex())
		o.Status = order.StatusSettled
		return true, nil
	}
	log.Warn(log.Solver, "Recorded fulfil reverted, resubmitting", "hash", o.Hash.Hex(), "tx", o.FulfilTx.Hex())
	o.FulfilTx = common.Hash{}
	return false, nil
}

// retryLater records a failed step. ErrRootBehind waits one fill interval for the next root;
// MaxRootWaits such waits in a row use up an attempt, as does every other error.
func (s *Solver) retryLater(o *order.Order, cause error) {
	o.LastError = cause.Error()
	s.metrics.IncLoopErrors("solver")

	if errors.Is(cause, ErrRootBehind) {
		o.RootWaits++
		if o.RootWaits < s.cfg.MaxRootWaits {
			o.NextAttemptAt = s.now().Add(s.cfg.FillInterval)
			log.Debug(log.Solver, "Waiting for source root", "hash", o.Hash.Hex(), "index", o.Index, "waits", o.RootWaits)
			s.save(o)
			return
		}
		o.RootWaits = 0
	}

	o.Attempts++
	if o.Attempts >= s.cfg.MaxAttempts {
		s.fail(o, cause)
		return
	}
	o.NextAttemptAt = s.now().Add(s.retryDelay(o.Attempts))
	log.Warn(log.Solver, "Order step failed", "hash", o.Hash.Hex(), "index", o.Index, "status", o.Status,
		"attempts", o.Attempts, "retryAt", o.NextAttemptAt, "err", cause)
	s.save(o)
}

// fail moves o to Failed for good.
func (s *Solver) fail(o *order.Order, cause error) {
	o.Status = order.StatusFailed
	o.LastError = cause.Error()
	delete(s.proofs, o.Hash)
	s.metrics.IncOrdersFailed()
	log.Error(log.Solver, "Order failed", "hash", o.Hash.Hex(), "index", o.Index, "attempts", o.Attempts, "err", cause)
	s.save(o)
}

func (s *Solver) save(o *order.Order) {
	if err := s.store.Update(o); err != nil {
		log.Error(log.Solver, "Cannot record order state", "hash", o.Hash.Hex(), "status", o.Status, "err", err)
	}
}

// retryDelay is the exponential backoff interval after the given number of attempts.
func (s *Solver) retryDelay(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryInitial
	bo.MaxInterval = s.cfg.RetryMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	d := bo.InitialInterval
	for i := 0; i < attempts; i++ {
		d = bo.NextBackOff()
	}
	return d
}

func (s *Solver) reportStats() {
	stats := s.store.Stats()
	s.metrics.SetOrdersByStatus(order.StatusPending.String(), stats.Pending)
	s.metrics.SetOrdersByStatus(order.StatusProving.String(), stats.Proving)
	s.metrics.SetOrdersByStatus(order.StatusSettling.String(), stats.Settling)
	s.metrics.SetOrdersByStatus(order.StatusSettled.String(), stats.Settled)
	s.metrics.SetOrdersByStatus(order.StatusFailed.String(), stats.Failed)
}
