package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/colorfulnotion/reimann/chain"
	"github.com/colorfulnotion/reimann/common"
	"github.com/colorfulnotion/reimann/config"
	log "github.com/colorfulnotion/reimann/log"
	"github.com/colorfulnotion/reimann/metrics"
	"github.com/colorfulnotion/reimann/order"
	"github.com/colorfulnotion/reimann/smt"
	"github.com/colorfulnotion/reimann/solver"
	"github.com/colorfulnotion/reimann/storage"
	"github.com/colorfulnotion/reimann/watcher"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunSMTCmd(flags *globalFlags) *cobra.Command {
	var (
		addr    string
		dataDir string
	)
	cmd := &cobra.Command{
		Use:   "smt",
		Short: "Run the commitment log service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.SMT.Addr = addr
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.SMT.DataDir = dataDir
			}
			cfg.Tracing.ServiceName = "reimann-smt"
			defer startTracing(cfg)()

			ctx, stop := signalContext()
			defer stop()

			ps, err := storage.NewPersistenceStore(cfg.SMT.DataDir)
			if err != nil {
				return err
			}
			defer ps.Close()

			svc, err := smt.NewService(cfg.SMT, ps, metrics.New(cfg.Metrics.Namespace))
			if err != nil {
				return err
			}
			log.Info(log.Relayer, "Starting commitment log service",
				"addr", cfg.SMT.Addr,
				"height", cfg.SMT.Height,
				"dataDir", cfg.SMT.DataDir,
				"leaves", svc.Len(),
				"root", svc.Root().Hex())
			err = smt.NewServer(ctx, svc).ListenAndServe(ctx, cfg.SMT.Addr)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", smt.DefaultAddr, "Listen address")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "LevelDB directory for leaves (empty: in memory)")
	return cmd
}

func newRunSolverCmd(flags *globalFlags) *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "solver",
		Short: "Run the order watcher and the fulfillment engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Solver.DataDir = dataDir
			}
			cfg.Tracing.ServiceName = "reimann-solver"
			defer startTracing(cfg)()

			ctx, stop := signalContext()
			defer stop()
			return runSolver(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "LevelDB directory for orders and the watcher cursor (empty: in memory)")
	return cmd
}

func runSolver(ctx context.Context, cfg *config.Config) error {
	contracts, err := cfg.ResolveContracts()
	if err != nil {
		return err
	}
	chains, err := connectChains(ctx, cfg)
	if err != nil {
		return err
	}
	defer chains.Close()

	ps, err := storage.NewPersistenceStore(cfg.Solver.DataDir)
	if err != nil {
		return err
	}
	defer ps.Close()

	store := order.NewStore(ps)
	if err := store.Load(); err != nil {
		return err
	}
	reader, err := chain.NewReader(ctx, "source", chains.sourceClient)
	if err != nil {
		return err
	}

	m := metrics.New(cfg.Metrics.Namespace)
	client := smt.NewClient(cfg.SMT.URL, cfg.Solver.RPCTimeout.Duration())
	settlement := chain.NewSettlement(chains.hub, chains.source, chains.destination, contracts)
	w := watcher.New(cfg.Solver.Watcher(contracts.SourceSettler), reader, client, store, ps, m)
	s := solver.New(cfg.Solver.Engine(), client, settlement, store, m)

	log.Info(log.Relayer, "Starting solver",
		"solver", settlement.Solver().Hex(),
		"sourceSettler", contracts.SourceSettler.Hex(),
		"destinationSettler", contracts.DestinationSettler.Hex(),
		"hubSettler", contracts.HubSettler.Hex(),
		"smt", cfg.SMT.URL,
		"pending", store.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return s.Run(gctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.ListenAddr, m.Handler()) })
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info(log.Relayer, "Solver stopped", "pending", store.Len())
		return nil
	}
	return err
}

// chainSet holds one signer per chain, all with the solver key.
type chainSet struct {
	hub, source, destination *chain.Transactor
	sourceClient             *ethclient.Client
	clients                  []*ethclient.Client
}

func (c *chainSet) Close() {
	for _, client := range c.clients {
		client.Close()
	}
}

// connectChains dials the three chains and checks each reports its configured chain id.
func connectChains(ctx context.Context, cfg *config.Config) (*chainSet, error) {
	key, _, err := common.LoadSigningKey(cfg.Solver.PrivateKey)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Solver.RPCTimeout.Duration()
	set := &chainSet{}

	for _, c := range []struct {
		name   string
		cfg    config.ChainConfig
		signer **chain.Transactor
	}{
		{"hub", cfg.Chains.Hub, &set.hub},
		{"source", cfg.Chains.Source, &set.source},
		{"destination", cfg.Chains.Destination, &set.destination},
	} {
		t, client, err := dialTransactor(ctx, c.name, c.cfg, key, timeout)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.clients = append(set.clients, client)
		*c.signer = t
		if c.name == "source" {
			set.sourceClient = client
		}
	}
	return set, nil
}

// dialTransactor connects to one chain and binds key to it.
func dialTransactor(ctx context.Context, name string, cc config.ChainConfig, key *ecdsa.PrivateKey, timeout time.Duration) (*chain.Transactor, *ethclient.Client, error) {
	client, err := chain.Dial(ctx, cc.RPCURL, timeout)
	if err != nil {
		return nil, nil, err
	}
	idCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t, err := chain.NewTransactor(idCtx, name, client, key)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	if t.ChainID() != cc.ChainID {
		client.Close()
		return nil, nil, fmt.Errorf("%s: %s reports chain id %d, configured %d", name, cc.RPCURL, t.ChainID(), cc.ChainID)
	}
	return t, client, nil
}

// serveMetrics serves the Prometheus endpoint until ctx is done.
func serveMetrics(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info(log.Relayer, "Serving metrics", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}
