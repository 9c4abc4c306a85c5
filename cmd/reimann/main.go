// reimann relays cross-rollup orders: it indexes source chain orders in a Merkle commitment
// log and fulfils them on the destination chain with inclusion proofs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/colorfulnotion/reimann/common"
	"github.com/colorfulnotion/reimann/config"
	log "github.com/colorfulnotion/reimann/log"
	"github.com/colorfulnotion/reimann/tracing"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
	debug      string
	smtURL     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "reimann",
		Short:         "Cross-rollup order relay with a Merkle commitment log",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "TOML config file (defaults target the local sandbox)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flags.logJSON, "log-json", false, "Log as JSON")
	rootCmd.PersistentFlags().StringVar(&flags.debug, "debug", "", "Debug modules to enable (smt,watcher,solver,chain,store)")
	rootCmd.PersistentFlags().StringVar(&flags.smtURL, "smt-url", "", "Commitment log service URL")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a relay component",
	}
	runCmd.AddCommand(newRunSMTCmd(&flags), newRunSolverCmd(&flags))

	orderCmd := &cobra.Command{
		Use:   "order",
		Short: "Order tools: send on the source chain, inspect the solver store",
	}
	orderCmd.AddCommand(newOrderSendCmd(&flags), newOrderListCmd(&flags), newOrderDropCmd(&flags), newOrderClearCmd(&flags))

	rootCmd.AddCommand(runCmd, orderCmd, newProofCmd(&flags), newFeedCmd(&flags), newVersionCmd())
	return rootCmd
}

// setup loads the config, applies flag overrides and installs the logger.
func setup(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		loaded, err := config.LoadConfig(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = flags.logJSON
	}
	if cmd.Flags().Changed("debug") {
		cfg.LogModules = flags.debug
	}
	if cmd.Flags().Changed("smt-url") {
		cfg.SMT.URL = flags.smtURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.InitLoggerTo(os.Stderr, cfg.LogLevel, cfg.LogJSON)
	if cfg.LogModules != "" {
		log.EnableModules(cfg.LogModules)
	}
	cfg.Tracing.ServiceVersion = common.Version
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// startTracing installs the process tracer; the returned func flushes it.
func startTracing(cfg *config.Config) func() {
	shutdown, err := tracing.Setup(cfg.Tracing)
	if err != nil {
		log.Warn(log.Relayer, "Tracing disabled", "err", err)
		return func() {}
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn(log.Relayer, "Tracer shutdown", "err", err)
		}
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and commit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reimann %s (commit %s)\n", common.Version, common.GetCommitHash())
		},
	}
}
