// Package config loads the relay's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/colorfulnotion/reimann/common"
	log "github.com/colorfulnotion/reimann/log"
	"github.com/colorfulnotion/reimann/merkle"
	"github.com/colorfulnotion/reimann/smt"
	"github.com/colorfulnotion/reimann/solver"
	"github.com/colorfulnotion/reimann/tracing"
	"github.com/colorfulnotion/reimann/watcher"
)

// Sandbox chain ids and endpoints.
const (
	HubChainID         = 31337
	SourceChainID      = 31338
	DestinationChainID = 31339

	DefaultHubRPC         = "http://localhost:8545"
	DefaultSourceRPC      = "http://localhost:8546"
	DefaultDestinationRPC = "http://localhost:8547"

	DefaultDeployment    = "chains/deployments/run-latest.json"
	DefaultMetricsListen = "127.0.0.1:9464"
)

// Config is the main configuration for a relay process.
type Config struct {
	LogLevel   string `toml:"log_level"`
	LogJSON    bool   `toml:"log_json"`
	LogModules string `toml:"log_modules"` // comma separated modules with debug output

	SMT       smt.Config      `toml:"smt"`
	Chains    ChainsConfig    `toml:"chains"`
	Contracts ContractsConfig `toml:"contracts"`
	Solver    SolverConfig    `toml:"solver"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Tracing   tracing.Config  `toml:"tracing"`
}

// ChainConfig locates one chain's JSON-RPC endpoint.
type ChainConfig struct {
	RPCURL  string `toml:"rpc_url"`
	ChainID uint64 `toml:"chain_id"`
}

type ChainsConfig struct {
	Hub         ChainConfig `toml:"hub"`
	Source      ChainConfig `toml:"source"`
	Destination ChainConfig `toml:"destination"`
}

// ContractsConfig holds contract addresses. Addresses set here override the deployment file.
type ContractsConfig struct {
	Deployment         string `toml:"deployment"`
	HubSettler         string `toml:"hub_settler"`
	SourceSettler      string `toml:"source_settler"`
	DestinationSettler string `toml:"destination_settler"`
	SourceToken        string `toml:"source_token"`
	DestinationToken   string `toml:"destination_token"`
}

// SolverConfig configures the watcher and the fulfillment engine.
type SolverConfig struct {
	// PrivateKey signs on all three chains.
	PrivateKey   string   `toml:"private_key"`
	PollInterval Duration `toml:"poll_interval"`
	FillInterval Duration `toml:"fill_interval"`
	MaxAttempts  int      `toml:"max_attempts"`
	// MaxRootWaits fill intervals spent waiting for the source root count as one attempt.
	MaxRootWaits int      `toml:"max_root_waits"`
	MintOnDemand bool     `toml:"mint_on_demand"`
	StrictFIFO   bool     `toml:"strict_fifo"`
	RPCTimeout   Duration `toml:"rpc_timeout"`
	RetryInitial Duration `toml:"retry_initial"`
	RetryMax     Duration `toml:"retry_max"`

	// DataDir holds orders and the watcher cursor; empty keeps them in memory.
	DataDir    string `toml:"data_dir"`
	StartBlock uint64 `toml:"start_block"`
}

type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	Namespace  string `toml:"namespace"`
	ListenAddr string `toml:"listen_addr"`
}

// Duration is a wrapper around time.Duration for TOML unmarshaling.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultConfig targets the local three chain sandbox.
func DefaultConfig() *Config {
	_, devKey := common.GetEVMDevAccount(0)
	return &Config{
		LogLevel: "info",
		SMT:      smt.DefaultConfig(),
		Chains: ChainsConfig{
			Hub:         ChainConfig{RPCURL: DefaultHubRPC, ChainID: HubChainID},
			Source:      ChainConfig{RPCURL: DefaultSourceRPC, ChainID: SourceChainID},
			Destination: ChainConfig{RPCURL: DefaultDestinationRPC, ChainID: DestinationChainID},
		},
		Contracts: ContractsConfig{
			Deployment: DefaultDeployment,
		},
		Solver: SolverConfig{
			PrivateKey:   devKey,
			PollInterval: Duration(watcher.DefaultPollInterval),
			FillInterval: Duration(solver.DefaultFillInterval),
			MaxAttempts:  solver.DefaultMaxAttempts,
			MaxRootWaits: solver.DefaultMaxRootWaits,
			MintOnDemand: true,
			StrictFIFO:   true,
			RPCTimeout:   Duration(30 * time.Second),
			RetryInitial: Duration(solver.DefaultRetryInitial),
			RetryMax:     Duration(solver.DefaultRetryMax),
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			Namespace:  "reimann",
			ListenAddr: DefaultMetricsListen,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// LoadConfig reads path over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.Warn(log.Relayer, "Unknown config keys", "path", path, "keys", fmt.Sprint(undecoded))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// WriteConfigFile writes cfg as TOML.
func WriteConfigFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// Validation errors.
var (
	ErrInvalidHeight      = errors.New("smt height must be between 2 and 63")
	ErrEmptyRPCURL        = errors.New("rpc_url cannot be empty")
	ErrInvalidChainID     = errors.New("chain_id must be positive")
	ErrDuplicateChainID   = errors.New("hub, source and destination chain ids must differ")
	ErrInvalidAddress     = errors.New("not a hex address")
	ErrInvalidInterval    = errors.New("intervals and timeouts must be positive")
	ErrInvalidMaxAttempts = errors.New("max_attempts and max_root_waits must be positive")
	ErrEmptyMetricsListen = errors.New("metrics listen_addr cannot be empty when enabled")
	ErrInvalidSampleRate  = errors.New("tracing sample_rate must be within [0, 1]")
	ErrUnknownExporter    = errors.New("tracing exporter must be one of: none, stdout, otlp-http")
)

func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.SMT.Height < 2 || c.SMT.Height > merkle.MaxHeight {
		return fmt.Errorf("smt config: %w", ErrInvalidHeight)
	}
	if err := c.Chains.Validate(); err != nil {
		return fmt.Errorf("chains config: %w", err)
	}
	if err := c.Contracts.Validate(); err != nil {
		return fmt.Errorf("contracts config: %w", err)
	}
	if err := c.Solver.Validate(); err != nil {
		return fmt.Errorf("solver config: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics config: %w", ErrEmptyMetricsListen)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing config: %w", ErrInvalidSampleRate)
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp", "otlp-http":
	default:
		return fmt.Errorf("tracing config: %w", ErrUnknownExporter)
	}
	return nil
}

func (c *ChainsConfig) Validate() error {
	for name, ch := range map[string]ChainConfig{"hub": c.Hub, "source": c.Source, "destination": c.Destination} {
		if ch.RPCURL == "" {
			return fmt.Errorf("%s: %w", name, ErrEmptyRPCURL)
		}
		if ch.ChainID == 0 {
			return fmt.Errorf("%s: %w", name, ErrInvalidChainID)
		}
	}
	if c.Hub.ChainID == c.Source.ChainID || c.Hub.ChainID == c.Destination.ChainID || c.Source.ChainID == c.Destination.ChainID {
		return ErrDuplicateChainID
	}
	return nil
}

func (c *ContractsConfig) Validate() error {
	for name, addr := range c.overrides() {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s %q: %w", name, addr, ErrInvalidAddress)
		}
	}
	return nil
}

func (c *ContractsConfig) overrides() map[string]string {
	return map[string]string{
		"hub_settler":         c.HubSettler,
		"source_settler":      c.SourceSettler,
		"destination_settler": c.DestinationSettler,
		"source_token":        c.SourceToken,
		"destination_token":   c.DestinationToken,
	}
}

func (c *SolverConfig) Validate() error {
	if _, _, err := common.LoadSigningKey(c.PrivateKey); err != nil {
		return fmt.Errorf("private_key: %w", err)
	}
	for _, d := range []Duration{c.PollInterval, c.FillInterval, c.RPCTimeout, c.RetryInitial, c.RetryMax} {
		if d <= 0 {
			return ErrInvalidInterval
		}
	}
	if c.MaxAttempts <= 0 || c.MaxRootWaits <= 0 {
		return ErrInvalidMaxAttempts
	}
	return nil
}

// Engine returns the fulfillment engine settings.
func (c *SolverConfig) Engine() solver.Config {
	return solver.Config{
		FillInterval: c.FillInterval.Duration(),
		MaxAttempts:  c.MaxAttempts,
		MaxRootWaits: c.MaxRootWaits,
		MintOnDemand: c.MintOnDemand,
		StrictFIFO:   c.StrictFIFO,
		StepTimeout:  solverStepTimeout(c.RPCTimeout.Duration()),
		RetryInitial: c.RetryInitial.Duration(),
		RetryMax:     c.RetryMax.Duration(),
	}
}

// solverStepTimeout leaves room for the several RPCs and receipt waits in a settle step.
func solverStepTimeout(rpc time.Duration) time.Duration {
	return 6 * rpc
}

// Watcher returns the watcher settings for the given source settler.
func (c *SolverConfig) Watcher(settler common.Address) watcher.Config {
	return watcher.Config{
		Settler:      settler,
		PollInterval: c.PollInterval.Duration(),
		StartBlock:   c.StartBlock,
	}
}
