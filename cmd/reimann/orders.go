package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/colorfulnotion/reimann/common"
	"github.com/colorfulnotion/reimann/config"
	"github.com/colorfulnotion/reimann/order"
	"github.com/colorfulnotion/reimann/storage"
	"github.com/spf13/cobra"
)

// openOrderStore opens the solver's order database. The solver must not be running: LevelDB
// holds an exclusive lock on the directory.
func openOrderStore(cfg *config.Config, dataDir string) (*order.Store, *storage.PersistenceStore, error) {
	if dataDir == "" {
		dataDir = cfg.Solver.DataDir
	}
	if dataDir == "" {
		return nil, nil, errors.New("no solver data dir configured; set --data-dir or solver.data_dir")
	}
	ps, err := storage.NewPersistenceStore(dataDir)
	if err != nil {
		return nil, nil, err
	}
	store := order.NewStore(ps)
	if err := store.Load(); err != nil {
		ps.Close()
		return nil, nil, err
	}
	return store, ps, nil
}

func newOrderListCmd(flags *globalFlags) *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the solver's pending orders in settlement order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			store, ps, err := openOrderStore(cfg, dataDir)
			if err != nil {
				return err
			}
			defer ps.Close()

			stored, err := ps.CountPrefix(storage.OrderPrefix())
			if err != nil {
				return err
			}
			stats := store.Stats()
			out := struct {
				Store   string         `json:"store"`
				Stored  int            `json:"stored"`
				Settled int            `json:"settled"`
				Failed  int            `json:"failed"`
				Pending []*order.Order `json:"pending"`
			}{ps.Path(), stored, stats.Settled, stats.Failed, store.Pending()}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Solver data dir (default: solver.data_dir)")
	return cmd
}

func newOrderDropCmd(flags *globalFlags) *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "drop <order-hash>",
		Short: "Remove a stuck pending order so later orders can settle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			h, err := common.ParseHash(args[0])
			if err != nil {
				return err
			}
			store, ps, err := openOrderStore(cfg, dataDir)
			if err != nil {
				return err
			}
			defer ps.Close()

			if err := store.Remove(h); err != nil {
				return fmt.Errorf("drop %s: %w", h.Hex(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %s, %d pending\n", h.Hex(), store.Len())
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Solver data dir (default: solver.data_dir)")
	return cmd
}

func newOrderClearCmd(flags *globalFlags) *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every pending order; settled and failed records are kept",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			store, ps, err := openOrderStore(cfg, dataDir)
			if err != nil {
				return err
			}
			defer ps.Close()

			n := store.Len()
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d pending orders\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Solver data dir (default: solver.data_dir)")
	return cmd
}
