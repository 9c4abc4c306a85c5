package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/reimann/chain"
	"github.com/colorfulnotion/reimann/common"
	"github.com/colorfulnotion/reimann/merkle"
	"github.com/colorfulnotion/reimann/smt"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
)

func newProofCmd(flags *globalFlags) *cobra.Command {
	var (
		index   uint64
		leafHex string
		asTree  bool
	)
	cmd := &cobra.Command{
		Use:   "proof",
		Short: "Fetch an inclusion proof and verify it offline",
		Long: "Fetches the proof for --index from the commitment log service. With --leaf the proof is " +
			"verified against the returned root; --leaf alone looks the index up first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("index") && leafHex == "" {
				return errors.New("one of --index or --leaf is required")
			}
			ctx, stop := signalContext()
			defer stop()
			client := smt.NewClient(cfg.SMT.URL, cfg.Solver.RPCTimeout.Duration())

			var leaf common.Hash
			if leafHex != "" {
				if leaf, err = common.ParseHash(leafHex); err != nil {
					return err
				}
				if !cmd.Flags().Changed("index") {
					if index, err = client.Lookup(ctx, leaf); err != nil {
						return err
					}
				}
			}
			resp, err := client.Query(ctx, index)
			if err != nil {
				return err
			}
			out := struct {
				Index    uint64       `json:"index"`
				Leaf     *common.Hash `json:"leaf,omitempty"`
				Root     common.Hash  `json:"root"`
				Proof    merkle.Proof `json:"proof"`
				Verified *bool        `json:"verified,omitempty"`
			}{Index: index, Root: resp.Root, Proof: resp.Proof}
			if leafHex != "" {
				ok := merkle.VerifyProof(leaf, index, resp.Root, resp.Proof)
				out.Leaf, out.Verified = &leaf, &ok
			}
			if asTree {
				fmt.Fprintln(cmd.OutOrStdout(), proofTree(index, out.Leaf, resp.Root, resp.Proof).String())
			} else {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			}
			if out.Verified != nil && !*out.Verified {
				return fmt.Errorf("proof for index %d does not verify against %s", index, resp.Root.Hex())
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&index, "index", 0, "Leaf index")
	cmd.Flags().StringVar(&leafHex, "leaf", "", "Leaf (order hash) to verify, 32-byte hex")
	cmd.Flags().BoolVar(&asTree, "tree", false, "Print the authentication path as a tree instead of JSON")
	return cmd
}

// proofTree renders the path from the root down to the leaf; each level names the sibling
// and the side it hashes in from.
func proofTree(index uint64, leaf *common.Hash, root common.Hash, proof merkle.Proof) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("root %s", root.String_short()))
	branch := tree
	for level := len(proof) - 1; level >= 0; level-- {
		side := "right"
		if (index>>uint(level))&1 == 1 {
			side = "left"
		}
		branch = branch.AddBranch(fmt.Sprintf("level %d sibling %s (%s)", level, proof[level].String_short(), side))
	}
	if leaf != nil {
		branch.AddNode(fmt.Sprintf("leaf #%d %s", index, leaf.String_short()))
	} else {
		branch.AddNode(fmt.Sprintf("leaf #%d", index))
	}
	return tree
}

func newFeedCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "feed",
		Short: "Print commitment log appends as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = smt.NewClient(cfg.SMT.URL, cfg.Solver.RPCTimeout.Duration()).Subscribe(ctx, func(ev smt.FeedEvent) {
				enc.Encode(ev)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newOrderSendCmd(flags *globalFlags) *cobra.Command {
	var (
		amountIn     uint64
		minAmountOut uint64
		recipientHex string
		deadline     time.Duration
		mint         bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Approve the source settler and send an order on the source chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			contracts, err := cfg.ResolveContracts()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			key, _, err := common.LoadSigningKey(cfg.Solver.PrivateKey)
			if err != nil {
				return err
			}
			source, client, err := dialTransactor(ctx, "source", cfg.Chains.Source, key, cfg.Solver.RPCTimeout.Duration())
			if err != nil {
				return err
			}
			defer client.Close()

			recipient := source.From()
			if recipientHex != "" {
				if !common.IsHexAddress(recipientHex) {
					return fmt.Errorf("invalid recipient %q", recipientHex)
				}
				recipient = common.HexToAddress(recipientHex)
			}
			if minAmountOut == 0 {
				minAmountOut = amountIn
			}
			amount := uint256.NewInt(amountIn)
			if mint {
				if _, err := source.Transact(ctx, contracts.SourceToken, chain.MockERC20ABI, "mint", source.From().Eth(), amount.ToBig()); err != nil {
					return fmt.Errorf("mint: %w", err)
				}
			}

			call := &chain.SendCall{
				FillDeadline: uint32(time.Now().Add(deadline).Unix()),
				FromToken:    contracts.SourceToken,
				ToToken:      contracts.DestinationToken,
				Recipient:    recipient,
				AmountIn:     amount,
				MinAmountOut: uint256.NewInt(minAmountOut),
				Destination:  cfg.Chains.Destination.ChainID,
			}
			orderHash, err := chain.SendOrder(ctx, source, contracts.SourceSettler, call)
			if err != nil {
				return err
			}
			fmt.Printf("order %s sent on chain %d to chain %d\n", orderHash.Hex(), source.ChainID(), call.Destination)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&amountIn, "amount", 1_000_000_000_000_000_000, "Amount of the source token to send")
	cmd.Flags().Uint64Var(&minAmountOut, "min-out", 0, "Minimum destination amount (default: --amount)")
	cmd.Flags().StringVar(&recipientHex, "recipient", "", "Destination recipient (default: the sender)")
	cmd.Flags().DurationVar(&deadline, "deadline", time.Hour, "Fill deadline from now")
	cmd.Flags().BoolVar(&mint, "mint", true, "Mint the source amount first (sandbox tokens)")
	return cmd
}
