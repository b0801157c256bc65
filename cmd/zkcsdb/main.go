// Command zkcsdb inspects and bootstraps a consensus store database.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dutterbutter/zksync-era/consensus"
	"github.com/dutterbutter/zksync-era/csqlite"
	"github.com/dutterbutter/zksync-era/ctypes"
)

func main() {
	if err := mainE(); err != nil {
		os.Exit(1)
	}
}

func mainE() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	root := NewRootCmd(logger)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Info("Failure", "err", err)
		return err
	}

	return nil
}

func NewRootCmd(log *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use: "zkcsdb SUBCOMMAND",

		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},

		Long: `zkcsdb inspects and bootstraps the SQLite database backing the consensus store.

It is an operator tool: the running node accesses the same database through
the consensus bridge, not through this command.
`,
	}

	rootCmd.AddCommand(
		newStateCmd(log),
		newBlockCmd(log),
		newReplicaCmd(log),
		newInitGenesisCmd(log),
	)

	return rootCmd
}

func openStore(ctx context.Context, log *slog.Logger, cmd *cobra.Command, dbPath string) (*consensus.Store, *csqlite.Pool, error) {
	pool, err := csqlite.NewPool(ctx, log, dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database %q: %w", dbPath, err)
	}

	operatorHex, err := cmd.Flags().GetString("operator")
	if err != nil {
		return nil, nil, err
	}
	operatorAddr, err := hex.DecodeString(operatorHex)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse --operator as hex: %w", err)
	}

	store := consensus.NewStore(log, pool, consensus.StoreConfig{
		OperatorAddr: operatorAddr,
	})
	return store, pool, nil
}

func addOperatorFlag(cmd *cobra.Command) {
	cmd.Flags().String("operator", "", "hex-encoded operator address payloads are attributed to")
}

func newStateCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use: "state DB_PATH",

		Short: "Print the certified block range",

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, pool, err := openStore(ctx, log, cmd, args[0])
			if err != nil {
				return err
			}
			defer pool.Close()

			state, ok, err := store.State(ctx)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no certified blocks (genesis not bootstrapped)")
				return nil
			}

			fmt.Fprintf(
				cmd.OutOrStdout(),
				"certified range: [%d, %d]\n",
				state.First.Message.Number, state.Last.Message.Number,
			)
			return nil
		},
	}
	addOperatorFlag(cmd)
	return cmd
}

func newBlockCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use: "block DB_PATH NUMBER",

		Short: "Print one certified block's certificate and payload hash",

		Args: cobra.ExactArgs(2),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			number, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("failed to parse block number %q: %w", args[1], err)
			}

			store, pool, err := openStore(ctx, log, cmd, args[0])
			if err != nil {
				return err
			}
			defer pool.Close()

			block, ok, err := store.Block(ctx, ctypes.BlockNumber(number))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "block %d not certified\n", number)
				return nil
			}

			fmt.Fprintf(
				cmd.OutOrStdout(),
				"block %d: payload_hash=%x signers=%d\n",
				number,
				block.Justification.Message.PayloadHash,
				block.Justification.Signers.Count(),
			)
			return nil
		},
	}
	addOperatorFlag(cmd)
	return cmd
}

func newReplicaCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use: "replica DB_PATH IDENTITY_HEX",

		Short: "Print the size of the stored replica voting state for a node identity",

		Args: cobra.ExactArgs(2),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			identity, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("failed to parse identity as hex: %w", err)
			}

			pool, err := csqlite.NewPool(ctx, log, args[0])
			if err != nil {
				return fmt.Errorf("failed to open database %q: %w", args[0], err)
			}
			defer pool.Close()

			conn, err := pool.Access(ctx, "zkcsdb")
			if err != nil {
				return err
			}
			defer conn.Release()

			state, err := conn.ReplicaState(ctx, identity)
			if err != nil {
				return err
			}
			if state == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no replica state stored")
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "replica state: %d bytes\n", len(state))
			return nil
		},
	}
	return cmd
}

func newInitGenesisCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use: "init-genesis DB_PATH",

		Short: "Create the genesis certificate if none exists",

		Long: `init-genesis certifies the execution pipeline's current last sealed block
with a certificate over the given validator key set.
Running it against an already bootstrapped database is a no-op.
`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			keysHex, err := cmd.Flags().GetStringSlice("validator-key")
			if err != nil {
				return err
			}
			if len(keysHex) == 0 {
				return fmt.Errorf("at least one --validator-key is required")
			}
			keys := make([][]byte, len(keysHex))
			for i, kh := range keysHex {
				keys[i], err = hex.DecodeString(kh)
				if err != nil {
					return fmt.Errorf("failed to parse --validator-key %q as hex: %w", kh, err)
				}
			}

			store, pool, err := openStore(ctx, log, cmd, args[0])
			if err != nil {
				return err
			}
			defer pool.Close()

			return store.TryInitGenesis(ctx, keys)
		},
	}
	addOperatorFlag(cmd)
	cmd.Flags().StringSlice("validator-key", nil, "hex-encoded validator public key (repeatable)")
	return cmd
}
