// Command inspect prints the agent's persisted state: allocations and their
// rebate totals, vouchers by state, transaction attempts and unresolved claims.
package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/0gfoundation/0g-indexer-agent/internal/chain"
	"github.com/0gfoundation/0g-indexer-agent/internal/config"
	"github.com/0gfoundation/0g-indexer-agent/internal/store"
	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

func main() {
	if err := newRootCmd(openStore).Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore connects to the Redis configured for the agent.
func openStore(ctx context.Context) (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return store.New(rdb), nil
}

func newRootCmd(open func(context.Context) (*store.Store, error)) *cobra.Command {
	var timeout time.Duration

	root := &cobra.Command{
		Use:          "inspect",
		Short:        "Inspect indexer agent state",
		SilenceUsage: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "overall command timeout")

	// withStore runs fn against a freshly opened store under the command timeout.
	withStore := func(fn func(ctx context.Context, st *store.Store, w io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := open(ctx)
			if err != nil {
				return err
			}
			return fn(ctx, st, cmd.OutOrStdout(), args)
		}
	}

	var state string
	var limit int64
	vouchersCmd := &cobra.Command{
		Use:   "vouchers",
		Short: "List vouchers in one state, oldest first",
		RunE: withStore(func(ctx context.Context, st *store.Store, w io.Writer, _ []string) error {
			s := voucher.State(state)
			if !s.Valid() {
				return fmt.Errorf("unknown state %q", state)
			}
			return printVouchers(ctx, st, w, s, limit)
		}),
	}
	vouchersCmd.Flags().StringVar(&state, "state", string(voucher.StatePending), "voucher state")
	vouchersCmd.Flags().Int64Var(&limit, "limit", 50, "maximum vouchers to print (0 = all)")

	root.AddCommand(
		&cobra.Command{
			Use:   "allocations",
			Short: "List allocations with collected and claimed totals",
			RunE:  withStore(printAllocations),
		},
		vouchersCmd,
		&cobra.Command{
			Use:   "summary",
			Short: "Count vouchers per state",
			RunE:  withStore(printSummary),
		},
		&cobra.Command{
			Use:   "attempts <intent-id>",
			Short: "Show the transaction attempts recorded for an intent",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(ctx context.Context, st *store.Store, w io.Writer, args []string) error {
				return printAttempts(ctx, st, w, args[0])
			}),
		},
		&cobra.Command{
			Use:   "batches",
			Short: "List claim batches whose transaction is unresolved",
			RunE:  withStore(printBatches),
		},
		balanceCmd(&timeout),
	)
	return root
}

func balanceCmd(timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the operator account balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c, err := chain.NewClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()
			bal, err := c.OperatorBalance(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "operator:  %s\n", c.OperatorAddress().Hex())
			fmt.Fprintf(cmd.OutOrStdout(), "balance:   %s wei (%s ether)\n", bal, formatEther(bal))
			return nil
		},
	}
}

func printAllocations(ctx context.Context, st *store.Store, w io.Writer, _ []string) error {
	allocs, err := st.ListAllocations(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ALLOCATION\tSTATE\tCOLLECTED\tCLAIMED\tUNCLAIMED")
	for _, a := range allocs {
		unclaimed := new(big.Int).Sub(a.CollectedTotal, a.ClaimedTotal)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID.Hex(), a.State, a.CollectedTotal, a.ClaimedTotal, unclaimed)
	}
	return tw.Flush()
}

func printVouchers(ctx context.Context, st *store.Store, w io.Writer, s voucher.State, limit int64) error {
	vs, err := st.ListByState(ctx, s, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VOUCHER\tALLOCATION\tVALUE\tFAILURES\tCREATED\tREASON")
	for _, v := range vs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			v.ID.Hex(), v.AllocationID.Hex(), v.ClaimValue(), v.Failures,
			v.CreatedAt.UTC().Format(time.RFC3339), v.Reason)
	}
	return tw.Flush()
}

func printSummary(ctx context.Context, st *store.Store, w io.Writer, _ []string) error {
	for _, s := range voucher.AllStates {
		n, err := st.CountByState(ctx, s)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%-11s %d\n", s+":", n)
	}
	return nil
}

func printAttempts(ctx context.Context, st *store.Store, w io.Writer, intentID string) error {
	attempts, err := st.Attempts(ctx, intentID)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Fprintf(w, "no attempts recorded for %s\n", intentID)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNONCE\tFEE\tHASH\tOUTCOME\tSUBMITTED")
	for _, a := range attempts {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
			a.Index, a.Nonce, a.Fee(), a.Hash.Hex(), a.Outcome, a.SubmittedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func printBatches(ctx context.Context, st *store.Store, w io.Writer, _ []string) error {
	batches, err := st.ListBatches(ctx)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintln(w, "no unresolved claims")
		return nil
	}
	for _, b := range batches {
		allocs := make([]string, 0, len(b.Allocations))
		for _, a := range b.Allocations {
			allocs = append(allocs, a.Hex())
		}
		fmt.Fprintf(w, "%s  intent=%s  vouchers=%d  total=%s  allocations=%s\n",
			b.ID, b.IntentID, len(b.VoucherIDs), b.Total, strings.Join(allocs, ","))
	}
	return nil
}

func formatEther(wei *big.Int) string {
	f := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether))
	return f.Text('f', 6)
}
