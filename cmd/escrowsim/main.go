// Command escrowsim runs a simulated asset-for-cash trade through the lock
// manager and transaction coordinator, optionally injecting failures.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	compensate "github.com/matthew-bo/viz-sub000"
	"github.com/matthew-bo/viz-sub000/internal/inventory"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(viper.New()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "escrowsim",
		Short: "Simulate compensable escrow trades",
		Long: `escrowsim sells one asset from a seller to a buyer as a five-step
transaction (escrow, debit, credit, deliver, settle). Each step locks the
resource it mutates. Use --fail-step and --fail-rollback to watch the
transaction unwind.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cfgFile)
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().BoolP("verbose", "v", false, "log lock and step events to stderr")
	_ = v.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))

	root.AddCommand(newRunCmd(v))
	return root
}

// initConfig reads the config file, if any, and ESCROWSIM_* environment variables.
func initConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix("ESCROWSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", cfgFile, err)
	}
	return nil
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one trade and print the step log and final inventories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrade(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), v)
		},
	}

	flags := cmd.Flags()
	flags.Duration("lock-timeout", 10*time.Second, "lifetime of each step's resource lock")
	flags.Int64("price", 60, "price paid by the buyer")
	flags.Int64("buyer-cash", 100, "buyer's starting cash")
	flags.String("fail-step", "", "step whose forward action fails")
	flags.String("fail-rollback", "", "step whose rollback fails")
	flags.String("tx-id", "", "transaction id (random if empty)")
	flags.Bool("dot", false, "print the transaction as a Graphviz graph")

	for _, name := range []string{"lock-timeout", "price", "buyer-cash", "fail-step", "fail-rollback", "tx-id", "dot"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
	return cmd
}

func runTrade(ctx context.Context, out, errOut io.Writer, v *viper.Viper) error {
	logger := compensate.NewNoOpLogger()
	if v.GetBool("verbose") {
		logger = compensate.NewSlogLogger(slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	svc := inventory.NewService()
	for _, party := range []string{"seller", "buyer"} {
		if err := svc.OpenInventory(party); err != nil {
			return err
		}
	}
	assetID := "asset-" + uuid.NewString()[:8]
	if err := svc.AddAsset("seller", assetID); err != nil {
		return err
	}
	if cash := v.GetInt64("buyer-cash"); cash > 0 {
		if err := svc.Deposit("buyer", cash); err != nil {
			return err
		}
	}

	locks := compensate.NewLockManager(compensate.WithLogger(logger))
	ex := inventory.NewExchange(svc, locks,
		inventory.WithLockTimeout(v.GetDuration("lock-timeout")),
		inventory.WithExchangeLogger(logger),
		inventory.WithFaults(inventory.Faults{
			FailStep:     v.GetString("fail-step"),
			FailRollback: v.GetString("fail-rollback"),
		}),
	)

	tx, runErr := ex.Run(ctx, v.GetString("tx-id"), inventory.Trade{
		Seller:  "seller",
		Buyer:   "buyer",
		AssetID: assetID,
		Price:   v.GetInt64("price"),
	})
	if tx == nil {
		return runErr
	}

	fmt.Fprint(out, tx.Log().String())
	fmt.Fprintf(out, "\nstatus: %s\n", tx.Status())
	for _, party := range []string{"seller", "buyer"} {
		snap, err := svc.Snapshot(party)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%-6s cash=%d assets=%v\n", party, snap.Cash, snap.AssetIDs())
	}

	if v.GetBool("dot") {
		g, err := tx.Graph()
		if err != nil {
			return err
		}
		dot, err := g.ExportToDot()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, dot)
	}

	var cf *compensate.CompensationFailure
	if errors.As(runErr, &cf) {
		fmt.Fprintf(out, "\nWARNING: %d rollback(s) failed while unwinding %v; manual reconciliation required\n",
			cf.Failures(), cf.Steps)
	}
	return runErr
}
