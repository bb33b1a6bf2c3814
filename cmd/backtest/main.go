// Package main is the allocator backtest CLI. It imports daily bars into the
// history database and replays them through the allocation cycle.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/billmoling/allocator/internal/backtest"
	"github.com/billmoling/allocator/internal/config"
	"github.com/billmoling/allocator/internal/database"
	"github.com/billmoling/allocator/internal/modules/historical"
	"github.com/billmoling/allocator/pkg/logger"
)

type rootOptions struct {
	dataDir      string
	strategyFile string
	logLevel     string
}

func main() {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "allocator-backtest",
		Short:         "Import price history and replay the allocation cycle",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", envOr("ALLOCATOR_DATA_DIR", "./data"), "Directory holding history.db")
	rootCmd.PersistentFlags().StringVar(&opts.strategyFile, "strategy", os.Getenv("STRATEGY_FILE"), "Strategy YAML file (defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "Log level (debug|info|warn|error)")

	rootCmd.AddCommand(newImportCmd(opts), newRunCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <symbol> <csv-file>",
		Short: "Import Yahoo-style daily bars for a symbol",
		Long:  "Import daily bars (Date,Open,High,Low,Close,Adj Close,Volume) into history.db. Existing dates are replaced.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := opts.logger()
			repo, closeDB, err := openHistory(opts.dataDir, log)
			if err != nil {
				return err
			}
			defer closeDB()

			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := repo.ImportCSV(cmd.Context(), args[0], f)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[1], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d bars for %s\n", n, strings.ToUpper(args[0]))
			return nil
		},
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		from, to  string
		cycleHour int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay stored trading days through the allocation cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromDate, err := time.Parse(historical.DateLayout, from)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			toDate := time.Now().UTC()
			if to != "" {
				if toDate, err = time.Parse(historical.DateLayout, to); err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
			}

			strategy := config.DefaultStrategy()
			if opts.strategyFile != "" {
				if strategy, err = config.LoadStrategy(opts.strategyFile); err != nil {
					return err
				}
			}

			log := opts.logger()
			repo, closeDB, err := openHistory(opts.dataDir, log)
			if err != nil {
				return err
			}
			defer closeDB()

			summary, err := backtest.NewRunner(repo, backtest.Config{
				From:      fromDate,
				To:        toDate,
				Strategy:  strategy,
				CycleHour: cycleHour,
			}, log).Run(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			printSummary(cmd, strategy, summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "First day to replay (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "Last day to replay (YYYY-MM-DD, default today)")
	cmd.Flags().IntVar(&cycleHour, "cycle-hour", backtest.DefaultCycleHour, "UTC hour each cycle runs at")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full summary as JSON")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func printSummary(cmd *cobra.Command, strategy *config.Strategy, s *backtest.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backtest %s: %s .. %s (%s objective)\n\n", strategy.Name, s.From, s.To, strategy.Allocation.Objective)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Cycles\t%d\n", s.Cycles)
	fmt.Fprintf(tw, "Rebalances\t%d\n", s.Rebalances)
	fmt.Fprintf(tw, "Targets emitted\t%d\n", s.TargetsEmitted)
	fmt.Fprintf(tw, "Executions\t%d\n", s.Executions)
	fmt.Fprintf(tw, "Failed cycles\t%d\n", s.Failures)
	fmt.Fprintf(tw, "Initial equity\t%.2f %s\n", s.InitialEquity, strategy.Currency)
	fmt.Fprintf(tw, "Final equity\t%.2f %s\n", s.FinalEquity, strategy.Currency)
	fmt.Fprintf(tw, "Return\t%.2f%%\n", s.ReturnPercent)
	fmt.Fprintf(tw, "Realized P&L\t%.2f\n", s.RealizedPnL)
	tw.Flush()

	if len(s.FinalWeights) == 0 {
		fmt.Fprintln(out, "\nNo target weights.")
		return
	}
	symbols := make([]string, 0, len(s.FinalWeights))
	for symbol := range s.FinalWeights {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	fmt.Fprintln(out, "\nFinal weights:")
	tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, symbol := range symbols {
		fmt.Fprintf(tw, "  %s\t%7.2f%%\n", symbol, s.FinalWeights[symbol]*100)
	}
	tw.Flush()
}

func openHistory(dataDir string, log zerolog.Logger) (*historical.Repository, func(), error) {
	db, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, "history.db"),
		Profile: database.ProfileCache,
		Name:    "history",
	})
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return historical.NewRepository(db.Conn(), log), func() { db.Close() }, nil
}

func (o *rootOptions) logger() zerolog.Logger {
	return logger.New(logger.Config{
		Level:  o.logLevel,
		Pretty: true,
		Output: os.Stderr,
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
