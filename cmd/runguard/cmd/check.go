package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the admission checks for a run kind",
	Long: `Evaluate the circuit breaker and the kind's gates without taking a slot.
Backtests are checked against the most recent recorded drawdown, live runs
against --context.

Exits 0 when the run would be admitted and 3 when a guardrail denies it.

Examples:
  runguard check --kind backtest
  runguard check --kind live --context '{"open_trades_count": 4, "market_exposure_pct": {"EUR_USD": 0.08}}'
  runguard check --kind live --context @ctx.json`,
	RunE: runCheck,
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Report whether trading may continue",
	Long: `Consult the circuit breaker the way a running strategy does between
trades. Exits 3 when trading must stop.

Example:
  runguard limits`,
	RunE: runLimits,
}

var (
	checkKind    string
	checkContext string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(limitsCmd)

	checkCmd.Flags().StringVarP(&checkKind, "kind", "k", "", "run kind: backtest, hyperopt, paper, live (required)")
	checkCmd.Flags().StringVar(&checkContext, "context", "", "run context as JSON, or @file")
	checkCmd.MarkFlagRequired("kind")
}

func runCheck(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	rc, err := parseRunContext(checkContext)
	if err != nil {
		return err
	}

	d := s.mgr.PreRunCheck(cmd.Context(), checkKind, rc, s.cid)
	if !d.Allowed {
		printDenied(cmd, d)
		return &ExitError{Code: exitDenied}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s run allowed\n", checkKind)
	return nil
}

func runLimits(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	if !s.mgr.CheckRiskLimits(cmd.Context(), s.cid) {
		fmt.Fprintln(cmd.ErrOrStderr(), "✗ risk limits exceeded")
		return &ExitError{Code: exitDenied}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ risk limits ok")
	return nil
}
