package cmd

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/runguard/journal"
	"github.com/rustyeddy/runguard/risk"
)

var metricCmd = &cobra.Command{
	Use:   "metric",
	Short: "Record or look up run metrics",
	Long: `Run metrics feed the backtest drawdown gate: the most recent backtest's
max_drawdown_account decides whether the next backtest may start.

Subcommands:
  record - Store a metric for a run
  recent - Show the most recent value for a run kind

Examples:
  runguard metric record --run-id r-42 --key max_drawdown_account --value 0.18
  runguard metric recent --kind backtest`,
}

var metricRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Store a metric for a run",
	RunE:  runMetricRecord,
}

var metricRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the most recent value of a metric for a run kind",
	RunE:  runMetricRecent,
}

var (
	metricRunID string
	metricKey   string
	metricValue string
	metricKind  string
)

func init() {
	rootCmd.AddCommand(metricCmd)
	metricCmd.AddCommand(metricRecordCmd)
	metricCmd.AddCommand(metricRecentCmd)

	metricRecordCmd.Flags().StringVar(&metricRunID, "run-id", "", "run id (required)")
	metricRecordCmd.Flags().StringVar(&metricKey, "key", journal.MetricMaxDrawdown, "metric key")
	metricRecordCmd.Flags().StringVar(&metricValue, "value", "", "metric value (required)")
	metricRecordCmd.MarkFlagRequired("run-id")
	metricRecordCmd.MarkFlagRequired("value")

	metricRecentCmd.Flags().StringVarP(&metricKind, "kind", "k", "backtest", "run kind")
	metricRecentCmd.Flags().StringVar(&metricKey, "key", journal.MetricMaxDrawdown, "metric key")
}

func runMetricRecord(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	v, err := decimal.NewFromString(metricValue)
	if err != nil {
		return fmt.Errorf("invalid --value: %w", err)
	}

	j := &journal.OnDemand{Path: s.cfg.DBPath}
	if err := j.RecordMetric(cmd.Context(), journal.MetricRecord{RunID: metricRunID, Key: metricKey, Value: v}); err != nil {
		return &risk.PersistenceError{Op: "record_metric", Err: err}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Recorded %s=%s for run %s\n", metricKey, v, metricRunID)
	return nil
}

func runMetricRecent(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	j := &journal.OnDemand{Path: s.cfg.DBPath}
	v, err := j.RecentMetric(cmd.Context(), metricKind, metricKey)
	if err != nil {
		return fmt.Errorf("query metric: %w", err)
	}
	if !v.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "no %s recorded for %s runs\n", metricKey, metricKind)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s (as fraction %s)\n", metricKind, metricKey, v.Decimal, risk.NormalizeFraction(v.Decimal))
	return nil
}
