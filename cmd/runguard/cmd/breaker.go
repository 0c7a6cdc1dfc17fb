package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/runguard/breaker"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect or toggle the circuit breaker",
	Long: `Manage the circuit breaker state file. While the breaker is active no run
is admitted unless allow_when_breaker_active is set.

Subcommands:
  status  - Show the breaker state
  enable  - Activate the breaker, optionally until a deadline
  disable - Deactivate the breaker

Examples:
  runguard breaker status
  runguard breaker enable --reason "drawdown alert" --for 2h
  runguard breaker enable --reason maintenance --until 2025-08-18T06:00:00Z
  runguard breaker disable`,
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the circuit breaker state",
	RunE:  runBreakerStatus,
}

var breakerEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Activate the circuit breaker",
	RunE:  runBreakerEnable,
}

var breakerDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Deactivate the circuit breaker",
	RunE:  runBreakerDisable,
}

var (
	cbReason string
	cbFor    time.Duration
	cbUntil  string
)

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.AddCommand(breakerStatusCmd)
	breakerCmd.AddCommand(breakerEnableCmd)
	breakerCmd.AddCommand(breakerDisableCmd)

	breakerEnableCmd.Flags().StringVarP(&cbReason, "reason", "r", "manual", "why the breaker is on")
	breakerEnableCmd.Flags().DurationVar(&cbFor, "for", 0, "keep the breaker on for this long (e.g. 30m)")
	breakerEnableCmd.Flags().StringVar(&cbUntil, "until", "", "keep the breaker on until this RFC 3339 time")
	breakerEnableCmd.MarkFlagsMutuallyExclusive("for", "until")
}

func runBreakerStatus(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	b := s.mgr.Breaker()
	out := cmd.OutOrStdout()

	st, exists, err := b.Status(cmd.Context())
	if err != nil {
		fmt.Fprintf(out, "Circuit Breaker: ACTIVE | reason=%s | file=%s\n", breaker.ReasonParseError, b.Path())
		return fmt.Errorf("read breaker: %w", err)
	}
	if !exists {
		fmt.Fprintln(out, "Circuit Breaker: inactive (no file)")
		return nil
	}

	active, _ := b.IsActive(cmd.Context())
	state := "inactive"
	switch {
	case active:
		state = "ACTIVE"
	case st.Active:
		state = "inactive (expired)"
	}
	until := "-"
	if st.UntilISO != nil {
		until = *st.UntilISO
	}
	fmt.Fprintf(out, "Circuit Breaker: %s | reason=%s | until=%s\n", state, st.Reason, until)
	return nil
}

func runBreakerEnable(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	b := s.mgr.Breaker()

	var st breaker.State
	switch {
	case cbUntil != "":
		until, perr := breaker.ParseTime(cbUntil)
		if perr != nil {
			return fmt.Errorf("invalid --until: %w", perr)
		}
		st, err = b.Enable(cmd.Context(), cbReason, until)
	case cbFor < 0:
		return errors.New("--for must be positive")
	default:
		st, err = b.EnableFor(cmd.Context(), cbReason, cbFor)
	}
	if err != nil {
		return fmt.Errorf("enable breaker: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Circuit breaker enabled: %s\n", b.Path())
	if st.UntilISO != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "  Until: %s\n", *st.UntilISO)
	}
	return nil
}

func runBreakerDisable(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	if err := s.mgr.Breaker().Disable(cmd.Context()); err != nil {
		return fmt.Errorf("disable breaker: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Circuit breaker disabled")
	return nil
}
