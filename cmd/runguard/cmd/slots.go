package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/runguard/risk"
)

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "List, take or give back concurrency slots",
	Long: `Work with the run slot registry directly. Wrappers that cannot use
"runguard run" acquire a slot, keep the printed token and release it when
the run ends. Slots that are never released expire after concurrency.ttl_sec.

Subcommands:
  list    - Show live slots
  acquire - Take a slot and print its token
  release - Give a slot back by token
  sweep   - Remove expired slots

Examples:
  TOKEN=$(runguard slots acquire --kind backtest)
  runguard slots release "$TOKEN"
  runguard slots list`,
}

var slotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show live slots",
	RunE:  runSlotsList,
}

var slotsAcquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Take a slot and print its token",
	RunE:  runSlotsAcquire,
}

var slotsReleaseCmd = &cobra.Command{
	Use:   "release <token>",
	Short: "Give a slot back",
	Args:  cobra.ExactArgs(1),
	RunE:  runSlotsRelease,
}

var slotsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired slots",
	RunE:  runSlotsSweep,
}

var (
	slotsKind    string
	slotsCheck   bool
	slotsContext string
)

func init() {
	rootCmd.AddCommand(slotsCmd)
	slotsCmd.AddCommand(slotsListCmd)
	slotsCmd.AddCommand(slotsAcquireCmd)
	slotsCmd.AddCommand(slotsReleaseCmd)
	slotsCmd.AddCommand(slotsSweepCmd)

	slotsAcquireCmd.Flags().StringVarP(&slotsKind, "kind", "k", "", "run kind (required)")
	slotsAcquireCmd.Flags().BoolVar(&slotsCheck, "check", true, "run the admission checks before taking the slot")
	slotsAcquireCmd.Flags().StringVar(&slotsContext, "context", "", "run context as JSON, or @file")
	slotsAcquireCmd.MarkFlagRequired("kind")
}

func runSlotsList(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	slots, err := s.mgr.Store().List(cmd.Context())
	if err != nil {
		return &risk.PersistenceError{Op: "list_slots", Err: err}
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tPID\tCORRELATION\tCREATED\tEXPIRES\tTOKEN")
	for _, sl := range slots {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			sl.Kind, sl.PID, sl.CorrelationID,
			sl.CreatedAt.UTC().Format(time.RFC3339),
			sl.ExpiresAt().UTC().Format(time.RFC3339),
			sl.Token)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(slots) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no live slots")
	}
	return nil
}

func runSlotsAcquire(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	if slotsCheck {
		rc, err := parseRunContext(slotsContext)
		if err != nil {
			return err
		}
		if d := s.mgr.PreRunCheck(cmd.Context(), slotsKind, rc, s.cid); !d.Allowed {
			printDenied(cmd, d)
			return &ExitError{Code: exitDenied}
		}
	}
	d, h, err := s.mgr.AcquireRunSlot(cmd.Context(), slotsKind, s.cid)
	if err != nil {
		return err
	}
	if !d.Allowed {
		printDenied(cmd, d)
		return &ExitError{Code: exitDenied}
	}
	fmt.Fprintln(cmd.OutOrStdout(), h.Token)
	return nil
}

func runSlotsRelease(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	h, err := s.mgr.Store().HandleFor(args[0])
	if err != nil {
		return err
	}
	s.mgr.ReleaseRunSlot(cmd.Context(), h, s.cid)
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Released %s\n", h.Token)
	return nil
}

func runSlotsSweep(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	n, err := s.mgr.SweepSlots(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Reclaimed %d expired slot(s)\n", n)
	return nil
}
