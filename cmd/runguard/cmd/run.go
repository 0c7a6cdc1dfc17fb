package cmd

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/runguard/journal"
	"github.com/rustyeddy/runguard/pkg/id"
	"github.com/rustyeddy/runguard/risk"
)

var runCmd = &cobra.Command{
	Use:   "run --kind KIND [flags] -- COMMAND [ARGS...]",
	Short: "Run a command under the guardrails",
	Long: `Check admission, take a concurrency slot, run COMMAND and give the slot
back when it exits, fails or is interrupted. The run is registered in the
registry database and a failed run is logged as an incident.

COMMAND sees RUNGUARD_RUN_ID, RUNGUARD_KIND and RUNGUARD_CORRELATION_ID in
its environment. runguard exits with COMMAND's status, or 3 when a
guardrail denies the run.

Examples:
  runguard run --kind backtest -- freqtrade backtesting -c user_data/config.json
  runguard run --kind live --context @ctx.json -- freqtrade trade
  runguard run --kind hyperopt --run-id ho-0817 --experiment exp-12 -- ./hyperopt.sh`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runKind       string
	runID         string
	runExperiment string
	runContext    string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runKind, "kind", "k", "", "run kind: backtest, hyperopt, paper, live (required)")
	runCmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	runCmd.Flags().StringVar(&runExperiment, "experiment", "", "experiment id recorded with the run")
	runCmd.Flags().StringVar(&runContext, "context", "", "run context as JSON, or @file")
	runCmd.MarkFlagRequired("kind")
}

func runRun(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	rc, err := parseRunContext(runContext)
	if err != nil {
		return err
	}
	rid := runID
	if rid == "" {
		rid = id.New()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spec := risk.RunSpec{Kind: runKind, RunID: rid, CorrelationID: s.cid, Context: rc}
	att, err := s.mgr.Run(ctx, spec, func(ctx context.Context) error {
		s.recordRun(ctx, spec)
		err := s.execCommand(ctx, cmd, spec, args)
		s.finishRun(ctx, spec, err)
		return err
	})

	var denied *risk.AdmissionDenied
	var exit *exec.ExitError
	switch {
	case errors.As(err, &denied):
		printDenied(cmd, att.Decision)
		return &ExitError{Code: exitDenied}
	case errors.As(err, &exit):
		code := exit.ExitCode()
		if code <= 0 {
			code = 1
		}
		return &ExitError{Code: code}
	}
	return err
}

func (s *session) execCommand(ctx context.Context, cmd *cobra.Command, spec risk.RunSpec, args []string) error {
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Stdin = os.Stdin
	c.Stdout = cmd.OutOrStdout()
	c.Stderr = cmd.ErrOrStderr()
	c.Env = append(os.Environ(),
		"RUNGUARD_RUN_ID="+spec.RunID,
		"RUNGUARD_KIND="+spec.Kind,
		"RUNGUARD_CORRELATION_ID="+spec.CorrelationID,
	)
	// ask the child to stop cleanly before killing it
	c.Cancel = func() error { return c.Process.Signal(syscall.SIGTERM) }
	c.WaitDelay = 10 * time.Second
	return c.Run()
}

// recordRun registers the run. Registry failures never stop the run.
func (s *session) recordRun(ctx context.Context, spec risk.RunSpec) {
	if s.cfg.DBPath == "" {
		return
	}
	j := &journal.OnDemand{Path: s.cfg.DBPath}
	err := j.RecordRun(ctx, journal.Run{
		ID:           spec.RunID,
		ExperimentID: runExperiment,
		Kind:         spec.Kind,
		Status:       journal.StatusRunning,
		StartedAt:    time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("run_record_error", "run_id", spec.RunID, "error", err.Error())
	}
}

func (s *session) finishRun(ctx context.Context, spec risk.RunSpec, runErr error) {
	if s.cfg.DBPath == "" {
		return
	}
	status := journal.StatusSucceeded
	if runErr != nil {
		status = journal.StatusFailed
	}
	j := &journal.OnDemand{Path: s.cfg.DBPath}
	if err := j.FinishRun(context.WithoutCancel(ctx), spec.RunID, status, time.Now().UTC()); err != nil {
		s.log.Warn("run_finish_error", "run_id", spec.RunID, "error", err.Error())
	}
}
