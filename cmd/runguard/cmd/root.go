package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/runguard/config"
	"github.com/rustyeddy/runguard/logging"
	"github.com/rustyeddy/runguard/risk"
	"github.com/rustyeddy/runguard/telemetry"
)

// exitDenied is the status for a run or check turned away by a guardrail.
const exitDenied = 3

// ExitError carries a process exit status. main exits with Code and
// prints nothing.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

var (
	cfgPath       string
	correlationID string
)

var rootCmd = &cobra.Command{
	Use:   "runguard",
	Short: "Risk guardrails and concurrency slots for strategy runs",
	Long: `runguard decides whether a backtest, hyperopt, paper or live run may
start, holds a concurrency slot while it runs and records incidents.

Configuration comes from --config (YAML or JSON) with RISK_* environment
variables taking precedence.

Examples:
  runguard check --kind backtest
  runguard run --kind hyperopt -- freqtrade hyperopt -c user_data/config.json
  runguard breaker enable --reason "exchange outage" --for 30m
  runguard slots list
  runguard incident list --since 24h --format org`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and flushes metrics when configured.
func Execute() error {
	err := rootCmd.Execute()
	if ferr := flushMetrics(); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "correlation id for logs, slots and incidents (random when empty)")
}

// session is what one command invocation works with.
type session struct {
	cfg *config.Config
	log *slog.Logger
	rec *telemetry.Recorder
	mgr *risk.Manager
	cid string
}

// current is the last session built, kept for the metrics flush.
var current *session

func newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cid := correlationID
	if cid == "" {
		cid = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	log := logging.New(cfg.Logging, cmd.ErrOrStderr())
	rec := telemetry.NewRecorder()
	mgr, err := risk.NewManager(cfg, risk.WithLogger(log), risk.WithRecorder(rec))
	if err != nil {
		return nil, err
	}

	current = &session{
		cfg: cfg,
		log: logging.WithCorrelation(logging.Component(log, "cli"), cid),
		rec: rec,
		mgr: mgr,
		cid: cid,
	}
	return current, nil
}

func flushMetrics() error {
	if current == nil || current.cfg.MetricsTextfile == "" {
		return nil
	}
	if err := current.rec.WriteTextfile(current.cfg.MetricsTextfile); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

// parseRunContext reads a RunContext from inline JSON or, with a leading
// @, from a file.
func parseRunContext(raw string) (risk.RunContext, error) {
	var rc risk.RunContext
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return rc, nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		if data, err = os.ReadFile(raw[1:]); err != nil {
			return rc, fmt.Errorf("read context: %w", err)
		}
	}
	if err := json.Unmarshal(data, &rc); err != nil {
		return rc, fmt.Errorf("parse context: %w", err)
	}
	return rc, nil
}

func printDenied(cmd *cobra.Command, d risk.Decision) {
	fmt.Fprintf(cmd.ErrOrStderr(), "✗ denied [%s]: %s\n", d.Gate(), d.Reason())
	for i, v := range d.Violations {
		if i > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "  also [%s]: %s\n", v.Code, v.Msg)
		}
	}
}
