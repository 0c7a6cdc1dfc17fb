package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/runguard/breaker"
	"github.com/rustyeddy/runguard/journal"
	"github.com/rustyeddy/runguard/risk"
)

var incidentCmd = &cobra.Command{
	Use:   "incident",
	Short: "Log and review incidents",
	Long: `Incidents are immutable audit entries kept in the registry database.

Subcommands:
  log    - Record an incident
  list   - List incidents, newest first
  show   - Show one incident as an Org entry
  export - Write incidents to a CSV file

Examples:
  runguard incident log --severity critical --run-id r-42 --description "order rejected"
  runguard incident list --since 24h --severity error
  runguard incident show incident_1755424800_4242_c7
  runguard incident export --run-id r-42 -o incidents.csv`,
}

var incidentLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Record an incident",
	RunE:  runIncidentLog,
}

var incidentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List incidents, newest first",
	RunE:  runIncidentList,
}

var incidentShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one incident as an Org entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runIncidentShow,
}

var incidentExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write incidents to a CSV file",
	RunE:  runIncidentExport,
}

var (
	logSeverity    string
	logRunID       string
	logDescription string
	logExcerpt     string

	incSeverity string
	incRunID    string

	incSince  string
	incLimit  int
	incFormat string
	incOutput string
)

func init() {
	rootCmd.AddCommand(incidentCmd)
	incidentCmd.AddCommand(incidentLogCmd)
	incidentCmd.AddCommand(incidentListCmd)
	incidentCmd.AddCommand(incidentShowCmd)
	incidentCmd.AddCommand(incidentExportCmd)

	incidentLogCmd.Flags().StringVarP(&logSeverity, "severity", "s", journal.SeverityWarning, "warning, error or critical")
	incidentLogCmd.Flags().StringVar(&logRunID, "run-id", "", "run the incident belongs to")
	incidentLogCmd.Flags().StringVarP(&logDescription, "description", "d", "", "what happened (required)")
	incidentLogCmd.Flags().StringVar(&logExcerpt, "log-excerpt", "", "path to a saved log excerpt")
	incidentLogCmd.MarkFlagRequired("description")

	for _, c := range []*cobra.Command{incidentListCmd, incidentExportCmd} {
		c.Flags().StringVar(&incRunID, "run-id", "", "only incidents of this run")
		c.Flags().StringVarP(&incSeverity, "severity", "s", "", "only incidents of this severity")
		c.Flags().StringVar(&incSince, "since", "", "only incidents after this time (RFC 3339) or this long ago (e.g. 24h)")
		c.Flags().IntVarP(&incLimit, "limit", "n", 0, "at most this many incidents")
	}
	incidentListCmd.Flags().StringVarP(&incFormat, "format", "f", "table", "output format: table, org or csv")
	incidentExportCmd.Flags().StringVarP(&incOutput, "output", "o", "incidents.csv", "CSV file to write, - for stdout")
}

func runIncidentLog(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	id := s.mgr.LogIncident(cmd.Context(), risk.Incident{
		RunID:          logRunID,
		Severity:       logSeverity,
		Description:    logDescription,
		LogExcerptPath: logExcerpt,
		CorrelationID:  s.cid,
	})
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func incidentFilter(now time.Time) (journal.IncidentFilter, error) {
	f := journal.IncidentFilter{RunID: incRunID, Limit: incLimit}
	if incSeverity != "" {
		sev, ok := journal.ParseSeverity(incSeverity)
		if !ok {
			return f, fmt.Errorf("invalid --severity %q: want warning, error or critical", incSeverity)
		}
		f.Severity = sev
	}
	if incSince != "" {
		if d, err := time.ParseDuration(incSince); err == nil {
			f.Since = now.Add(-d)
		} else if t, err := breaker.ParseTime(incSince); err == nil {
			f.Since = t
		} else {
			return f, fmt.Errorf("invalid --since %q: want a duration or RFC 3339 time", incSince)
		}
	}
	return f, nil
}

func listIncidents(cmd *cobra.Command) ([]journal.IncidentRecord, error) {
	s, err := newSession(cmd)
	if err != nil {
		return nil, err
	}
	f, err := incidentFilter(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	j := &journal.OnDemand{Path: s.cfg.DBPath}
	list, err := j.ListIncidents(cmd.Context(), f)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return list, nil
}

func runIncidentList(cmd *cobra.Command, args []string) error {
	list, err := listIncidents(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	switch strings.ToLower(incFormat) {
	case "org":
		_, err = io.WriteString(out, journal.FormatIncidentsOrg(list))
		return err
	case "csv":
		return journal.WriteIncidentsCSV(out, list)
	case "table":
	default:
		return fmt.Errorf("unknown format %q", incFormat)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSEVERITY\tRUN\tID\tDESCRIPTION")
	for _, inc := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			inc.CreatedAt.UTC().Format(time.RFC3339),
			inc.Severity, inc.RunID, inc.ID, inc.Description)
	}
	return tw.Flush()
}

func runIncidentShow(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	j := &journal.OnDemand{Path: s.cfg.DBPath}
	inc, err := j.GetIncident(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	_, err = io.WriteString(cmd.OutOrStdout(), journal.FormatIncidentOrg(inc))
	return err
}

func runIncidentExport(cmd *cobra.Command, args []string) error {
	list, err := listIncidents(cmd)
	if err != nil {
		return err
	}
	if incOutput == "-" {
		return journal.WriteIncidentsCSV(cmd.OutOrStdout(), list)
	}

	f, err := os.Create(incOutput)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := journal.WriteIncidentsCSV(f, list); err != nil {
		f.Close()
		return fmt.Errorf("write csv: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "✓ Exported %d incident(s) to %s\n", len(list), incOutput)
	return nil
}
