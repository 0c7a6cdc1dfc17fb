package journal

import (
	"encoding/csv"
	"io"
	"time"
)

var incidentCSVHeader = []string{"id", "run_id", "severity", "description", "log_excerpt_path", "created_utc"}

// WriteIncidentsCSV writes a header row followed by one row per incident.
func WriteIncidentsCSV(w io.Writer, incidents []IncidentRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(incidentCSVHeader); err != nil {
		return err
	}
	for _, rec := range incidents {
		created := ""
		if !rec.CreatedAt.IsZero() {
			created = rec.CreatedAt.UTC().Format(time.RFC3339)
		}
		err := cw.Write([]string{
			rec.ID,
			rec.RunID,
			rec.Severity,
			rec.Description,
			rec.LogExcerptPath,
			created,
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
