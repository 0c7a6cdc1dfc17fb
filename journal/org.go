package journal

import (
	"fmt"
	"strings"
	"time"
)

// FormatIncidentOrg renders an incident as an Org-mode block for the
// operator's journal. Facts go in the PROPERTIES drawer; the Follow-up
// section is left for notes.
func FormatIncidentOrg(rec IncidentRecord) string {
	heading := fmt.Sprintf("** Incident: %s (%s)", strings.ToUpper(rec.Severity), shortID(rec.ID))

	var b strings.Builder
	b.WriteString(heading)
	b.WriteString("\n")
	b.WriteString(":PROPERTIES:\n")
	b.WriteString(fmt.Sprintf(":ID: %s\n", rec.ID))
	if rec.RunID != "" {
		b.WriteString(fmt.Sprintf(":RUN_ID: %s\n", rec.RunID))
	}
	b.WriteString(fmt.Sprintf(":SEVERITY: %s\n", rec.Severity))
	if !rec.CreatedAt.IsZero() {
		b.WriteString(fmt.Sprintf(":CREATED: %s\n", rec.CreatedAt.UTC().Format(time.RFC3339)))
	}
	if rec.LogExcerptPath != "" {
		b.WriteString(fmt.Sprintf(":LOG_EXCERPT: %s\n", rec.LogExcerptPath))
	}
	b.WriteString(":END:\n")
	b.WriteString("\n")
	b.WriteString(rec.Description)
	b.WriteString("\n")
	if rec.LogExcerptPath != "" {
		b.WriteString(fmt.Sprintf("\n[[file:%s][log excerpt]]\n", rec.LogExcerptPath))
	}
	b.WriteString("\n*** Follow-up\n- \n")

	return b.String()
}

// FormatIncidentsOrg renders multiple incidents separated by blank lines.
func FormatIncidentsOrg(incidents []IncidentRecord) string {
	var b strings.Builder
	for i, rec := range incidents {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(FormatIncidentOrg(rec))
	}
	return b.String()
}

// shortID drops the "incident_{unix}_" prefix, leaving "{pid}_{cid}".
// Ids of any other shape are shown whole.
func shortID(full string) string {
	rest, ok := strings.CutPrefix(full, "incident_")
	if !ok {
		return full
	}
	if _, tail, ok := strings.Cut(rest, "_"); ok && tail != "" {
		return tail
	}
	return full
}
