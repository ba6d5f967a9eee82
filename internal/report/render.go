package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/t77yq/perfmon/internal/model"
)

func render(format model.ReportFormat, s Summary) ([]byte, error) {
	switch format {
	case model.ReportFormatJSON:
		return json.MarshalIndent(s, "", "  ")
	case model.ReportFormatCSV:
		return renderCSV(s)
	case model.ReportFormatMarkdown:
		return renderMarkdown(s), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

var csvHeader = []string{"key", "name", "tags", "count", "sum", "mean", "min", "max", "p50", "p95", "p99"}

func renderCSV(s Summary) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, m := range s.Metrics {
		record := []string{
			m.Key,
			m.Name,
			model.NewTags(m.Tags).Signature(),
			strconv.FormatInt(m.Count, 10),
			formatFloat(m.Sum),
			formatFloat(m.Mean),
			formatFloat(m.Min),
			formatFloat(m.Max),
			formatFloat(m.P50),
			formatFloat(m.P95),
			formatFloat(m.P99),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to write csv: %w", err)
	}
	return buf.Bytes(), nil
}

func renderMarkdown(s Summary) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Performance report (%s)\n\n", s.Period)
	fmt.Fprintf(&b, "- Window: %s to %s\n", s.WindowStart.UTC().Format(time.RFC3339), s.WindowEnd.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Generated: %s\n", s.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Events: %d\n\n", s.TotalEvents)

	b.WriteString("## HTTP\n\n")
	b.WriteString("| requests | errors | error rate | avg ms | worst p95 ms | slow |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %d | %d | %.2f%% | %.2f | %.2f | %d |\n\n",
		s.HTTP.Requests, s.HTTP.Errors, s.HTTP.ErrorRate*100,
		s.HTTP.AvgResponseMs, s.HTTP.WorstP95Ms, s.HTTP.SlowRequests)

	b.WriteString("## Metrics\n\n")
	if len(s.Metrics) == 0 {
		b.WriteString("No metrics recorded.\n\n")
	} else {
		b.WriteString("| key | count | mean | min | max | p95 | p99 |\n")
		b.WriteString("|---|---|---|---|---|---|---|\n")
		for _, m := range s.Metrics {
			fmt.Fprintf(&b, "| `%s` | %d | %.2f | %.2f | %.2f | %.2f | %.2f |\n",
				m.Key, m.Count, m.Mean, m.Min, m.Max, m.P95, m.P99)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Alerts\n\n")
	if len(s.Alerts) == 0 {
		b.WriteString("No alerts fired.\n")
		return []byte(b.String())
	}
	severities := make([]string, 0, len(s.AlertsBySeverity))
	for sev := range s.AlertsBySeverity {
		severities = append(severities, sev)
	}
	sort.Strings(severities)
	for _, sev := range severities {
		fmt.Fprintf(&b, "- %s: %d\n", sev, s.AlertsBySeverity[sev])
	}
	b.WriteString("\n| rule | severity | state | first fired | count | value |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, a := range s.Alerts {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d | %.2f |\n",
			a.RuleName, a.Severity, a.State, a.FirstFiredAt.UTC().Format(time.RFC3339), a.FireCount, a.Value)
	}
	return []byte(b.String())
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
