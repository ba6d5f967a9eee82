package report

import (
	"sort"
	"time"

	"github.com/t77yq/perfmon/internal/model"
)

// MetricSummary is one aggregation key in a report
type MetricSummary struct {
	Key   string            `json:"key"`
	Name  string            `json:"name"`
	Tags  map[string]string `json:"tags,omitempty"`
	Count int64             `json:"count"`
	Sum   float64           `json:"sum"`
	Mean  float64           `json:"mean"`
	Min   float64           `json:"min"`
	Max   float64           `json:"max"`
	P50   float64           `json:"p50"`
	P95   float64           `json:"p95"`
	P99   float64           `json:"p99"`
}

// AlertSummary is one alert fired within a report window
type AlertSummary struct {
	ID           string              `json:"id"`
	RuleID       string              `json:"rule_id"`
	RuleName     string              `json:"rule_name"`
	Severity     model.AlertSeverity `json:"severity"`
	State        model.AlertState    `json:"state"`
	FirstFiredAt time.Time           `json:"first_fired_at"`
	LastFiredAt  time.Time           `json:"last_fired_at"`
	FireCount    int                 `json:"fire_count"`
	Value        float64             `json:"value"`
	Threshold    float64             `json:"threshold"`
}

// HTTPSummary condenses request metrics
type HTTPSummary struct {
	Requests      int64   `json:"requests"`
	Errors        int64   `json:"errors"`
	ErrorRate     float64 `json:"error_rate"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	WorstP95Ms    float64 `json:"worst_p95_ms"`
	SlowRequests  int64   `json:"slow_requests"`
}

// Summary is the content of a report before rendering
type Summary struct {
	Type             model.ReportType   `json:"type"`
	Period           model.ReportPeriod `json:"period"`
	WindowStart      time.Time          `json:"window_start"`
	WindowEnd        time.Time          `json:"window_end"`
	GeneratedAt      time.Time          `json:"generated_at"`
	TotalEvents      int64              `json:"total_events"`
	HTTP             HTTPSummary        `json:"http"`
	Metrics          []MetricSummary    `json:"metrics"`
	Alerts           []AlertSummary     `json:"alerts"`
	AlertsBySeverity map[string]int     `json:"alerts_by_severity"`
}

// summarize builds the report content from statistics computed over the
// window and alerts that fired within it
func summarize(req Request, generatedAt time.Time, stats []model.AggregatedStat, alerts []model.Alert) Summary {
	s := Summary{
		Type:             req.Type,
		Period:           req.Period,
		WindowStart:      req.WindowStart,
		WindowEnd:        req.WindowEnd,
		GeneratedAt:      generatedAt,
		Metrics:          make([]MetricSummary, 0),
		Alerts:           make([]AlertSummary, 0),
		AlertsBySeverity: make(map[string]int),
	}

	var durationSum float64
	var durationCount int64
	for _, st := range stats {
		if st.Count == 0 {
			continue
		}
		s.TotalEvents += st.Count
		s.Metrics = append(s.Metrics, MetricSummary{
			Key:   st.Key,
			Name:  st.Name,
			Tags:  st.Tags,
			Count: st.Count,
			Sum:   st.Sum,
			Mean:  st.Mean,
			Min:   st.Min,
			Max:   st.Max,
			P50:   st.P50,
			P95:   st.P95,
			P99:   st.P99,
		})

		switch st.Name {
		case "http.request.count":
			s.HTTP.Requests += st.Count
		case "http.request.errors":
			s.HTTP.Errors += st.Count
		case "business.slow_request":
			s.HTTP.SlowRequests += st.Count
		case "http.request.duration":
			durationSum += st.Sum
			durationCount += st.Count
			if st.P95 > s.HTTP.WorstP95Ms {
				s.HTTP.WorstP95Ms = st.P95
			}
		}
	}
	if durationCount > 0 {
		s.HTTP.AvgResponseMs = durationSum / float64(durationCount)
	}
	if s.HTTP.Requests > 0 {
		s.HTTP.ErrorRate = float64(s.HTTP.Errors) / float64(s.HTTP.Requests)
	}
	sort.Slice(s.Metrics, func(i, j int) bool { return s.Metrics[i].Key < s.Metrics[j].Key })

	for _, a := range alerts {
		if a.FirstFiredAt.After(req.WindowEnd) || a.LastFiredAt.Before(req.WindowStart) {
			continue
		}
		s.Alerts = append(s.Alerts, AlertSummary{
			ID:           a.ID,
			RuleID:       a.RuleID,
			RuleName:     a.RuleName,
			Severity:     a.Severity,
			State:        a.State,
			FirstFiredAt: a.FirstFiredAt,
			LastFiredAt:  a.LastFiredAt,
			FireCount:    a.FireCount,
			Value:        a.Context.Value,
			Threshold:    a.Context.Threshold,
		})
		s.AlertsBySeverity[string(a.Severity)]++
	}
	return s
}
