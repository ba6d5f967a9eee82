package api

import (
	"encoding/csv"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/t77yq/perfmon/internal/model"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
	tagParamPrefix     = "tag."
)

// handleStats returns aggregated statistics. tag.<key>=<value> parameters
// filter by tag.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := make(map[string]string)
	for key, values := range q {
		if strings.HasPrefix(key, tagParamPrefix) && len(values) > 0 {
			filter[strings.TrimPrefix(key, tagParamPrefix)] = values[0]
		}
	}

	var stats []model.AggregatedStat
	if metric := strings.TrimSpace(q.Get("metric")); metric != "" {
		for _, st := range h.Stats.Query(metric, filter) {
			stats = append(stats, st)
		}
	} else {
		for _, st := range h.Stats.Snapshot() {
			if model.NewTags(st.Tags).Matches(filter) {
				stats = append(stats, st)
			}
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	if stats == nil {
		stats = []model.AggregatedStat{}
	}
	writeOK(w, http.StatusOK, stats)
}

var recentCSVHeader = []string{"timestamp", "source", "name", "type", "value", "unit", "tags", "error"}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultRecentLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, invalid("limit must be a positive integer"))
			return
		}
		limit = min(n, maxRecentLimit)
	}
	source := model.Source(q.Get("source"))

	events := h.Recent.Recent(source, limit)
	if events == nil {
		events = []model.MetricEvent{}
	}

	switch q.Get("format") {
	case "", "json":
		writeOK(w, http.StatusOK, events)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		cw := csv.NewWriter(w)
		_ = cw.Write(recentCSVHeader)
		for _, e := range events {
			_ = cw.Write([]string{
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				string(e.Source),
				e.Name,
				string(e.Type),
				strconv.FormatFloat(e.Value, 'f', -1, 64),
				e.Unit,
				e.Tags.Signature(),
				strconv.FormatBool(e.Error),
			})
		}
		cw.Flush()
	default:
		h.writeError(w, invalid("format must be json or csv"))
	}
}
