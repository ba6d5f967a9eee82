package collector

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/t77yq/perfmon/internal/model"
)

// HTTPEvent describes a completed HTTP request
type HTTPEvent struct {
	Method         string
	Path           string
	StatusCode     int
	ResponseTimeMs float64
	RequestSize    *int64
	ResponseSize   *int64
	// UserID is never turned into a tag; per-user tags are unbounded
	UserID    string
	Timestamp time.Time
}

// DBEvent describes a single database query
type DBEvent struct {
	Model           string
	Action          string
	ExecutionTimeMs float64
	Err             error
	Timestamp       time.Time
}

// CacheEvent describes a cache operation
type CacheEvent struct {
	Operation       string
	Hit             bool
	ExecutionTimeMs float64
	Timestamp       time.Time
}

// BusinessEvent describes a business-level operation such as a booking
type BusinessEvent struct {
	Category   string
	Action     string
	Count      int
	DurationMs *float64
	Success    bool
	Timestamp  time.Time
}

// LogEvent describes an application log entry
type LogEvent struct {
	Level     string
	Logger    string
	Message   string
	Timestamp time.Time
}

// RecordHTTP records the metrics derived from a completed request
func (r *Recorder) RecordHTTP(e HTTPEvent) {
	method := strings.ToUpper(strings.TrimSpace(e.Method))
	if method == "" {
		method = "UNKNOWN"
	}
	path := strings.TrimSpace(e.Path)
	if path == "" {
		path = "/"
	}
	isError := e.StatusCode >= 500
	tags := model.NewTags(map[string]string{
		"method": method,
		"path":   path,
		"status": statusClass(e.StatusCode),
	})

	r.Record(model.MetricEvent{
		Name: "http.request.duration", Type: model.MetricTypeTiming, Value: e.ResponseTimeMs,
		Unit: "ms", Tags: tags, Timestamp: e.Timestamp, Source: model.SourceHTTP, Error: isError,
	})
	r.Record(model.MetricEvent{
		Name: "http.request.count", Type: model.MetricTypeCounter, Value: 1,
		Tags: tags, Timestamp: e.Timestamp, Source: model.SourceHTTP, Error: isError,
	})
	if isError {
		r.Record(model.MetricEvent{
			Name: "http.request.errors", Type: model.MetricTypeCounter, Value: 1,
			Tags: tags, Timestamp: e.Timestamp, Source: model.SourceHTTP, Error: true,
		})
	}
	if e.RequestSize != nil {
		r.Record(model.MetricEvent{
			Name: "http.request.size", Type: model.MetricTypeGauge, Value: float64(*e.RequestSize),
			Unit: "bytes", Tags: tags, Timestamp: e.Timestamp, Source: model.SourceHTTP,
		})
	}
	if e.ResponseSize != nil {
		r.Record(model.MetricEvent{
			Name: "http.response.size", Type: model.MetricTypeGauge, Value: float64(*e.ResponseSize),
			Unit: "bytes", Tags: tags, Timestamp: e.Timestamp, Source: model.SourceHTTP,
		})
	}

	if threshold := r.cfg.SlowRequestThreshold; threshold > 0 && e.ResponseTimeMs > durationMs(threshold) {
		r.Record(model.MetricEvent{
			Name:      "business.slow_request",
			Type:      model.MetricTypeCounter,
			Value:     1,
			Tags:      model.NewTags(map[string]string{"method": method, "path": path}),
			Timestamp: e.Timestamp,
			Source:    model.SourceBusiness,
		})
	}
}

// RecordDB records the metrics derived from a database query
func (r *Recorder) RecordDB(e DBEvent) {
	tags := model.NewTags(map[string]string{
		"model":  orDefault(e.Model, "unknown"),
		"action": orDefault(e.Action, "unknown"),
	})
	failed := e.Err != nil

	r.Record(model.MetricEvent{
		Name: "db.query.duration", Type: model.MetricTypeTiming, Value: e.ExecutionTimeMs,
		Unit: "ms", Tags: tags, Timestamp: e.Timestamp, Source: model.SourceDB, Error: failed,
	})
	if failed {
		r.Record(model.MetricEvent{
			Name: "db.query.errors", Type: model.MetricTypeCounter, Value: 1,
			Tags: tags, Timestamp: e.Timestamp, Source: model.SourceDB, Error: true,
		})
	}
	if threshold := r.cfg.SlowQueryThreshold; threshold > 0 && e.ExecutionTimeMs > durationMs(threshold) {
		r.Record(model.MetricEvent{
			Name: "db.query.slow", Type: model.MetricTypeCounter, Value: 1,
			Tags: tags, Timestamp: e.Timestamp, Source: model.SourceDB,
		})
	}
}

// RecordCache records the metrics derived from a cache operation
func (r *Recorder) RecordCache(e CacheEvent) {
	tags := model.NewTags(map[string]string{"operation": orDefault(e.Operation, "unknown")})

	r.Record(model.MetricEvent{
		Name: "cache.operation.duration", Type: model.MetricTypeTiming, Value: e.ExecutionTimeMs,
		Unit: "ms", Tags: tags, Timestamp: e.Timestamp, Source: model.SourceCache,
	})
	name := "cache.miss"
	if e.Hit {
		name = "cache.hit"
	}
	r.Record(model.MetricEvent{
		Name: name, Type: model.MetricTypeCounter, Value: 1,
		Tags: tags, Timestamp: e.Timestamp, Source: model.SourceCache,
	})
}

// RecordBusiness records a business-level counter and optional duration
func (r *Recorder) RecordBusiness(e BusinessEvent) {
	category := orDefault(e.Category, "general")
	action := orDefault(e.Action, "unknown")
	count := e.Count
	if count <= 0 {
		count = 1
	}
	tags := model.NewTags(map[string]string{
		"category": category,
		"action":   action,
		"success":  strconv.FormatBool(e.Success),
	})

	r.Record(model.MetricEvent{
		Name:      fmt.Sprintf("business.%s.%s", category, action),
		Type:      model.MetricTypeCounter,
		Value:     float64(count),
		Tags:      tags,
		Timestamp: e.Timestamp,
		Source:    model.SourceBusiness,
		Error:     !e.Success,
	})
	if e.DurationMs != nil {
		r.Record(model.MetricEvent{
			Name:      fmt.Sprintf("business.%s.%s.duration", category, action),
			Type:      model.MetricTypeTiming,
			Value:     *e.DurationMs,
			Unit:      "ms",
			Tags:      tags,
			Timestamp: e.Timestamp,
			Source:    model.SourceBusiness,
			Error:     !e.Success,
		})
	}
	if !e.Success {
		r.Record(model.MetricEvent{
			Name:      "business.errors",
			Type:      model.MetricTypeCounter,
			Value:     1,
			Tags:      model.NewTags(map[string]string{"category": category, "action": action}),
			Timestamp: e.Timestamp,
			Source:    model.SourceBusiness,
			Error:     true,
		})
	}
}

// RecordLog counts a log entry by level
func (r *Recorder) RecordLog(e LogEvent) {
	level := strings.ToLower(orDefault(e.Level, "info"))
	tags := map[string]string{"level": level}
	if e.Logger != "" {
		tags["logger"] = e.Logger
	}
	r.Record(model.MetricEvent{
		Name:      "log.entries",
		Type:      model.MetricTypeCounter,
		Value:     1,
		Tags:      model.NewTags(tags),
		Timestamp: e.Timestamp,
		Source:    model.SourceLog,
		Error:     level == "error" || level == "fatal" || level == "panic",
	})
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func orDefault(s, def string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}
