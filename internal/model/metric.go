package model

import (
	"sort"
	"strings"
	"time"
)

// MetricType represents how a metric value is interpreted
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
	MetricTypeTiming  MetricType = "timing"
)

// Valid reports whether the type is one of the known metric types
func (t MetricType) Valid() bool {
	switch t {
	case MetricTypeCounter, MetricTypeGauge, MetricTypeTiming:
		return true
	}
	return false
}

// Source identifies the instrumented layer that produced an event
type Source string

const (
	SourceHTTP     Source = "http"
	SourceDB       Source = "db"
	SourceCache    Source = "cache"
	SourceBusiness Source = "business"
	SourceLog      Source = "log"
	SourceSystem   Source = "system"
)

// Sources lists every known event source
var Sources = []Source{SourceHTTP, SourceDB, SourceCache, SourceBusiness, SourceLog, SourceSystem}

// Tag is a single key/value pair attached to a metric event
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Tags is an ordered tag set. Keys are kept sorted so the signature is stable.
type Tags []Tag

// NewTags builds a sorted tag set from a map
func NewTags(m map[string]string) Tags {
	if len(m) == 0 {
		return nil
	}
	tags := make(Tags, 0, len(m))
	for k, v := range m {
		tags = append(tags, Tag{Key: k, Value: v})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key })
	return tags
}

// Get returns the value for key
func (t Tags) Get(key string) (string, bool) {
	for _, tag := range t {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return "", false
}

// Map returns the tags as a plain map
func (t Tags) Map() map[string]string {
	m := make(map[string]string, len(t))
	for _, tag := range t {
		m[tag.Key] = tag.Value
	}
	return m
}

// Signature renders the tag set as "k1=v1,k2=v2"
func (t Tags) Signature() string {
	if len(t) == 0 {
		return ""
	}
	var b strings.Builder
	for i, tag := range t {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(tag.Key)
		b.WriteByte('=')
		b.WriteString(tag.Value)
	}
	return b.String()
}

// Matches reports whether every filter entry is present with the same value
func (t Tags) Matches(filter map[string]string) bool {
	for k, v := range filter {
		got, ok := t.Get(k)
		if !ok || got != v {
			return false
		}
	}
	return true
}

// MetricEvent is a single observation emitted by instrumented code
type MetricEvent struct {
	Name      string     `json:"name"`
	Type      MetricType `json:"type"`
	Value     float64    `json:"value"`
	Unit      string     `json:"unit,omitempty"`
	Tags      Tags       `json:"tags,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Source    Source     `json:"source,omitempty"`
	Error     bool       `json:"error,omitempty"`
}

// Key returns the aggregation key of the event
func (e MetricEvent) Key() string {
	return MetricKey(e.Name, e.Tags)
}

// Sorted returns the tags ordered by key, copying only when needed
func (t Tags) Sorted() Tags {
	if sort.SliceIsSorted(t, func(i, j int) bool { return t[i].Key < t[j].Key }) {
		return t
	}
	out := make(Tags, len(t))
	copy(out, t)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// MetricKey builds the aggregation key for a name and tag set
func MetricKey(name string, tags Tags) string {
	sig := tags.Sorted().Signature()
	if sig == "" {
		return name
	}
	return name + "{" + sig + "}"
}

// AggregatedStat is a point-in-time snapshot of the statistics kept for one key
type AggregatedStat struct {
	Key         string            `json:"key"`
	Name        string            `json:"name"`
	Tags        map[string]string `json:"tags,omitempty"`
	Count       int64             `json:"count"`
	Sum         float64           `json:"sum"`
	Min         float64           `json:"min"`
	Max         float64           `json:"max"`
	Last        float64           `json:"last"`
	Mean        float64           `json:"mean"`
	StdDev      float64           `json:"stddev"`
	P50         float64           `json:"p50"`
	P90         float64           `json:"p90"`
	P95         float64           `json:"p95"`
	P99         float64           `json:"p99"`
	Samples     int               `json:"samples"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastUpdated time.Time         `json:"last_updated"`
}
