package model

import "time"

// ReportType distinguishes scheduled from on-demand reports
type ReportType string

const (
	ReportTypeScheduled ReportType = "scheduled"
	ReportTypeCustom    ReportType = "custom"
)

// ReportPeriod is the schedule a report covers
type ReportPeriod string

const (
	ReportPeriodDaily   ReportPeriod = "daily"
	ReportPeriodWeekly  ReportPeriod = "weekly"
	ReportPeriodMonthly ReportPeriod = "monthly"
	ReportPeriodCustom  ReportPeriod = "custom"
)

// ReportFormat is the rendering of a report payload
type ReportFormat string

const (
	ReportFormatJSON     ReportFormat = "json"
	ReportFormatCSV      ReportFormat = "csv"
	ReportFormatMarkdown ReportFormat = "markdown"
)

// ReportArtifact is a rendered report
type ReportArtifact struct {
	ID          string       `json:"id"`
	Type        ReportType   `json:"type"`
	Period      ReportPeriod `json:"period"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	Format      ReportFormat `json:"format"`
	GeneratedAt time.Time    `json:"generated_at"`
	Payload     []byte       `json:"payload"`
}

// HealthStatus summarises pipeline state for health checks
type HealthStatus struct {
	Status        string     `json:"status"`
	QueueDepth    int        `json:"queue_depth"`
	QueueCapacity int        `json:"queue_capacity"`
	Dropped       uint64     `json:"dropped"`
	FlushFailures uint64     `json:"flush_failures"`
	LastFlushAt   *time.Time `json:"last_flush_at,omitempty"`
	Processing    bool       `json:"processing"`
	ActiveAlerts  int        `json:"active_alerts"`
}
