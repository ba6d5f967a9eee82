package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "low"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Valid reports whether the severity is known
func (s AlertSeverity) Valid() bool {
	switch s {
	case AlertSeverityLow, AlertSeverityMedium, AlertSeverityHigh, AlertSeverityCritical:
		return true
	}
	return false
}

// AlertType is the category of condition a rule checks
type AlertType string

const (
	AlertTypeThreshold   AlertType = "threshold"
	AlertTypeErrorRate   AlertType = "error_rate"
	AlertTypeSlowRequest AlertType = "slow_request"
	AlertTypeResource    AlertType = "resource"
)

// Valid reports whether the type is known
func (t AlertType) Valid() bool {
	switch t {
	case AlertTypeThreshold, AlertTypeErrorRate, AlertTypeSlowRequest, AlertTypeResource:
		return true
	}
	return false
}

// Operator compares a measured value with a threshold
type Operator string

const (
	OperatorGT  Operator = ">"
	OperatorLT  Operator = "<"
	OperatorGTE Operator = ">="
	OperatorLTE Operator = "<="
	OperatorEQ  Operator = "=="
)

// Valid reports whether the operator is known
func (o Operator) Valid() bool {
	switch o {
	case OperatorGT, OperatorLT, OperatorGTE, OperatorLTE, OperatorEQ:
		return true
	}
	return false
}

// Aggregation selects which statistic of the window is compared
type Aggregation string

const (
	AggregationCount Aggregation = "count"
	AggregationSum   Aggregation = "sum"
	AggregationAvg   Aggregation = "avg"
	AggregationMin   Aggregation = "min"
	AggregationMax   Aggregation = "max"
	AggregationLast  Aggregation = "last"
	AggregationRate  Aggregation = "rate"
	AggregationP50   Aggregation = "p50"
	AggregationP90   Aggregation = "p90"
	AggregationP95   Aggregation = "p95"
	AggregationP99   Aggregation = "p99"
)

// Valid reports whether the aggregation is known
func (a Aggregation) Valid() bool {
	switch a {
	case AggregationCount, AggregationSum, AggregationAvg, AggregationMin, AggregationMax,
		AggregationLast, AggregationRate, AggregationP50, AggregationP90, AggregationP95, AggregationP99:
		return true
	}
	return false
}

// MetricSelector picks the metric keys and statistic a rule evaluates
type MetricSelector struct {
	Metric      string            `json:"metric" yaml:"metric"`
	Tags        map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Aggregation Aggregation       `json:"aggregation" yaml:"aggregation"`
}

// AlertRule defines a rule for generating alerts
type AlertRule struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Type        AlertType      `json:"type" yaml:"type"`
	Severity    AlertSeverity  `json:"severity" yaml:"severity"`
	Selector    MetricSelector `json:"selector" yaml:"selector"`
	Operator    Operator       `json:"operator" yaml:"operator"`
	Threshold   float64        `json:"threshold" yaml:"threshold"`
	TimeWindow  time.Duration  `json:"time_window" yaml:"time_window"`
	Cooldown    time.Duration  `json:"cooldown" yaml:"cooldown"`
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	AutoResolve bool           `json:"auto_resolve" yaml:"auto_resolve"`
	Actions     []string       `json:"actions,omitempty" yaml:"actions,omitempty"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"-"`
}

// AlertState is the lifecycle state of an alert
type AlertState string

const (
	AlertStateFiring       AlertState = "firing"
	AlertStateAcknowledged AlertState = "acknowledged"
	AlertStateResolved     AlertState = "resolved"
)

// Open reports whether the state is firing or acknowledged
func (s AlertState) Open() bool {
	return s == AlertStateFiring || s == AlertStateAcknowledged
}

// AlertContext holds the measurement that triggered an alert
type AlertContext struct {
	Metric      string            `json:"metric"`
	Tags        map[string]string `json:"tags,omitempty"`
	Aggregation Aggregation       `json:"aggregation"`
	Value       float64           `json:"value"`
	Operator    Operator          `json:"operator"`
	Threshold   float64           `json:"threshold"`
	Window      time.Duration     `json:"window"`
}

// Alert represents an alert instance produced by a rule firing
type Alert struct {
	ID             string        `json:"id"`
	RuleID         string        `json:"rule_id"`
	RuleName       string        `json:"rule_name"`
	Type           AlertType     `json:"type"`
	Severity       AlertSeverity `json:"severity"`
	State          AlertState    `json:"state"`
	Message        string        `json:"message"`
	FirstFiredAt   time.Time     `json:"first_fired_at"`
	LastFiredAt    time.Time     `json:"last_fired_at"`
	FireCount      int           `json:"fire_count"`
	AcknowledgedBy string        `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy     string        `json:"resolved_by,omitempty"`
	Context        AlertContext  `json:"context"`
}

// Clone returns a deep copy of the alert
func (a *Alert) Clone() *Alert {
	c := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	if a.Context.Tags != nil {
		c.Context.Tags = make(map[string]string, len(a.Context.Tags))
		for k, v := range a.Context.Tags {
			c.Context.Tags[k] = v
		}
	}
	return &c
}
