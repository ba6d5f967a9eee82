package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/t77yq/perfmon/internal/model"
)

const equalityTolerance = 1e-9

// Compare applies op to value and threshold
func Compare(op model.Operator, value, threshold float64) (bool, error) {
	switch op {
	case model.OperatorGT:
		return value > threshold, nil
	case model.OperatorGTE:
		return value >= threshold, nil
	case model.OperatorLT:
		return value < threshold, nil
	case model.OperatorLTE:
		return value <= threshold, nil
	case model.OperatorEQ:
		return math.Abs(value-threshold) <= equalityTolerance, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

// WithinCooldown reports whether a re-alert at now is still suppressed
func WithinCooldown(last time.Time, cooldown time.Duration, now time.Time) bool {
	return now.Sub(last) < cooldown
}

func describe(rule model.AlertRule, value float64) string {
	return fmt.Sprintf("%s: %s(%s) = %.2f %s %.2f over %s",
		rule.Name, rule.Selector.Aggregation, rule.Selector.Metric,
		value, rule.Operator, rule.Threshold, rule.TimeWindow)
}
