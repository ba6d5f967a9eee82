package rules

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/t77yq/perfmon/internal/model"
)

// Normalize fills optional rule fields with their defaults
func Normalize(rule model.AlertRule) model.AlertRule {
	rule.Name = strings.TrimSpace(rule.Name)
	if rule.Type == "" {
		rule.Type = model.AlertTypeThreshold
	}
	if rule.Selector.Aggregation == "" {
		rule.Selector.Aggregation = model.AggregationAvg
	}
	return rule
}

// Validate reports every problem with a normalized rule
func Validate(rule model.AlertRule) error {
	var errs []error
	if rule.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !rule.Type.Valid() {
		errs = append(errs, fmt.Errorf("unknown type %q", rule.Type))
	}
	if !rule.Severity.Valid() {
		errs = append(errs, fmt.Errorf("unknown severity %q", rule.Severity))
	}
	if strings.TrimSpace(rule.Selector.Metric) == "" {
		errs = append(errs, errors.New("selector.metric is required"))
	}
	if !rule.Selector.Aggregation.Valid() {
		errs = append(errs, fmt.Errorf("unknown aggregation %q", rule.Selector.Aggregation))
	}
	if !rule.Operator.Valid() {
		errs = append(errs, fmt.Errorf("unknown operator %q", rule.Operator))
	}
	if math.IsNaN(rule.Threshold) || math.IsInf(rule.Threshold, 0) {
		errs = append(errs, errors.New("threshold must be a finite number"))
	}
	if rule.TimeWindow <= 0 {
		errs = append(errs, errors.New("time_window must be positive"))
	}
	if rule.Cooldown < 0 {
		errs = append(errs, errors.New("cooldown must not be negative"))
	}
	for _, action := range rule.Actions {
		if strings.TrimSpace(action) == "" {
			errs = append(errs, errors.New("actions must not contain empty channel names"))
			break
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w %q: %w", ErrInvalidRule, rule.Name, errors.Join(errs...))
}

// CheckWindow rejects a rule whose time window exceeds the history the
// aggregator can resolve. A non-positive max disables the check.
func CheckWindow(rule model.AlertRule, maxWindow time.Duration) error {
	if maxWindow <= 0 || rule.TimeWindow <= maxWindow {
		return nil
	}
	return fmt.Errorf("%w %q: time_window %s exceeds the aggregator max_window %s",
		ErrInvalidRule, rule.Name, rule.TimeWindow, maxWindow)
}
