package rules

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/t77yq/perfmon/internal/model"
)

type ruleFile struct {
	Rules []fileRule `yaml:"rules"`
}

// fileRule mirrors model.AlertRule; Enabled defaults to true when omitted
type fileRule struct {
	ID          string               `yaml:"id"`
	Name        string               `yaml:"name"`
	Type        model.AlertType      `yaml:"type"`
	Severity    model.AlertSeverity  `yaml:"severity"`
	Selector    model.MetricSelector `yaml:"selector"`
	Operator    model.Operator       `yaml:"operator"`
	Threshold   float64              `yaml:"threshold"`
	TimeWindow  time.Duration        `yaml:"time_window"`
	Cooldown    time.Duration        `yaml:"cooldown"`
	Enabled     *bool                `yaml:"enabled"`
	AutoResolve bool                 `yaml:"auto_resolve"`
	Actions     []string             `yaml:"actions"`
}

// LoadFile parses and validates a YAML rule file
func LoadFile(path string) ([]model.AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML rule document. Every rule is validated and all
// problems are reported together.
func Parse(data []byte) ([]model.AlertRule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	rules := make([]model.AlertRule, 0, len(file.Rules))
	seen := make(map[string]bool)
	var errs []error
	for i, fr := range file.Rules {
		rule := Normalize(fr.toRule())
		if err := Validate(rule); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		if rule.ID != "" {
			if seen[rule.ID] {
				errs = append(errs, fmt.Errorf("rule %d: %w: %s", i, ErrRuleExists, rule.ID))
				continue
			}
			seen[rule.ID] = true
		}
		rules = append(rules, rule)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rules, nil
}

func (fr fileRule) toRule() model.AlertRule {
	enabled := true
	if fr.Enabled != nil {
		enabled = *fr.Enabled
	}
	return model.AlertRule{
		ID:          fr.ID,
		Name:        fr.Name,
		Type:        fr.Type,
		Severity:    fr.Severity,
		Selector:    fr.Selector,
		Operator:    fr.Operator,
		Threshold:   fr.Threshold,
		TimeWindow:  fr.TimeWindow,
		Cooldown:    fr.Cooldown,
		Enabled:     enabled,
		AutoResolve: fr.AutoResolve,
		Actions:     fr.Actions,
	}
}
