package classification

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Range is an inclusive [low, high] metric range.
type Range [2]float64

// Condition selects submissions. Populated lists are ANDed together; within a
// list any element matches. An empty condition matches everything.
type Condition struct {
	AnySignal []string `yaml:"any_signal"`
	AnyReason []string `yaml:"any_reason"`
}

func (c Condition) empty() bool {
	return len(c.AnySignal) == 0 && len(c.AnyReason) == 0
}

func (c Condition) matches(signals []string, reason string) bool {
	if len(c.AnySignal) > 0 {
		hit := false
		for _, want := range c.AnySignal {
			for _, got := range signals {
				if strings.EqualFold(want, got) {
					hit = true
				}
			}
		}
		if !hit {
			return false
		}
	}
	if len(c.AnyReason) > 0 {
		reason = strings.ToLower(reason)
		hit := false
		for _, want := range c.AnyReason {
			if strings.Contains(reason, strings.ToLower(want)) {
				hit = true
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// Rule is one row of the local rule table.
type Rule struct {
	Name            string              `yaml:"name"`
	Status          Status              `yaml:"status"`
	Priority        string              `yaml:"priority"`
	Exportable      *bool               `yaml:"exportable"`
	Confidence      float64             `yaml:"confidence"`
	When            Condition           `yaml:"when"`
	Findings        []string            `yaml:"findings"`
	Recommendations []string            `yaml:"recommendations"`
	Metrics         map[MetricKey]Range `yaml:"metrics"`
}

// exportable resolves the rule's exportability, defaulting from its status.
func (r Rule) exportable() bool {
	if r.Exportable != nil {
		return *r.Exportable
	}
	return r.Status.DefaultExportable()
}

// RuleSet is an ordered rule table.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// statusTier orders statuses by precedence.
var statusTier = map[Status]int{
	StatusCritical: 0,
	StatusAbnormal: 1,
	StatusNormal:   2,
	StatusPending:  3,
}

// defaultRanges apply when a rule declares no range for a metric.
var defaultRanges = map[Status]map[MetricKey]Range{
	StatusCritical: {MetricHeartRate: {130, 190}, MetricPRInterval: {80, 120}, MetricQRSDuration: {120, 180}, MetricQTInterval: {300, 360}},
	StatusAbnormal: {MetricHeartRate: {45, 125}, MetricPRInterval: {200, 280}, MetricQRSDuration: {100, 140}, MetricQTInterval: {420, 500}},
	StatusNormal:   {MetricHeartRate: {60, 100}, MetricPRInterval: {120, 200}, MetricQRSDuration: {80, 110}, MetricQTInterval: {350, 440}},
	StatusPending:  {MetricHeartRate: {50, 110}, MetricPRInterval: {110, 210}, MetricQRSDuration: {70, 120}, MetricQTInterval: {340, 460}},
}

// DefaultRules returns the embedded rule table.
func DefaultRules() (*RuleSet, error) {
	return ParseRules(defaultRulesYAML)
}

// LoadRules reads a rule table from path, or the embedded table when path is empty.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a rule table.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate enforces ordering and completeness of the table.
func (rs *RuleSet) Validate() error {
	if len(rs.Rules) == 0 {
		return fmt.Errorf("rules: table is empty")
	}
	seen := map[string]bool{}
	prevTier := -1
	for i, r := range rs.Rules {
		if r.Name == "" {
			return fmt.Errorf("rules[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("rules[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
		if !r.Status.Valid() {
			return fmt.Errorf("rule %q: unknown status %q", r.Name, r.Status)
		}
		tier := statusTier[r.Status]
		if tier < prevTier {
			return fmt.Errorf("rule %q: %s rule cannot follow a lower-precedence rule", r.Name, r.Status)
		}
		prevTier = tier
		if r.Confidence < 0 || r.Confidence > 1 {
			return fmt.Errorf("rule %q: confidence must be within [0,1]", r.Name)
		}
		if len(r.Recommendations) == 0 {
			return fmt.Errorf("rule %q: at least one recommendation is required", r.Name)
		}
		for k, rg := range r.Metrics {
			if _, ok := LookupMetric(k); !ok {
				return fmt.Errorf("rule %q: unknown metric %q", r.Name, k)
			}
			if rg[0] < 0 || rg[0] > rg[1] {
				return fmt.Errorf("rule %q: metric %s range %v is invalid", r.Name, k, rg)
			}
		}
		last := i == len(rs.Rules)-1
		if r.When.empty() && !last {
			return fmt.Errorf("rule %q: unconditional rule shadows the rules after it", r.Name)
		}
		if last && !r.When.empty() {
			return fmt.Errorf("rule %q: the last rule must be unconditional", r.Name)
		}
	}
	return nil
}

// Match returns the first rule matching the given signals and reason. A valid
// table always matches.
func (rs *RuleSet) Match(signals []string, reason string) Rule {
	for _, r := range rs.Rules {
		if r.When.matches(signals, reason) {
			return r
		}
	}
	return rs.Rules[len(rs.Rules)-1]
}

// rangeFor returns the metric range of a rule, falling back to the status default.
func (r Rule) rangeFor(key MetricKey) Range {
	if rg, ok := r.Metrics[key]; ok {
		return rg
	}
	return defaultRanges[r.Status][key]
}
