package classification

import (
	"context"
	"math"

	"github.com/ehr/ecgreview/internal/domain/capture"
)

// LocalStrategy classifies with the ordered rule table. It performs no I/O and
// the same submission always produces the same outcome.
type LocalStrategy struct {
	rules   *RuleSet
	signals SignalSource
}

func NewLocalStrategy(rules *RuleSet, signals SignalSource) *LocalStrategy {
	if signals == nil {
		signals = OperatorSignals{}
	}
	return &LocalStrategy{rules: rules, signals: signals}
}

func (s *LocalStrategy) Name() string { return string(SourceLocal) }

// SignalSource returns the name of the configured signal source.
func (s *LocalStrategy) SignalSource() string { return s.signals.Name() }

func (s *LocalStrategy) Classify(ctx context.Context, sub capture.Submission) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	return s.Evaluate(sub), nil
}

// Evaluate applies the first matching rule to the submission.
func (s *LocalStrategy) Evaluate(sub capture.Submission) Outcome {
	signals := s.signals.Signals(sub)
	rule := s.rules.Match(signals, sub.Metadata().Reason())

	return Outcome{
		Status:          rule.Status,
		Findings:        append([]string(nil), rule.Findings...),
		Recommendations: append([]string(nil), rule.Recommendations...),
		Priority:        rule.Priority,
		Confidence:      rule.Confidence,
		Metrics:         synthesizeMetrics(rule, sub.ContentHash()),
		Exportable:      rule.exportable(),
		Source:          SourceLocal,
		Rule:            rule.Name,
	}
}

// synthesizeMetrics places each metric inside the rule's range using two
// bytes of the content hash per metric.
func synthesizeMetrics(rule Rule, contentHash string) Metrics {
	b := hashBytes(contentHash)
	var m Metrics
	for i, d := range MetricDefs {
		rg := rule.rangeFor(d.Key)
		frac := 0.5
		if len(b) >= 2*i+2 {
			frac = float64(uint16(b[2*i])<<8|uint16(b[2*i+1])) / math.MaxUint16
		}
		m.set(d.Key, math.Round(rg[0]+frac*(rg[1]-rg[0])))
	}
	return m
}
