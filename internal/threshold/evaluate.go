package threshold

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

const (
	maxScore = 100
	minScore = 0
)

// Evaluate scores a single raw value against rules. It is shorthand for
// EvaluateMetrics with value stored under types.PrimaryMetric, so rules that
// name another metric never match.
func Evaluate(rules []types.ThresholdRule, value decimal.Decimal) (int, *types.ThresholdRule) {
	return EvaluateMetrics(rules, types.RawMetrics{types.PrimaryMetric: value})
}

// EvaluateMetrics scores metrics against rules.
//
// Only active rules are considered, in ascending Order (ties keep their
// input order). The returned rule is the one that decided the score: the
// short-circuiting Score rule, or the last Cap/Penalty rule that matched.
// It is nil when no rule matched and the score defaults to 100.
func EvaluateMetrics(rules []types.ThresholdRule, metrics types.RawMetrics) (int, *types.ThresholdRule) {
	running := maxScore
	var matched *types.ThresholdRule

	for _, r := range ordered(rules) {
		v, ok := metrics[r.MetricKey()]
		if !ok || !r.Operator.Compare(v, r.Value) {
			continue
		}
		rule := r
		matched = &rule

		switch r.Action {
		case types.ActionCap:
			running = min(running, clamp(r.ResultingScore))
		case types.ActionPenalty:
			running = clamp(running - r.ResultingScore)
		default:
			return clamp(r.ResultingScore), matched
		}
	}
	return running, matched
}

// ordered returns the active rules sorted by Order.
func ordered(rules []types.ThresholdRule) []types.ThresholdRule {
	out := make([]types.ThresholdRule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// ValidateRules checks a rule set before it is stored. It rejects unknown
// operators and actions, negative resulting scores, and duplicate orders
// within one collector, which would make evaluation order ambiguous.
func ValidateRules(rules []types.ThresholdRule) error {
	seen := make(map[string]map[int]string)
	for i, r := range rules {
		if _, err := types.ParseOperator(string(r.Operator)); err != nil {
			return fmt.Errorf("rule[%d] %q: %w", i, r.Name, err)
		}
		if _, err := types.ParseAction(string(r.Action)); err != nil {
			return fmt.Errorf("rule[%d] %q: %w", i, r.Name, err)
		}
		if r.ResultingScore < minScore || r.ResultingScore > maxScore {
			return fmt.Errorf("rule[%d] %q: resulting score %d outside [0, 100]", i, r.Name, r.ResultingScore)
		}
		if !r.Active {
			continue
		}
		orders := seen[r.CollectorName]
		if orders == nil {
			orders = make(map[int]string)
			seen[r.CollectorName] = orders
		}
		if prev, dup := orders[r.Order]; dup {
			return fmt.Errorf("rule[%d] %q: order %d already used by %q", i, r.Name, r.Order, prev)
		}
		orders[r.Order] = r.Name
	}
	return nil
}

func clamp(score int) int {
	if score < minScore {
		return minScore
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
