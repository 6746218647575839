package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Operator is a threshold comparison operator.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
)

// ParseOperator validates s as an Operator. "==" is accepted as an alias
// for "=".
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
		return op, nil
	case "==":
		return OpEqual, nil
	default:
		return "", fmt.Errorf("unknown operator %q: want one of > < >= <= = !=", s)
	}
}

// Compare applies op to (v, threshold) using exact decimal arithmetic.
// An unknown operator never matches.
func (op Operator) Compare(v, threshold decimal.Decimal) bool {
	c := v.Cmp(threshold)
	switch op {
	case OpGreater:
		return c > 0
	case OpLess:
		return c < 0
	case OpGreaterEqual:
		return c >= 0
	case OpLessEqual:
		return c <= 0
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	default:
		return false
	}
}

// Action is what a matching threshold rule does to the running score.
type Action string

const (
	// ActionScore sets the score to ResultingScore and stops evaluation.
	ActionScore Action = "Score"
	// ActionCap lowers the running score to at most ResultingScore.
	ActionCap Action = "Cap"
	// ActionPenalty subtracts ResultingScore from the running score.
	ActionPenalty Action = "Penalty"
)

// ParseAction validates s as an Action, case-insensitively. An empty
// string means ActionScore.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "score", "":
		return ActionScore, nil
	case "cap":
		return ActionCap, nil
	case "penalty":
		return ActionPenalty, nil
	default:
		return "", fmt.Errorf("unknown action %q: want score|cap|penalty", s)
	}
}

// ThresholdRule is one ordered scoring rule belonging to a collector.
type ThresholdRule struct {
	ID            string `json:"id"`
	CollectorName string `json:"collector_name"`
	Name          string `json:"name"`

	// Metric names the RawMetrics key compared. Empty means PrimaryMetric.
	Metric string `json:"metric,omitempty"`

	Value          decimal.Decimal `json:"value"`
	Operator       Operator        `json:"operator"`
	Action         Action          `json:"action"`
	ResultingScore int             `json:"resulting_score"`
	Order          int             `json:"order"`
	Active         bool            `json:"active"`
}

// MetricKey returns the RawMetrics key this rule reads.
func (r ThresholdRule) MetricKey() string {
	if r.Metric == "" {
		return PrimaryMetric
	}
	return r.Metric
}

// VersionedQuery is one query variant of a collector, scoped to a platform
// version range.
type VersionedQuery struct {
	ID            string `json:"id"`
	CollectorName string `json:"collector_name"`

	// MinVersion and MaxVersion bound the compatible platform versions,
	// inclusive. MaxVersion 0 means no upper bound.
	MinVersion int `json:"min_version"`
	MaxVersion int `json:"max_version,omitempty"`

	// Priority orders compatible queries; the lowest number wins.
	Priority int  `json:"priority"`
	Active   bool `json:"active"`

	// Text is opaque to the core and interpreted by the adapter.
	Text string `json:"text"`

	// Metric names the result column or family used as PrimaryMetric.
	Metric string `json:"metric,omitempty"`
}

// Compatible reports whether version falls inside the query's bracket.
func (q VersionedQuery) Compatible(version int) bool {
	if version < q.MinVersion {
		return false
	}
	return q.MaxVersion == 0 || version <= q.MaxVersion
}

// ExceptionTypeAll matches every exception type of a collector.
const ExceptionTypeAll = "*"

// ExclusionOverride exempts one (collector, exception type, instance)
// check while active and unexpired.
type ExclusionOverride struct {
	ID            string     `json:"id"`
	CollectorName string     `json:"collector_name"`
	ExceptionType string     `json:"exception_type"`
	InstanceName  string     `json:"instance_name"`
	Active        bool       `json:"active"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	CreatedBy     string     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// InEffect reports whether the override is active and not expired at now.
func (o ExclusionOverride) InEffect(now time.Time) bool {
	if !o.Active {
		return false
	}
	return o.ExpiresAt == nil || now.Before(*o.ExpiresAt)
}
