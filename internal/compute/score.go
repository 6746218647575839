package compute

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// DefaultGlobalCap is used when Input.GlobalCap is zero.
const DefaultGlobalCap = 100

// missingScore is assumed for a category that has never reported.
const missingScore = 100

// Category is one weighted input to the composite.
type Category struct {
	Name   string
	Weight int
	// Score is nil when the category has no snapshot yet.
	Score *int
}

// Input holds everything Compute needs for one instance.
type Input struct {
	InstanceName string
	Categories   []Category
	GlobalCap    int
	Caps         []types.CapRule
	Buckets      []types.StatusBucket
	Now          time.Time
}

// Compute derives the composite score. It is pure: the same Input always
// produces the same output.
func Compute(in Input) types.CompositeHealthScore {
	out := types.CompositeHealthScore{
		InstanceName:   in.InstanceName,
		ComputedAt:     in.Now,
		CategoryScores: make(map[string]int, len(in.Categories)),
		Contributions:  make(map[string]int, len(in.Categories)),
	}

	sum := 0
	for _, c := range in.Categories {
		score := missingScore
		if c.Score != nil {
			score = clamp(*c.Score)
		}
		contrib := Contribution(score, c.Weight)
		out.CategoryScores[c.Name] = score
		out.Contributions[c.Name] = contrib
		sum += contrib
	}

	limit := in.GlobalCap
	if limit <= 0 || limit > 100 {
		limit = DefaultGlobalCap
	}
	for _, rule := range in.Caps {
		score, ok := out.CategoryScores[rule.Category]
		if !ok {
			continue
		}
		if rule.Operator.Compare(decimal.NewFromInt(int64(score)), decimal.NewFromInt(int64(rule.Threshold))) {
			if rule.Cap < limit {
				limit = clamp(rule.Cap)
			}
			out.AppliedCaps = append(out.AppliedCaps, rule.Name)
		}
	}
	out.GlobalCap = limit
	out.Score = clamp(min(limit, sum))
	out.Status = Status(out.Score, in.Buckets)
	return out
}

// Contribution returns round_half_up(score * weight / 100).
func Contribution(score, weight int) int {
	if weight <= 0 {
		return 0
	}
	v := decimal.NewFromInt(int64(score)).
		Mul(decimal.NewFromInt(int64(weight))).
		Div(decimal.NewFromInt(100)).
		Round(0)
	return int(v.IntPart())
}

// Status maps score to the label of the highest bucket it reaches. Nil or
// empty buckets fall back to types.DefaultBuckets.
func Status(score int, buckets []types.StatusBucket) string {
	if len(buckets) == 0 {
		buckets = types.DefaultBuckets
	}
	sorted := append([]types.StatusBucket(nil), buckets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinScore > sorted[j].MinScore })
	for _, b := range sorted {
		if score >= b.MinScore {
			return b.Label
		}
	}
	return types.StatusCritical
}

func clamp(v int) int {
	return max(0, min(100, v))
}
