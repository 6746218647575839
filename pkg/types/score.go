package types

import "time"

// CategoryScoreSnapshot is one category score for one instance at one
// collection time. Rows are append-only.
type CategoryScoreSnapshot struct {
	InstanceName string             `json:"instance_name"`
	Category     string             `json:"category"`
	CollectedAt  time.Time          `json:"collected_at"`
	Score        int                `json:"score"`
	RuleName     string             `json:"rule_name,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// CompositeHealthScore is the weighted, capped combination of all category
// scores for one instance. A new row supersedes, never overwrites, the last.
type CompositeHealthScore struct {
	InstanceName   string         `json:"instance_name"`
	ComputedAt     time.Time      `json:"computed_at"`
	Score          int            `json:"score"`
	Status         string         `json:"status"`
	GlobalCap      int            `json:"global_cap"`
	CategoryScores map[string]int `json:"category_scores"`
	Contributions  map[string]int `json:"contributions"`
	AppliedCaps    []string       `json:"applied_caps,omitempty"`
}

// StatusBucket maps every score at or above MinScore to Label.
type StatusBucket struct {
	Label    string `json:"label"`
	MinScore int    `json:"min_score"`
}

// DefaultBuckets are the status buckets used when none are configured.
// Scores below the last bucket are labelled StatusCritical.
var DefaultBuckets = []StatusBucket{
	{Label: "Optimal", MinScore: 85},
	{Label: "Warning", MinScore: 75},
	{Label: "AtRisk", MinScore: 65},
}

// StatusCritical labels scores below every configured bucket.
const StatusCritical = "Critical"

// CapRule lowers the global cap of a composite computation when one
// category's score satisfies Operator against Threshold.
type CapRule struct {
	Name      string   `json:"name"`
	Category  string   `json:"category"`
	Operator  Operator `json:"operator"`
	Threshold int      `json:"threshold"`
	Cap       int      `json:"cap"`
}
