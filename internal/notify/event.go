package notify

import (
	"time"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// Kind names an event type.
type Kind string

const (
	KindInstanceScoreUpdated  Kind = "InstanceScoreUpdated"
	KindCollectorRunCompleted Kind = "CollectorRunCompleted"
)

// InstanceScoreUpdated is emitted after every composite recomputation.
type InstanceScoreUpdated struct {
	InstanceName string    `json:"instance_name"`
	Score        int       `json:"score"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

// CollectorRunCompleted is emitted once per finalised collector run.
type CollectorRunCompleted struct {
	CollectorName string          `json:"collector_name"`
	ExecutionID   string          `json:"execution_id"`
	Status        types.RunStatus `json:"status"`
	Counts        types.RunCounts `json:"counts"`
	ErrorSummary  string          `json:"error_summary,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Event is the envelope published on the Bus and sent over the wire.
type Event struct {
	Kind Kind `json:"event"`
	Data any  `json:"data"`
}

// ScoreUpdated builds the event for a freshly written composite score.
func ScoreUpdated(c types.CompositeHealthScore) Event {
	return Event{Kind: KindInstanceScoreUpdated, Data: InstanceScoreUpdated{
		InstanceName: c.InstanceName,
		Score:        c.Score,
		Status:       c.Status,
		Timestamp:    c.ComputedAt,
	}}
}

// RunCompleted builds the event for a finalised execution record.
func RunCompleted(rec types.ExecutionRecord) Event {
	return Event{Kind: KindCollectorRunCompleted, Data: CollectorRunCompleted{
		CollectorName: rec.CollectorName,
		ExecutionID:   rec.ID,
		Status:        rec.Status,
		Counts:        rec.RunCounts,
		ErrorSummary:  rec.ErrorSummary,
		Timestamp:     rec.EndedAt,
	}}
}
