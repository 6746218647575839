package types

import "time"

// RunStatus is the lifecycle state of one collector run.
type RunStatus string

const (
	RunRunning   RunStatus = "Running"
	RunCompleted RunStatus = "Completed"
	RunFailed    RunStatus = "Failed"
	RunCancelled RunStatus = "Cancelled"
)

// Final reports whether s is a terminal state.
func (s RunStatus) Final() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// TriggerKind records what started a run.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "Scheduled"
	TriggerManual    TriggerKind = "Manual"
	TriggerOnDemand  TriggerKind = "OnDemand"
)

// RunCounts tallies per-instance outcomes of one run.
type RunCounts struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ExecutionRecord is the audit row for one collector run.
type ExecutionRecord struct {
	ID            string      `json:"id"`
	CollectorName string      `json:"collector_name"`
	StartedAt     time.Time   `json:"started_at"`
	EndedAt       time.Time   `json:"ended_at,omitempty"`
	Status        RunStatus   `json:"status"`
	Trigger       TriggerKind `json:"trigger"`
	TriggeredBy   string      `json:"triggered_by,omitempty"`
	ErrorSummary  string      `json:"error_summary,omitempty"`
	RunCounts
}

// Duration returns EndedAt - StartedAt, or zero while running.
func (r ExecutionRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// OutcomeStatus is the result of processing one instance.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "Success"
	OutcomeError   OutcomeStatus = "Error"
	OutcomeSkipped OutcomeStatus = "Skipped"
)

// InstanceOutcome is the per-instance result within a run.
type InstanceOutcome struct {
	InstanceName string        `json:"instance_name"`
	Status       OutcomeStatus `json:"status"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	Message      string        `json:"message,omitempty"`
	Score        int           `json:"score"`
	QueryID      string        `json:"query_id,omitempty"`
	Duration     time.Duration `json:"duration"`
}
