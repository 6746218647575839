package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// ErrAlreadyFinalized is returned when Finish is called twice for a run.
var ErrAlreadyFinalized = errors.New("audit: execution already finalized")

// Store is the subset of store.AuditStore the recorder writes to.
type Store interface {
	AppendExecution(ctx context.Context, rec types.ExecutionRecord) error
	FinalizeExecution(ctx context.Context, rec types.ExecutionRecord) error
	ListExecutions(ctx context.Context, collector string, limit int) ([]types.ExecutionRecord, error)
}

// Recorder creates and finalises execution records.
type Recorder struct {
	store Store
	now   func() time.Time
	newID func() string
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithIDs overrides the UUID generator.
func WithIDs(newID func() string) Option {
	return func(r *Recorder) { r.newID = newID }
}

// NewRecorder returns a Recorder writing to st.
func NewRecorder(st Store, opts ...Option) *Recorder {
	r := &Recorder{store: st, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin appends a Running record for collector and returns it.
func (r *Recorder) Begin(ctx context.Context, collector string, trigger types.TriggerKind, triggeredBy string) (types.ExecutionRecord, error) {
	rec := types.ExecutionRecord{
		ID:            r.newID(),
		CollectorName: collector,
		StartedAt:     r.now(),
		Status:        types.RunRunning,
		Trigger:       trigger,
		TriggeredBy:   triggeredBy,
	}
	if err := r.store.AppendExecution(ctx, rec); err != nil {
		return types.ExecutionRecord{}, fmt.Errorf("audit: begin %s: %w", collector, err)
	}
	return rec, nil
}

// Finish stamps EndedAt and writes the terminal status, counts and error
// summary. status must be terminal.
func (r *Recorder) Finish(ctx context.Context, rec types.ExecutionRecord, status types.RunStatus, counts types.RunCounts, summary string) (types.ExecutionRecord, error) {
	if !status.Final() {
		return rec, fmt.Errorf("audit: finish %s: status %q is not terminal", rec.ID, status)
	}
	if rec.Status.Final() {
		return rec, ErrAlreadyFinalized
	}
	rec.Status = status
	rec.RunCounts = counts
	rec.ErrorSummary = summary
	rec.EndedAt = r.now()

	err := r.store.FinalizeExecution(ctx, rec)
	switch {
	case errors.Is(err, store.ErrFinalized):
		return rec, ErrAlreadyFinalized
	case err != nil:
		return rec, fmt.Errorf("audit: finish %s: %w", rec.ID, err)
	}
	return rec, nil
}

// Recent returns the newest records for collector ("" = all).
func (r *Recorder) Recent(ctx context.Context, collector string, limit int) ([]types.ExecutionRecord, error) {
	recs, err := r.store.ListExecutions(ctx, collector, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	return recs, nil
}

// maxSummaryItems bounds how many failed instances Summarize names.
const maxSummaryItems = 5

// Summarize renders the failed outcomes into a one-line error summary,
// e.g. "2 of 5 instances failed: db-1 Timeout: ...; db-4 QueryError: ...".
// It returns "" when nothing failed.
func Summarize(outcomes []types.InstanceOutcome) string {
	var failed []types.InstanceOutcome
	attempted := 0
	for _, o := range outcomes {
		if o.Status == types.OutcomeSkipped {
			continue
		}
		attempted++
		if o.Status == types.OutcomeError {
			failed = append(failed, o)
		}
	}
	if len(failed) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d instances failed: ", len(failed), attempted)
	for i, o := range failed {
		if i == maxSummaryItems {
			fmt.Fprintf(&b, "; (+%d more)", len(failed)-maxSummaryItems)
			break
		}
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s %s: %s", o.InstanceName, o.ErrorKind, o.Message)
	}
	return b.String()
}
