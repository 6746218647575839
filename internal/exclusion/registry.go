package exclusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// Store is the subset of store.ConfigStore the registry needs.
type Store interface {
	UpsertExclusion(ctx context.Context, o types.ExclusionOverride) error
	ListExclusions(ctx context.Context) ([]types.ExclusionOverride, error)
}

// Registry manages exclusion overrides.
type Registry struct {
	store Store
	now   func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns a Registry backed by st.
func NewRegistry(st Store, opts ...Option) *Registry {
	r := &Registry{store: st, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Grant stores a new active override and returns it with its ID and
// CreatedAt filled in. An empty ExceptionType matches every type.
func (r *Registry) Grant(ctx context.Context, o types.ExclusionOverride) (types.ExclusionOverride, error) {
	if o.CollectorName == "" || o.InstanceName == "" {
		return types.ExclusionOverride{}, errors.New("exclusion: collector and instance are required")
	}
	now := r.now()
	if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
		return types.ExclusionOverride{}, fmt.Errorf("exclusion: expiry %s is not in the future", o.ExpiresAt.Format(time.RFC3339))
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.ExceptionType == "" {
		o.ExceptionType = types.ExceptionTypeAll
	}
	o.Active = true
	o.CreatedAt = now

	if err := r.store.UpsertExclusion(ctx, o); err != nil {
		return types.ExclusionOverride{}, fmt.Errorf("exclusion: grant: %w", err)
	}
	slog.Info("exclusion: granted",
		"id", o.ID,
		"collector", o.CollectorName,
		"type", o.ExceptionType,
		"instance", o.InstanceName,
		"by", o.CreatedBy,
	)
	return o, nil
}

// Revoke deactivates the override with id. The row is kept for audit.
func (r *Registry) Revoke(ctx context.Context, id string) error {
	all, err := r.store.ListExclusions(ctx)
	if err != nil {
		return fmt.Errorf("exclusion: revoke: %w", err)
	}
	for _, o := range all {
		if o.ID != id {
			continue
		}
		if !o.Active {
			return nil
		}
		o.Active = false
		if err := r.store.UpsertExclusion(ctx, o); err != nil {
			return fmt.Errorf("exclusion: revoke %s: %w", id, err)
		}
		slog.Info("exclusion: revoked", "id", id)
		return nil
	}
	return fmt.Errorf("exclusion: revoke %s: not found", id)
}

// Sweep deactivates every active override whose expiry has passed and
// returns how many it changed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	all, err := r.store.ListExclusions(ctx)
	if err != nil {
		return 0, fmt.Errorf("exclusion: sweep: %w", err)
	}
	now := r.now()
	n := 0
	for _, o := range all {
		if !o.Active || o.InEffect(now) {
			continue
		}
		o.Active = false
		if err := r.store.UpsertExclusion(ctx, o); err != nil {
			return n, fmt.Errorf("exclusion: sweep %s: %w", o.ID, err)
		}
		n++
	}
	if n > 0 {
		slog.Info("exclusion: expired overrides deactivated", "count", n)
	}
	return n, nil
}

// Snapshot loads every override and freezes it at the current instant.
func (r *Registry) Snapshot(ctx context.Context) (Set, error) {
	all, err := r.store.ListExclusions(ctx)
	if err != nil {
		return Set{}, fmt.Errorf("exclusion: snapshot: %w", err)
	}
	return NewSet(all, r.now()), nil
}
