package exclusion

import (
	"time"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

type key struct {
	collector string
	instance  string
}

// Set is an immutable view of the overrides in effect at one instant.
// The zero Set matches nothing.
type Set struct {
	at      time.Time
	entries map[key][]types.ExclusionOverride
}

// NewSet keeps the overrides from all that are in effect at at.
func NewSet(all []types.ExclusionOverride, at time.Time) Set {
	s := Set{at: at, entries: make(map[key][]types.ExclusionOverride)}
	for _, o := range all {
		if !o.InEffect(at) {
			continue
		}
		k := key{o.CollectorName, o.InstanceName}
		s.entries[k] = append(s.entries[k], o)
	}
	return s
}

// Lookup returns the override exempting instance from collector's check
// of exceptionType. An override with ExceptionTypeAll matches any type.
func (s Set) Lookup(collector, exceptionType, instance string) (types.ExclusionOverride, bool) {
	for _, o := range s.entries[key{collector, instance}] {
		if o.ExceptionType == exceptionType || o.ExceptionType == types.ExceptionTypeAll {
			return o, true
		}
	}
	return types.ExclusionOverride{}, false
}

// Len returns the number of overrides in effect.
func (s Set) Len() int {
	n := 0
	for _, v := range s.entries {
		n += len(v)
	}
	return n
}

// At returns the instant the set was evaluated at.
func (s Set) At() time.Time { return s.at }
