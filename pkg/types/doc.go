// Package types defines the shared Go types used by every FleetPulse
// component: collector definitions, threshold rules, versioned queries,
// exclusion overrides, execution records and score snapshots.
//
// These are the canonical in-memory representations. The store package
// persists them; the config package builds them from YAML.
package types
