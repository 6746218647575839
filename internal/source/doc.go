// Package source implements the metric source adapters a collector fetches
// raw values through.
//
// Every adapter satisfies Adapter: given an instance and the selected
// versioned query it returns types.RawMetrics, with PrimaryMetric set to
// the value the collector is scored on. Query text is opaque to the core
// and interpreted here:
//
//	mysql       SQL; one row of numeric columns, or name/value rows
//	            (SHOW GLOBAL STATUS style)
//	prometheus  comma-separated metric family names, summed across series
//	httpjson    comma-separated dotted JSON paths
//	tlscert     ignored; reports days_left until certificate expiry
//
// Failures are returned as *FetchError so the executor can tell an
// unreachable instance from a timeout from a bad query.
package source
