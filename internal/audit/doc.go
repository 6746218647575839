// Package audit records one ExecutionRecord per collector run: appended as
// Running when the run starts and finalised exactly once when it ends.
package audit
