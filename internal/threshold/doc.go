// Package threshold converts raw metric values into 0–100 category scores.
//
// Evaluate walks a collector's active rules in ascending Order and applies
// the first matching Score rule, or accumulates Cap and Penalty rules onto a
// running score that starts at 100. When nothing matches the score is 100:
// instances are healthy until a rule says otherwise.
//
// All comparisons use shopspring/decimal so thresholds such as 0.1 compare
// exactly.
package threshold
