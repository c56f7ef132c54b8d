package model

import (
	"fmt"
	"strings"
)

// IngestError is fatal for a run: the input has no usable data.
type IngestError struct {
	Reason  string
	Rows    int
	Skipped int
	Err     error
}

func (e *IngestError) Error() string {
	msg := fmt.Sprintf("ingest: %s (rows=%d skipped=%d)", e.Reason, e.Rows, e.Skipped)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IngestError) Unwrap() error { return e.Err }

// RowSkipped records one non-fatal per-row problem.
type RowSkipped struct {
	Line   int
	Reason string
}

func (r RowSkipped) String() string {
	return fmt.Sprintf("line %d: %s", r.Line, r.Reason)
}

// InvariantViolation signals an upstream computation bug.
type InvariantViolation struct {
	Date   Day
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", e.Date, e.Detail)
}

// JoinMismatch lists dates present on one side of the summary join but
// missing from another.
type JoinMismatch struct {
	MissingAggregate []Day
	MissingBilling   []Day
	MissingAnomaly   []Day
}

func (e *JoinMismatch) Error() string {
	var parts []string
	add := func(side string, days []Day) {
		if len(days) == 0 {
			return
		}
		ds := make([]string, len(days))
		for i, d := range days {
			ds[i] = d.String()
		}
		parts = append(parts, fmt.Sprintf("missing %s for %s", side, strings.Join(ds, ",")))
	}
	add("aggregate", e.MissingAggregate)
	add("billing", e.MissingBilling)
	add("anomaly", e.MissingAnomaly)
	return "join mismatch: " + strings.Join(parts, "; ")
}
