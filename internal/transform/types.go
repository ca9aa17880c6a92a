package transform

import (
	"github.com/aninori/cms-healthcare-analytics/internal/schema"
)

// Missing-value actions
const (
	MissingDrop   = "drop"   // drop the whole row
	MissingImpute = "impute" // substitute the declared default
	MissingKeep   = "keep"   // leave the absent sentinel in place
)

// Outlier actions
const (
	OutlierCap     = "cap"     // clamp to the violated bound
	OutlierExclude = "exclude" // drop the row
)

// MissingPolicy declares what happens when a column's value is absent.
type MissingPolicy struct {
	Action  string
	Default schema.Value // used when Action == MissingImpute
}

// OutlierPolicy declares the bound check for one numeric column.
type OutlierPolicy struct {
	Min    *float64
	Max    *float64
	Action string
}

// Policies carries the per-(dataset, column) data-quality policy set.
// Columns without an entry get the documented defaults: natural-key columns
// drop rows with absent keys, everything else keeps the sentinel.
type Policies struct {
	Missing  map[string]MissingPolicy
	Outliers map[string]OutlierPolicy
}

// MissingFor resolves the effective missing-value policy for a column.
func (p *Policies) MissingFor(column string, isKey bool) MissingPolicy {
	if p != nil {
		if policy, ok := p.Missing[column]; ok {
			return policy
		}
	}
	if isKey {
		return MissingPolicy{Action: MissingDrop}
	}
	return MissingPolicy{Action: MissingKeep}
}

// Report counts every data-quality decision of one run. It is a required
// output: callers assert thresholds against it, it is not a log side effect.
type Report struct {
	RowsRead         int64 `json:"rows_read"`
	RowsWritten      int64 `json:"rows_written"`
	Dropped          int64 `json:"dropped"`
	Imputed          int64 `json:"imputed"`
	Capped           int64 `json:"capped"`
	Excluded         int64 `json:"excluded"`
	Deduped          int64 `json:"deduped"`
	CoercionFailures int64 `json:"coercion_failures"`
	MalformedSkipped int64 `json:"malformed_skipped"`

	// FilteredAbsentKey counts rows an incremental run rejected because
	// their increment key was absent.
	FilteredAbsentKey int64 `json:"filtered_absent_key"`

	// NarrowedColumns lists numeric columns stored at 32-bit width because
	// every observed value provably fits.
	NarrowedColumns []string `json:"narrowed_columns,omitempty"`
}

// Partition is the cleaned, deduplicated, schema-conformant row set of one
// run. Immutable once handed to the columnar writer.
type Partition struct {
	Dataset string
	Schema  *schema.Schema
	Rows    []schema.Row

	// Narrowed marks columns the type optimizer proved safe at 32 bits.
	Narrowed map[string]bool
}
