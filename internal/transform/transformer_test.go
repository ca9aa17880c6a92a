package transform

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aninori/cms-healthcare-analytics/internal/schema"
)

func staffingDataset() *schema.Dataset {
	return &schema.Dataset{
		Name: "nh_providerinfo",
		Schema: schema.Schema{
			Columns: []schema.Column{
				{Name: "ccn", Type: schema.TypeString},
				{Name: "staffing_hours", Type: schema.TypeFloat},
				{Name: "certified_beds", Type: schema.TypeInt},
				{Name: "processing_date", Type: schema.TypeTimestamp},
			},
			NaturalKey:      []string{"ccn"},
			TimestampColumn: "processing_date",
		},
	}
}

func staffingRow(ccn string, hours float64, beds int64, ts time.Time) schema.Row {
	return schema.Row{
		schema.StringValue(ccn),
		schema.FloatValue(hours),
		schema.IntValue(beds),
		schema.TimestampValue(ts),
	}
}

func TestTransformerDedup(t *testing.T) {
	day1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	t.Run("LatestTimestampWins", func(t *testing.T) {
		tr, err := NewTransformer(staffingDataset(), nil, zap.NewNop())
		if err != nil {
			t.Fatalf("NewTransformer failed: %v", err)
		}

		tr.Add([]schema.Row{
			staffingRow("12345", 3.5, 100, day1),
			staffingRow("12345", 4.2, 100, day2),
		})

		partition, report := tr.Finalize()
		if len(partition.Rows) != 1 {
			t.Fatalf("got %d rows, want 1", len(partition.Rows))
		}
		if got := partition.Rows[0][1].Float(); got != 4.2 {
			t.Errorf("surviving staffing_hours = %g, want 4.2 (later timestamp)", got)
		}
		if report.Deduped != 1 {
			t.Errorf("deduped = %d, want 1", report.Deduped)
		}
	})

	t.Run("TimestampTieKeepsEarlierPosition", func(t *testing.T) {
		tr, err := NewTransformer(staffingDataset(), nil, zap.NewNop())
		if err != nil {
			t.Fatalf("NewTransformer failed: %v", err)
		}

		tr.Add([]schema.Row{
			staffingRow("12345", 3.5, 100, day1),
			staffingRow("12345", 9.9, 100, day1),
		})

		partition, _ := tr.Finalize()
		if got := partition.Rows[0][1].Float(); got != 3.5 {
			t.Errorf("tie must keep the earlier row, got staffing_hours = %g", got)
		}
	})

	t.Run("DistinctKeysAllSurvive", func(t *testing.T) {
		tr, _ := NewTransformer(staffingDataset(), nil, zap.NewNop())
		tr.Add([]schema.Row{
			staffingRow("11111", 3.5, 100, day1),
			staffingRow("22222", 4.0, 200, day1),
			staffingRow("33333", 5.0, 300, day1),
		})
		partition, report := tr.Finalize()
		if len(partition.Rows) != 3 || report.Deduped != 0 {
			t.Errorf("rows = %d, deduped = %d, want 3 and 0", len(partition.Rows), report.Deduped)
		}
	})

	t.Run("SpansBatches", func(t *testing.T) {
		// Duplicates arriving in different batches must still collapse.
		tr, _ := NewTransformer(staffingDataset(), nil, zap.NewNop())
		tr.Add([]schema.Row{staffingRow("12345", 3.5, 100, day1)})
		tr.Add([]schema.Row{staffingRow("12345", 4.2, 100, day2)})

		partition, _ := tr.Finalize()
		if len(partition.Rows) != 1 || partition.Rows[0][1].Float() != 4.2 {
			t.Errorf("cross-batch duplicate not collapsed: %d rows", len(partition.Rows))
		}
	})
}

func TestTransformerMissingPolicy(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("ImputeCountsAndFills", func(t *testing.T) {
		policies := &Policies{
			Missing: map[string]MissingPolicy{
				"staffing_hours": {Action: MissingImpute, Default: schema.FloatValue(0)},
			},
		}
		tr, _ := NewTransformer(staffingDataset(), policies, zap.NewNop())

		rows := make([]schema.Row, 0, 1000)
		for i := 0; i < 1000; i++ {
			row := staffingRow(fmt.Sprintf("%05d", i), 3.5, 100, day)
			if i < 50 {
				row[1] = schema.Absent(schema.TypeFloat)
			}
			rows = append(rows, row)
		}
		tr.Add(rows)

		partition, report := tr.Finalize()
		if report.Imputed != 50 {
			t.Errorf("imputed = %d, want 50", report.Imputed)
		}
		if report.Dropped != 0 {
			t.Errorf("dropped = %d, want 0", report.Dropped)
		}
		if len(partition.Rows) != 1000 {
			t.Errorf("rows = %d, want 1000", len(partition.Rows))
		}
		if partition.Rows[0][1].IsAbsent() || partition.Rows[0][1].Float() != 0 {
			t.Error("imputed cell must carry the default, not the sentinel")
		}
	})

	t.Run("AbsentKeyDropsRowByDefault", func(t *testing.T) {
		tr, _ := NewTransformer(staffingDataset(), nil, zap.NewNop())
		row := staffingRow("", 3.5, 100, day)
		row[0] = schema.Absent(schema.TypeString)
		tr.Add([]schema.Row{row, staffingRow("12345", 4.0, 100, day)})

		partition, report := tr.Finalize()
		if report.Dropped != 1 || len(partition.Rows) != 1 {
			t.Errorf("dropped = %d, rows = %d, want 1 and 1", report.Dropped, len(partition.Rows))
		}
	})

	t.Run("UnconfiguredColumnKeepsSentinel", func(t *testing.T) {
		tr, _ := NewTransformer(staffingDataset(), nil, zap.NewNop())
		row := staffingRow("12345", 0, 100, day)
		row[1] = schema.Absent(schema.TypeFloat)
		tr.Add([]schema.Row{row})

		partition, report := tr.Finalize()
		if report.Imputed != 0 || report.Dropped != 0 {
			t.Errorf("imputed = %d, dropped = %d, want 0 and 0", report.Imputed, report.Dropped)
		}
		if !partition.Rows[0][1].IsAbsent() {
			t.Error("unconfigured column must keep the absent sentinel")
		}
	})
}

func TestTransformerOutliers(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	min, max := 0.0, 24.0

	t.Run("CapClampsToBound", func(t *testing.T) {
		policies := &Policies{
			Outliers: map[string]OutlierPolicy{
				"staffing_hours": {Min: &min, Max: &max, Action: OutlierCap},
			},
		}
		tr, _ := NewTransformer(staffingDataset(), policies, zap.NewNop())
		tr.Add([]schema.Row{
			staffingRow("11111", 99.0, 100, day),
			staffingRow("22222", -1.0, 100, day),
			staffingRow("33333", 8.0, 100, day),
		})

		partition, report := tr.Finalize()
		if report.Capped != 2 {
			t.Errorf("capped = %d, want 2", report.Capped)
		}
		if got := partition.Rows[0][1].Float(); got != 24.0 {
			t.Errorf("high outlier capped to %g, want 24", got)
		}
		if got := partition.Rows[1][1].Float(); got != 0.0 {
			t.Errorf("low outlier capped to %g, want 0", got)
		}
		if got := partition.Rows[2][1].Float(); got != 8.0 {
			t.Errorf("in-range value changed to %g", got)
		}
	})

	t.Run("ExcludeDropsAndCounts", func(t *testing.T) {
		policies := &Policies{
			Outliers: map[string]OutlierPolicy{
				"staffing_hours": {Min: &min, Max: &max, Action: OutlierExclude},
			},
		}
		tr, _ := NewTransformer(staffingDataset(), policies, zap.NewNop())
		tr.Add([]schema.Row{
			staffingRow("11111", 99.0, 100, day),
			staffingRow("22222", 8.0, 100, day),
		})

		partition, report := tr.Finalize()
		if report.Excluded != 1 || len(partition.Rows) != 1 {
			t.Errorf("excluded = %d, rows = %d, want 1 and 1", report.Excluded, len(partition.Rows))
		}
	})

	t.Run("AbsentValuesSkipBoundChecks", func(t *testing.T) {
		policies := &Policies{
			Outliers: map[string]OutlierPolicy{
				"staffing_hours": {Min: &min, Max: &max, Action: OutlierExclude},
			},
		}
		tr, _ := NewTransformer(staffingDataset(), policies, zap.NewNop())
		row := staffingRow("11111", 0, 100, day)
		row[1] = schema.Absent(schema.TypeFloat)
		tr.Add([]schema.Row{row})

		partition, report := tr.Finalize()
		if report.Excluded != 0 || len(partition.Rows) != 1 {
			t.Errorf("absent value treated as outlier: excluded = %d", report.Excluded)
		}
	})
}

func TestTransformerNarrowing(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("SmallValuesNarrow", func(t *testing.T) {
		tr, _ := NewTransformer(staffingDataset(), nil, zap.NewNop())
		tr.Add([]schema.Row{
			staffingRow("11111", 3.5, 120, day),
			staffingRow("22222", 4.0, 250, day),
		})
		partition, _ := tr.Finalize()
		if !partition.Narrowed["certified_beds"] {
			t.Error("certified_beds fits int32 and should narrow")
		}
		if !partition.Narrowed["staffing_hours"] {
			t.Error("staffing_hours fits float32 range and should narrow")
		}
	})

	t.Run("WideValueBlocksNarrowing", func(t *testing.T) {
		tr, _ := NewTransformer(staffingDataset(), nil, zap.NewNop())
		tr.Add([]schema.Row{
			staffingRow("11111", 3.5, 120, day),
			staffingRow("22222", 4.0, int64(1)<<40, day),
		})
		partition, _ := tr.Finalize()
		if partition.Narrowed["certified_beds"] {
			t.Error("value beyond int32 must block narrowing")
		}
	})

	t.Run("EmptyPartitionNeverNarrows", func(t *testing.T) {
		tr, _ := NewTransformer(staffingDataset(), nil, zap.NewNop())
		partition, report := tr.Finalize()
		if len(partition.Narrowed) != 0 {
			t.Errorf("empty partition narrowed %d columns", len(partition.Narrowed))
		}
		if report.RowsWritten != 0 {
			t.Errorf("rows_written = %d, want 0", report.RowsWritten)
		}
	})
}

func TestReportCounters(t *testing.T) {
	tr, _ := NewTransformer(staffingDataset(), nil, zap.NewNop())
	tr.CountCoercionFailures(3)
	tr.CountMalformed(2)
	_, report := tr.Finalize()
	if report.CoercionFailures != 3 || report.MalformedSkipped != 2 {
		t.Errorf("coercion_failures = %d, malformed_skipped = %d, want 3 and 2",
			report.CoercionFailures, report.MalformedSkipped)
	}
}
