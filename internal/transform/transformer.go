package transform

import (
	"fmt"
	"math"
	"strings"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/aninori/cms-healthcare-analytics/internal/schema"
)

// Transformer applies the data-quality steps of a run in fixed order:
// missing-value policy, deduplication, outlier treatment, type narrowing.
// Deduplication needs a global view of the run's natural keys, so batches
// are accumulated and the partition is assembled in Finalize.
type Transformer struct {
	dataset  *schema.Dataset
	policies *Policies
	logger   *zap.Logger

	keyIdx []int
	tsIdx  int

	// winners maps the xxh3 hash of the natural-key tuple to the current
	// winning candidate; order preserves first-seen key order for stable
	// output.
	winners map[uint64]*candidate
	order   []uint64

	pos    int64
	report Report
}

type candidate struct {
	row schema.Row
	ts  schema.Value
	pos int64
}

// NewTransformer creates a transformer for one dataset's run
func NewTransformer(dataset *schema.Dataset, policies *Policies, logger *zap.Logger) (*Transformer, error) {
	keyIdx := make([]int, 0, len(dataset.Schema.NaturalKey))
	for _, k := range dataset.Schema.NaturalKey {
		idx := dataset.Schema.Index(k)
		if idx < 0 {
			return nil, fmt.Errorf("natural key column %q not in schema", k)
		}
		keyIdx = append(keyIdx, idx)
	}

	tsIdx := -1
	if dataset.Schema.TimestampColumn != "" {
		tsIdx = dataset.Schema.Index(dataset.Schema.TimestampColumn)
		if tsIdx < 0 {
			return nil, fmt.Errorf("timestamp column %q not in schema", dataset.Schema.TimestampColumn)
		}
	}

	return &Transformer{
		dataset:  dataset,
		policies: policies,
		logger:   logger,
		keyIdx:   keyIdx,
		tsIdx:    tsIdx,
		winners:  make(map[uint64]*candidate),
	}, nil
}

// Add folds one normalized batch into the run. Rows surviving the
// missing-value policy enter the dedup map.
func (t *Transformer) Add(rows []schema.Row) {
	for _, row := range rows {
		t.report.RowsRead++
		pos := t.pos
		t.pos++

		row, ok := t.applyMissing(row)
		if !ok {
			t.report.Dropped++
			continue
		}

		t.dedup(row, pos)
	}
}

// CountCoercionFailures folds normalizer failures into the report.
func (t *Transformer) CountCoercionFailures(n int) {
	t.report.CoercionFailures += int64(n)
}

// CountMalformed folds skipped unreadable rows/batches into the report.
func (t *Transformer) CountMalformed(n int) {
	t.report.MalformedSkipped += int64(n)
}

// applyMissing applies the per-column missing-value policy. Returns false
// when the row must be dropped.
func (t *Transformer) applyMissing(row schema.Row) (schema.Row, bool) {
	for ci, col := range t.dataset.Schema.Columns {
		if !row[ci].IsAbsent() {
			continue
		}

		policy := t.policies.MissingFor(col.Name, t.dataset.Schema.IsKey(col.Name))
		switch policy.Action {
		case MissingDrop:
			return nil, false
		case MissingImpute:
			row[ci] = policy.Default
			t.report.Imputed++
		case MissingKeep:
			// sentinel stays
		}
	}
	return row, true
}

// dedup keeps the row with the latest source timestamp per natural key;
// ties go to the earlier run position. Without natural key columns every
// row passes through.
func (t *Transformer) dedup(row schema.Row, pos int64) {
	if len(t.keyIdx) == 0 {
		key := xxh3.HashString(fmt.Sprintf("row-%d", pos))
		t.winners[key] = &candidate{row: row, pos: pos}
		t.order = append(t.order, key)
		return
	}

	key := t.keyHash(row)
	next := &candidate{row: row, pos: pos}
	if t.tsIdx >= 0 {
		next.ts = row[t.tsIdx]
	}

	current, seen := t.winners[key]
	if !seen {
		t.winners[key] = next
		t.order = append(t.order, key)
		return
	}

	t.report.Deduped++
	if t.wins(next, current) {
		t.winners[key] = next
	}
}

// wins reports whether next replaces current as the key's winner.
func (t *Transformer) wins(next, current *candidate) bool {
	if t.tsIdx >= 0 {
		switch next.ts.Compare(current.ts) {
		case 1:
			return true
		case -1:
			return false
		}
	}
	return next.pos < current.pos
}

// keyHash fingerprints the natural-key tuple.
func (t *Transformer) keyHash(row schema.Row) uint64 {
	var b strings.Builder
	for i, idx := range t.keyIdx {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(row[idx].Render())
	}
	return xxh3.HashString(b.String())
}

// Finalize runs outlier treatment and type narrowing over the surviving
// rows and returns the immutable partition plus the run report.
func (t *Transformer) Finalize() (*Partition, *Report) {
	rows := make([]schema.Row, 0, len(t.order))
	for _, key := range t.order {
		c := t.winners[key]
		row, ok := t.applyOutliers(c.row)
		if !ok {
			t.report.Excluded++
			continue
		}
		rows = append(rows, row)
	}

	narrowed := t.narrow(rows)

	t.report.RowsWritten = int64(len(rows))
	for col := range narrowed {
		t.report.NarrowedColumns = append(t.report.NarrowedColumns, col)
	}

	t.logger.Info("Transformation completed",
		zap.Int64("rows_read", t.report.RowsRead),
		zap.Int64("rows_written", t.report.RowsWritten),
		zap.Int64("dropped", t.report.Dropped),
		zap.Int64("imputed", t.report.Imputed),
		zap.Int64("capped", t.report.Capped),
		zap.Int64("excluded", t.report.Excluded),
		zap.Int64("deduped", t.report.Deduped),
		zap.Int64("coercion_failures", t.report.CoercionFailures))

	report := t.report
	return &Partition{
		Dataset:  t.dataset.Name,
		Schema:   &t.dataset.Schema,
		Rows:     rows,
		Narrowed: narrowed,
	}, &report
}

// applyOutliers enforces the configured bound checks. Returns false when
// the row is excluded by policy. Capped and excluded rows are always
// counted, never silently dropped.
func (t *Transformer) applyOutliers(row schema.Row) (schema.Row, bool) {
	if t.policies == nil || len(t.policies.Outliers) == 0 {
		return row, true
	}

	for ci, col := range t.dataset.Schema.Columns {
		policy, ok := t.policies.Outliers[col.Name]
		if !ok {
			continue
		}
		v := row[ci]
		if v.IsAbsent() || !v.IsNumeric() {
			continue
		}

		f := v.Float()
		var bound *float64
		switch {
		case policy.Min != nil && f < *policy.Min:
			bound = policy.Min
		case policy.Max != nil && f > *policy.Max:
			bound = policy.Max
		default:
			continue
		}

		if policy.Action == OutlierExclude {
			return nil, false
		}

		t.report.Capped++
		if col.Type == schema.TypeInt {
			row[ci] = schema.IntValue(int64(*bound))
		} else {
			row[ci] = schema.FloatValue(*bound)
		}
	}
	return row, true
}

// narrow decides which numeric columns can be stored at 32-bit width: only
// when the narrower range provably contains every observed value.
func (t *Transformer) narrow(rows []schema.Row) map[string]bool {
	narrowed := make(map[string]bool)

	for ci, col := range t.dataset.Schema.Columns {
		if col.Type != schema.TypeInt && col.Type != schema.TypeFloat {
			continue
		}

		fits := true
		for _, row := range rows {
			v := row[ci]
			if v.IsAbsent() {
				continue
			}
			if col.Type == schema.TypeInt {
				if v.Int() < math.MinInt32 || v.Int() > math.MaxInt32 {
					fits = false
					break
				}
			} else {
				f := v.Float()
				if math.Abs(f) > math.MaxFloat32 || math.IsInf(float64(float32(f)), 0) {
					fits = false
					break
				}
			}
		}
		if fits && len(rows) > 0 {
			narrowed[col.Name] = true
		}
	}
	return narrowed
}
