package watermark

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aninori/cms-healthcare-analytics/internal/normalize"
	"github.com/aninori/cms-healthcare-analytics/internal/schema"
)

// Tracker filters a run's canonical rows against the dataset's persisted
// watermark and computes the mark to commit after a successful write. The
// watermark only advances monotonically; failed or cancelled runs leave it
// untouched because Commit is only reached after the sink confirms the
// durable publish.
type Tracker struct {
	store   Store
	dataset *schema.Dataset
	logger  *zap.Logger

	incIdx  int
	incType schema.Type

	prev    schema.Value
	prevRaw string
	loaded  bool

	high    schema.Value
	hasHigh bool

	absentFiltered int64
}

// NewTracker creates a tracker for one dataset's run
func NewTracker(store Store, dataset *schema.Dataset, logger *zap.Logger) (*Tracker, error) {
	t := &Tracker{
		store:   store,
		dataset: dataset,
		logger:  logger,
		incIdx:  -1,
	}
	if dataset.IncrementKey != "" {
		t.incIdx = dataset.Schema.Index(dataset.IncrementKey)
		if t.incIdx < 0 {
			return nil, fmt.Errorf("increment key column %q not in schema", dataset.IncrementKey)
		}
		t.incType = dataset.Schema.Columns[t.incIdx].Type
	}
	return t, nil
}

// Load reads the previous watermark. Must run once, before Filter.
func (t *Tracker) Load(ctx context.Context) error {
	t.loaded = true
	if t.incIdx < 0 {
		return nil
	}

	wm, err := t.store.Get(ctx, t.dataset.Name)
	if err != nil {
		return fmt.Errorf("failed to read watermark: %w", err)
	}
	if wm == nil {
		t.logger.Info("No prior watermark, first run passes all rows")
		return nil
	}

	prev, err := normalize.Coerce(wm.Mark, t.incType)
	if err != nil {
		return fmt.Errorf("persisted watermark %q does not parse as %s: %w", wm.Mark, t.incType, err)
	}
	t.prev = prev
	t.prevRaw = wm.Mark

	t.logger.Info("Loaded watermark", zap.String("mark", wm.Mark))
	return nil
}

// Previous returns the rendered prior mark, empty on first run.
func (t *Tracker) Previous() string { return t.prevRaw }

// Filter returns only the rows newer than the watermark and tracks the
// highest incrementing key seen among them. On a first run every row passes,
// including rows whose increment key is absent. On incremental runs rows
// with an absent increment key are filtered out and counted: without a
// position on the increment axis they would reload forever.
func (t *Tracker) Filter(rows []schema.Row) []schema.Row {
	if t.incIdx < 0 {
		return rows
	}

	firstRun := t.prevRaw == ""
	passed := rows[:0:0]
	for _, row := range rows {
		v := row[t.incIdx]
		if v.IsAbsent() {
			if firstRun {
				passed = append(passed, row)
			} else {
				t.absentFiltered++
			}
			continue
		}
		if !firstRun && v.Compare(t.prev) <= 0 {
			continue
		}
		passed = append(passed, row)
		if !t.hasHigh || v.Compare(t.high) > 0 {
			t.high = v
			t.hasHigh = true
		}
	}
	return passed
}

// AbsentKeyFiltered returns how many rows an incremental run filtered out
// because their increment key was absent.
func (t *Tracker) AbsentKeyFiltered() int64 { return t.absentFiltered }

// Next returns the mark to persist and whether a commit is warranted. With
// no new rows the previous mark stands and no commit is needed.
func (t *Tracker) Next() (string, bool) {
	if t.incIdx < 0 || !t.hasHigh {
		return t.prevRaw, false
	}
	return t.high.Render(), true
}

// Commit persists the new mark. Call only after the columnar writer
// confirmed the durable publish. Regressions are rejected here as a final
// guard on monotonicity.
func (t *Tracker) Commit(ctx context.Context) (string, error) {
	mark, ok := t.Next()
	if !ok {
		return t.prevRaw, nil
	}
	if t.prevRaw != "" && t.high.Compare(t.prev) < 0 {
		return t.prevRaw, fmt.Errorf("refusing to regress watermark from %q to %q", t.prevRaw, mark)
	}

	if err := t.store.Commit(ctx, t.dataset.Name, mark); err != nil {
		return t.prevRaw, fmt.Errorf("failed to commit watermark: %w", err)
	}

	t.logger.Info("Watermark advanced",
		zap.String("from", t.prevRaw),
		zap.String("to", mark))
	return mark, nil
}
