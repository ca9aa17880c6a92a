package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aninori/cms-healthcare-analytics/internal/schema"
	"github.com/aninori/cms-healthcare-analytics/internal/source"
)

// CoercionFailure records one cell that could not be coerced to its
// canonical type. Reported, never thrown.
type CoercionFailure struct {
	RowIndex int    `json:"row_index"`
	Column   string `json:"column"`
	Value    string `json:"value"`
	Reason   string `json:"reason"`
}

// Result is one normalized batch: rows re-keyed to canonical columns plus
// the coercion failures observed while producing them.
type Result struct {
	Rows     []schema.Row
	Failures []CoercionFailure
}

// Normalizer maps the raw columns of one source file onto a dataset's
// canonical schema. Built once per file, from its header.
type Normalizer struct {
	dataset *schema.Dataset

	// mapping[i] is the raw column index feeding canonical column i, or -1
	// when the file does not carry that column.
	mapping []int
	arity   int
	logger  *zap.Logger
}

// New builds a normalizer for one file's header. Unknown source columns are
// dropped with a warning; missing canonical columns map to the absent
// sentinel, never fabricated data.
func New(dataset *schema.Dataset, header []string, logger *zap.Logger) *Normalizer {
	byKey := make(map[string]int, len(header))
	for i, name := range header {
		byKey[canonicalKey(name)] = i
	}

	claimed := make(map[int]bool, len(header))
	mapping := make([]int, len(dataset.Schema.Columns))
	for i, col := range dataset.Schema.Columns {
		mapping[i] = -1
		if raw, ok := dataset.Aliases[col.Name]; ok {
			if idx, ok := byKey[canonicalKey(raw)]; ok {
				mapping[i] = idx
				claimed[idx] = true
				continue
			}
		}
		if idx, ok := byKey[canonicalKey(col.Name)]; ok {
			mapping[i] = idx
			claimed[idx] = true
			continue
		}
		logger.Warn("Canonical column missing from source file",
			zap.String("column", col.Name))
	}

	for i, name := range header {
		if !claimed[i] {
			logger.Warn("Dropping unknown source column", zap.String("column", name))
		}
	}

	return &Normalizer{
		dataset: dataset,
		mapping: mapping,
		arity:   len(header),
		logger:  logger,
	}
}

// Apply normalizes one raw batch. The only hard failure is structurally
// invalid input: a row whose arity does not match the file header.
func (n *Normalizer) Apply(batch *source.RawBatch) (*Result, error) {
	result := &Result{Rows: make([]schema.Row, 0, len(batch.Records))}

	for ri, record := range batch.Records {
		if len(record) != n.arity {
			return nil, fmt.Errorf("%w: row %d has %d fields, header has %d",
				source.ErrMalformedBatch, batch.Offset+ri, len(record), n.arity)
		}

		row := make(schema.Row, len(n.mapping))
		for ci, col := range n.dataset.Schema.Columns {
			rawIdx := n.mapping[ci]
			if rawIdx < 0 {
				row[ci] = schema.Absent(col.Type)
				continue
			}

			raw := strings.TrimSpace(record[rawIdx])
			if raw == "" {
				row[ci] = schema.Absent(col.Type)
				continue
			}

			value, err := Coerce(raw, col.Type)
			if err != nil {
				result.Failures = append(result.Failures, CoercionFailure{
					RowIndex: batch.Offset + ri,
					Column:   col.Name,
					Value:    raw,
					Reason:   err.Error(),
				})
				row[ci] = schema.Absent(col.Type)
				continue
			}
			row[ci] = value
		}
		result.Rows = append(result.Rows, row)
	}

	return result, nil
}

// dateLayouts covers the formats CMS files have shipped with.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"2006/01/02",
	"20060102",
	"Jan 2, 2006",
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
}

// Coerce converts a raw string cell to the given canonical type.
func Coerce(raw string, t schema.Type) (schema.Value, error) {
	switch t {
	case schema.TypeString:
		return schema.StringValue(raw), nil

	case schema.TypeInt:
		cleaned := strings.ReplaceAll(raw, ",", "")
		i, err := strconv.ParseInt(cleaned, 10, 64)
		if err != nil {
			// CMS numeric exports sometimes carry a trailing ".0"
			if f, ferr := strconv.ParseFloat(cleaned, 64); ferr == nil && f == float64(int64(f)) {
				return schema.IntValue(int64(f)), nil
			}
			return schema.Value{}, fmt.Errorf("not an integer")
		}
		return schema.IntValue(i), nil

	case schema.TypeFloat:
		cleaned := strings.ReplaceAll(strings.TrimPrefix(raw, "$"), ",", "")
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return schema.Value{}, fmt.Errorf("not a number")
		}
		return schema.FloatValue(f), nil

	case schema.TypeDate:
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return schema.DateValue(ts), nil
			}
		}
		return schema.Value{}, fmt.Errorf("unrecognized date format")

	case schema.TypeTimestamp:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return schema.TimestampValue(ts), nil
			}
		}
		// A bare date is an acceptable timestamp.
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return schema.TimestampValue(ts), nil
			}
		}
		return schema.Value{}, fmt.Errorf("unrecognized timestamp format")

	default:
		return schema.Value{}, fmt.Errorf("unknown type %s", t)
	}
}

// canonicalKey lowers a column name to a comparison key: case, spacing, and
// punctuation drift across CMS releases must not break the mapping.
func canonicalKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
