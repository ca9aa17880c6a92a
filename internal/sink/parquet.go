package sink

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/aninori/cms-healthcare-analytics/internal/schema"
	"github.com/aninori/cms-healthcare-analytics/internal/transform"
)

// Writer serializes cleaned partitions into snappy-compressed parquet and
// publishes them through an ObjectStore.
type Writer struct {
	store  ObjectStore
	logger *zap.Logger
}

// NewWriter creates a columnar writer
func NewWriter(store ObjectStore, logger *zap.Logger) *Writer {
	return &Writer{store: store, logger: logger}
}

// Publish serializes the partition and atomically publishes it at key.
// The parquet file is staged on local disk so the partition is streamed,
// not buffered, into object storage.
func (w *Writer) Publish(ctx context.Context, partition *transform.Partition, key string) error {
	start := time.Now()

	tmp, err := os.CreateTemp("", "partition-*.parquet")
	if err != nil {
		return fmt.Errorf("%w: failed to create staging file: %v", ErrWriteFailure, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	pqSchema, fields := buildSchema(partition)

	pw := parquet.NewWriter(tmp, pqSchema, parquet.Compression(&parquet.Snappy))
	for _, row := range partition.Rows {
		if _, err := pw.WriteRows([]parquet.Row{encodeRow(row, partition, fields)}); err != nil {
			return fmt.Errorf("%w: failed to write row: %v", ErrWriteFailure, err)
		}
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("%w: failed to finalize parquet file: %v", ErrWriteFailure, err)
	}

	info, err := tmp.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	if err := w.store.Put(ctx, key, tmp, info.Size()); err != nil {
		return fmt.Errorf("%w: publish failed: %v", ErrWriteFailure, err)
	}

	w.logger.Info("Partition published",
		zap.String("key", key),
		zap.Int("rows", len(partition.Rows)),
		zap.Int64("bytes", info.Size()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// fieldBinding ties one parquet leaf column back to its canonical column.
type fieldBinding struct {
	canonical int
	column    schema.Column
}

// buildSchema maps the canonical schema onto a parquet schema, honoring the
// transformer's narrowing decisions. Group fields sort alphabetically, so
// the returned bindings give the canonical column feeding each leaf, in
// leaf order.
func buildSchema(partition *transform.Partition) (*parquet.Schema, []fieldBinding) {
	group := parquet.Group{}
	for _, col := range partition.Schema.Columns {
		var node parquet.Node
		switch col.Type {
		case schema.TypeInt:
			if partition.Narrowed[col.Name] {
				node = parquet.Int(32)
			} else {
				node = parquet.Int(64)
			}
		case schema.TypeFloat:
			if partition.Narrowed[col.Name] {
				node = parquet.Leaf(parquet.FloatType)
			} else {
				node = parquet.Leaf(parquet.DoubleType)
			}
		case schema.TypeDate:
			node = parquet.Date()
		case schema.TypeTimestamp:
			node = parquet.Timestamp(parquet.Millisecond)
		default:
			node = parquet.String()
		}
		group[col.Name] = parquet.Optional(node)
	}

	pqSchema := parquet.NewSchema(partition.Dataset, group)

	bindings := make([]fieldBinding, 0, len(pqSchema.Fields()))
	for _, f := range pqSchema.Fields() {
		ci := partition.Schema.Index(f.Name())
		bindings = append(bindings, fieldBinding{
			canonical: ci,
			column:    partition.Schema.Columns[ci],
		})
	}
	return pqSchema, bindings
}

// encodeRow converts a canonical row into parquet values, in leaf-column
// order. Absent cells become nulls.
func encodeRow(row schema.Row, partition *transform.Partition, fields []fieldBinding) parquet.Row {
	out := make(parquet.Row, 0, len(fields))
	for leaf, binding := range fields {
		v := row[binding.canonical]

		if v.IsAbsent() {
			out = append(out, parquet.ValueOf(nil).Level(0, 0, leaf))
			continue
		}

		var pv parquet.Value
		switch binding.column.Type {
		case schema.TypeInt:
			if partition.Narrowed[binding.column.Name] {
				pv = parquet.ValueOf(int32(v.Int()))
			} else {
				pv = parquet.ValueOf(v.Int())
			}
		case schema.TypeFloat:
			if partition.Narrowed[binding.column.Name] {
				pv = parquet.ValueOf(float32(v.Float()))
			} else {
				pv = parquet.ValueOf(v.Float())
			}
		case schema.TypeDate:
			pv = parquet.ValueOf(int32(v.Time().Unix() / 86400))
		case schema.TypeTimestamp:
			pv = parquet.ValueOf(v.Time().UnixMilli())
		default:
			pv = parquet.ValueOf(v.String())
		}
		out = append(out, pv.Level(0, 1, leaf))
	}
	return out
}
