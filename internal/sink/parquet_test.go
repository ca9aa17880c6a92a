package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/aninori/cms-healthcare-analytics/internal/schema"
	"github.com/aninori/cms-healthcare-analytics/internal/transform"
)

func testPartition() *transform.Partition {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	absentBeds := schema.Row{
		schema.StringValue("22222"),
		schema.Absent(schema.TypeInt),
		schema.FloatValue(4.25),
		schema.DateValue(day),
	}
	return &transform.Partition{
		Dataset: "nh_providerinfo",
		Schema: &schema.Schema{
			Columns: []schema.Column{
				{Name: "ccn", Type: schema.TypeString},
				{Name: "certified_beds", Type: schema.TypeInt},
				{Name: "staffing_hours", Type: schema.TypeFloat},
				{Name: "processing_date", Type: schema.TypeDate},
			},
			NaturalKey: []string{"ccn"},
		},
		Rows: []schema.Row{
			{
				schema.StringValue("11111"),
				schema.IntValue(120),
				schema.FloatValue(3.5),
				schema.DateValue(day),
			},
			absentBeds,
		},
		Narrowed: map[string]bool{"certified_beds": true},
	}
}

func openParquet(t *testing.T, path string) *parquet.File {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("published object not readable: %v", err)
	}
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("published object is not valid parquet: %v", err)
	}
	return f
}

func TestWriterPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		dir := t.TempDir()
		store, _ := NewLocalStore(dir, zap.NewNop())
		w := NewWriter(store, zap.NewNop())

		key := "silver/nh_providerinfo/part-1.parquet"
		if err := w.Publish(ctx, testPartition(), key); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		f := openParquet(t, filepath.Join(dir, filepath.FromSlash(key)))
		if f.NumRows() != 2 {
			t.Fatalf("parquet file has %d rows, want 2", f.NumRows())
		}

		// Group fields come out in alphabetical order.
		var names []string
		for _, field := range f.Schema().Fields() {
			names = append(names, field.Name())
		}
		want := []string{"ccn", "certified_beds", "processing_date", "staffing_hours"}
		if len(names) != len(want) {
			t.Fatalf("schema has %d fields, want %d", len(names), len(want))
		}
		for i := range want {
			if names[i] != want[i] {
				t.Fatalf("field %d = %q, want %q", i, names[i], want[i])
			}
		}
	})

	t.Run("AbsentCellsAreNulls", func(t *testing.T) {
		dir := t.TempDir()
		store, _ := NewLocalStore(dir, zap.NewNop())
		w := NewWriter(store, zap.NewNop())

		key := "part.parquet"
		if err := w.Publish(ctx, testPartition(), key); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		f := openParquet(t, filepath.Join(dir, key))
		rows := f.RowGroups()[0].Rows()
		defer rows.Close()

		buf := make([]parquet.Row, 2)
		n, err := rows.ReadRows(buf)
		if err != nil && err != io.EOF {
			t.Fatalf("ReadRows failed: %v", err)
		}
		if n != 2 {
			t.Fatalf("read %d rows, want 2", n)
		}

		// Leaf 1 is certified_beds in alphabetical order.
		if buf[0][1].IsNull() {
			t.Error("present certified_beds read back as null")
		}
		if !buf[1][1].IsNull() {
			t.Error("absent certified_beds did not read back as null")
		}
		if got := buf[0][1].Int32(); got != 120 {
			t.Errorf("certified_beds = %d, want 120 (narrowed to int32)", got)
		}
	})

	t.Run("EmptyPartition", func(t *testing.T) {
		dir := t.TempDir()
		store, _ := NewLocalStore(dir, zap.NewNop())
		w := NewWriter(store, zap.NewNop())

		p := testPartition()
		p.Rows = nil
		if err := w.Publish(ctx, p, "empty.parquet"); err != nil {
			t.Fatalf("Publish of empty partition failed: %v", err)
		}
		f := openParquet(t, filepath.Join(dir, "empty.parquet"))
		if f.NumRows() != 0 {
			t.Errorf("empty partition wrote %d rows", f.NumRows())
		}
	})

	t.Run("StoreFailureSurfacesWriteError", func(t *testing.T) {
		w := NewWriter(&failingStore{}, zap.NewNop())
		err := w.Publish(ctx, testPartition(), "part.parquet")
		if !errors.Is(err, ErrWriteFailure) {
			t.Fatalf("got %v, want ErrWriteFailure", err)
		}
	})
}

type failingStore struct{}

func (f *failingStore) Put(context.Context, string, io.Reader, int64) error {
	return errors.New("bucket unavailable")
}

func (f *failingStore) Exists(context.Context, string) (bool, error) {
	return false, nil
}
