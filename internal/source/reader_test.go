package source

import (
	"io"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestBatchReader(t *testing.T) {
	logger := zap.NewNop()

	t.Run("BoundedBatches", func(t *testing.T) {
		csv := "ccn,state\n1,TX\n2,CA\n3,NY\n4,FL\n5,WA\n"
		r, err := NewBatchReader(strings.NewReader(csv), 2, logger)
		if err != nil {
			t.Fatalf("NewBatchReader failed: %v", err)
		}

		var total int
		var batches int
		for {
			batch, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if len(batch.Records) > 2 {
				t.Errorf("batch of %d rows exceeds chunk size 2", len(batch.Records))
			}
			total += len(batch.Records)
			batches++
		}
		if total != 5 {
			t.Errorf("read %d rows, want 5", total)
		}
		if batches != 3 {
			t.Errorf("read %d batches, want 3", batches)
		}
	})

	t.Run("OffsetsAreRestartable", func(t *testing.T) {
		csv := "ccn\n1\n2\n3\n4\n"
		r, _ := NewBatchReader(strings.NewReader(csv), 2, logger)
		first, _ := r.Next()
		if first.Offset != 0 {
			t.Errorf("first batch offset = %d, want 0", first.Offset)
		}
		second, _ := r.Next()
		if second.Offset != 2 {
			t.Errorf("second batch offset = %d, want 2", second.Offset)
		}

		// Restart from the second batch's offset.
		r2, _ := NewBatchReader(strings.NewReader(csv), 2, logger)
		if err := r2.Skip(2); err != nil {
			t.Fatalf("Skip failed: %v", err)
		}
		resumed, _ := r2.Next()
		if resumed.Records[0][0] != "3" {
			t.Errorf("resumed at row %q, want 3", resumed.Records[0][0])
		}
	})

	t.Run("StripsBOM", func(t *testing.T) {
		csv := "\ufeffccn,state\n1,TX\n"
		r, err := NewBatchReader(strings.NewReader(csv), 10, logger)
		if err != nil {
			t.Fatalf("NewBatchReader failed: %v", err)
		}
		if r.Header()[0] != "ccn" {
			t.Errorf("header[0] = %q, want ccn", r.Header()[0])
		}
	})

	t.Run("SkipsEmptyRows", func(t *testing.T) {
		csv := "ccn\n1\n\n2\n"
		r, _ := NewBatchReader(strings.NewReader(csv), 10, logger)
		batch, _ := r.Next()
		if len(batch.Records) != 2 {
			t.Errorf("got %d rows, want 2 (empty row dropped)", len(batch.Records))
		}
	})

	t.Run("CountsUnreadableRows", func(t *testing.T) {
		// Bare quote inside an unquoted field in the middle row.
		csv := "ccn,name\n1,ok\n2,bro\"ken\n3,fine\n"
		r, _ := NewBatchReader(strings.NewReader(csv), 10, logger)
		var records, malformed int
		for {
			batch, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			records += len(batch.Records)
			malformed += batch.Malformed
		}
		if records+malformed != 3 {
			t.Errorf("records=%d malformed=%d, want 3 total accounted", records, malformed)
		}
		if malformed == 0 {
			t.Error("broken row not counted as malformed")
		}
	})

	t.Run("EmptyFileFailsHeader", func(t *testing.T) {
		if _, err := NewBatchReader(strings.NewReader(""), 10, logger); err == nil {
			t.Fatal("headerless input accepted")
		}
	})

	t.Run("RejectsZeroChunkSize", func(t *testing.T) {
		if _, err := NewBatchReader(strings.NewReader("a\n1\n"), 0, logger); err == nil {
			t.Fatal("zero chunk size accepted")
		}
	})
}
