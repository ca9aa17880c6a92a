package sink

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()

	t.Run("PutAndReadBack", func(t *testing.T) {
		store, err := NewLocalStore(t.TempDir(), zap.NewNop())
		if err != nil {
			t.Fatalf("NewLocalStore failed: %v", err)
		}

		body := []byte("partition bytes")
		if err := store.Put(ctx, "silver/nh_providerinfo/part-1.parquet", bytes.NewReader(body), int64(len(body))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := os.ReadFile(filepath.Join(store.root, "silver", "nh_providerinfo", "part-1.parquet"))
		if err != nil {
			t.Fatalf("object not readable: %v", err)
		}
		if !bytes.Equal(got, body) {
			t.Errorf("object bytes = %q, want %q", got, body)
		}
	})

	t.Run("LeavesNoStagingFiles", func(t *testing.T) {
		store, _ := NewLocalStore(t.TempDir(), zap.NewNop())
		if err := store.Put(ctx, "obj.parquet", strings.NewReader("data"), 4); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		entries, err := os.ReadDir(store.root)
		if err != nil {
			t.Fatalf("ReadDir failed: %v", err)
		}
		for _, e := range entries {
			if strings.Contains(e.Name(), ".tmp-") {
				t.Errorf("staging file left behind: %s", e.Name())
			}
		}
	})

	t.Run("CancelledContextLeavesNoObject", func(t *testing.T) {
		store, _ := NewLocalStore(t.TempDir(), zap.NewNop())
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		if err := store.Put(cancelled, "obj.parquet", strings.NewReader("data"), 4); err == nil {
			t.Fatal("Put succeeded with a cancelled context")
		}
		ok, err := store.Exists(ctx, "obj.parquet")
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if ok {
			t.Error("cancelled publish left a visible object")
		}
	})

	t.Run("Exists", func(t *testing.T) {
		store, _ := NewLocalStore(t.TempDir(), zap.NewNop())
		if ok, _ := store.Exists(ctx, "missing.parquet"); ok {
			t.Error("Exists reported a missing object")
		}
		if err := store.Put(ctx, "present.parquet", strings.NewReader("x"), 1); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if ok, _ := store.Exists(ctx, "present.parquet"); !ok {
			t.Error("Exists missed a published object")
		}
	})
}
