package watermark

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists watermarks in a local SQLite file. Intended for
// development and single-host runs; production schedulers use Postgres.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore creates a SQLite-backed watermark store
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create watermark dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single writer keeps the file consistent without busy retries.
	db.SetMaxOpenConns(1)

	ddl := `
		CREATE TABLE IF NOT EXISTS ingest_watermarks (
			dataset    TEXT PRIMARY KEY,
			mark       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure watermarks table: %w", err)
	}

	logger.Info("Watermark store initialized", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Get returns the dataset's watermark, or nil on first run.
func (s *SQLiteStore) Get(ctx context.Context, dataset string) (*Watermark, error) {
	var wm Watermark
	var updated string
	query := `SELECT dataset, mark, updated_at FROM ingest_watermarks WHERE dataset = ?`
	err := s.db.QueryRowContext(ctx, query, dataset).Scan(&wm.Dataset, &wm.Mark, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark for %s: %w", dataset, err)
	}
	if t, perr := time.Parse(time.RFC3339, updated); perr == nil {
		wm.UpdatedAt = t
	}
	return &wm, nil
}

// Commit upserts the dataset's mark.
func (s *SQLiteStore) Commit(ctx context.Context, dataset, mark string) error {
	query := `
		INSERT INTO ingest_watermarks (dataset, mark, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (dataset) DO UPDATE SET mark = excluded.mark, updated_at = excluded.updated_at`
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx, query, dataset, mark, now); err != nil {
		return fmt.Errorf("failed to commit watermark for %s: %w", dataset, err)
	}

	s.logger.Debug("Watermark committed",
		zap.String("dataset", dataset),
		zap.String("mark", mark))
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
