package watermark

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresStore persists watermarks in PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// PostgresConfig contains database configuration
type PostgresConfig struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// NewPostgresStore creates a PostgreSQL-backed watermark store
func NewPostgresStore(config *PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &PostgresStore{db: db, logger: logger}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Watermark store initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return store, nil
}

// initialize checks the connection and ensures the watermarks table
func (s *PostgresStore) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	ddl := `
		CREATE TABLE IF NOT EXISTS ingest_watermarks (
			dataset    TEXT PRIMARY KEY,
			mark       TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure watermarks table: %w", err)
	}
	return nil
}

// Get returns the dataset's watermark, or nil on first run.
func (s *PostgresStore) Get(ctx context.Context, dataset string) (*Watermark, error) {
	var wm Watermark
	query := `SELECT dataset, mark, updated_at FROM ingest_watermarks WHERE dataset = $1`
	err := s.db.GetContext(ctx, &wm, query, dataset)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark for %s: %w", dataset, err)
	}
	return &wm, nil
}

// Commit upserts the dataset's mark.
func (s *PostgresStore) Commit(ctx context.Context, dataset, mark string) error {
	query := `
		INSERT INTO ingest_watermarks (dataset, mark, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (dataset) DO UPDATE SET mark = EXCLUDED.mark, updated_at = now()`
	if _, err := s.db.ExecContext(ctx, query, dataset, mark); err != nil {
		return fmt.Errorf("failed to commit watermark for %s: %w", dataset, err)
	}

	s.logger.Debug("Watermark committed",
		zap.String("dataset", dataset),
		zap.String("mark", mark))
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL masks sensitive information in database URL for logging
func maskDatabaseURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
