package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/aninori/cms-healthcare-analytics/internal/catalog"
	"github.com/aninori/cms-healthcare-analytics/internal/config"
	"github.com/aninori/cms-healthcare-analytics/internal/logger"
	"github.com/aninori/cms-healthcare-analytics/internal/normalize"
	"github.com/aninori/cms-healthcare-analytics/internal/pipeline"
	"github.com/aninori/cms-healthcare-analytics/internal/schema"
	"github.com/aninori/cms-healthcare-analytics/internal/sink"
	"github.com/aninori/cms-healthcare-analytics/internal/source"
	"github.com/aninori/cms-healthcare-analytics/internal/transform"
	"github.com/aninori/cms-healthcare-analytics/internal/watermark"
	"github.com/aninori/cms-healthcare-analytics/internal/web"
)

func main() {
	var (
		configPath = flag.String("config", "configs/default.yaml", "Configuration file path")
		datasets   = flag.String("datasets", "", "Comma-separated dataset names (default: all configured)")
		chunkSize  = flag.Int("chunk-size", 0, "Rows per batch (overrides config)")
		dryRun     = flag.Bool("dry-run", false, "Run the pipeline without publishing or committing")
		serve      = flag.Bool("serve", false, "Keep running and expose the ops HTTP API after ingestion")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File: &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting CMS ingestion pipeline",
		zap.String("version", "0.1.0"),
		zap.String("config", *configPath))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	selected, err := selectDatasets(cfg, *datasets)
	if err != nil {
		log.Fatal("Dataset selection failed", zap.Error(err))
	}
	if len(selected) == 0 {
		log.Fatal("No datasets configured")
	}

	runner, cleanup, err := buildRunner(cfg, *chunkSize, *dryRun, log)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer cleanup()

	var srv *web.Server
	if *serve || cfg.Server.Enabled {
		srv = web.New(&cfg.Server, runner, log)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("Ops server stopped", zap.Error(err))
			}
		}()
		defer srv.Stop(context.Background())
	}

	results, runErr := runner.RunAll(ctx, selected)
	printSummary(results)

	if *serve {
		log.Info("Ingestion finished, ops server keeps running")
		<-ctx.Done()
	}

	if runErr != nil {
		log.Error("Ingestion completed with failures", zap.Error(runErr))
		os.Exit(1)
	}
	log.Info("Ingestion pipeline completed successfully")
}

// buildRunner constructs the pipeline collaborators from configuration.
func buildRunner(cfg *config.Config, chunkSize int, dryRun bool, log *logger.Logger) (*pipeline.Runner, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	drive := source.NewClient(&source.Config{
		BaseURL:        cfg.Source.BaseURL,
		FolderID:       cfg.Source.FolderID,
		AccessToken:    cfg.Source.AccessToken,
		Timeout:        cfg.Source.Timeout,
		MaxRetries:     cfg.Source.MaxRetries,
		RetryBackoff:   cfg.Source.RetryBackoff,
		RequestsPerSec: cfg.Source.RequestsPerSec,
	}, log.WithComponent("source").Logger)

	store, err := buildObjectStore(cfg, log)
	if err != nil {
		return nil, cleanup, err
	}

	wmStore, err := buildWatermarkStore(cfg, log)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, func() { wmStore.Close() })

	var lock *watermark.RunLock
	if cfg.Watermark.Lock.Enabled {
		lock, err = watermark.NewRunLock(cfg.Watermark.Lock.RedisURL, cfg.Watermark.Lock.TTL,
			log.WithComponent("lock").Logger)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to initialize run lock: %w", err)
		}
		closers = append(closers, func() { lock.Close() })
	}

	policies, err := buildPolicies(cfg)
	if err != nil {
		return nil, cleanup, err
	}

	pipeCfg := &pipeline.Config{
		ChunkSize:       cfg.Pipeline.ChunkSize,
		MaxParallelRuns: cfg.Pipeline.MaxParallelRuns,
		MaxSkipRatio:    cfg.Pipeline.MaxSkipRatio,
		RunTimeout:      cfg.Pipeline.RunTimeout,
		DryRun:          dryRun,
	}
	if chunkSize > 0 {
		pipeCfg.ChunkSize = chunkSize
	}

	runner := pipeline.NewRunner(
		drive,
		wmStore,
		lock,
		sink.NewWriter(store, log.WithComponent("sink").Logger),
		catalog.NewEmitter(store, log.WithComponent("catalog").Logger),
		policies,
		pipeCfg,
		log.WithComponent("pipeline"),
	)
	return runner, cleanup, nil
}

// buildObjectStore selects the configured storage backend.
func buildObjectStore(cfg *config.Config, log *logger.Logger) (sink.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return sink.NewS3Store(&sink.S3Config{
			Region: cfg.Storage.S3.Region,
			Bucket: cfg.Storage.S3.Bucket,
			Prefix: cfg.Storage.S3.Prefix,
		}, log.WithComponent("storage").Logger)
	default:
		return sink.NewLocalStore(cfg.Storage.Local.Dir, log.WithComponent("storage").Logger)
	}
}

// buildWatermarkStore selects the configured watermark backend.
func buildWatermarkStore(cfg *config.Config, log *logger.Logger) (watermark.Store, error) {
	switch cfg.Watermark.Backend {
	case "postgres":
		return watermark.NewPostgresStore(&watermark.PostgresConfig{
			DatabaseURL:     cfg.Watermark.Postgres.DatabaseURL,
			MaxOpenConns:    cfg.Watermark.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Watermark.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Watermark.Postgres.ConnMaxLifetime,
		}, log.WithComponent("watermark").Logger)
	default:
		return watermark.NewSQLiteStore(cfg.Watermark.SQLite.Path,
			log.WithComponent("watermark").Logger)
	}
}

// buildPolicies converts the per-dataset policy configuration into the
// transformer's policy model, coercing imputation defaults up front so a
// bad default fails the process at startup, not mid-run.
func buildPolicies(cfg *config.Config) (map[string]*transform.Policies, error) {
	policies := make(map[string]*transform.Policies, len(cfg.Datasets))
	for _, d := range cfg.Datasets {
		p := &transform.Policies{
			Missing:  make(map[string]transform.MissingPolicy),
			Outliers: make(map[string]transform.OutlierPolicy),
		}
		for col, m := range d.Missing {
			policy := transform.MissingPolicy{Action: m.Action}
			if m.Action == transform.MissingImpute {
				idx := d.Schema.Index(col)
				value, err := normalize.Coerce(m.Default, d.Schema.Columns[idx].Type)
				if err != nil {
					return nil, fmt.Errorf("dataset %q column %q: bad imputation default %q: %w",
						d.Name, col, m.Default, err)
				}
				policy.Default = value
			}
			p.Missing[col] = policy
		}
		for col, o := range d.Outliers {
			p.Outliers[col] = transform.OutlierPolicy{
				Min:    o.Min,
				Max:    o.Max,
				Action: o.Action,
			}
		}
		policies[d.Name] = p
	}
	return policies, nil
}

// selectDatasets resolves the --datasets flag against configuration.
func selectDatasets(cfg *config.Config, names string) ([]schema.Dataset, error) {
	all := make([]schema.Dataset, 0, len(cfg.Datasets))
	for i := range cfg.Datasets {
		all = append(all, cfg.Datasets[i].Dataset())
	}
	if names == "" {
		return all, nil
	}

	byName := make(map[string]schema.Dataset, len(all))
	for _, d := range all {
		byName[d.Name] = d
	}

	var selected []schema.Dataset
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		d, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown dataset %q", name)
		}
		selected = append(selected, d)
	}
	return selected, nil
}

// printSummary reports each run's outcome on stdout.
func printSummary(results []*pipeline.RunResult) {
	fmt.Printf("\n=== Ingestion Summary ===\n")
	for _, res := range results {
		if res == nil {
			continue
		}
		fmt.Printf("\nDataset:       %s\n", res.Dataset)
		fmt.Printf("State:         %s\n", res.State)
		if res.Report != nil {
			fmt.Printf("Rows read:     %d\n", res.Report.RowsRead)
			fmt.Printf("Rows written:  %d\n", res.Report.RowsWritten)
			fmt.Printf("Rejected:      dropped=%d excluded=%d deduped=%d malformed=%d absent_key=%d\n",
				res.Report.Dropped, res.Report.Excluded, res.Report.Deduped,
				res.Report.MalformedSkipped, res.Report.FilteredAbsentKey)
			fmt.Printf("Adjusted:      imputed=%d capped=%d coercion_failures=%d\n",
				res.Report.Imputed, res.Report.Capped, res.Report.CoercionFailures)
		}
		fmt.Printf("Watermark:     %q -> %q\n", res.OldMark, res.NewMark)
		if res.ObjectKey != "" {
			fmt.Printf("Published:     %s\n", res.ObjectKey)
		}
		if res.Error != "" {
			fmt.Printf("Error:         %s\n", res.Error)
		}
	}
	fmt.Println()
}
