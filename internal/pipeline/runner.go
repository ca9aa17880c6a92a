package pipeline

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aninori/cms-healthcare-analytics/internal/catalog"
	"github.com/aninori/cms-healthcare-analytics/internal/logger"
	"github.com/aninori/cms-healthcare-analytics/internal/normalize"
	"github.com/aninori/cms-healthcare-analytics/internal/schema"
	"github.com/aninori/cms-healthcare-analytics/internal/sink"
	"github.com/aninori/cms-healthcare-analytics/internal/source"
	"github.com/aninori/cms-healthcare-analytics/internal/transform"
	"github.com/aninori/cms-healthcare-analytics/internal/watermark"
)

// Runner drives the ingestion pipeline for each dataset: read, normalize,
// clean, filter against the watermark, publish, commit. Datasets are
// independent and may run in parallel; within a run the watermark commits
// exactly once, only after the durable write.
type Runner struct {
	drive    source.DriveClient
	store    watermark.Store
	lock     *watermark.RunLock
	writer   *sink.Writer
	emitter  *catalog.Emitter
	policies map[string]*transform.Policies
	config   *Config
	logger   *logger.Logger

	mu      sync.RWMutex
	results map[string]*RunResult
}

// NewRunner creates a pipeline runner. lock and emitter are optional.
func NewRunner(
	drive source.DriveClient,
	store watermark.Store,
	lock *watermark.RunLock,
	writer *sink.Writer,
	emitter *catalog.Emitter,
	policies map[string]*transform.Policies,
	config *Config,
	log *logger.Logger,
) *Runner {
	return &Runner{
		drive:    drive,
		store:    store,
		lock:     lock,
		writer:   writer,
		emitter:  emitter,
		policies: policies,
		config:   config,
		logger:   log,
		results:  make(map[string]*RunResult),
	}
}

// RunAll ingests the given datasets with bounded parallelism. The returned
// error reports how many datasets failed; per-dataset outcomes are in the
// results.
func (r *Runner) RunAll(ctx context.Context, datasets []schema.Dataset) ([]*RunResult, error) {
	limit := r.config.MaxParallelRuns
	if limit <= 0 {
		limit = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	results := make([]*RunResult, len(datasets))
	for i := range datasets {
		i := i
		g.Go(func() error {
			results[i] = r.Run(ctx, &datasets[i])
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, res := range results {
		if res.State != StateCommitted {
			failed++
		}
	}
	if failed > 0 {
		return results, fmt.Errorf("%d of %d datasets failed", failed, len(datasets))
	}
	return results, nil
}

// Run ingests one dataset end to end and records the result.
func (r *Runner) Run(ctx context.Context, dataset *schema.Dataset) *RunResult {
	result := &RunResult{
		Dataset:   dataset.Name,
		RunID:     time.Now().UTC().Format("20060102T150405Z"),
		State:     StateNotStarted,
		StartedAt: time.Now(),
	}
	defer func() {
		result.Duration = time.Since(result.StartedAt)
		r.record(result)
	}()

	log := r.logger.WithDataset(dataset.Name).WithRunID(result.RunID).Logger

	if r.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.RunTimeout)
		defer cancel()
	}

	if r.lock != nil {
		acquired, err := r.lock.Acquire(ctx, dataset.Name)
		if err != nil {
			return r.fail(result, log, fmt.Errorf("run lock: %w", err))
		}
		if !acquired {
			return r.fail(result, log, fmt.Errorf("another run holds the lock for %s", dataset.Name))
		}
		defer func() {
			if err := r.lock.Release(context.Background(), dataset.Name); err != nil {
				log.Warn("Failed to release run lock", zap.Error(err))
			}
		}()
	}

	log.Info("Starting ingestion run")

	if err := r.ingest(ctx, dataset, result, log); err != nil {
		return r.fail(result, log, err)
	}

	result.State = StateCommitted
	log.Info("Ingestion run committed",
		zap.Int64("rows_read", result.Report.RowsRead),
		zap.Int64("rows_written", result.Report.RowsWritten),
		zap.String("watermark", result.NewMark),
		zap.Duration("duration", time.Since(result.StartedAt)))
	return result
}

// ingest walks the run state machine up to the commit.
func (r *Runner) ingest(ctx context.Context, dataset *schema.Dataset, result *RunResult, log *zap.Logger) error {
	tracker, err := watermark.NewTracker(r.store, dataset, log)
	if err != nil {
		return err
	}
	if err := tracker.Load(ctx); err != nil {
		return err
	}
	result.OldMark = tracker.Previous()
	result.NewMark = tracker.Previous()

	transformer, err := transform.NewTransformer(dataset, r.policies[dataset.Name], log)
	if err != nil {
		return err
	}

	result.State = StateReading
	files, err := r.drive.ListFiles(ctx)
	if err != nil {
		return err
	}

	matched := 0
	for _, file := range files {
		if !matchesDataset(dataset, file.Name) {
			continue
		}
		matched++
		if err := r.ingestFile(ctx, dataset, file, transformer, result, log); err != nil {
			return err
		}
	}
	result.FilesRead = matched
	if matched == 0 {
		log.Warn("No source files matched dataset pattern",
			zap.String("pattern", dataset.SourcePattern))
	}

	result.State = StateCleaning
	partition, report := transformer.Finalize()
	result.Report = report

	if ratio := skipRatio(report); ratio > r.config.MaxSkipRatio {
		return fmt.Errorf("%w: skip ratio %.3f exceeds threshold %.3f",
			source.ErrMalformedBatch, ratio, r.config.MaxSkipRatio)
	}

	result.State = StateFiltering
	partition = filterPartition(partition, tracker)
	report.RowsWritten = int64(len(partition.Rows))
	report.FilteredAbsentKey = tracker.AbsentKeyFiltered()

	if len(partition.Rows) == 0 {
		// Nothing newer than the watermark: a successful no-op run.
		log.Info("No rows newer than watermark, nothing to publish")
		return nil
	}

	if r.config.DryRun {
		log.Info("Dry run, skipping publish",
			zap.Int("rows", len(partition.Rows)))
		return nil
	}

	result.State = StateWriting
	key := objectKey(dataset, result.RunID)
	if err := r.writer.Publish(ctx, partition, key); err != nil {
		return err
	}
	result.ObjectKey = key

	mark, commit := tracker.Next()
	if r.emitter != nil {
		if err := r.emitter.Emit(ctx, partition, key, mark); err != nil {
			// Metadata is advisory: the partition is durable, so the run
			// still commits.
			log.Warn("Failed to emit partition metadata", zap.Error(err))
		}
	}

	if commit {
		newMark, err := tracker.Commit(ctx)
		if err != nil {
			return err
		}
		result.NewMark = newMark
	}
	return nil
}

// ingestFile streams one source file through normalization into the
// transformer.
func (r *Runner) ingestFile(ctx context.Context, dataset *schema.Dataset, file source.FileInfo, transformer *transform.Transformer, result *RunResult, log *zap.Logger) error {
	log.Info("Reading source file",
		zap.String("file", file.Name),
		zap.Int64("size", file.Size))

	stream, err := r.drive.Open(ctx, file.ID)
	if err != nil {
		return err
	}
	defer stream.Close()

	reader, err := source.NewBatchReader(stream, r.config.ChunkSize, log)
	if err != nil {
		return err
	}

	result.State = StateNormalizing
	normalizer := normalize.New(dataset, reader.Header(), log)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		transformer.CountMalformed(batch.Malformed)

		normalized, err := normalizer.Apply(batch)
		if err != nil {
			// A structurally invalid chunk is skipped and counted; the
			// skip-ratio check decides whether the run survives.
			log.Warn("Skipping malformed batch",
				zap.String("file", file.Name),
				zap.Int("offset", batch.Offset),
				zap.Error(err))
			transformer.CountMalformed(len(batch.Records))
			continue
		}

		transformer.CountCoercionFailures(len(normalized.Failures))
		for _, f := range normalized.Failures {
			log.Debug("Coercion failure",
				zap.Int("row", f.RowIndex),
				zap.String("column", f.Column),
				zap.String("reason", f.Reason))
		}

		transformer.Add(normalized.Rows)
	}
}

// fail marks the run failed. The watermark was never committed on this
// path, so retried runs redeliver every unpublished row.
func (r *Runner) fail(result *RunResult, log *zap.Logger, err error) *RunResult {
	result.State = StateFailed
	result.Error = err.Error()
	log.Error("Ingestion run failed", zap.Error(err))
	return result
}

// record stores the latest result per dataset for the ops API.
func (r *Runner) record(result *RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result.Dataset] = result
}

// Result returns the latest run result for a dataset.
func (r *Runner) Result(dataset string) (*RunResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[dataset]
	return res, ok
}

// Results returns the latest run result of every dataset.
func (r *Runner) Results() []*RunResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RunResult, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, res)
	}
	return out
}

// matchesDataset matches a remote file name against the dataset's source
// pattern.
func matchesDataset(dataset *schema.Dataset, name string) bool {
	if dataset.SourcePattern == "" {
		return false
	}
	ok, err := path.Match(dataset.SourcePattern, name)
	return err == nil && ok
}

// objectKey builds the published key for one (dataset, run).
func objectKey(dataset *schema.Dataset, runID string) string {
	return path.Join(dataset.TargetObject, fmt.Sprintf("part-%s.parquet", runID))
}

// filterPartition applies the watermark filter, preserving immutability of
// the partition handed to the writer.
func filterPartition(partition *transform.Partition, tracker *watermark.Tracker) *transform.Partition {
	filtered := tracker.Filter(partition.Rows)
	return &transform.Partition{
		Dataset:  partition.Dataset,
		Schema:   partition.Schema,
		Rows:     filtered,
		Narrowed: partition.Narrowed,
	}
}

// skipRatio is the share of rows lost to unparseable input.
func skipRatio(report *transform.Report) float64 {
	total := report.RowsRead + report.MalformedSkipped
	if total == 0 {
		return 0
	}
	return float64(report.MalformedSkipped) / float64(total)
}
