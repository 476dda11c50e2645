// Package pipeline drives one ResolvedFile through the load state
// machine — discover, analyze, quality-check, compress, stage, bulk
// load, optionally validate — and rolls per-file outcomes up into a
// period-level summary. Per-file failures never abort sibling files.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/snowbatch/snowbatch/internal/analyzer"
	"github.com/snowbatch/snowbatch/internal/catalog"
	"github.com/snowbatch/snowbatch/internal/compressutil"
	"github.com/snowbatch/snowbatch/internal/config"
	"github.com/snowbatch/snowbatch/internal/metrics"
	"github.com/snowbatch/snowbatch/internal/progressbus"
	"github.com/snowbatch/snowbatch/internal/qualitycheck"
	"github.com/snowbatch/snowbatch/internal/validator"
	"github.com/snowbatch/snowbatch/internal/warehouse"
)

// State names one point in a ResolvedFile's processing lifecycle.
type State int

const (
	Discovered State = iota
	Analyzed
	QCPassed
	QCSkipped
	Compressed
	Uploaded
	Loaded
	Validated
	ValidationSkipped
	Done
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "DISCOVERED"
	case Analyzed:
		return "ANALYZED"
	case QCPassed:
		return "QC_PASSED"
	case QCSkipped:
		return "QC_SKIPPED"
	case Compressed:
		return "COMPRESSED"
	case Uploaded:
		return "UPLOADED"
	case Loaded:
		return "LOADED"
	case Validated:
		return "VALIDATED"
	case ValidationSkipped:
		return "VALIDATION_SKIPPED"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// largeFileThreshold is the uncompressed size above which a small
// warehouse triggers a user-visible sizing warning.
const largeFileThreshold = 500 << 20 // 500 MiB

// WarehouseSession is the narrow slice of warehouse.Session the
// orchestrator depends on, so a run can be tested without a live
// connection.
type WarehouseSession interface {
	StagePut(ctx context.Context, localPath, stageRef string) error
	StageCleanup(ctx context.Context, stageRef, pattern string) error
	WarehouseSize(ctx context.Context, warehouseName string) (string, error)
	BulkLoad(ctx context.Context, stageRef, table string, opts warehouse.BulkLoadOptions) (warehouse.LoadResult, error)
}

var _ WarehouseSession = (*warehouse.Session)(nil)

// Options parameterizes one orchestrator run.
type Options struct {
	SkipQC              bool
	ValidateInWarehouse bool
	QCWorkers           int
	// Executable overrides os.Executable for the QC subprocess spawn,
	// used in tests.
	Executable string
}

// Orchestrator runs the load state machine for every ResolvedFile of
// one FileSpec, against one warehouse session, reporting progress and
// per-file outcomes.
type Orchestrator struct {
	session       WarehouseSession
	bus           *progressbus.Bus
	collector     *metrics.Collector
	validator     *validator.Validator
	database      string
	schema        string
	warehouseName string
	log           zerolog.Logger
}

// New constructs an Orchestrator. v may be nil when post-load
// validation is never requested for this run.
func New(session WarehouseSession, bus *progressbus.Bus, collector *metrics.Collector, v *validator.Validator, database, schema, warehouseName string, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		session:       session,
		bus:           bus,
		collector:     collector,
		validator:     v,
		database:      database,
		schema:        schema,
		warehouseName: warehouseName,
		log:           log,
	}
}

// Run processes every file in files, all belonging to the same table,
// in sequence, then — when opts.ValidateInWarehouse is set — runs one
// post-load validation pass covering the union of their periods.
// Per-file failures are recorded and do not prevent remaining files
// from running.
func (o *Orchestrator) Run(ctx context.Context, files []catalog.ResolvedFile, opts Options) error {
	if len(files) == 0 {
		return nil
	}
	table := files[0].Spec.TableName

	anyLoaded := false
	for _, rf := range files {
		if ctx.Err() != nil {
			o.finish(rf, metrics.OutcomeCancelled, ctx.Err(), 0, 0, 0, 0, 0)
			continue
		}
		if err := o.runFile(ctx, rf, opts); err != nil {
			o.log.Warn().Err(err).Str("path", rf.Path).Msg("file failed")
			continue
		}
		anyLoaded = true
	}

	if !opts.ValidateInWarehouse || !anyLoaded || o.validator == nil {
		return nil
	}

	period := unionPeriod(files)
	dateColumn := files[0].Spec.DateColumn
	dupKeys := files[0].Spec.DuplicateKeyColumns

	report, err := o.validator.Validate(ctx, o.database, o.schema, table, dateColumn, &period, dupKeys)
	if err != nil {
		o.log.Error().Err(err).Str("table", table).Msg("post-load validation failed to run")
		return fmt.Errorf("pipeline: validate %s: %w", table, err)
	}
	if !report.Valid {
		o.log.Warn().Str("table", table).Strs("failure_reasons", report.FailureReasons).Msg("validation failed")
		return fmt.Errorf("pipeline: validation failed for %s: %v", table, report.FailureReasons)
	}
	o.log.Info().Str("table", table).Msg("validation passed")
	return nil
}

// runFile drives one ResolvedFile through DISCOVERED..DONE, always
// removing the temporary compressed sibling file on every exit path.
func (o *Orchestrator) runFile(ctx context.Context, rf catalog.ResolvedFile, opts Options) (err error) {
	var (
		state            = Discovered
		bytesRead        int64
		rowsScanned      int64
		rowsLoaded       int64
		compressDuration time.Duration
		uploadDuration   time.Duration
		gzPath           string
	)

	outcome := metrics.OutcomeDone
	defer func() {
		if gzPath != "" {
			os.Remove(gzPath)
		}
		if err != nil {
			o.log.Error().Err(err).Str("path", rf.Path).Str("state", state.String()).Msg("file did not complete")
		}
		o.finish(rf, outcome, err, bytesRead, rowsScanned, rowsLoaded, compressDuration.Nanoseconds(), uploadDuration.Nanoseconds())
	}()

	o.bus.Reset(progressbus.StageFiles, rf.Path, 1)

	est, aerr := analyzer.Estimate(rf.Path, rf.Spec)
	if aerr != nil {
		outcome = metrics.OutcomeAnalyzeFailed
		err = fmt.Errorf("pipeline: analyze %s: %w", rf.Path, aerr)
		return err
	}
	bytesRead = est.Bytes
	rowsScanned = est.Rows
	state = Analyzed

	if warnErr := o.warnIfUndersized(ctx, est.Bytes); warnErr != nil {
		o.log.Warn().Err(warnErr).Msg("could not check warehouse size")
	}

	if opts.SkipQC {
		state = QCSkipped
	} else {
		o.bus.Reset(progressbus.StageQCRows, rf.Path, est.Rows)
		qcRep, qerr := qualitycheck.Check(ctx, rf, qcOptions(rf, opts))
		if qerr != nil {
			outcome = metrics.OutcomeQCFailed
			err = fmt.Errorf("pipeline: quality check %s: %w", rf.Path, qerr)
			return err
		}
		o.bus.Increment(progressbus.StageQCRows, qcRep.RowsScanned)
		badRows := qcRep.BadRowsColumnCount + qcRep.BadRowsDateFormat
		if badRows > 0 || len(qcRep.Gaps) > 0 {
			outcome = metrics.OutcomeQCFailed
			err = fmt.Errorf("pipeline: quality check failed: %s: %d bad rows, %d gaps", rf.Path, badRows, len(qcRep.Gaps))
			return err
		}
		state = QCPassed
	}

	o.bus.Reset(progressbus.StageCompress, rf.Path, est.Bytes)
	compressStart := time.Now()
	gzPath, cerr := compressutil.Compress(rf.Path, func(delta int64) {
		o.bus.Increment(progressbus.StageCompress, delta)
	})
	compressDuration = time.Since(compressStart)
	if cerr != nil {
		outcome = metrics.OutcomeCompressFailed
		err = fmt.Errorf("pipeline: compress %s: %w", rf.Path, cerr)
		return err
	}
	state = Compressed

	stageRef := stagePath(rf.Spec.TableName)
	pattern := filepath.Base(rf.Path) + "*.gz"

	o.bus.Reset(progressbus.StageUpload, rf.Path, 1)
	uploadStart := time.Now()
	if cerr := o.session.StageCleanup(ctx, stageRef, pattern); cerr != nil {
		outcome = metrics.OutcomeStageUploadFailed
		err = fmt.Errorf("pipeline: stage cleanup %s: %w", stageRef, cerr)
		return err
	}
	if cerr := o.session.StagePut(ctx, gzPath, stageRef); cerr != nil {
		outcome = metrics.OutcomeStageUploadFailed
		err = fmt.Errorf("pipeline: stage put %s: %w", gzPath, cerr)
		return err
	}
	uploadDuration = time.Since(uploadStart)
	o.bus.Complete(progressbus.StageUpload)
	state = Uploaded

	o.bus.Reset(progressbus.StageCopy, rf.Path, 1)
	loadResult, lerr := o.session.BulkLoad(ctx, stageRef, rf.Spec.TableName, warehouse.BulkLoadOptions{
		FileFormat:      fileFormatClause(rf.Spec),
		CompressedBytes: compressedSize(gzPath),
	})
	if lerr != nil {
		outcome = metrics.OutcomeBulkLoadFailed
		err = fmt.Errorf("pipeline: bulk load %s: %w", rf.Spec.TableName, lerr)
		return err
	}
	rowsLoaded = loadResult.RowsLoaded
	o.bus.Complete(progressbus.StageCopy)
	state = Loaded

	os.Remove(gzPath)
	gzPath = ""

	return nil
}

func (o *Orchestrator) finish(rf catalog.ResolvedFile, outcome metrics.Outcome, err error, bytesRead, rowsScanned, rowsLoaded, compressNanos, uploadNanos int64) {
	fo := metrics.FileOutcome{
		Path:             rf.Path,
		Table:            rf.Spec.TableName,
		Period:           rf.Period.String(),
		Outcome:          outcome,
		BytesRead:        bytesRead,
		RowsScanned:      rowsScanned,
		RowsLoaded:       rowsLoaded,
		CompressDuration: time.Duration(compressNanos),
		UploadDuration:   time.Duration(uploadNanos),
	}
	if err != nil {
		fo.Error = err.Error()
	}
	o.collector.RecordFile(fo)
}

func (o *Orchestrator) warnIfUndersized(ctx context.Context, uncompressedBytes int64) error {
	if uncompressedBytes <= largeFileThreshold {
		return nil
	}
	size, err := o.session.WarehouseSize(ctx, o.warehouseName)
	if err != nil {
		return err
	}
	if size == "X-Small" || size == "Small" {
		o.log.Warn().Str("warehouse_size", size).Int64("file_bytes", uncompressedBytes).
			Msg("warehouse may be undersized for a file this large")
	}
	return nil
}

func qcOptions(rf catalog.ResolvedFile, opts Options) qualitycheck.Options {
	var quote byte
	if rf.Spec.QuoteChar != "" {
		quote = rf.Spec.QuoteChar[0]
	}
	return qualitycheck.Options{
		ExpectedColumns: len(rf.Spec.ExpectedColumns),
		DateColumnIndex: rf.Spec.ColumnIndex(rf.Spec.DateColumn),
		Delimiter:       rf.Spec.DelimiterByte(),
		Quote:           quote,
		Period:          rf.Period,
		Workers:         opts.QCWorkers,
		Executable:      opts.Executable,
	}
}

func fileFormatClause(spec config.FileSpec) string {
	return fmt.Sprintf("TYPE=CSV FIELD_DELIMITER='%c' SKIP_HEADER=0", spec.DelimiterByte())
}

func compressedSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// stagePath partitions the internal stage namespace by table, so
// sibling runs targeting different tables never collide.
func stagePath(table string) string {
	return fmt.Sprintf("~/snowbatch/%s", table)
}

// unionPeriod returns the smallest period covering every file's
// period, used as the scan window for a single post-load validation
// pass over several files from the same FileSpec.
func unionPeriod(files []catalog.ResolvedFile) catalog.Period {
	period := files[0].Period
	for _, rf := range files[1:] {
		if rf.Period.Start.Before(period.Start) {
			period.Start = rf.Period.Start
		}
		if rf.Period.End.After(period.End) {
			period.End = rf.Period.End
		}
	}
	return period
}
