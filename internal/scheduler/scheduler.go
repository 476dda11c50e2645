// Package scheduler distributes a list of periods across parallel
// pipeline runs, each owning its own warehouse connection, and rolls
// their outcomes up into one run-level summary.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snowbatch/snowbatch/internal/catalog"
	"github.com/snowbatch/snowbatch/internal/config"
	"github.com/snowbatch/snowbatch/internal/logging"
	"github.com/snowbatch/snowbatch/internal/metrics"
	"github.com/snowbatch/snowbatch/internal/pipeline"
	"github.com/snowbatch/snowbatch/internal/progressbus"
	"github.com/snowbatch/snowbatch/internal/validator"
	"github.com/snowbatch/snowbatch/internal/warehouse"
	"github.com/snowbatch/snowbatch/internal/warehouseapi"
)

// cancelGrace is how long the scheduler waits for in-flight runs to
// finish their mandatory cleanup after a cancellation before giving up
// and returning a partial summary.
const cancelGrace = 30 * time.Second

// Session is the narrow slice of warehouse.Session a scheduled run
// needs: stage/load operations for the pipeline orchestrator, query
// execution for the validator, and lifecycle teardown.
type Session interface {
	pipeline.WarehouseSession
	warehouseapi.SQLExecutor
	Close() error
}

var _ Session = (*warehouse.Session)(nil)

// Connector opens one Session for a run. The default dials a real
// Snowflake connection; tests substitute a fake.
type Connector func(ctx context.Context, cfg config.ConnectionSpec, log zerolog.Logger) (Session, error)

// DefaultConnector wraps warehouse.Connect.
func DefaultConnector(ctx context.Context, cfg config.ConnectionSpec, log zerolog.Logger) (Session, error) {
	return warehouse.Connect(ctx, cfg, log)
}

// Options configures one scheduler invocation.
type Options struct {
	Parallel            int
	WorkerBudget        int // 0 means each run auto-detects from core count
	ContinueOnError     bool
	SkipQC              bool
	ValidateInWarehouse bool
}

// RunOutcome is one period's pipeline run result.
type RunOutcome struct {
	Period  string
	Verdict metrics.Verdict
	Err     error
	Report  metrics.RunReport
}

// Summary is the scheduler's final report across every period.
type Summary struct {
	Verdict metrics.Verdict
	Runs    []RunOutcome
}

// Scheduler distributes periods across parallel pipeline runs.
type Scheduler struct {
	connector Connector
	resolver  *catalog.Resolver
	log       zerolog.Logger

	busesMu sync.Mutex
	buses   map[int]*progressbus.Bus
}

// New constructs a Scheduler. connector may be nil to use
// DefaultConnector.
func New(connector Connector, resolver *catalog.Resolver, log zerolog.Logger) *Scheduler {
	if connector == nil {
		connector = DefaultConnector
	}
	return &Scheduler{connector: connector, resolver: resolver, log: log}
}

// WorkerStatuses returns a snapshot of every currently in-flight
// period run's live state (current file, items written, last error),
// for surfacing alongside the terminal progress bars.
func (s *Scheduler) WorkerStatuses() []progressbus.WorkerStatus {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()

	statuses := make([]progressbus.WorkerStatus, 0, len(s.buses))
	for _, bus := range s.buses {
		statuses = append(statuses, bus.WorkerStatus())
	}
	return statuses
}

// perRunWorkers computes the worker budget for one run: an explicit
// global budget is divided across the parallel run count; otherwise
// each run derives its own budget from the local core count.
func perRunWorkers(explicit, parallel int) int {
	if explicit > 0 {
		w := explicit / parallel
		if w < 1 {
			w = 1
		}
		return w
	}

	cores := runtime.NumCPU()
	switch {
	case cores <= 4:
		return cores
	case cores <= 8:
		return cores - 1
	case cores <= 16:
		return int(float64(cores) * 0.75)
	case cores <= 32:
		return int(float64(cores) * 0.60)
	default:
		half := int(float64(cores) * 0.50)
		if half > 32 {
			half = 32
		}
		return half
	}
}

func groupByTable(files []catalog.ResolvedFile) [][]catalog.ResolvedFile {
	order := []string{}
	byTable := map[string][]catalog.ResolvedFile{}
	for _, f := range files {
		if _, ok := byTable[f.Spec.TableName]; !ok {
			order = append(order, f.Spec.TableName)
		}
		byTable[f.Spec.TableName] = append(byTable[f.Spec.TableName], f)
	}
	groups := make([][]catalog.ResolvedFile, 0, len(order))
	for _, table := range order {
		groups = append(groups, byTable[table])
	}
	return groups
}

// Run resolves every FileSpec in manifest against each requested
// period under basePath, rejects the whole invocation before any run
// starts if two resolved files for the same table have overlapping
// periods, then runs one pipeline per period, up to opts.Parallel
// concurrently.
func (s *Scheduler) Run(ctx context.Context, manifest *config.Manifest, basePath string, periods []catalog.Period, opts Options) (Summary, error) {
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}

	filesByPeriod := make([][]catalog.ResolvedFile, len(periods))
	var allFiles []catalog.ResolvedFile
	for i, p := range periods {
		for _, spec := range manifest.Files {
			resolved, err := s.resolver.Resolve(basePath, spec, []catalog.Period{p})
			if err != nil {
				if errors.Is(err, catalog.ErrNoFilesMatched) {
					continue
				}
				return Summary{}, fmt.Errorf("scheduler: resolve %s: %w", spec.TableName, err)
			}
			filesByPeriod[i] = append(filesByPeriod[i], resolved...)
			allFiles = append(allFiles, resolved...)
		}
	}

	if table, collides := catalog.CollidingTables(allFiles); collides {
		return Summary{}, fmt.Errorf("%w: table %s has overlapping-period files scheduled in the same invocation", config.ErrConfigInvalid, table)
	}

	workers := perRunWorkers(opts.WorkerBudget, opts.Parallel)
	lineCount := progressbus.PerRunLineCount(!opts.SkipQC)

	s.busesMu.Lock()
	s.buses = make(map[int]*progressbus.Bus, len(periods))
	s.busesMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, opts.Parallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var abort atomic.Bool
	outcomes := make([]RunOutcome, len(periods))

	for i, p := range periods {
		if abort.Load() {
			break
		}
		files := filesByPeriod[i]
		if len(files) == 0 {
			continue
		}

		i, p, files := i, p, files
		sem <- struct{}{}
		if abort.Load() {
			<-sem
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			offset := i * lineCount
			outcome := s.runOne(runCtx, manifest.Connection, files, workers, offset, opts)
			if outcome.Period == "" {
				outcome.Period = p.String()
			}

			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()

			failed := outcome.Err != nil || outcome.Verdict != metrics.VerdictSuccessful
			if failed && !opts.ContinueOnError && opts.Parallel == 1 {
				abort.Store(true)
				cancel()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(cancelGrace):
		}
	}

	return summarize(outcomes), nil
}

func (s *Scheduler) runOne(ctx context.Context, connSpec config.ConnectionSpec, files []catalog.ResolvedFile, workers, offset int, opts Options) RunOutcome {
	period := files[0].Period
	log := logging.WithRun(s.log, files[0].Spec.TableName, period.String())

	session, err := s.connector(ctx, connSpec, log)
	if err != nil {
		return RunOutcome{Period: period.String(), Err: fmt.Errorf("scheduler: connect: %w", err)}
	}
	defer session.Close()

	w := progressbus.WithPositionOffset(progressbus.Stderr, offset)
	bus := progressbus.New(w, offset, !opts.SkipQC)
	bus.SetPeriod(period.String())
	defer bus.Wait()

	s.registerBus(offset, bus)
	defer s.unregisterBus(offset)

	collector := metrics.NewCollector()

	var v *validator.Validator
	if opts.ValidateInWarehouse {
		cache := validator.NewMetadataCache()
		if err := cache.Load(ctx, session, connSpec.Database, connSpec.Schema); err != nil {
			bus.RecordError(err)
			return RunOutcome{Period: period.String(), Err: fmt.Errorf("scheduler: load metadata cache: %w", err)}
		}
		v = validator.New(session, cache)
	}

	orch := pipeline.New(session, bus, collector, v, connSpec.Database, connSpec.Schema, connSpec.Warehouse, log)

	var firstErr error
	for _, tableFiles := range groupByTable(files) {
		err := orch.Run(ctx, tableFiles, pipeline.Options{
			SkipQC:              opts.SkipQC,
			ValidateInWarehouse: opts.ValidateInWarehouse,
			QCWorkers:           workers,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		bus.RecordError(firstErr)
	}

	report := collector.Report()
	return RunOutcome{Period: period.String(), Verdict: report.Verdict, Err: firstErr, Report: report}
}

// registerBus makes bus visible to WorkerStatuses under key, keyed by
// the run's line offset since that is already unique per in-flight run.
func (s *Scheduler) registerBus(key int, bus *progressbus.Bus) {
	s.busesMu.Lock()
	s.buses[key] = bus
	s.busesMu.Unlock()
}

func (s *Scheduler) unregisterBus(key int) {
	s.busesMu.Lock()
	delete(s.buses, key)
	s.busesMu.Unlock()
}

func summarize(outcomes []RunOutcome) Summary {
	var attempted, succeeded int
	for _, o := range outcomes {
		if o.Period == "" && o.Err == nil && o.Verdict == "" {
			continue
		}
		attempted++
		if o.Err == nil && o.Verdict == metrics.VerdictSuccessful {
			succeeded++
		}
	}

	var verdict metrics.Verdict
	switch {
	case attempted == 0 || succeeded == attempted:
		verdict = metrics.VerdictSuccessful
	case succeeded == 0:
		verdict = metrics.VerdictFailed
	default:
		verdict = metrics.VerdictPartial
	}

	return Summary{Verdict: verdict, Runs: outcomes}
}
