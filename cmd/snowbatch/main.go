// Package main implements the external CLI surface over the
// load/validate/check_duplicates/analyze programmatic contract. Flag
// parsing and subcommand dispatch live here only; every decision about
// how a run behaves is made by the internal packages it wires together.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/snowbatch/snowbatch/internal/analyzer"
	"github.com/snowbatch/snowbatch/internal/catalog"
	"github.com/snowbatch/snowbatch/internal/config"
	"github.com/snowbatch/snowbatch/internal/jobs"
	"github.com/snowbatch/snowbatch/internal/logging"
	"github.com/snowbatch/snowbatch/internal/metrics"
	"github.com/snowbatch/snowbatch/internal/qualitycheck"
	"github.com/snowbatch/snowbatch/internal/scheduler"
	"github.com/snowbatch/snowbatch/internal/validator"
	"github.com/snowbatch/snowbatch/internal/warehouse"
	"github.com/snowbatch/snowbatch/internal/warehouseapi"
)

// Exit codes for the external CLI, per the programmatic contract.
const (
	exitSuccess       = 0
	exitFailed        = 1
	exitPartial       = 2
	exitConfigInvalid = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 && args[0] == qualitycheck.WorkerFlag {
		return runWorker(args)
	}

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: snowbatch <load|validate|check_duplicates|analyze|jobs> [flags]")
		return exitConfigInvalid
	}

	switch args[0] {
	case "load":
		return runLoad(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "check_duplicates":
		return runCheckDuplicates(args[1:])
	case "analyze":
		return runAnalyze(args[1:])
	case "jobs":
		return runJobs(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		return exitConfigInvalid
	}
}

// runWorker dispatches into the hidden QC chunk worker entry point, the
// same binary re-executed as a subprocess by internal/qualitycheck.
func runWorker(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "missing worker payload")
		return exitConfigInvalid
	}
	if err := qualitycheck.RunWorker(args[1], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return exitFailed
	}
	return exitSuccess
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "snowbatch")
	}
	return ".snowbatch"
}

func runLoad(args []string) int {
	fs := flag.NewFlagSet("load", flag.ContinueOnError)
	manifestPath := fs.String("manifest", "", "path to the manifest JSON file")
	basePath := fs.String("base-path", ".", "directory containing input files")
	periodFlag := fs.String("period", "", "comma-separated period tokens (YYYY-MM or YYYYMMDD-YYYYMMDD); empty means every file on disk")
	skipQC := fs.Bool("skip-qc", false, "skip the streaming quality check")
	validateInWarehouse := fs.Bool("validate-in-warehouse", false, "run post-load validation after bulk load")
	maxWorkers := fs.Int("max-workers", 0, "global QC worker budget; 0 auto-detects per run")
	parallel := fs.Int("parallel", 1, "maximum concurrent period runs")
	continueOnError := fs.Bool("continue-on-error", false, "continue remaining periods after a failure")
	stateDir := fs.String("state-dir", defaultStateDir(), "job manager state directory")
	jobName := fs.String("job-name", "load", "name recorded for this run in the job registry")
	logLevel := fs.String("log-level", "info", "log level")
	logJSON := fs.Bool("log-json", false, "emit structured JSON logs")
	reportURI := fs.String("report-uri", "", "s3://bucket/key to archive the run summary JSON to; empty skips archival")
	if err := fs.Parse(args); err != nil {
		return exitConfigInvalid
	}

	manifest, err := config.Load(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load manifest: %v\n", err)
		return exitConfigInvalid
	}

	periods, err := resolvePeriods(*periodFlag, *basePath, manifest)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigInvalid
	}

	log := logging.New(logging.Config{Level: *logLevel, JSON: *logJSON})

	store, err := jobs.NewStore(*stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open job store: %v\n", err)
		return exitConfigInvalid
	}
	if herr := store.HealthCheck(); herr != nil {
		log.Warn().Err(herr).Msg("job health check failed")
	}

	jobID, err := store.Start(*jobName, strings.Join(os.Args, " "), os.Getpid())
	if err != nil {
		fmt.Fprintf(os.Stderr, "register job: %v\n", err)
		return exitConfigInvalid
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	sched := scheduler.New(nil, catalog.NewResolver(), log)
	summary, runErr := sched.Run(ctx, manifest, *basePath, periods, scheduler.Options{
		Parallel:            *parallel,
		WorkerBudget:        *maxWorkers,
		ContinueOnError:     *continueOnError,
		SkipQC:              *skipQC,
		ValidateInWarehouse: *validateInWarehouse,
	})

	finalStatus := jobs.StatusCompleted
	if runErr != nil || summary.Verdict != metrics.VerdictSuccessful {
		finalStatus = jobs.StatusFailed
	}
	if uerr := store.Update(jobID, func(j *jobs.Job) {
		now := time.Now()
		j.EndTime = &now
		j.Status = finalStatus
	}); uerr != nil {
		log.Warn().Err(uerr).Msg("could not record job completion")
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "scheduler: %v\n", runErr)
		return exitConfigInvalid
	}

	for _, r := range summary.Runs {
		fmt.Printf("period %s: %s\n", r.Period, r.Report.String())
	}

	if *reportURI != "" {
		if err := uploadReport(ctx, *reportURI, summary); err != nil {
			log.Warn().Err(err).Str("report_uri", *reportURI).Msg("could not archive run report")
		}
	}

	switch {
	case summary.Verdict == metrics.VerdictSuccessful:
		return exitSuccess
	case *continueOnError && summary.Verdict == metrics.VerdictPartial:
		return exitPartial
	default:
		return exitFailed
	}
}

// uploadReport archives summary as JSON to an s3://bucket/key URI using
// the ambient AWS credential chain, for runs that pass -report-uri.
func uploadReport(ctx context.Context, uri string, summary scheduler.Summary) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := warehouseapi.NewS3ReportUploader(client)
	return uploader.UploadReport(ctx, uri, summary)
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	manifestPath := fs.String("manifest", "", "path to the manifest JSON file")
	table := fs.String("table", "", "table name to validate")
	periodFlag := fs.String("period", "", "single period token; empty scans the whole table")
	logLevel := fs.String("log-level", "info", "log level")
	logJSON := fs.Bool("log-json", false, "emit structured JSON logs")
	if err := fs.Parse(args); err != nil {
		return exitConfigInvalid
	}
	if *table == "" {
		fmt.Fprintln(os.Stderr, "validate: -table is required")
		return exitConfigInvalid
	}

	manifest, err := config.Load(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load manifest: %v\n", err)
		return exitConfigInvalid
	}
	spec, ok := findSpec(manifest, *table)
	if !ok {
		fmt.Fprintf(os.Stderr, "validate: table %q is not in the manifest\n", *table)
		return exitConfigInvalid
	}

	var period *catalog.Period
	if strings.TrimSpace(*periodFlag) != "" {
		p, perr := parsePeriodToken(strings.TrimSpace(*periodFlag))
		if perr != nil {
			fmt.Fprintln(os.Stderr, perr)
			return exitConfigInvalid
		}
		period = &p
	}

	log := logging.New(logging.Config{Level: *logLevel, JSON: *logJSON})
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	v, cleanup, err := newValidator(ctx, manifest, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigInvalid
	}
	defer cleanup()

	report, err := v.Validate(ctx, manifest.Connection.Database, manifest.Connection.Schema, *table, spec.DateColumn, period, spec.DuplicateKeyColumns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "validate: %v\n", err)
		return exitFailed
	}

	printValidationReport(report)
	if !report.Valid {
		return exitFailed
	}
	return exitSuccess
}

func runCheckDuplicates(args []string) int {
	fs := flag.NewFlagSet("check_duplicates", flag.ContinueOnError)
	manifestPath := fs.String("manifest", "", "path to the manifest JSON file")
	table := fs.String("table", "", "table name to check")
	keyColumnsFlag := fs.String("key-columns", "", "comma-separated duplicate key columns")
	logLevel := fs.String("log-level", "info", "log level")
	logJSON := fs.Bool("log-json", false, "emit structured JSON logs")
	if err := fs.Parse(args); err != nil {
		return exitConfigInvalid
	}
	if *table == "" || strings.TrimSpace(*keyColumnsFlag) == "" {
		fmt.Fprintln(os.Stderr, "check_duplicates: -table and -key-columns are required")
		return exitConfigInvalid
	}
	keyColumns := splitTrim(*keyColumnsFlag)

	manifest, err := config.Load(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load manifest: %v\n", err)
		return exitConfigInvalid
	}

	log := logging.New(logging.Config{Level: *logLevel, JSON: *logJSON})
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	v, cleanup, err := newValidator(ctx, manifest, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigInvalid
	}
	defer cleanup()

	report, err := v.Validate(ctx, manifest.Connection.Database, manifest.Connection.Schema, *table, "", nil, keyColumns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "check_duplicates: %v\n", err)
		return exitFailed
	}

	if report.Duplicates == nil {
		fmt.Println("no duplicate groups found")
		return exitSuccess
	}
	fmt.Printf("groups=%d excess=%d severity=%s\n", report.Duplicates.Groups, report.Duplicates.Excess, report.Duplicates.Severity)
	for _, s := range report.Duplicates.Samples {
		fmt.Printf("  key=%v count=%d\n", s.Key, s.Count)
	}
	if report.Duplicates.Severity == validator.DupCritical {
		return exitFailed
	}
	return exitSuccess
}

func runAnalyze(args []string) int {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	manifestPath := fs.String("manifest", "", "path to the manifest JSON file")
	basePath := fs.String("base-path", ".", "directory containing input files")
	periodFlag := fs.String("period", "", "comma-separated period tokens; empty analyzes every file on disk")
	if err := fs.Parse(args); err != nil {
		return exitConfigInvalid
	}

	manifest, err := config.Load(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load manifest: %v\n", err)
		return exitConfigInvalid
	}

	periods, err := resolvePeriods(*periodFlag, *basePath, manifest)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigInvalid
	}

	resolver := catalog.NewResolver()
	anyFailed := false
	for _, spec := range manifest.Files {
		resolved, rerr := resolver.Resolve(*basePath, spec, periods)
		if rerr != nil {
			if errors.Is(rerr, catalog.ErrNoFilesMatched) {
				continue
			}
			fmt.Fprintf(os.Stderr, "resolve %s: %v\n", spec.TableName, rerr)
			anyFailed = true
			continue
		}

		for _, rf := range resolved {
			if spec.FileFormat == config.FormatAuto {
				format, delim, ferr := analyzer.DetectFormat(rf.Path)
				if ferr != nil {
					fmt.Fprintf(os.Stderr, "detect format %s: %v\n", rf.Path, ferr)
					anyFailed = true
					continue
				}
				fmt.Printf("%s: detected format %s, delimiter %q\n", rf.Path, format, delim)
			}

			est, eerr := analyzer.Estimate(rf.Path, rf.Spec)
			if eerr != nil {
				fmt.Fprintf(os.Stderr, "analyze %s: %v\n", rf.Path, eerr)
				anyFailed = true
				continue
			}
			fmt.Printf("%s: %d bytes, %d rows (sampled=%v) — eta compress=%s upload=%s bulk_load=%s\n",
				rf.Path, est.Bytes, est.Rows, est.Sampled, est.ETAs.Compress, est.ETAs.Upload, est.ETAs.BulkLoad)
		}
	}

	if anyFailed {
		return exitFailed
	}
	return exitSuccess
}

func runJobs(args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	stateDir := fs.String("state-dir", defaultStateDir(), "job manager state directory")
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: snowbatch jobs <list|clean>")
		return exitConfigInvalid
	}
	sub := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return exitConfigInvalid
	}

	store, err := jobs.NewStore(*stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open job store: %v\n", err)
		return exitConfigInvalid
	}
	if herr := store.HealthCheck(); herr != nil {
		fmt.Fprintf(os.Stderr, "job health check: %v\n", herr)
	}

	switch sub {
	case "list":
		list, lerr := store.List()
		if lerr != nil {
			fmt.Fprintf(os.Stderr, "list jobs: %v\n", lerr)
			return exitFailed
		}
		for _, j := range list {
			end := "-"
			if j.EndTime != nil {
				end = j.EndTime.Format(time.RFC3339)
			}
			fmt.Printf("%s\t%s\t%s\tstart=%s end=%s pid=%d\n", j.ID, j.Name, j.Status, j.StartTime.Format(time.RFC3339), end, j.PID)
		}
		return exitSuccess
	case "clean":
		removed, cerr := store.CleanCompleted()
		if cerr != nil {
			fmt.Fprintf(os.Stderr, "clean jobs: %v\n", cerr)
			return exitFailed
		}
		fmt.Printf("removed %d completed job(s)\n", removed)
		return exitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown jobs subcommand %q\n", sub)
		return exitConfigInvalid
	}
}

func newValidator(ctx context.Context, manifest *config.Manifest, log zerolog.Logger) (*validator.Validator, func(), error) {
	session, err := warehouse.Connect(ctx, manifest.Connection, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	cache := validator.NewMetadataCache()
	if err := cache.Load(ctx, session, manifest.Connection.Database, manifest.Connection.Schema); err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("load metadata cache: %w", err)
	}

	v := validator.New(session, cache)
	return v, func() { session.Close() }, nil
}

func printValidationReport(r validator.Report) {
	fmt.Printf("table=%s valid=%v unique_dates=%d total_rows=%d observed=[%s, %s]\n",
		r.Table, r.Valid, r.UniqueDates, r.TotalRows, r.ObservedStart, r.ObservedEnd)
	if len(r.Gaps) > 0 {
		fmt.Printf("gaps=%v\n", r.Gaps)
	}
	for _, a := range r.Anomalies {
		if a.Severity == validator.Normal {
			continue
		}
		fmt.Printf("anomaly: date=%s count=%d severity=%s\n", a.Date, a.Count, a.Severity)
	}
	for _, reason := range r.FailureReasons {
		fmt.Printf("failure_reason: %s\n", reason)
	}
}

func findSpec(manifest *config.Manifest, table string) (config.FileSpec, bool) {
	for _, spec := range manifest.Files {
		if spec.TableName == table {
			return spec, true
		}
	}
	return config.FileSpec{}, false
}

func splitTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolvePeriods parses a comma-separated period flag, or — when empty
// — discovers every period present on disk across the manifest's
// FileSpecs, per the "empty period means all data" resolution.
func resolvePeriods(raw, basePath string, manifest *config.Manifest) ([]catalog.Period, error) {
	if strings.TrimSpace(raw) == "" {
		return discoverAllPeriods(basePath, manifest)
	}

	tokens := splitTrim(raw)
	periods := make([]catalog.Period, 0, len(tokens))
	for _, tok := range tokens {
		p, err := parsePeriodToken(tok)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, nil
}

func parsePeriodToken(token string) (catalog.Period, error) {
	if p, err := catalog.ParseMonth(token); err == nil {
		return p, nil
	}
	if p, err := catalog.ParseDateRange(token); err == nil {
		return p, nil
	}
	return catalog.Period{}, fmt.Errorf("invalid period token %q: expected YYYY-MM or YYYYMMDD-YYYYMMDD", token)
}

func discoverAllPeriods(basePath string, manifest *config.Manifest) ([]catalog.Period, error) {
	resolver := catalog.NewResolver()
	seen := map[string]catalog.Period{}
	for _, spec := range manifest.Files {
		resolved, err := resolver.Resolve(basePath, spec, nil)
		if err != nil {
			if errors.Is(err, catalog.ErrNoFilesMatched) {
				continue
			}
			return nil, fmt.Errorf("resolve %s: %w", spec.TableName, err)
		}
		for _, rf := range resolved {
			seen[rf.Period.String()] = rf.Period
		}
	}

	periods := make([]catalog.Period, 0, len(seen))
	for _, p := range seen {
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Start.Before(periods[j].Start) })
	return periods, nil
}
