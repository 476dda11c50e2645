// Package metrics collects per-run counters and produces the
// RunReport emitted at the end of a scheduler invocation, optionally
// archived to S3.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Outcome is one ResolvedFile's terminal state within a run.
type Outcome string

const (
	OutcomeDone              Outcome = "DONE"
	OutcomeAnalyzeFailed     Outcome = "ANALYZE_FAILED"
	OutcomeQCFailed          Outcome = "QC_FAILED"
	OutcomeCompressFailed    Outcome = "COMPRESS_FAILED"
	OutcomeStageUploadFailed Outcome = "STAGE_UPLOAD_FAILED"
	OutcomeBulkLoadFailed    Outcome = "BULK_LOAD_FAILED"
	OutcomeValidationFailed  Outcome = "VALIDATION_FAILED"
	OutcomeCancelled         Outcome = "CANCELLED"
)

// FileOutcome is one file's contribution to the run-level report.
type FileOutcome struct {
	Path             string        `json:"path"`
	Table            string        `json:"table"`
	Period           string        `json:"period"`
	Outcome          Outcome       `json:"outcome"`
	Error            string        `json:"error,omitempty"`
	BytesRead        int64         `json:"bytes_read"`
	RowsScanned      int64         `json:"rows_scanned"`
	RowsLoaded       int64         `json:"rows_loaded"`
	CompressDuration time.Duration `json:"compress_duration"`
	UploadDuration   time.Duration `json:"upload_duration"`
}

// Verdict is the period-level roll-up verdict.
type Verdict string

const (
	VerdictSuccessful Verdict = "successful"
	VerdictFailed     Verdict = "failed"
	VerdictPartial    Verdict = "partial"
)

// Collector accumulates counters for one pipeline run using atomics,
// so concurrent per-file goroutines can report without a shared lock
// on the hot path.
type Collector struct {
	mu      sync.Mutex
	files   []FileOutcome
	startAt time.Time

	bytesRead   int64
	rowsScanned int64
	rowsLoaded  int64
}

// NewCollector starts a collector with the current time as its start.
func NewCollector() *Collector {
	return &Collector{startAt: time.Now()}
}

// RecordFile appends one file's outcome and folds its counters into
// the run-level totals.
func (c *Collector) RecordFile(fo FileOutcome) {
	atomic.AddInt64(&c.bytesRead, fo.BytesRead)
	atomic.AddInt64(&c.rowsScanned, fo.RowsScanned)
	atomic.AddInt64(&c.rowsLoaded, fo.RowsLoaded)

	c.mu.Lock()
	c.files = append(c.files, fo)
	c.mu.Unlock()
}

// RunReport is the period-level roll-up produced at the end of a run:
// per-file outcomes, aggregate counters, and a final verdict.
type RunReport struct {
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	BytesRead   int64         `json:"bytes_read"`
	RowsScanned int64         `json:"rows_scanned"`
	RowsLoaded  int64         `json:"rows_loaded"`
	Files       []FileOutcome `json:"files"`
	Verdict     Verdict       `json:"verdict"`
}

// Report finalizes the collector into a RunReport. The verdict is
// "successful" when every file reached DONE, "failed" when none did,
// and "partial" otherwise.
func (c *Collector) Report() RunReport {
	c.mu.Lock()
	files := make([]FileOutcome, len(c.files))
	copy(files, c.files)
	c.mu.Unlock()

	end := time.Now()

	var succeeded, failed int
	for _, f := range files {
		if f.Outcome == OutcomeDone {
			succeeded++
		} else {
			failed++
		}
	}

	var verdict Verdict
	switch {
	case failed == 0:
		verdict = VerdictSuccessful
	case succeeded == 0:
		verdict = VerdictFailed
	default:
		verdict = VerdictPartial
	}

	return RunReport{
		StartTime:   c.startAt,
		EndTime:     end,
		Duration:    end.Sub(c.startAt),
		BytesRead:   atomic.LoadInt64(&c.bytesRead),
		RowsScanned: atomic.LoadInt64(&c.rowsScanned),
		RowsLoaded:  atomic.LoadInt64(&c.rowsLoaded),
		Files:       files,
		Verdict:     verdict,
	}
}

// MarshalJSON renders durations as their string form for readability
// in the archived JSON report.
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String renders a human-readable summary for stdout.
func (r RunReport) String() string {
	return fmt.Sprintf(
		"Run %s in %s\nFiles: %d\nBytes read: %d\nRows scanned: %d\nRows loaded: %d",
		r.Verdict, r.Duration, len(r.Files), r.BytesRead, r.RowsScanned, r.RowsLoaded,
	)
}
