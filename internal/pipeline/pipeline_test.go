package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snowbatch/snowbatch/internal/catalog"
	"github.com/snowbatch/snowbatch/internal/config"
	"github.com/snowbatch/snowbatch/internal/metrics"
	"github.com/snowbatch/snowbatch/internal/progressbus"
	"github.com/snowbatch/snowbatch/internal/warehouse"
)

type fakeSession struct {
	stagePutCalls     int
	stageCleanupCalls int
	bulkLoadCalls     int
	loadResult        warehouse.LoadResult
	bulkLoadErr       error
}

func (f *fakeSession) StagePut(ctx context.Context, localPath, stageRef string) error {
	f.stagePutCalls++
	return nil
}

func (f *fakeSession) StageCleanup(ctx context.Context, stageRef, pattern string) error {
	f.stageCleanupCalls++
	return nil
}

func (f *fakeSession) WarehouseSize(ctx context.Context, warehouseName string) (string, error) {
	return "Large", nil
}

func (f *fakeSession) BulkLoad(ctx context.Context, stageRef, table string, opts warehouse.BulkLoadOptions) (warehouse.LoadResult, error) {
	f.bulkLoadCalls++
	if f.bulkLoadErr != nil {
		return warehouse.LoadResult{}, f.bulkLoadErr
	}
	return f.loadResult, nil
}

func writeDataFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write data file: %v", err)
	}
	return path
}

func testSpec() config.FileSpec {
	return config.FileSpec{
		FilePattern:     "orders_{month}.tsv",
		TableName:       "orders",
		FileFormat:      config.FormatTSV,
		ExpectedColumns: []string{"id", "name"},
	}
}

func testPeriod(t *testing.T) catalog.Period {
	t.Helper()
	p, err := catalog.ParseMonth("2026-07")
	if err != nil {
		t.Fatalf("parse month: %v", err)
	}
	return p
}

func TestRunHappyPathSkipsQC(t *testing.T) {
	dir := t.TempDir()
	path := writeDataFile(t, dir, "orders_2026-07.tsv", "1\tFoo\n2\tBar\n")

	rf := catalog.ResolvedFile{Spec: testSpec(), Path: path, Period: testPeriod(t)}

	session := &fakeSession{loadResult: warehouse.LoadResult{RowsLoaded: 2}}
	bus := progressbus.New(noopWriter{}, 0, false)
	collector := metrics.NewCollector()

	o := New(session, bus, collector, nil, "db", "schema", "wh", zerolog.Nop())

	err := o.Run(context.Background(), []catalog.ResolvedFile{rf}, Options{SkipQC: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if session.stagePutCalls != 1 {
		t.Errorf("expected 1 stage put call, got %d", session.stagePutCalls)
	}
	if session.bulkLoadCalls != 1 {
		t.Errorf("expected 1 bulk load call, got %d", session.bulkLoadCalls)
	}
	if _, err := os.Stat(path + ".gz"); !os.IsNotExist(err) {
		t.Error("expected compressed temp file to be removed")
	}

	report := collector.Report()
	if report.Verdict != metrics.VerdictSuccessful {
		t.Errorf("expected successful verdict, got %s", report.Verdict)
	}
	if report.RowsLoaded != 2 {
		t.Errorf("expected 2 rows loaded, got %d", report.RowsLoaded)
	}
}

func TestRunQCFailureSkipsLoad(t *testing.T) {
	dir := t.TempDir()
	// Second row has only one column where two are expected.
	path := writeDataFile(t, dir, "orders_2026-07.tsv", "1\tFoo\nbad_row_no_tab\n")

	rf := catalog.ResolvedFile{Spec: testSpec(), Path: path, Period: testPeriod(t)}

	session := &fakeSession{loadResult: warehouse.LoadResult{RowsLoaded: 2}}
	bus := progressbus.New(noopWriter{}, 0, true)
	collector := metrics.NewCollector()

	o := New(session, bus, collector, nil, "db", "schema", "wh", zerolog.Nop())

	err := o.Run(context.Background(), []catalog.ResolvedFile{rf}, Options{SkipQC: false, QCWorkers: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if session.stagePutCalls != 0 {
		t.Errorf("expected no stage put call after QC failure, got %d", session.stagePutCalls)
	}
	if session.bulkLoadCalls != 0 {
		t.Errorf("expected no bulk load call after QC failure, got %d", session.bulkLoadCalls)
	}

	report := collector.Report()
	if report.Verdict != metrics.VerdictFailed {
		t.Errorf("expected failed verdict, got %s", report.Verdict)
	}
	if report.Files[0].Outcome != metrics.OutcomeQCFailed {
		t.Errorf("expected QC_FAILED outcome, got %s", report.Files[0].Outcome)
	}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
