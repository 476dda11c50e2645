package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snowbatch/snowbatch/internal/catalog"
	"github.com/snowbatch/snowbatch/internal/config"
	"github.com/snowbatch/snowbatch/internal/warehouse"
)

type fakeSession struct {
	mu            sync.Mutex
	bulkLoadCalls int
	failBulkLoad  bool
}

func (f *fakeSession) StagePut(ctx context.Context, localPath, stageRef string) error { return nil }

func (f *fakeSession) StageCleanup(ctx context.Context, stageRef, pattern string) error { return nil }

func (f *fakeSession) WarehouseSize(ctx context.Context, warehouseName string) (string, error) {
	return "Large", nil
}

func (f *fakeSession) BulkLoad(ctx context.Context, stageRef, table string, opts warehouse.BulkLoadOptions) (warehouse.LoadResult, error) {
	f.mu.Lock()
	f.bulkLoadCalls++
	fail := f.failBulkLoad
	f.mu.Unlock()
	if fail {
		return warehouse.LoadResult{}, errors.New("bulk load refused")
	}
	return warehouse.LoadResult{RowsLoaded: 1}, nil
}

func (f *fakeSession) Exec(ctx context.Context, query string, bindings ...any) (*sql.Rows, error) {
	return nil, errors.New("fakeSession: Exec not supported in this test")
}

func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bulkLoadCalls
}

func connectorFor(session *fakeSession) Connector {
	return func(ctx context.Context, cfg config.ConnectionSpec, log zerolog.Logger) (Session, error) {
		return session, nil
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func testManifest() *config.Manifest {
	return &config.Manifest{
		Connection: config.ConnectionSpec{
			Account: "acct", User: "u", Password: "p",
			Warehouse: "wh", Database: "db", Schema: "sch",
		},
		Files: []config.FileSpec{
			{
				FilePattern:     "orders_{month}.tsv",
				TableName:       "orders",
				FileFormat:      config.FormatTSV,
				ExpectedColumns: []string{"id", "name"},
			},
		},
	}
}

func TestPerRunWorkers(t *testing.T) {
	tests := []struct {
		name     string
		explicit int
		parallel int
		want     int
	}{
		{"explicit evenly divides", 8, 4, 2},
		{"explicit floors to at least one", 3, 8, 1},
		{"explicit with parallel one", 5, 1, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := perRunWorkers(tt.explicit, tt.parallel)
			if got != tt.want {
				t.Errorf("perRunWorkers(%d, %d) = %d, want %d", tt.explicit, tt.parallel, got, tt.want)
			}
		})
	}
}

func TestRunRejectsCollidingTables(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders_2026-07.tsv", "1\tFoo\n")
	writeFile(t, dir, "orders_20260715-20260720.tsv", "2\tBar\n")

	manifest := &config.Manifest{
		Connection: testManifest().Connection,
		Files: []config.FileSpec{
			{FilePattern: "orders_{month}.tsv", TableName: "orders", FileFormat: config.FormatTSV, ExpectedColumns: []string{"id", "name"}},
			{FilePattern: "orders_{date_range}.tsv", TableName: "orders", FileFormat: config.FormatTSV, ExpectedColumns: []string{"id", "name"}},
		},
	}

	month, err := catalog.ParseMonth("2026-07")
	if err != nil {
		t.Fatalf("parse month: %v", err)
	}
	dateRange, err := catalog.ParseDateRange("20260715-20260720")
	if err != nil {
		t.Fatalf("parse date range: %v", err)
	}

	s := New(connectorFor(&fakeSession{}), catalog.NewResolver(), zerolog.Nop())
	_, err = s.Run(context.Background(), manifest, dir, []catalog.Period{month, dateRange}, Options{Parallel: 2})
	if err == nil {
		t.Fatal("expected collision error")
	}
	if !errors.Is(err, config.ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestRunSuccessfulAcrossPeriods(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders_2026-06.tsv", "1\tFoo\n")
	writeFile(t, dir, "orders_2026-07.tsv", "2\tBar\n")

	june, err := catalog.ParseMonth("2026-06")
	if err != nil {
		t.Fatalf("parse month: %v", err)
	}
	july, err := catalog.ParseMonth("2026-07")
	if err != nil {
		t.Fatalf("parse month: %v", err)
	}

	session := &fakeSession{}
	s := New(connectorFor(session), catalog.NewResolver(), zerolog.Nop())

	summary, err := s.Run(context.Background(), testManifest(), dir, []catalog.Period{june, july}, Options{
		Parallel: 2,
		SkipQC:   true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Verdict != "successful" {
		t.Errorf("expected successful verdict, got %s", summary.Verdict)
	}
	if len(summary.Runs) != 2 {
		t.Fatalf("expected 2 run outcomes, got %d", len(summary.Runs))
	}
	if session.calls() != 2 {
		t.Errorf("expected 2 bulk load calls, got %d", session.calls())
	}
	if statuses := s.WorkerStatuses(); len(statuses) != 0 {
		t.Errorf("expected no in-flight worker statuses once Run has returned, got %d", len(statuses))
	}
}

func TestRunAbortsRemainingWhenSequentialAndContinueOnErrorFalse(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders_2026-06.tsv", "1\tFoo\n")
	writeFile(t, dir, "orders_2026-07.tsv", "2\tBar\n")

	june, err := catalog.ParseMonth("2026-06")
	if err != nil {
		t.Fatalf("parse month: %v", err)
	}
	july, err := catalog.ParseMonth("2026-07")
	if err != nil {
		t.Fatalf("parse month: %v", err)
	}

	session := &fakeSession{failBulkLoad: true}
	s := New(connectorFor(session), catalog.NewResolver(), zerolog.Nop())

	summary, err := s.Run(context.Background(), testManifest(), dir, []catalog.Period{june, july}, Options{
		Parallel:        1,
		SkipQC:          true,
		ContinueOnError: false,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Verdict == "successful" {
		t.Error("expected a non-successful verdict")
	}
	if session.calls() != 1 {
		t.Errorf("expected the second period to be aborted after the first failure, got %d bulk load calls", session.calls())
	}
}

func TestRunContinuesOnErrorWhenRequested(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders_2026-06.tsv", "1\tFoo\n")
	writeFile(t, dir, "orders_2026-07.tsv", "2\tBar\n")

	june, err := catalog.ParseMonth("2026-06")
	if err != nil {
		t.Fatalf("parse month: %v", err)
	}
	july, err := catalog.ParseMonth("2026-07")
	if err != nil {
		t.Fatalf("parse month: %v", err)
	}

	session := &fakeSession{failBulkLoad: true}
	s := New(connectorFor(session), catalog.NewResolver(), zerolog.Nop())

	summary, err := s.Run(context.Background(), testManifest(), dir, []catalog.Period{june, july}, Options{
		Parallel:        1,
		SkipQC:          true,
		ContinueOnError: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Verdict != "failed" {
		t.Errorf("expected failed verdict, got %s", summary.Verdict)
	}
	if session.calls() != 2 {
		t.Errorf("expected both periods attempted, got %d bulk load calls", session.calls())
	}
}
