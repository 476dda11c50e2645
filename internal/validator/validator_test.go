package validator

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/snowbatch/snowbatch/internal/catalog"
)

// fakeDriver answers a fixed sequence of queries with canned rows,
// in call order, regardless of the query text. It exists only to
// exercise the scanning logic in this package without a live
// Snowflake connection.
type fakeDriver struct {
	mu      sync.Mutex
	cols    [][]string
	queue   [][][]driver.Value
	callIdx int
}

func (d *fakeDriver) Open(name string) (driver.Conn, error) { return &fakeConn{d: d}, nil }

type fakeConn struct{ d *fakeDriver }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) { return &fakeStmt{c: c}, nil }
func (c *fakeConn) Close() error                              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)                 { return nil, fmt.Errorf("not supported") }

type fakeStmt struct{ c *fakeConn }

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }
func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return nil, fmt.Errorf("not supported")
}
func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	d := s.c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.callIdx
	d.callIdx++
	if idx >= len(d.queue) {
		return nil, fmt.Errorf("no more fake rows queued at call %d", idx)
	}
	return &fakeRows{cols: d.cols[idx], rows: d.queue[idx]}, nil
}

type fakeRows struct {
	cols []string
	rows [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

var registerSeq int
var registerMu sync.Mutex

func newFakeExecutor(t *testing.T, d *fakeDriver) *dbExecutor {
	t.Helper()
	registerMu.Lock()
	registerSeq++
	name := fmt.Sprintf("fakevalidator%d", registerSeq)
	registerMu.Unlock()
	sql.Register(name, d)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open fake db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &dbExecutor{db: db}
}

type dbExecutor struct{ db *sql.DB }

func (e *dbExecutor) Exec(ctx context.Context, query string, bindings ...any) (*sql.Rows, error) {
	return e.db.QueryContext(ctx, query, bindings...)
}

func TestMetadataCacheLoadAndHas(t *testing.T) {
	d := &fakeDriver{
		cols: [][]string{{"TABLE_NAME", "COLUMN_NAME"}},
		queue: [][][]driver.Value{
			{
				{"SALES", "D"},
				{"SALES", "A"},
				{"SALES", "V"},
			},
		},
	}
	exec := newFakeExecutor(t, d)

	cache := NewMetadataCache()
	if err := cache.Load(context.Background(), exec, "MYDB", "PUBLIC"); err != nil {
		t.Fatalf("load: %v", err)
	}

	if !cache.HasTable("SALES") {
		t.Error("expected SALES to be known")
	}
	if cache.HasTable("OTHER") {
		t.Error("expected OTHER to be unknown")
	}
	if !cache.HasColumn("SALES", "D") {
		t.Error("expected SALES.D to be known")
	}
	if cache.HasColumn("SALES", "Z") {
		t.Error("expected SALES.Z to be unknown")
	}
}

func TestValidateIdentifierUnknown(t *testing.T) {
	cache := NewMetadataCache()
	v := New(nil, cache)

	_, err := v.Validate(context.Background(), "DB", "PUBLIC", "SALES", "D", nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown table")
	}
}

func TestValidateDateCompletenessReportsGap(t *testing.T) {
	d := &fakeDriver{
		cols: [][]string{
			{"min", "max", "unique", "total"},
			{"d", "cnt"},
		},
		queue: [][][]driver.Value{
			{{"2024-01-01", "2024-01-31", int64(30), int64(3000)}},
			func() [][]driver.Value {
				var rows [][]driver.Value
				for day := 1; day <= 31; day++ {
					if day == 15 {
						continue
					}
					rows = append(rows, []driver.Value{fmt.Sprintf("2024-01-%02d", day), int64(100)})
				}
				return rows
			}(),
		},
	}
	exec := newFakeExecutor(t, d)

	cache := NewMetadataCache()
	cache.columns = map[string]map[string]bool{
		"SALES": {"D": true, "A": true, "V": true},
	}

	v := New(exec, cache)
	period := catalog.Period{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}

	report, err := v.Validate(context.Background(), "DB", "PUBLIC", "SALES", "D", &period, nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	if len(report.Gaps) != 1 || report.Gaps[0] != "2024-01-15" {
		t.Errorf("expected gap 2024-01-15, got %v", report.Gaps)
	}
	if report.Valid {
		t.Error("expected invalid verdict when a gap is present")
	}
	if len(report.FailureReasons) != 1 || report.FailureReasons[0] != "1 date(s) missing" {
		t.Errorf("unexpected failure reasons: %v", report.FailureReasons)
	}
}

func TestClassifyAnomaly(t *testing.T) {
	tests := []struct {
		name           string
		mean, q1, q3   float64
		count          int64
		wantSeverity   Severity
	}{
		{"severely low", 48000, 90, 110, 12, SeverelyLow},
		{"low", 1000, 900, 1100, 400, Low},
		{"normal", 1000, 900, 1100, 1000, Normal},
		{"outlier high", 1000, 950, 1050, 5000, OutlierHigh},
		{"outlier low via iqr", 1000, 950, 1050, 700, OutlierLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyAnomaly(tt.mean, tt.q1, tt.q3, tt.count)
			if got != tt.wantSeverity {
				t.Errorf("classifyAnomaly(%v,%v,%v,%d) = %s, want %s", tt.mean, tt.q1, tt.q3, tt.count, got, tt.wantSeverity)
			}
		})
	}
}

func TestClassifyAnomalyIsTotal(t *testing.T) {
	for c := int64(0); c < 2000; c += 37 {
		got := classifyAnomaly(1000, 900, 1100, c)
		if got == "" {
			t.Fatalf("classifyAnomaly(%d) returned empty severity", c)
		}
	}
}

func TestClassifyDuplicateSeverity(t *testing.T) {
	tests := []struct {
		name                   string
		excess, total, maxGrp  int64
		want                   DuplicateSeverity
	}{
		{"below medium", 1, 1000, 2, DupLow},
		{"medium by ratio", 15, 1000, 2, DupMedium},
		{"medium by group size", 1, 1000, 11, DupMedium},
		{"high by ratio", 60, 1000, 2, DupHigh},
		{"critical by group size", 1, 1000, 150, DupCritical},
		{"critical by ratio", 150, 1000, 2, DupCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyDuplicateSeverity(tt.excess, tt.total, tt.maxGrp)
			if got != tt.want {
				t.Errorf("classifyDuplicateSeverity(%d,%d,%d) = %s, want %s", tt.excess, tt.total, tt.maxGrp, got, tt.want)
			}
		})
	}
}

func TestComputeQuartiles(t *testing.T) {
	mean, q1, q3 := computeQuartiles([]int64{10, 20, 30, 40, 50})
	if mean != 30 {
		t.Errorf("expected mean 30, got %v", mean)
	}
	if q1 <= 0 || q3 <= q1 {
		t.Errorf("expected q1 < q3, got q1=%v q3=%v", q1, q3)
	}
}

func TestGapsFromSamples(t *testing.T) {
	period := catalog.Period{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
	}
	counts := map[string]int64{"2024-01-01": 10, "2024-01-03": 10}
	gaps := gapsFromSamples(counts, period)
	if len(gaps) != 1 || gaps[0] != "2024-01-02" {
		t.Errorf("expected gap 2024-01-02, got %v", gaps)
	}
}
