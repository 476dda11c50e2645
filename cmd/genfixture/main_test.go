package main

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/snowbatch/snowbatch/internal/catalog"
	"github.com/snowbatch/snowbatch/internal/config"
)

func testSpec() config.FileSpec {
	return config.FileSpec{
		FilePattern:         "orders_{month}.tsv",
		TableName:           "orders",
		FileFormat:          config.FormatTSV,
		DateColumn:          "order_date",
		ExpectedColumns:     []string{"id", "order_date", "amount"},
		DuplicateKeyColumns: []string{"id"},
	}
}

func TestFilenameMonth(t *testing.T) {
	spec := testSpec()
	spec.Placeholder = config.PlaceholderMonth
	period, err := catalog.ParseMonth("2026-07")
	if err != nil {
		t.Fatalf("parse month: %v", err)
	}

	name, err := filename(spec, period)
	if err != nil {
		t.Fatalf("filename: %v", err)
	}
	if name != "orders_2026-07.tsv" {
		t.Errorf("got %q", name)
	}
}

func TestFilenameDateRange(t *testing.T) {
	spec := testSpec()
	spec.FilePattern = "orders_{date_range}.tsv"
	spec.Placeholder = config.PlaceholderDateRange
	period, err := catalog.ParseDateRange("20260701-20260705")
	if err != nil {
		t.Fatalf("parse date range: %v", err)
	}

	name, err := filename(spec, period)
	if err != nil {
		t.Fatalf("filename: %v", err)
	}
	if name != "orders_20260701-20260705.tsv" {
		t.Errorf("got %q", name)
	}
}

func TestGenerateRowsWritesOneLinePerRow(t *testing.T) {
	dir := t.TempDir()
	spec := testSpec()
	spec.Placeholder = config.PlaceholderMonth
	period, err := catalog.ParseMonth("2026-01")
	if err != nil {
		t.Fatalf("parse month: %v", err)
	}

	f, err := os.Create(filepath.Join(dir, "out.tsv"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	r := rand.New(rand.NewSource(1))
	written, err := generateRows(f, spec, period, 3, r, 0, 0)
	if err != nil {
		t.Fatalf("generateRows: %v", err)
	}

	wantLines := 3 * len(period.Days())
	if written != wantLines {
		t.Errorf("expected %d rows written, got %d", wantLines, written)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out.tsv"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != wantLines {
		t.Fatalf("expected %d lines on disk, got %d", wantLines, len(lines))
	}
	fields := strings.Split(lines[0], "\t")
	if len(fields) != 3 {
		t.Errorf("expected 3 tab-delimited fields, got %d: %q", len(fields), lines[0])
	}
}

func TestGenerateRowsDirtyRateCorruptsSomeRows(t *testing.T) {
	dir := t.TempDir()
	spec := testSpec()
	spec.Placeholder = config.PlaceholderMonth
	period, err := catalog.ParseMonth("2026-01")
	if err != nil {
		t.Fatalf("parse month: %v", err)
	}

	f, err := os.Create(filepath.Join(dir, "out.tsv"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	r := rand.New(rand.NewSource(1))
	if _, err := generateRows(f, spec, period, 50, r, 1.0, 0); err != nil {
		t.Fatalf("generateRows: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out.tsv"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if strings.Contains(line, "\t") {
			t.Fatalf("expected every row corrupted to a single field with dirty-rate 1.0, got %q", line)
		}
	}
}

func TestValueForUsesDateColumn(t *testing.T) {
	spec := testSpec()
	period, err := catalog.ParseMonth("2026-07")
	if err != nil {
		t.Fatalf("parse month: %v", err)
	}
	day := period.Days()[0]

	r := rand.New(rand.NewSource(1))
	got := valueFor(r, spec, "order_date", day, 0)
	if got != "2026-07-01" {
		t.Errorf("expected date-formatted value, got %q", got)
	}
}
