package analyzer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/snowbatch/snowbatch/internal/config"
)

func writeTestFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.tsv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEstimateExactCount(t *testing.T) {
	rows := 1000
	var b strings.Builder
	for i := 0; i < rows; i++ {
		b.WriteString("a\tb\tc\n")
	}
	path := writeTestFile(t, b.String())

	spec := config.FileSpec{FileFormat: config.FormatTSV}
	est, err := Estimate(path, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if est.Sampled {
		t.Error("expected exact count for small file")
	}
	if est.Rows != int64(rows) {
		t.Errorf("expected %d rows, got %d", rows, est.Rows)
	}
}

func TestEstimateETAsAreNonNegative(t *testing.T) {
	path := writeTestFile(t, "a\tb\tc\n")
	spec := config.FileSpec{FileFormat: config.FormatTSV}
	est, err := Estimate(path, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if est.ETAs.Compress < 0 || est.ETAs.Upload < 0 || est.ETAs.QC < 0 {
		t.Error("expected non-negative ETAs")
	}
}

func TestDetectFormatByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(path, []byte("a,b,c\n1,2,3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	format, delim, err := DetectFormat(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != config.FormatCSV || delim != ',' {
		t.Errorf("expected CSV/',', got %v/%q", format, delim)
	}
}

func TestDetectFormatBySampling(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	content := "a|b|c\n1|2|3\n4|5|6\n7|8|9\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	format, delim, err := DetectFormat(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delim != '|' {
		t.Errorf("expected pipe delimiter, got %q", delim)
	}
	if format != config.FormatTSV {
		t.Errorf("expected non-CSV format label for pipe delimiter, got %v", format)
	}
}

func TestDetectFormatFailsWithNoCandidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	content := "just some words\nwith no delimiters\nat all here\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := DetectFormat(path); err != ErrFormatDetectFailed {
		t.Errorf("expected ErrFormatDetectFailed, got %v", err)
	}
}
