package compressutil

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestCompressProducesReadableGzip(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "data.tsv")
	content := strings.Repeat("2024-01-01\ta\tv\n", 1000)
	if err := os.WriteFile(input, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var calls int
	var total int64
	outPath, err := Compress(input, func(delta int64) {
		calls++
		total += delta
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outPath != input+".gz" {
		t.Errorf("expected sibling .gz path, got %s", outPath)
	}
	if calls == 0 {
		t.Error("expected at least one progress callback")
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("unexpected error opening gzip reader: %v", err)
	}
	defer gr.Close()

	got, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("unexpected error reading decompressed content: %v", err)
	}
	if string(got) != content {
		t.Error("decompressed content does not match original")
	}

	info, err := os.Stat(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if total != info.Size() {
		t.Errorf("sum of progress deltas %d does not match final file size %d", total, info.Size())
	}
}

func TestCompressMissingInputLeavesNoPartialOutput(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "nope.tsv")

	if _, err := Compress(missing, nil); err == nil {
		t.Fatal("expected error for missing input")
	}
	if _, err := os.Stat(missing + ".gz"); !os.IsNotExist(err) {
		t.Error("expected no partial output file for a missing input")
	}
}
