package progressbus

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

var errInjectedForTest = errors.New("copy into failed: timeout")

func TestPerRunLineCount(t *testing.T) {
	if got := PerRunLineCount(true); got != 5 {
		t.Errorf("expected 5 lines with QC active, got %d", got)
	}
	if got := PerRunLineCount(false); got != 4 {
		t.Errorf("expected 4 lines without QC, got %d", got)
	}
}

func TestResetReusesBarInPlace(t *testing.T) {
	var buf bytes.Buffer
	b := New(&buf, 0, false)

	b.Reset(StageCompress, "file_a.tsv.gz", 100)
	b.Increment(StageCompress, 40)

	if got := b.describe(StageCompress); got != "file_a.tsv.gz" {
		t.Errorf("expected description file_a.tsv.gz, got %q", got)
	}

	b.Reset(StageCompress, "file_b.tsv.gz", 200)
	if got := b.describe(StageCompress); got != "file_b.tsv.gz" {
		t.Errorf("expected description reset to file_b.tsv.gz, got %q", got)
	}
	if b.state[StageCompress].current != 0 {
		t.Errorf("expected current reset to 0, got %d", b.state[StageCompress].current)
	}
	if b.state[StageCompress].total != 200 {
		t.Errorf("expected total reset to 200, got %d", b.state[StageCompress].total)
	}

	if _, ok := b.bars[StageQCRows]; ok {
		t.Error("expected no qc_rows bar when qcActive is false")
	}
}

func TestWorkerStatusSnapshot(t *testing.T) {
	var buf bytes.Buffer
	b := New(&buf, 0, false)

	b.SetPeriod("2026-01")
	b.Reset(StageFiles, "orders_2026-01.tsv.gz", 1)
	b.Reset(StageCopy, "copy", 1000)
	b.Increment(StageCopy, 250)

	ws := b.WorkerStatus()
	if ws.Period != "2026-01" {
		t.Errorf("expected period 2026-01, got %q", ws.Period)
	}
	if ws.CurrentFile != "orders_2026-01.tsv.gz" {
		t.Errorf("expected current file orders_2026-01.tsv.gz, got %q", ws.CurrentFile)
	}
	if ws.ItemsWritten != 250 {
		t.Errorf("expected 250 items written, got %d", ws.ItemsWritten)
	}
	if ws.LastError != "" {
		t.Errorf("expected no last error, got %q", ws.LastError)
	}

	b.RecordError(errInjectedForTest)
	if got := b.WorkerStatus().LastError; got != errInjectedForTest.Error() {
		t.Errorf("expected last error %q, got %q", errInjectedForTest.Error(), got)
	}

	b.RecordError(nil)
	if got := b.WorkerStatus().LastError; got != errInjectedForTest.Error() {
		t.Errorf("RecordError(nil) should not clear the last error, got %q", got)
	}
}

func TestWithPositionOffsetPadsBlankLines(t *testing.T) {
	var buf bytes.Buffer
	w := WithPositionOffset(&buf, 3)
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := buf.String()
	if strings.Count(out, "\n") < 3 {
		t.Errorf("expected at least 3 leading newlines, got %q", out)
	}
	if !strings.HasSuffix(out, "hello") {
		t.Errorf("expected output to end with hello, got %q", out)
	}
}

func TestWithPositionOffsetZeroIsNoop(t *testing.T) {
	var buf bytes.Buffer
	w := WithPositionOffset(&buf, 0)
	if w != io.Writer(&buf) {
		t.Error("expected zero offset to return the writer unchanged")
	}
}
