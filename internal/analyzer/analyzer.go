// Package analyzer estimates a file's size, row count and per-stage
// processing time before it enters the pipeline, and detects its
// delimited format when the manifest leaves that to AUTO.
package analyzer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/snowbatch/snowbatch/internal/config"
)

const (
	sampleBufSize   = 8 << 20 // 8 MiB
	exactCountLimit = 500 << 20 // 500 MiB: above this, row count is sampled
	minSampleLines  = 10
)

// static processing rates used to turn a volume estimate into an ETA.
// These are display aids only; they drive no pass/fail decision.
const (
	rowsPerSecCounting = 500_000
	rowsPerSecQC       = 50_000
	bytesPerSecCompress = 25 << 20
	bytesPerSecUpload   = 5 << 20
	rowsPerSecBulkLoad  = 100_000
)

// StageETAs breaks an estimate down into the wall-time each downstream
// stage is expected to take, for progress-bar display purposes only.
type StageETAs struct {
	RowCount time.Duration
	QC       time.Duration
	Compress time.Duration
	Upload   time.Duration
	BulkLoad time.Duration
}

// FileEstimate is the immutable result of analyzing one file.
type FileEstimate struct {
	Bytes     int64
	Rows      int64
	Sampled   bool // true when Rows was estimated rather than counted exactly
	ETAs      StageETAs
}

// Estimate stats path and derives its row count, exactly for files up
// to 500 MiB and by sampling above that threshold.
func Estimate(path string, spec config.FileSpec) (FileEstimate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileEstimate{}, fmt.Errorf("analyzer: stat %s: %w", path, err)
	}

	var rows int64
	var sampled bool
	if info.Size() <= exactCountLimit {
		rows, err = countNewlinesExact(path)
		if err != nil {
			return FileEstimate{}, err
		}
	} else {
		rows, sampled, err = estimateRowsBySampling(path, info.Size())
		if err != nil {
			return FileEstimate{}, err
		}
		if !sampled {
			// Every sample was too sparse to trust; fall back to an exact count.
			rows, err = countNewlinesExact(path)
			if err != nil {
				return FileEstimate{}, err
			}
		}
	}

	return FileEstimate{
		Bytes:   info.Size(),
		Rows:    rows,
		Sampled: sampled,
		ETAs:    etasFor(info.Size(), rows),
	}, nil
}

func etasFor(size, rows int64) StageETAs {
	return StageETAs{
		RowCount: secs(float64(rows) / rowsPerSecCounting),
		QC:       secs(float64(rows) / rowsPerSecQC),
		Compress: secs(float64(size) / bytesPerSecCompress),
		Upload:   secs(float64(size) / bytesPerSecUpload),
		BulkLoad: secs(float64(rows) / rowsPerSecBulkLoad),
	}
}

func secs(s float64) time.Duration {
	if s < 0 {
		s = 0
	}
	return time.Duration(s * float64(time.Second))
}

func countNewlinesExact(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("analyzer: open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, sampleBufSize)
	var count int64
	for {
		n, err := f.Read(buf)
		count += int64(bytes.Count(buf[:n], []byte{'\n'}))
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("analyzer: read %s: %w", path, err)
		}
	}
	return count, nil
}

// estimateRowsBySampling reads three 8 MiB windows at roughly 5%, 50%
// and 95% offsets, and extrapolates a row count from the mean
// bytes-per-newline ratio observed across samples with enough
// newlines to trust.
func estimateRowsBySampling(path string, size int64) (rows int64, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("analyzer: open %s: %w", path, err)
	}
	defer f.Close()

	offsets := []int64{
		int64(float64(size) * 0.05),
		int64(float64(size) * 0.50),
		int64(float64(size) * 0.95),
	}

	var totalBytes int64
	var totalNewlines int64
	trusted := 0

	buf := make([]byte, sampleBufSize)
	for _, off := range offsets {
		if off+int64(len(buf)) > size {
			off = size - int64(len(buf))
		}
		if off < 0 {
			off = 0
		}
		n, rerr := f.ReadAt(buf, off)
		if rerr != nil && rerr != io.EOF {
			return 0, false, fmt.Errorf("analyzer: sample %s: %w", path, rerr)
		}
		newlines := bytes.Count(buf[:n], []byte{'\n'})
		if newlines < minSampleLines {
			continue
		}
		trusted++
		totalBytes += int64(n)
		totalNewlines += int64(newlines)
	}

	if trusted == 0 || totalNewlines == 0 {
		return 0, false, nil
	}

	meanBytesPerNewline := float64(totalBytes) / float64(totalNewlines)
	return int64(float64(size) / meanBytesPerNewline), true, nil
}

// ErrFormatDetectFailed is returned when AUTO format detection cannot
// settle on a confident delimiter from the sampled lines.
var ErrFormatDetectFailed = fmt.Errorf("analyzer: could not detect file format")

var candidateDelimiters = []byte{',', '\t', '|', ';'}

// DetectFormat resolves an AUTO FileSpec's effective format for path.
// It first consults the file extension; if that is ambiguous it
// samples the first 10 non-blank lines and picks the delimiter with
// the lowest variance in field count across lines, provided every
// sampled line has at least two fields under that delimiter.
func DetectFormat(path string) (config.FileFormat, byte, error) {
	switch ext(path) {
	case ".csv":
		return config.FormatCSV, ',', nil
	case ".tsv":
		return config.FormatTSV, '\t', nil
	}

	lines, err := sampleLines(path, 10)
	if err != nil {
		return "", 0, err
	}
	if len(lines) == 0 {
		return "", 0, ErrFormatDetectFailed
	}

	bestDelim := byte(0)
	bestVariance := -1.0
	found := false

	for _, d := range candidateDelimiters {
		counts := make([]int, len(lines))
		minFields := -1
		for i, line := range lines {
			n := bytes.Count([]byte(line), []byte{d}) + 1
			counts[i] = n
			if minFields == -1 || n < minFields {
				minFields = n
			}
		}
		if minFields < 2 {
			continue
		}
		v := variance(counts)
		if !found || v < bestVariance {
			bestVariance = v
			bestDelim = d
			found = true
		}
	}

	if !found {
		return "", 0, ErrFormatDetectFailed
	}

	format := config.FormatTSV
	if bestDelim == ',' {
		format = config.FormatCSV
	}
	return format, bestDelim, nil
}

func variance(counts []int) float64 {
	if len(counts) == 0 {
		return 0
	}
	var sum int
	for _, c := range counts {
		sum += c
	}
	mean := float64(sum) / float64(len(counts))
	var acc float64
	for _, c := range counts {
		d := float64(c) - mean
		acc += d * d
	}
	return acc / float64(len(counts))
}

func sampleLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("analyzer: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var lines []string
	for scanner.Scan() && len(lines) < n {
		line := scanner.Text()
		if len(bytes.TrimSpace([]byte(line))) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("analyzer: scan %s: %w", path, err)
	}
	return lines, nil
}

func ext(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return lower(path[i:])
		}
	}
	return ""
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
