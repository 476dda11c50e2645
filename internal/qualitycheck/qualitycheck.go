// Package qualitycheck streams a delimited file once, checking column
// count, date format and date coverage without ever holding more than
// one chunk of rows in memory. When more than one worker is
// requested, the file is split into newline-aligned byte ranges and
// each range is processed by a separate OS process, since the hot
// path is delimited-text decoding that benefits from process-level
// parallelism rather than shared-memory goroutines.
package qualitycheck

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/snowbatch/snowbatch/internal/catalog"
)

const (
	defaultChunkRows  = 100_000
	maxSamples        = 100
	formatSampleLimit = 100
)

// ErrHardStop is returned only for I/O failures; malformed rows are
// counted in the report, never treated as fatal.
var ErrHardStop = fmt.Errorf("qualitycheck: hard stop")

var nullTokens = map[string]bool{
	"":      true,
	"NULL":  true,
	"null":  true,
	`\N`:    true,
}

var dateLayouts = []string{"2006-01-02", "20060102", "01/02/2006"}

// RowLocation names a single offending row for sample reporting.
type RowLocation struct {
	Path string `json:"path"`
	Line int64  `json:"line"`
}

// Report is the streaming-constructed, final-read-only result of
// checking one file.
type Report struct {
	RowsScanned         int64         `json:"rows_scanned"`
	BadRowsColumnCount  int64         `json:"bad_rows_column_count"`
	BadRowsDateFormat   int64         `json:"bad_rows_date_format"`
	NullDates           int64         `json:"null_dates"`
	DetectedDateLayout  string        `json:"detected_date_layout,omitempty"`
	ColumnCountSamples  []RowLocation `json:"column_count_samples,omitempty"`
	DateFormatSamples   []RowLocation `json:"date_format_samples,omitempty"`
	DatesObserved       []string      `json:"dates_observed,omitempty"`
	Gaps                []string      `json:"gaps,omitempty"`
}

// Options parameterizes a check run.
type Options struct {
	ExpectedColumns int
	DateColumnIndex int // -1 when the file spec has no date column
	Delimiter       byte
	Quote           byte // 0 means unquoted
	Period          catalog.Period
	Workers         int
	ChunkRows       int // 0 uses defaultChunkRows
	// Executable, when set, overrides os.Executable for tests.
	Executable string
}

// Check streams rf.Path once (or, when Options.Workers > 1, in
// parallel chunks handled by worker subprocesses) and returns the
// merged Report.
func Check(ctx context.Context, rf catalog.ResolvedFile, opts Options) (Report, error) {
	if opts.Workers <= 1 {
		rep, err := scanRange(rf.Path, 0, -1, opts)
		if err != nil {
			return Report{}, err
		}
		return finalize(rep, opts.Period), nil
	}

	ranges, err := splitIntoRanges(rf.Path, opts.Workers)
	if err != nil {
		return Report{}, err
	}

	partials := make([]partialReport, len(ranges))
	errs := make([]error, len(ranges))

	type result struct {
		idx int
		rep partialReport
		err error
	}
	results := make(chan result, len(ranges))

	for i, rg := range ranges {
		go func(i int, rg byteRange) {
			rep, err := runChunkSubprocess(ctx, rf.Path, rg, opts)
			results <- result{idx: i, rep: rep, err: err}
		}(i, rg)
	}

	for range ranges {
		r := <-results
		partials[r.idx] = r.rep
		errs[r.idx] = r.err
	}

	for _, e := range errs {
		if e != nil {
			return Report{}, fmt.Errorf("%w: %v", ErrHardStop, e)
		}
	}

	// Shift each chunk's sample line numbers by the rows scanned in the
	// chunks before it, so they count from the start of the file.
	var lineOffset int64
	for i := range partials {
		for j := range partials[i].ColumnCountSamples {
			partials[i].ColumnCountSamples[j].Line += lineOffset
		}
		for j := range partials[i].DateFormatSamples {
			partials[i].DateFormatSamples[j].Line += lineOffset
		}
		lineOffset += partials[i].RowsScanned
	}

	merged := mergePartials(partials)
	return finalize(merged, opts.Period), nil
}

// byteRange is a newline-aligned [Start, End) span of a file.
type byteRange struct {
	Start int64
	End   int64 // -1 means end of file
}

// splitIntoRanges divides path into n roughly-equal byte ranges, each
// adjusted forward to the next newline so no row is split across a
// chunk boundary.
func splitIntoRanges(path string, n int) ([]byteRange, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrHardStop, path, err)
	}
	size := info.Size()
	if n <= 1 || size == 0 {
		return []byteRange{{Start: 0, End: -1}}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrHardStop, path, err)
	}
	defer f.Close()

	chunkSize := size / int64(n)
	if chunkSize == 0 {
		return []byteRange{{Start: 0, End: -1}}, nil
	}

	boundaries := make([]int64, 0, n+1)
	boundaries = append(boundaries, 0)
	for i := 1; i < n; i++ {
		target := chunkSize * int64(i)
		aligned, err := nextNewlineAfter(f, target, size)
		if err != nil {
			return nil, err
		}
		boundaries = append(boundaries, aligned)
	}
	boundaries = append(boundaries, size)

	ranges := make([]byteRange, 0, n)
	for i := 0; i < len(boundaries)-1; i++ {
		start, end := boundaries[i], boundaries[i+1]
		if start >= end {
			continue
		}
		e := end
		if i == len(boundaries)-2 {
			e = -1
		}
		ranges = append(ranges, byteRange{Start: start, End: e})
	}
	if len(ranges) == 0 {
		return []byteRange{{Start: 0, End: -1}}, nil
	}
	return ranges, nil
}

func nextNewlineAfter(f *os.File, offset, size int64) (int64, error) {
	if offset >= size {
		return size, nil
	}
	buf := make([]byte, 64*1024)
	pos := offset
	for pos < size {
		n, err := f.ReadAt(buf, pos)
		if err != nil && err != io.EOF {
			return 0, fmt.Errorf("%w: seek newline: %v", ErrHardStop, err)
		}
		if idx := bytes.IndexByte(buf[:n], '\n'); idx >= 0 {
			return pos + int64(idx) + 1, nil
		}
		pos += int64(n)
		if n == 0 {
			break
		}
	}
	return size, nil
}

// partialReport is one chunk worker's unmerged contribution.
type partialReport struct {
	RowsScanned        int64         `json:"rows_scanned"`
	BadRowsColumnCount int64         `json:"bad_rows_column_count"`
	BadRowsDateFormat  int64         `json:"bad_rows_date_format"`
	NullDates          int64         `json:"null_dates"`
	DetectedDateLayout string        `json:"detected_date_layout,omitempty"`
	ColumnCountSamples []RowLocation `json:"column_count_samples,omitempty"`
	DateFormatSamples  []RowLocation `json:"date_format_samples,omitempty"`
	DatesObserved      []string      `json:"dates_observed,omitempty"`
}

// mergePartials sums counters, unions observed dates, and keeps the
// earliest-numbered offending-row samples across every chunk, capped
// at maxSamples.
func mergePartials(parts []partialReport) partialReport {
	var out partialReport
	dateSet := map[string]struct{}{}
	var colSamples, dateSamples []RowLocation

	for _, p := range parts {
		out.RowsScanned += p.RowsScanned
		out.BadRowsColumnCount += p.BadRowsColumnCount
		out.BadRowsDateFormat += p.BadRowsDateFormat
		out.NullDates += p.NullDates
		if out.DetectedDateLayout == "" {
			out.DetectedDateLayout = p.DetectedDateLayout
		}
		for _, d := range p.DatesObserved {
			dateSet[d] = struct{}{}
		}
		colSamples = append(colSamples, p.ColumnCountSamples...)
		dateSamples = append(dateSamples, p.DateFormatSamples...)
	}

	sort.Slice(colSamples, func(i, j int) bool { return colSamples[i].Line < colSamples[j].Line })
	sort.Slice(dateSamples, func(i, j int) bool { return dateSamples[i].Line < dateSamples[j].Line })
	if len(colSamples) > maxSamples {
		colSamples = colSamples[:maxSamples]
	}
	if len(dateSamples) > maxSamples {
		dateSamples = dateSamples[:maxSamples]
	}
	out.ColumnCountSamples = colSamples
	out.DateFormatSamples = dateSamples

	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	out.DatesObserved = dates

	return out
}

// finalize computes the gap list against period from the merged set
// of observed dates, the last step after either a single-process scan
// or a multi-chunk merge.
func finalize(p partialReport, period catalog.Period) Report {
	observed := map[string]struct{}{}
	for _, d := range p.DatesObserved {
		observed[d] = struct{}{}
	}

	var gaps []string
	if !period.Start.IsZero() {
		for _, d := range period.Days() {
			key := d.Format("2006-01-02")
			if _, ok := observed[key]; !ok {
				gaps = append(gaps, key)
			}
		}
	}

	return Report{
		RowsScanned:        p.RowsScanned,
		BadRowsColumnCount: p.BadRowsColumnCount,
		BadRowsDateFormat:  p.BadRowsDateFormat,
		NullDates:          p.NullDates,
		DetectedDateLayout: p.DetectedDateLayout,
		ColumnCountSamples: p.ColumnCountSamples,
		DateFormatSamples:  p.DateFormatSamples,
		DatesObserved:      p.DatesObserved,
		Gaps:               gaps,
	}
}

// dateSample buffers a raw date value seen before the layout is fixed.
type dateSample struct {
	line  int64
	value string
}

// scanRange streams path from byteStart to byteEnd (-1 for EOF),
// running the three per-row checks. Line numbers are counted from 1
// at byteStart, which must be newline-aligned; Check turns them into
// whole-file line numbers for a split file by adding the rows scanned
// in the chunks that precede this range.
func scanRange(path string, byteStart, byteEnd int64, opts Options) (partialReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return partialReport{}, fmt.Errorf("%w: open %s: %v", ErrHardStop, path, err)
	}
	defer f.Close()

	if byteStart > 0 {
		if _, err := f.Seek(byteStart, io.SeekStart); err != nil {
			return partialReport{}, fmt.Errorf("%w: seek %s: %v", ErrHardStop, path, err)
		}
	}

	var r io.Reader = f
	if byteEnd >= 0 {
		r = io.LimitReader(f, byteEnd-byteStart)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var out partialReport
	dateSet := map[string]struct{}{}

	var pending []dateSample
	fixedLayout := ""

	var lineNum int64
	for scanner.Scan() {
		lineNum++
		out.RowsScanned++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		fields := splitRow(line, opts.Delimiter, opts.Quote)
		if len(fields) != opts.ExpectedColumns {
			out.BadRowsColumnCount++
			if len(out.ColumnCountSamples) < maxSamples {
				out.ColumnCountSamples = append(out.ColumnCountSamples, RowLocation{Path: path, Line: lineNum})
			}
			continue
		}

		if opts.DateColumnIndex < 0 || opts.DateColumnIndex >= len(fields) {
			continue
		}

		raw := string(fields[opts.DateColumnIndex])
		if nullTokens[raw] {
			out.NullDates++
			continue
		}

		if fixedLayout == "" {
			pending = append(pending, dateSample{line: lineNum, value: raw})
			if len(pending) >= formatSampleLimit {
				fixedLayout = chooseLayout(pending)
				out.DetectedDateLayout = fixedLayout
				for _, ds := range pending {
					validateDate(ds.value, ds.line, path, fixedLayout, &out, dateSet)
				}
				pending = nil
			}
			continue
		}

		validateDate(raw, lineNum, path, fixedLayout, &out, dateSet)
	}

	if fixedLayout == "" && len(pending) > 0 {
		fixedLayout = chooseLayout(pending)
		out.DetectedDateLayout = fixedLayout
		for _, ds := range pending {
			validateDate(ds.value, ds.line, path, fixedLayout, &out, dateSet)
		}
	}

	if err := scanner.Err(); err != nil {
		return partialReport{}, fmt.Errorf("%w: scan %s: %v", ErrHardStop, path, err)
	}

	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	out.DatesObserved = dates

	return out, nil
}

func validateDate(raw string, line int64, path, layout string, out *partialReport, dateSet map[string]struct{}) {
	t, err := time.Parse(layout, raw)
	if err != nil {
		out.BadRowsDateFormat++
		if len(out.DateFormatSamples) < maxSamples {
			out.DateFormatSamples = append(out.DateFormatSamples, RowLocation{Path: path, Line: line})
		}
		return
	}
	dateSet[t.Format("2006-01-02")] = struct{}{}
}

// chooseLayout picks the layout that parses the most samples among
// dateLayouts, which is then fixed for the remainder of the file.
func chooseLayout(samples []dateSample) string {
	best := dateLayouts[0]
	bestCount := -1
	for _, layout := range dateLayouts {
		count := 0
		for _, s := range samples {
			if _, err := time.Parse(layout, s.value); err == nil {
				count++
			}
		}
		if count > bestCount {
			bestCount = count
			best = layout
		}
	}
	return best
}

// splitRow splits line on delim, honoring quote when non-zero: bytes
// between quote runs are not treated as delimiters, and a doubled
// quote within a quoted field is an escaped literal quote.
func splitRow(line []byte, delim, quote byte) [][]byte {
	if quote == 0 {
		return bytes.Split(line, []byte{delim})
	}

	var fields [][]byte
	var field []byte
	inQuotes := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == quote:
			if inQuotes && i+1 < len(line) && line[i+1] == quote {
				field = append(field, quote)
				i++
				continue
			}
			inQuotes = !inQuotes
		case c == delim && !inQuotes:
			fields = append(fields, field)
			field = nil
		default:
			field = append(field, c)
		}
	}
	fields = append(fields, field)
	return fields
}

// runChunkSubprocess re-execs the current binary with a hidden flag
// that directs it to scan just one byte range and print the resulting
// partialReport as a single line of JSON on stdout, achieving
// process-level (not goroutine-level) parallelism for the CPU-bound
// decode loop.
func runChunkSubprocess(ctx context.Context, path string, rg byteRange, opts Options) (partialReport, error) {
	exePath := opts.Executable
	if exePath == "" {
		p, err := os.Executable()
		if err != nil {
			return partialReport{}, fmt.Errorf("resolve executable: %w", err)
		}
		exePath = p
	}

	args := WorkerArgs{
		Path:            path,
		Start:           rg.Start,
		End:             rg.End,
		ExpectedColumns: opts.ExpectedColumns,
		DateColumnIndex: opts.DateColumnIndex,
		Delimiter:       opts.Delimiter,
		Quote:           opts.Quote,
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return partialReport{}, fmt.Errorf("encode worker args: %w", err)
	}

	cmd := exec.CommandContext(ctx, exePath, WorkerFlag, string(payload))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return partialReport{}, fmt.Errorf("qc worker chunk [%d,%d): %w: %s", rg.Start, rg.End, err, stderr.String())
	}

	var rep partialReport
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &rep); err != nil {
		return partialReport{}, fmt.Errorf("decode worker chunk report: %w", err)
	}
	return rep, nil
}

// WorkerFlag is the hidden flag cmd/snowbatch recognizes to dispatch
// into RunWorker instead of the normal CLI.
const WorkerFlag = "-qc-worker-chunk"

// WorkerArgs is the JSON payload passed to a chunk worker subprocess.
type WorkerArgs struct {
	Path            string `json:"path"`
	Start           int64  `json:"start"`
	End             int64  `json:"end"`
	ExpectedColumns int    `json:"expected_columns"`
	DateColumnIndex int    `json:"date_column_index"`
	Delimiter       byte   `json:"delimiter"`
	Quote           byte   `json:"quote"`
}

// RunWorker decodes a JSON-encoded WorkerArgs payload, scans the named
// byte range, and writes the resulting partialReport as one line of
// JSON to w. It is the entry point cmd/snowbatch calls when invoked
// with WorkerFlag.
func RunWorker(payload string, w io.Writer) error {
	var args WorkerArgs
	if err := json.Unmarshal([]byte(payload), &args); err != nil {
		return fmt.Errorf("decode worker args: %w", err)
	}

	opts := Options{
		ExpectedColumns: args.ExpectedColumns,
		DateColumnIndex: args.DateColumnIndex,
		Delimiter:       args.Delimiter,
		Quote:           args.Quote,
	}

	rep, err := scanRange(args.Path, args.Start, args.End, opts)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	return enc.Encode(rep)
}
