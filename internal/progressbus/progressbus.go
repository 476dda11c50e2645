// Package progressbus renders the run's terminal progress as a fixed
// set of bars, reused in place across files rather than recreated, so
// a long multi-file run never leaves stale finished bars behind.
package progressbus

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Stage names the five conceptual bars a run may show.
type Stage string

const (
	StageFiles    Stage = "files"
	StageQCRows   Stage = "qc_rows"
	StageCompress Stage = "compress"
	StageUpload   Stage = "upload"
	StageCopy     Stage = "copy"
)

// linesWithQC and linesWithoutQC are the per_run_line_count values
// consumed by the scheduler when assigning position offsets to
// parallel sibling runs.
const (
	linesWithQC    = 5
	linesWithoutQC = 4
)

// PerRunLineCount returns the number of terminal lines one run
// occupies, depending on whether streaming QC is active for it.
func PerRunLineCount(qcActive bool) int {
	if qcActive {
		return linesWithQC
	}
	return linesWithoutQC
}

type state struct {
	desc    string
	current int64
	total   int64
}

// WorkerStatus is a read-only snapshot of one run's live state: which
// file it is currently on, how many items it has written so far, and
// its most recent error, if any. The scheduler surfaces one of these
// per in-flight period run.
type WorkerStatus struct {
	Period       string
	CurrentFile  string
	ItemsWritten int64
	LastError    string
}

// Bus owns one mpb.Progress instance and the bars for a single run.
// A bar's total/current/description are reset in place when a new
// file enters that stage; a new terminal line is never allocated.
type Bus struct {
	progress *mpb.Progress
	mu       sync.Mutex
	bars     map[Stage]*mpb.Bar
	state    map[Stage]*state

	period  string
	lastErr string
}

// New creates a Bus writing to w (stderr in production), with bars
// for qcActive ? all five stages : everything but qc_rows, each
// occupying one line. New does not apply lineOffset itself; callers
// shift the bars down by wrapping w with WithPositionOffset.
func New(w io.Writer, lineOffset int, qcActive bool) *Bus {
	p := mpb.New(mpb.WithOutput(w), mpb.WithWidth(40))

	stages := []Stage{StageFiles}
	if qcActive {
		stages = append(stages, StageQCRows)
	}
	stages = append(stages, StageCompress, StageUpload, StageCopy)

	b := &Bus{
		progress: p,
		bars:     map[Stage]*mpb.Bar{},
		state:    map[Stage]*state{},
	}

	for _, st := range stages {
		st := st
		s := &state{desc: string(st)}
		b.state[st] = s
		bar := p.AddBar(0,
			mpb.PrependDecorators(
				decor.Any(func(decor.Statistics) string { return b.describe(st) }, decor.WC{W: 24}),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)
		b.bars[st] = bar
	}

	_ = lineOffset // position offsets are applied by the caller's writer, see WithPositionOffset
	return b
}

func (b *Bus) describe(st Stage) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state[st]
	if s == nil {
		return string(st)
	}
	return s.desc
}

// Reset re-points an existing bar at a new file: total and current
// are replaced and the description changes, but no new bar or
// terminal line is allocated.
func (b *Bus) Reset(st Stage, description string, total int64) {
	b.mu.Lock()
	s, ok := b.state[st]
	if ok {
		s.desc = description
		s.total = total
		s.current = 0
	}
	bar, hasBar := b.bars[st]
	b.mu.Unlock()

	if !ok || !hasBar {
		return
	}
	bar.SetCurrent(0)
	bar.SetTotal(total, false)
}

// Increment advances st's current value by delta.
func (b *Bus) Increment(st Stage, delta int64) {
	b.mu.Lock()
	s, ok := b.state[st]
	if ok {
		s.current += delta
	}
	bar, hasBar := b.bars[st]
	b.mu.Unlock()

	if !ok || !hasBar {
		return
	}
	bar.IncrBy(int(delta))
}

// Complete marks st's bar as finished at its current total, used when
// a stage that does not track byte/row deltas (e.g. copy) completes
// as a single unit.
func (b *Bus) Complete(st Stage) {
	b.mu.Lock()
	s, ok := b.state[st]
	bar, hasBar := b.bars[st]
	b.mu.Unlock()
	if !ok || !hasBar {
		return
	}
	bar.SetCurrent(s.total)
}

// Wait blocks until all bars have finished rendering, called once at
// the end of a run.
func (b *Bus) Wait() {
	b.progress.Wait()
}

// SetPeriod records which period this Bus's run belongs to, for
// inclusion in its WorkerStatus snapshot.
func (b *Bus) SetPeriod(period string) {
	b.mu.Lock()
	b.period = period
	b.mu.Unlock()
}

// RecordError records the most recent error this run has hit, surfaced
// in its WorkerStatus snapshot until the run finishes.
func (b *Bus) RecordError(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	b.lastErr = err.Error()
	b.mu.Unlock()
}

// WorkerStatus returns a snapshot of this run's current file (the
// files stage's description), items written so far (the copy stage's
// current count) and last recorded error.
func (b *Bus) WorkerStatus() WorkerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	ws := WorkerStatus{Period: b.period, LastError: b.lastErr}
	if s, ok := b.state[StageFiles]; ok {
		ws.CurrentFile = s.desc
	}
	if s, ok := b.state[StageCopy]; ok {
		ws.ItemsWritten = s.current
	}
	return ws
}

// PositionOffsetEnvVar names an environment variable for a run's
// zero-based line offset. Nothing in this module sets or reads it: the
// scheduler runs periods in-process and passes each run's offset
// directly through WithPositionOffset.
const PositionOffsetEnvVar = "SNOWBATCH_PROGRESS_LINE_OFFSET"

// offsetWriter prefixes every write with lineOffset blank lines the
// first time it is used, so sibling runs never share a terminal line.
// mpb itself renders relative to the current cursor position, so a
// one-time vertical shift via blank-line padding is sufficient to
// stack multiple Bus instances' render regions.
type offsetWriter struct {
	w      io.Writer
	offset int
	once   sync.Once
}

func (o *offsetWriter) Write(p []byte) (int, error) {
	o.once.Do(func() {
		for i := 0; i < o.offset; i++ {
			fmt.Fprintln(o.w)
		}
	})
	return o.w.Write(p)
}

// WithPositionOffset wraps stderr (or any writer) so that a Bus
// constructed over it starts lineOffset lines below the cursor,
// implementing C9's parallel-sibling placement contract.
func WithPositionOffset(w io.Writer, lineOffset int) io.Writer {
	if lineOffset <= 0 {
		return w
	}
	return &offsetWriter{w: w, offset: lineOffset}
}

// Stderr is the default output target: all progress output goes to
// stderr so stdout-quiet modes preserve the bars.
var Stderr io.Writer = os.Stderr
