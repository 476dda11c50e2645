// Package catalog turns a FileSpec's filename pattern into the set of
// ResolvedFiles present on disk for a base path, optionally narrowed
// to a requested set of periods.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/snowbatch/snowbatch/internal/config"
)

const (
	dateLayout  = "20060102"
	monthLayout = "2006-01"
)

// Period is either a (start, end) date range or a calendar month,
// always represented as an inclusive [Start, End] span of whole days.
type Period struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange parses the {date_range} token form "YYYYMMDD-YYYYMMDD".
func ParseDateRange(token string) (Period, error) {
	parts := strings.SplitN(token, "-", 2)
	if len(parts) != 2 {
		return Period{}, fmt.Errorf("catalog: invalid date_range token %q", token)
	}
	start, err := time.Parse(dateLayout, parts[0])
	if err != nil {
		return Period{}, fmt.Errorf("catalog: invalid date_range start %q: %w", token, err)
	}
	end, err := time.Parse(dateLayout, parts[1])
	if err != nil {
		return Period{}, fmt.Errorf("catalog: invalid date_range end %q: %w", token, err)
	}
	if end.Before(start) {
		return Period{}, fmt.Errorf("catalog: date_range end before start: %q", token)
	}
	return Period{Start: start, End: end}, nil
}

// ParseMonth parses the {month} token form "YYYY-MM" into the inclusive
// span covering that calendar month.
func ParseMonth(token string) (Period, error) {
	start, err := time.Parse(monthLayout, token)
	if err != nil {
		return Period{}, fmt.Errorf("catalog: invalid month token %q: %w", token, err)
	}
	end := start.AddDate(0, 1, -1)
	return Period{Start: start, End: end}, nil
}

// String renders the period back into its canonical token form, using
// the month form when the span is exactly one calendar month.
func (p Period) String() string {
	if p.Start.Day() == 1 {
		nextMonth := p.Start.AddDate(0, 1, -1)
		if nextMonth.Equal(p.End) {
			return p.Start.Format(monthLayout)
		}
	}
	return p.Start.Format(dateLayout) + "-" + p.End.Format(dateLayout)
}

// Days returns every calendar day in [Start, End], inclusive.
func (p Period) Days() []time.Time {
	days := make([]time.Time, 0, int(p.End.Sub(p.Start).Hours()/24)+1)
	for d := p.Start; !d.After(p.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Overlaps reports whether p and other share at least one calendar day.
func (p Period) Overlaps(other Period) bool {
	return !p.End.Before(other.Start) && !other.End.Before(p.Start)
}

// ResolvedFile pairs a FileSpec with a concrete filesystem path and the
// period derived from that path's filename. Its lifetime is one
// pipeline run.
type ResolvedFile struct {
	Spec   config.FileSpec
	Path   string
	Period Period
}

// ErrNoFilesMatched is returned when a FileSpec's pattern matched
// nothing under BasePath, whether or not a period filter was applied.
var ErrNoFilesMatched = fmt.Errorf("catalog: no files matched pattern")

// patternRegex compiles spec's file_pattern into a regular expression
// with a single capture group for the placeholder token, escaping
// every other rune literally the way manifest.go escapes everything
// around its placeholder with regexp.QuoteMeta.
func patternRegex(spec config.FileSpec) (*regexp.Regexp, error) {
	var token, replacement string
	switch spec.Placeholder {
	case config.PlaceholderDateRange:
		token = "{date_range}"
		replacement = `(\d{8}-\d{8})`
	case config.PlaceholderMonth:
		token = "{month}"
		replacement = `(\d{4}-\d{2})`
	default:
		return nil, fmt.Errorf("catalog: file spec %q has no recognized placeholder", spec.FilePattern)
	}

	idx := strings.Index(spec.FilePattern, token)
	if idx < 0 {
		return nil, fmt.Errorf("catalog: pattern %q does not contain %s", spec.FilePattern, token)
	}

	before := regexp.QuoteMeta(spec.FilePattern[:idx])
	after := regexp.QuoteMeta(spec.FilePattern[idx+len(token):])

	return regexp.Compile("^" + before + replacement + after + "$")
}

// Resolver discovers ResolvedFiles for a FileSpec under a base
// directory.
type Resolver struct{}

// NewResolver constructs a Resolver. It carries no state; a value
// receiver would do as well, but the pointer keeps it consistent with
// the rest of the package's constructor idiom.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve lists basePath (non-recursively, since patterns describe a
// bare filename) and returns every entry matching spec's pattern,
// sorted by period then path. When requested is empty, every matched
// file is returned; otherwise only files whose period overlaps at
// least one requested period are kept.
func (r *Resolver) Resolve(basePath string, spec config.FileSpec, requested []Period) ([]ResolvedFile, error) {
	re, err := patternRegex(spec)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(basePath)
	if err != nil {
		return nil, fmt.Errorf("catalog: read dir %s: %w", basePath, err)
	}

	var out []ResolvedFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}

		var period Period
		switch spec.Placeholder {
		case config.PlaceholderDateRange:
			period, err = ParseDateRange(m[1])
		case config.PlaceholderMonth:
			period, err = ParseMonth(m[1])
		}
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", e.Name(), err)
		}

		if len(requested) > 0 && !overlapsAny(period, requested) {
			continue
		}

		out = append(out, ResolvedFile{
			Spec:   spec,
			Path:   filepath.Join(basePath, e.Name()),
			Period: period,
		})
	}

	if len(out) == 0 {
		return nil, ErrNoFilesMatched
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Period.Start.Equal(out[j].Period.Start) {
			return out[i].Period.Start.Before(out[j].Period.Start)
		}
		return out[i].Path < out[j].Path
	})

	return out, nil
}

func overlapsAny(p Period, candidates []Period) bool {
	for _, c := range candidates {
		if p.Overlaps(c) {
			return true
		}
	}
	return false
}

// CollidingTables reports the first table name that appears more than
// once across files with overlapping periods: two ResolvedFiles for
// the same table and overlapping period must never be scheduled
// concurrently, since they would race on the same warehouse stage
// path.
func CollidingTables(files []ResolvedFile) (table string, collides bool) {
	seen := map[string][]ResolvedFile{}
	for _, f := range files {
		for _, prior := range seen[f.Spec.TableName] {
			if prior.Period.Overlaps(f.Period) {
				return f.Spec.TableName, true
			}
		}
		seen[f.Spec.TableName] = append(seen[f.Spec.TableName], f)
	}
	return "", false
}
