// Package validator runs the remote, aggregate-query based checks
// against an already-loaded table: date completeness, row-count
// anomaly classification and duplicate-key detection. It never pulls
// per-row data, so client memory stays constant regardless of table
// size.
package validator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/snowbatch/snowbatch/internal/catalog"
	"github.com/snowbatch/snowbatch/internal/warehouseapi"
)

const (
	maxDateSamples     = 1000
	maxGapSamples      = 100
	maxDuplicateSample = 5
)

// Severity classifies one date's row count relative to the table's
// mean and quartiles.
type Severity string

const (
	SeverelyLow Severity = "SEVERELY_LOW"
	Low         Severity = "LOW"
	OutlierLow  Severity = "OUTLIER_LOW"
	Normal      Severity = "NORMAL"
	OutlierHigh Severity = "OUTLIER_HIGH"
)

// DuplicateSeverity classifies the volume of duplicate-key rows found.
type DuplicateSeverity string

const (
	DupCritical DuplicateSeverity = "CRITICAL"
	DupHigh     DuplicateSeverity = "HIGH"
	DupMedium   DuplicateSeverity = "MEDIUM"
	DupLow      DuplicateSeverity = "LOW"
)

// ErrIdentifierUnknown is returned when a table or column name is not
// present in the metadata cache; terminal for that validation call.
var ErrIdentifierUnknown = errors.New("validator: identifier unknown")

// AnomalousDate names one date whose row count deviates from the
// table's typical volume.
type AnomalousDate struct {
	Date     string
	Count    int64
	Severity Severity
}

// DuplicateSample is one sample group of duplicate key-column values.
type DuplicateSample struct {
	Key   []string
	Count int64
}

// DuplicateReport summarizes the duplicate-key-detection query.
type DuplicateReport struct {
	Groups   int64
	Excess   int64
	Samples  []DuplicateSample
	Severity DuplicateSeverity
}

// Report is the per-table-per-period validation outcome.
type Report struct {
	Table          string
	ObservedStart  string
	ObservedEnd    string
	UniqueDates    int64
	TotalRows      int64
	DateCounts     map[string]int64 // truncated to maxDateSamples entries
	DateCountsFull bool             // true when DateCounts holds every distinct date
	Gaps           []string         // truncated to maxGapSamples entries
	Anomalies      []AnomalousDate
	Duplicates     *DuplicateReport
	Valid          bool
	FailureReasons []string
}

// MetadataCache answers "does table T exist" and "does column C exist
// in T", populated once per (database, schema) and consulted before
// any identifier is interpolated into SQL text.
type MetadataCache struct {
	columns map[string]map[string]bool
}

// NewMetadataCache constructs an empty cache; call Load before use.
func NewMetadataCache() *MetadataCache {
	return &MetadataCache{columns: map[string]map[string]bool{}}
}

// Load fetches INFORMATION_SCHEMA.COLUMNS for schema and populates the
// cache, replacing any prior contents.
func (c *MetadataCache) Load(ctx context.Context, exec warehouseapi.SQLExecutor, database, schema string) error {
	query := fmt.Sprintf(
		"SELECT TABLE_NAME, COLUMN_NAME FROM %s.INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = ?",
		database,
	)
	rows, err := exec.Exec(ctx, query, schema)
	if err != nil {
		return fmt.Errorf("validator: load metadata cache: %w", err)
	}
	defer rows.Close()

	tables := map[string]map[string]bool{}
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return fmt.Errorf("validator: scan metadata row: %w", err)
		}
		if tables[table] == nil {
			tables[table] = map[string]bool{}
		}
		tables[table][column] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("validator: metadata cache rows: %w", err)
	}

	c.columns = tables
	return nil
}

// HasTable reports whether table is known to the cache.
func (c *MetadataCache) HasTable(table string) bool {
	_, ok := c.columns[table]
	return ok
}

// HasColumn reports whether column is known to exist in table.
func (c *MetadataCache) HasColumn(table, column string) bool {
	cols, ok := c.columns[table]
	return ok && cols[column]
}

// Validator runs C6's aggregate queries against one warehouse session.
type Validator struct {
	exec  warehouseapi.SQLExecutor
	cache *MetadataCache
}

// New constructs a Validator backed by exec, consulting cache for
// identifier validation before composing any SQL.
func New(exec warehouseapi.SQLExecutor, cache *MetadataCache) *Validator {
	return &Validator{exec: exec, cache: cache}
}

// Validate runs date-completeness, anomaly classification and
// (optionally) duplicate-key detection for table over period. A nil
// period scans the whole table, per the "empty period means all data"
// resolution.
func (v *Validator) Validate(ctx context.Context, database, schema, table, dateColumn string, period *catalog.Period, duplicateKeyColumns []string) (Report, error) {
	if !v.cache.HasTable(table) {
		return Report{}, fmt.Errorf("%w: table %s", ErrIdentifierUnknown, table)
	}
	if dateColumn != "" && !v.cache.HasColumn(table, dateColumn) {
		return Report{}, fmt.Errorf("%w: column %s.%s", ErrIdentifierUnknown, table, dateColumn)
	}
	for _, k := range duplicateKeyColumns {
		if !v.cache.HasColumn(table, k) {
			return Report{}, fmt.Errorf("%w: column %s.%s", ErrIdentifierUnknown, table, k)
		}
	}

	qualified := fmt.Sprintf("%s.%s.%s", database, schema, table)

	report := Report{Table: table}
	if dateColumn != "" {
		if err := v.dateCompleteness(ctx, qualified, dateColumn, period, &report); err != nil {
			return Report{}, err
		}
	}

	if len(duplicateKeyColumns) > 0 {
		dup, err := v.duplicates(ctx, qualified, duplicateKeyColumns, report.TotalRows)
		if err != nil {
			return Report{}, err
		}
		report.Duplicates = &dup
	}

	report.Valid, report.FailureReasons = verdict(report)
	return report, nil
}

func (v *Validator) dateCompleteness(ctx context.Context, qualified, dateColumn string, period *catalog.Period, report *Report) error {
	dailyCTE := fmt.Sprintf(
		"SELECT CAST(%s AS DATE) AS d, COUNT(*) AS cnt FROM %s",
		dateColumn, qualified,
	)
	var bindings []any
	if period != nil {
		dailyCTE += " WHERE " + dateColumn + " BETWEEN ? AND ?"
		bindings = append(bindings, period.Start.Format("2006-01-02"), period.End.Format("2006-01-02"))
	}
	dailyCTE += " GROUP BY 1"

	aggQuery := fmt.Sprintf(
		"SELECT MIN(d), MAX(d), COUNT(*), SUM(cnt) FROM (%s) t",
		dailyCTE,
	)
	rows, err := v.exec.Exec(ctx, aggQuery, bindings...)
	if err != nil {
		return fmt.Errorf("validator: date completeness aggregate: %w", err)
	}
	var minD, maxD sql.NullString
	var uniqueDates, totalRows sql.NullInt64
	if rows.Next() {
		if err := rows.Scan(&minD, &maxD, &uniqueDates, &totalRows); err != nil {
			rows.Close()
			return fmt.Errorf("validator: scan date aggregate: %w", err)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("validator: date aggregate rows: %w", err)
	}

	report.ObservedStart = minD.String
	report.ObservedEnd = maxD.String
	report.UniqueDates = uniqueDates.Int64
	report.TotalRows = totalRows.Int64

	sampleQuery := fmt.Sprintf("SELECT d, cnt FROM (%s) t ORDER BY d LIMIT %d", dailyCTE, maxDateSamples+1)
	sampleRows, err := v.exec.Exec(ctx, sampleQuery, bindings...)
	if err != nil {
		return fmt.Errorf("validator: date samples: %w", err)
	}
	defer sampleRows.Close()

	counts := map[string]int64{}
	var ordered []int64
	n := 0
	for sampleRows.Next() {
		var d string
		var cnt int64
		if err := sampleRows.Scan(&d, &cnt); err != nil {
			return fmt.Errorf("validator: scan date sample: %w", err)
		}
		n++
		if n > maxDateSamples {
			continue
		}
		counts[d] = cnt
		ordered = append(ordered, cnt)
	}
	if err := sampleRows.Err(); err != nil {
		return fmt.Errorf("validator: date sample rows: %w", err)
	}

	report.DateCounts = counts
	report.DateCountsFull = n <= maxDateSamples

	if report.DateCountsFull && period != nil {
		report.Gaps = gapsFromSamples(counts, *period)
	} else {
		gaps, err := v.gapsFromLag(ctx, dailyCTE, bindings)
		if err != nil {
			return err
		}
		report.Gaps = gaps
	}

	if len(ordered) > 0 {
		mean, q1, q3 := computeQuartiles(ordered)
		for d, cnt := range counts {
			report.Anomalies = append(report.Anomalies, AnomalousDate{
				Date:     d,
				Count:    cnt,
				Severity: classifyAnomaly(mean, q1, q3, cnt),
			})
		}
		sort.Slice(report.Anomalies, func(i, j int) bool { return report.Anomalies[i].Date < report.Anomalies[j].Date })
	}

	return nil
}

// gapsFromSamples computes the exact set-difference between period's
// calendar days and the observed dates, used only when counts is
// known to hold every distinct date (DateCountsFull).
func gapsFromSamples(counts map[string]int64, period catalog.Period) []string {
	var gaps []string
	for _, d := range period.Days() {
		key := d.Format("2006-01-02")
		if _, ok := counts[key]; !ok {
			gaps = append(gaps, key)
			if len(gaps) >= maxGapSamples {
				break
			}
		}
	}
	return gaps
}

// gapsFromLag runs the window-function query: a date D is a gap when
// D-1 day is present in the daily aggregate but D is not. This scales
// to tables whose distinct date count exceeds maxDateSamples, at the
// cost of only catching gaps adjacent to an observed date — a gap at
// the very start or end of an unbounded scan (no period given) would
// not surface this way, which is an accepted approximation for the
// truncated-sample case.
func (v *Validator) gapsFromLag(ctx context.Context, dailyCTE string, bindings []any) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT DATEADD('day', 1, prev_d) FROM (SELECT d, LAG(d) OVER (ORDER BY d) AS prev_d FROM (%s) daily) lagged "+
			"WHERE DATEDIFF('day', prev_d, d) > 1 ORDER BY d LIMIT %d",
		dailyCTE, maxGapSamples,
	)
	rows, err := v.exec.Exec(ctx, query, bindings...)
	if err != nil {
		return nil, fmt.Errorf("validator: gap query: %w", err)
	}
	defer rows.Close()

	var gaps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("validator: scan gap row: %w", err)
		}
		gaps = append(gaps, d)
	}
	return gaps, rows.Err()
}

func (v *Validator) duplicates(ctx context.Context, qualified string, keyColumns []string, totalRows int64) (DuplicateReport, error) {
	keyList := strings.Join(keyColumns, ", ")

	groupedCTE := fmt.Sprintf(
		"SELECT %s, COUNT(*) AS cnt FROM %s GROUP BY %s HAVING COUNT(*) > 1",
		keyList, qualified, keyList,
	)

	aggQuery := fmt.Sprintf("SELECT COUNT(*), SUM(cnt - 1), MAX(cnt) FROM (%s) g", groupedCTE)
	rows, err := v.exec.Exec(ctx, aggQuery)
	if err != nil {
		return DuplicateReport{}, fmt.Errorf("validator: duplicate aggregate: %w", err)
	}
	var groups, excess, maxGroup sql.NullInt64
	if rows.Next() {
		if err := rows.Scan(&groups, &excess, &maxGroup); err != nil {
			rows.Close()
			return DuplicateReport{}, fmt.Errorf("validator: scan duplicate aggregate: %w", err)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DuplicateReport{}, fmt.Errorf("validator: duplicate aggregate rows: %w", err)
	}

	report := DuplicateReport{
		Groups: groups.Int64,
		Excess: excess.Int64,
	}
	report.Severity = classifyDuplicateSeverity(report.Excess, totalRows, maxGroup.Int64)

	if report.Groups == 0 {
		return report, nil
	}

	sampleQuery := fmt.Sprintf(
		"SELECT %s, cnt FROM (%s) g ORDER BY cnt DESC LIMIT %d",
		keyList, groupedCTE, maxDuplicateSample,
	)
	sampleRows, err := v.exec.Exec(ctx, sampleQuery)
	if err != nil {
		return DuplicateReport{}, fmt.Errorf("validator: duplicate samples: %w", err)
	}
	defer sampleRows.Close()

	for sampleRows.Next() {
		dest := make([]any, len(keyColumns)+1)
		key := make([]sql.NullString, len(keyColumns))
		for i := range keyColumns {
			dest[i] = &key[i]
		}
		var cnt int64
		dest[len(keyColumns)] = &cnt
		if err := sampleRows.Scan(dest...); err != nil {
			return DuplicateReport{}, fmt.Errorf("validator: scan duplicate sample: %w", err)
		}
		keyVals := make([]string, len(keyColumns))
		for i, k := range key {
			keyVals[i] = k.String
		}
		report.Samples = append(report.Samples, DuplicateSample{Key: keyVals, Count: cnt})
	}
	if err := sampleRows.Err(); err != nil {
		return DuplicateReport{}, fmt.Errorf("validator: duplicate sample rows: %w", err)
	}

	return report, nil
}

// classifyAnomaly is a total function over non-negative counts: the
// predicates are checked in the listed tie-break order and the final
// default keeps it total for counts that match none of them.
func classifyAnomaly(mean, q1, q3 float64, count int64) Severity {
	c := float64(count)
	iqr := q3 - q1
	switch {
	case c < 0.10*mean:
		return SeverelyLow
	case c < 0.50*mean:
		return Low
	case c < q1-1.5*iqr:
		return OutlierLow
	case c >= 0.90*mean && c <= 1.10*mean:
		return Normal
	case c > q3+1.5*iqr:
		return OutlierHigh
	default:
		return Normal
	}
}

// classifyDuplicateSeverity applies the CRITICAL/HIGH/MEDIUM/LOW
// thresholds from the group excess ratio and the largest group size.
func classifyDuplicateSeverity(excess, totalRows, maxGroup int64) DuplicateSeverity {
	var ratio float64
	if totalRows > 0 {
		ratio = float64(excess) / float64(totalRows)
	}
	switch {
	case ratio > 0.10 || maxGroup > 100:
		return DupCritical
	case ratio > 0.05 || maxGroup > 50:
		return DupHigh
	case ratio > 0.01 || maxGroup > 10:
		return DupMedium
	default:
		return DupLow
	}
}

// computeQuartiles returns the mean and the 25th/75th percentiles of
// values using linear interpolation between ranks.
func computeQuartiles(values []int64) (mean, q1, q3 float64) {
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	mean = float64(sum) / float64(len(sorted))

	q1 = percentile(sorted, 0.25)
	q3 = percentile(sorted, 0.75)
	return mean, q1, q3
}

func percentile(sorted []int64, p float64) float64 {
	if len(sorted) == 1 {
		return float64(sorted[0])
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return float64(sorted[lo])
	}
	frac := rank - float64(lo)
	return float64(sorted[lo])*(1-frac) + float64(sorted[hi])*frac
}

// verdict composes the overall valid boolean and failure_reasons list
// from the triggered negatives, in the order they are checked.
func verdict(r Report) (bool, []string) {
	var reasons []string

	noGaps := len(r.Gaps) == 0
	if !noGaps {
		reasons = append(reasons, fmt.Sprintf("%d date(s) missing", len(r.Gaps)))
	}

	noSeverelyLow := true
	for _, a := range r.Anomalies {
		if a.Severity == SeverelyLow {
			noSeverelyLow = false
			break
		}
	}
	if !noSeverelyLow {
		reasons = append(reasons, "severely low row count on one or more dates")
	}

	noCriticalDuplicates := r.Duplicates == nil || r.Duplicates.Severity != DupCritical
	if !noCriticalDuplicates {
		reasons = append(reasons, "critical volume of duplicate key rows")
	}

	return noGaps && noSeverelyLow && noCriticalDuplicates, reasons
}
