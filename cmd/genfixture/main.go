// Package main generates synthetic delimited fixture files for a
// manifest's file specs, for exercising load/validate/check_duplicates
// locally without a real upstream export.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/snowbatch/snowbatch/internal/catalog"
	"github.com/snowbatch/snowbatch/internal/config"
)

// Config holds the command-line configuration for the fixture generator.
type Config struct {
	ManifestPath string
	OutDir       string
	Table        string
	Period       string
	Rows         int
	Seed         int64
	DirtyRate    float64
	DuplicateN   int
}

func randomString(r *rand.Rand, n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

// valueFor synthesizes one field value for column, using its name as a
// weak type hint: columns conventionally named like ids or amounts get
// numeric values, a spec's configured date column gets a date in its
// table's period, everything else gets a random token.
func valueFor(r *rand.Rand, spec config.FileSpec, column string, day time.Time, rowIndex int) string {
	switch {
	case column == spec.DateColumn:
		return day.Format("2006-01-02")
	case strings.HasSuffix(strings.ToLower(column), "id"):
		return strconv.Itoa(rowIndex)
	case strings.HasSuffix(strings.ToLower(column), "amount") || strings.HasSuffix(strings.ToLower(column), "count"):
		return strconv.Itoa(r.Intn(10000))
	default:
		return randomString(r, 6+r.Intn(10))
	}
}

// filename expands spec's pattern with the period token appropriate to
// its placeholder kind.
func filename(spec config.FileSpec, period catalog.Period) (string, error) {
	var token, replacement string
	switch spec.Placeholder {
	case config.PlaceholderMonth:
		token = "{month}"
		replacement = period.Start.Format("2006-01")
	case config.PlaceholderDateRange:
		token = "{date_range}"
		replacement = period.Start.Format("20060102") + "-" + period.End.Format("20060102")
	default:
		return "", fmt.Errorf("genfixture: file spec %q has no recognized placeholder", spec.FilePattern)
	}
	return strings.Replace(spec.FilePattern, token, replacement, 1), nil
}

// generateRows writes rowsPerDay rows per day in period to w, spreading
// dirtyRate of rows as malformed (wrong column count) and, every
// duplicateN rows, repeating the previous row's values in spec's
// duplicate key columns, when spec declares duplicate key columns.
func generateRows(w *os.File, spec config.FileSpec, period catalog.Period, rowsPerDay int, r *rand.Rand, dirtyRate float64, duplicateN int) (int, error) {
	delim := string(spec.DelimiterByte())
	written := 0
	var lastGoodRow []string

	for _, day := range period.Days() {
		for i := 0; i < rowsPerDay; i++ {
			row := make([]string, len(spec.ExpectedColumns))
			for j, col := range spec.ExpectedColumns {
				row[j] = valueFor(r, spec, col, day, written)
			}

			if duplicateN > 0 && written%duplicateN == duplicateN-1 && lastGoodRow != nil {
				for _, key := range spec.DuplicateKeyColumns {
					idx := spec.ColumnIndex(key)
					if idx >= 0 {
						row[idx] = lastGoodRow[idx]
					}
				}
			}
			lastGoodRow = append([]string(nil), row...)

			line := strings.Join(row, delim)
			if dirtyRate > 0 && r.Float64() < dirtyRate {
				line = row[0] // keep only the first field: malformed column count
			}

			if _, err := fmt.Fprintln(w, line); err != nil {
				return written, fmt.Errorf("genfixture: write row: %w", err)
			}
			written++
		}
	}
	return written, nil
}

func run(cfg Config) error {
	manifest, err := config.Load(cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	var spec config.FileSpec
	found := false
	for _, fs := range manifest.Files {
		if fs.TableName == cfg.Table {
			spec = fs
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("genfixture: table %q not found in manifest", cfg.Table)
	}

	period, err := parsePeriodToken(cfg.Period)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return fmt.Errorf("genfixture: create out dir: %w", err)
	}

	name, err := filename(spec, period)
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.OutDir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("genfixture: create %s: %w", path, err)
	}
	defer f.Close()

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(seed))

	days := len(period.Days())
	if days == 0 {
		days = 1
	}
	rowsPerDay := cfg.Rows / days
	if rowsPerDay < 1 {
		rowsPerDay = 1
	}

	written, err := generateRows(f, spec, period, rowsPerDay, r, cfg.DirtyRate, cfg.DuplicateN)
	if err != nil {
		return err
	}

	fmt.Printf("wrote %d rows to %s (seed %d)\n", written, path, seed)
	return nil
}

func parsePeriodToken(token string) (catalog.Period, error) {
	if p, err := catalog.ParseMonth(token); err == nil {
		return p, nil
	}
	if p, err := catalog.ParseDateRange(token); err == nil {
		return p, nil
	}
	return catalog.Period{}, fmt.Errorf("genfixture: invalid period token %q: expected YYYY-MM or YYYYMMDD-YYYYMMDD", token)
}

func main() {
	cfg := Config{}

	flag.StringVar(&cfg.ManifestPath, "manifest", "", "path to the manifest JSON file")
	flag.StringVar(&cfg.OutDir, "out", ".", "directory to write the fixture file into")
	flag.StringVar(&cfg.Table, "table", "", "table name from the manifest's files list")
	flag.StringVar(&cfg.Period, "period", "", "period token (YYYY-MM or YYYYMMDD-YYYYMMDD)")
	flag.IntVar(&cfg.Rows, "rows", 1000, "approximate total rows to generate across the period")
	flag.Int64Var(&cfg.Seed, "seed", 0, "random seed (0 = time-based)")
	flag.Float64Var(&cfg.DirtyRate, "dirty-rate", 0, "fraction of rows to corrupt with a wrong column count")
	flag.IntVar(&cfg.DuplicateN, "duplicate-every", 0, "repeat the previous row's duplicate key columns every N rows (0 disables)")
	flag.Parse()

	if cfg.ManifestPath == "" || cfg.Table == "" || cfg.Period == "" {
		fmt.Fprintln(os.Stderr, "usage: genfixture -manifest <path> -table <name> -period <token> [-out dir] [-rows n] [-seed n] [-dirty-rate f] [-duplicate-every n]")
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
