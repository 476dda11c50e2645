// Package config parses and validates the file-and-connection manifest
// and exposes typed views over it.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	json "github.com/goccy/go-json"
)

// FileFormat is the delimiter format of a FileSpec's input files.
type FileFormat string

const (
	FormatTSV  FileFormat = "TSV"
	FormatCSV  FileFormat = "CSV"
	FormatAuto FileFormat = "AUTO"
)

// PlaceholderKind identifies which filename placeholder a FileSpec's
// pattern carries, which in turn determines how a concrete path's period
// is parsed out of its name.
type PlaceholderKind int

const (
	PlaceholderNone PlaceholderKind = iota
	PlaceholderDateRange
	PlaceholderMonth
)

func (k PlaceholderKind) String() string {
	switch k {
	case PlaceholderDateRange:
		return "date_range"
	case PlaceholderMonth:
		return "month"
	default:
		return "none"
	}
}

var (
	dateRangeToken = "{date_range}"
	monthToken     = "{month}"
)

// ConnectionSpec describes the Snowflake session to open for a run.
type ConnectionSpec struct {
	Account  string `json:"account"`
	User     string `json:"user"`
	Password string `json:"password"`
	Warehouse string `json:"warehouse"`
	Database string `json:"database"`
	Schema   string `json:"schema"`
	Role     string `json:"role,omitempty"`
}

// FileSpec describes one logical dataset: a filename pattern with a
// single placeholder, its target table, and the column layout rows
// must conform to.
type FileSpec struct {
	FilePattern         string     `json:"file_pattern"`
	TableName           string     `json:"table_name"`
	FileFormat          FileFormat `json:"file_format,omitempty"`
	Delimiter           string     `json:"delimiter,omitempty"`
	QuoteChar           string     `json:"quote_char,omitempty"`
	DateColumn          string     `json:"date_column,omitempty"`
	ExpectedColumns     []string   `json:"expected_columns"`
	DuplicateKeyColumns []string   `json:"duplicate_key_columns,omitempty"`

	// Placeholder is derived during validation, not read from JSON.
	Placeholder PlaceholderKind `json:"-"`
}

// DelimiterByte returns the effective delimiter byte, deriving it from
// FileFormat when Delimiter was not set explicitly.
func (fs FileSpec) DelimiterByte() byte {
	if fs.Delimiter != "" {
		return fs.Delimiter[0]
	}
	switch fs.FileFormat {
	case FormatCSV:
		return ','
	case FormatTSV:
		return '\t'
	default:
		return '\t'
	}
}

// ColumnIndex returns the index of name within ExpectedColumns, or -1.
func (fs FileSpec) ColumnIndex(name string) int {
	for i, c := range fs.ExpectedColumns {
		if c == name {
			return i
		}
	}
	return -1
}

// Manifest is the process-wide configuration value, loaded once per
// invocation and immutable thereafter.
type Manifest struct {
	Connection ConnectionSpec `json:"snowflake"`
	Files      []FileSpec     `json:"files"`
}

// document mirrors the on-disk JSON shape before validation/derivation.
type document struct {
	Snowflake ConnectionSpec `json:"snowflake"`
	Files     []FileSpec     `json:"files"`
}

// ErrConfigInvalid is the sentinel wrapped by every validation failure.
var ErrConfigInvalid = fmt.Errorf("config invalid")

// InvalidFieldError names the offending field and reason, checkable with
// errors.Is(err, ErrConfigInvalid).
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("config invalid: field %q: %s", e.Field, e.Reason)
}

func (e *InvalidFieldError) Unwrap() error { return ErrConfigInvalid }

func invalid(field, reason string) error {
	return &InvalidFieldError{Field: field, Reason: reason}
}

var (
	loadCacheMu sync.Mutex
	loadCache   = map[string]*Manifest{}
)

// Load reads the JSON manifest at path, validates it, and returns the
// typed Manifest. Results are cached per path within the process, since
// the manifest is read once per invocation but may be consulted by
// several components.
func Load(path string) (*Manifest, error) {
	loadCacheMu.Lock()
	if cached, ok := loadCache[path]; ok {
		loadCacheMu.Unlock()
		return cached, nil
	}
	loadCacheMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	m := &Manifest{Connection: doc.Snowflake, Files: doc.Files}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	loadCacheMu.Lock()
	loadCache[path] = m
	loadCacheMu.Unlock()

	return m, nil
}

// Validate checks every required field and cross-field constraint on
// the manifest, returning the first violation found.
func (m *Manifest) Validate() error {
	if err := m.Connection.validate(); err != nil {
		return err
	}

	if len(m.Files) == 0 {
		return invalid("files", "must be a non-empty ordered sequence")
	}

	for i := range m.Files {
		if err := m.Files[i].validate(i); err != nil {
			return err
		}
	}

	return nil
}

func (c ConnectionSpec) validate() error {
	required := map[string]string{
		"snowflake.account":   c.Account,
		"snowflake.user":      c.User,
		"snowflake.password":  c.Password,
		"snowflake.warehouse": c.Warehouse,
		"snowflake.database":  c.Database,
		"snowflake.schema":    c.Schema,
	}
	for field, val := range required {
		if val == "" {
			return invalid(field, "must be a non-empty string")
		}
	}
	return nil
}

func (fs *FileSpec) validate(index int) error {
	prefix := fmt.Sprintf("files[%d]", index)

	kind, err := placeholderKind(fs.FilePattern)
	if err != nil {
		return invalid(prefix+".file_pattern", err.Error())
	}
	fs.Placeholder = kind

	if fs.TableName == "" {
		return invalid(prefix+".table_name", "must be non-empty")
	}

	switch fs.FileFormat {
	case "", FormatTSV, FormatCSV, FormatAuto:
		if fs.FileFormat == "" {
			fs.FileFormat = FormatAuto
		}
	default:
		return invalid(prefix+".file_format", "must be one of TSV, CSV, AUTO")
	}

	if fs.Delimiter != "" && len(fs.Delimiter) != 1 {
		return invalid(prefix+".delimiter", "must be exactly one byte")
	}
	if fs.QuoteChar != "" && len(fs.QuoteChar) != 1 {
		return invalid(prefix+".quote_char", "must be exactly one byte")
	}

	if len(fs.ExpectedColumns) == 0 {
		return invalid(prefix+".expected_columns", "must be a non-empty ordered list")
	}
	for _, c := range fs.ExpectedColumns {
		if c == "" {
			return invalid(prefix+".expected_columns", "entries must be non-empty")
		}
	}

	if fs.DateColumn != "" && fs.ColumnIndex(fs.DateColumn) < 0 {
		return invalid(prefix+".date_column", "must appear in expected_columns")
	}

	for _, k := range fs.DuplicateKeyColumns {
		if fs.ColumnIndex(k) < 0 {
			return invalid(prefix+".duplicate_key_columns", fmt.Sprintf("column %q is not in expected_columns", k))
		}
	}

	return nil
}

// placeholderKind validates that pattern contains exactly one placeholder
// and reports which kind it is.
func placeholderKind(pattern string) (PlaceholderKind, error) {
	dateRanges := len(regexp.MustCompile(regexp.QuoteMeta(dateRangeToken)).FindAllStringIndex(pattern, -1))
	months := len(regexp.MustCompile(regexp.QuoteMeta(monthToken)).FindAllStringIndex(pattern, -1))
	hasDateRange := dateRanges > 0
	hasMonth := months > 0

	switch {
	case hasDateRange && hasMonth:
		return PlaceholderNone, fmt.Errorf("pattern must contain exactly one placeholder, found both {date_range} and {month}")
	case dateRanges > 1 || months > 1:
		return PlaceholderNone, fmt.Errorf("pattern must contain exactly one placeholder, found the same placeholder more than once")
	case hasDateRange:
		return PlaceholderDateRange, nil
	case hasMonth:
		return PlaceholderMonth, nil
	default:
		return PlaceholderNone, fmt.Errorf("pattern must contain exactly one placeholder: {date_range} or {month}")
	}
}
