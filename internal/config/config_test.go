package config

import "testing"

func validManifest() *Manifest {
	return &Manifest{
		Connection: ConnectionSpec{
			Account:   "acct",
			User:      "user",
			Password:  "pw",
			Warehouse: "wh",
			Database:  "db",
			Schema:    "schema",
		},
		Files: []FileSpec{
			{
				FilePattern:     "sales_{month}.tsv",
				TableName:       "SALES",
				FileFormat:      FormatTSV,
				DateColumn:      "d",
				ExpectedColumns: []string{"d", "a", "v"},
			},
		},
	}
}

func TestValidManifest(t *testing.T) {
	m := validManifest()
	if err := m.Validate(); err != nil {
		t.Fatalf("expected valid manifest to pass validation, got: %v", err)
	}
	if m.Files[0].Placeholder != PlaceholderMonth {
		t.Errorf("expected PlaceholderMonth, got %v", m.Files[0].Placeholder)
	}
}

func TestMissingConnectionFields(t *testing.T) {
	fields := []string{"Account", "User", "Password", "Warehouse", "Database", "Schema"}
	for _, f := range fields {
		t.Run(f, func(t *testing.T) {
			m := validManifest()
			switch f {
			case "Account":
				m.Connection.Account = ""
			case "User":
				m.Connection.User = ""
			case "Password":
				m.Connection.Password = ""
			case "Warehouse":
				m.Connection.Warehouse = ""
			case "Database":
				m.Connection.Database = ""
			case "Schema":
				m.Connection.Schema = ""
			}
			if err := m.Validate(); err == nil {
				t.Errorf("expected error for missing %s", f)
			}
		})
	}
}

func TestEmptyFiles(t *testing.T) {
	m := validManifest()
	m.Files = nil
	if err := m.Validate(); err == nil {
		t.Error("expected error for empty files list")
	}
}

func TestPlaceholderRequired(t *testing.T) {
	testCases := []struct {
		name    string
		pattern string
		wantErr bool
		kind    PlaceholderKind
	}{
		{"no placeholder", "sales.tsv", true, PlaceholderNone},
		{"date range", "sales_{date_range}.tsv", false, PlaceholderDateRange},
		{"month", "sales_{month}.tsv", false, PlaceholderMonth},
		{"both", "sales_{date_range}_{month}.tsv", true, PlaceholderNone},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := validManifest()
			m.Files[0].FilePattern = tc.pattern
			err := m.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for pattern %q", tc.pattern)
			}
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if m.Files[0].Placeholder != tc.kind {
					t.Errorf("got placeholder %v, want %v", m.Files[0].Placeholder, tc.kind)
				}
			}
		})
	}
}

func TestInvalidFileFormat(t *testing.T) {
	m := validManifest()
	m.Files[0].FileFormat = "XML"
	if err := m.Validate(); err == nil {
		t.Error("expected error for invalid file_format")
	}
}

func TestDelimiterMustBeOneByte(t *testing.T) {
	m := validManifest()
	m.Files[0].Delimiter = "::"
	if err := m.Validate(); err == nil {
		t.Error("expected error for multi-byte delimiter")
	}
}

func TestDateColumnMustBeInExpectedColumns(t *testing.T) {
	m := validManifest()
	m.Files[0].DateColumn = "missing"
	if err := m.Validate(); err == nil {
		t.Error("expected error for date_column not in expected_columns")
	}
}

func TestDuplicateKeyColumnsMustBeSubset(t *testing.T) {
	m := validManifest()
	m.Files[0].DuplicateKeyColumns = []string{"d", "nope"}
	if err := m.Validate(); err == nil {
		t.Error("expected error for duplicate_key_columns not in expected_columns")
	}
}

func TestExpectedColumnsNonEmpty(t *testing.T) {
	m := validManifest()
	m.Files[0].ExpectedColumns = nil
	if err := m.Validate(); err == nil {
		t.Error("expected error for empty expected_columns")
	}
}
