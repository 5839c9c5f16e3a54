package warehouse

import (
	"strings"
	"testing"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Issues", "issues"},
		{"jira issues", "jira_issues"},
		{"fix-versions", "fix_versions"},
		{"_ingested_at", "_ingested_at"},
		{"2fa_enabled", "col_2fa_enabled"},
		{"", "col_"},
	}
	for _, tt := range tests {
		if got := SanitizeIdentifier(tt.in); got != tt.want {
			t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQuoteIdentifiers(t *testing.T) {
	if got := quotePGIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("quotePGIdent = %s", got)
	}
	if got := quoteMSSQLIdent("we]ird"); got != "[we]]ird]" {
		t.Errorf("quoteMSSQLIdent = %s", got)
	}
	if got := quoteSQLiteIdent(`a"b`); got != `"a""b"` {
		t.Errorf("quoteSQLiteIdent = %s", got)
	}
}

func TestNormalizeKeepsLatestView(t *testing.T) {
	in := Table{
		Name:            "Jira Issues",
		PartitionColumn: "Project Key",
		Columns:         []Column{{Name: "Issue Key", Type: TypeString}},
		Latest:          &LatestView{PartitionBy: []string{"Issue Key"}, OrderBy: []string{"Updated"}},
	}
	out := Normalize(in)
	if out.Name != "jira_issues" || out.PartitionColumn != "project_key" {
		t.Errorf("Normalize() = %+v", out)
	}
	if out.Columns[0].Name != "issue_key" || out.Latest.OrderBy[0] != "updated" {
		t.Errorf("Normalize() columns/view = %+v %+v", out.Columns, out.Latest)
	}
	if out.ViewName() != "jira_issues_latest" {
		t.Errorf("ViewName() = %s", out.ViewName())
	}
}

func TestCreateTableBodyPerDialect(t *testing.T) {
	tbl := Table{Name: "t", Columns: []Column{{Name: "n", Type: TypeInt}, {Name: "at", Type: TypeTimestamp}}}

	tests := []struct {
		name string
		d    dialect
		want []string
	}{
		{"postgres", pgDialect, []string{`"row_id" TEXT NOT NULL PRIMARY KEY`, `"_ingested_at" TIMESTAMPTZ NULL`, `"n" BIGINT NULL`}},
		{"mssql", mssqlDialect, []string{"[row_id] NVARCHAR(450) NOT NULL PRIMARY KEY", "[at] DATETIMEOFFSET NULL"}},
		{"sqlite", sqliteDialect, []string{`"n" INTEGER NULL`, `"at" TEXT NULL`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.d.createTableBody(tbl)
			for _, w := range tt.want {
				if !strings.Contains(body, w) {
					t.Errorf("body missing %q:\n%s", w, body)
				}
			}
		})
	}
}

func TestLatestSelect(t *testing.T) {
	tbl := Table{
		Name:    "issues",
		Columns: []Column{{Name: "issue_key"}, {Name: "updated"}},
		Latest:  &LatestView{PartitionBy: []string{"issue_key"}, OrderBy: []string{"updated"}},
	}
	got := pgDialect.latestSelect(tbl, `"public"."issues"`)
	for _, w := range []string{
		`PARTITION BY "issue_key"`,
		`ORDER BY "updated" DESC, "_ingested_at" DESC`,
		`FROM "public"."issues"`,
		"WHERE _rn = 1",
	} {
		if !strings.Contains(got, w) {
			t.Errorf("latestSelect missing %q:\n%s", w, got)
		}
	}
}

func TestMissingColumns(t *testing.T) {
	tbl := Table{Name: "t", Columns: []Column{{Name: "a"}, {Name: "B"}}}
	got := missingColumns(tbl, map[string]bool{"row_id": true, "_ingested_at": true, "a": true})
	if len(got) != 1 || got[0].Name != "B" {
		t.Errorf("missingColumns() = %+v", got)
	}
}

func TestStagingName(t *testing.T) {
	if got := stagingName("_stg_", "issues", 63); got != "_stg_issues" {
		t.Errorf("stagingName() = %s", got)
	}
	long := strings.Repeat("x", 80)
	got := stagingName("_stg_", long, 63)
	if len(got) > 63 || !strings.HasPrefix(got, "_stg_") {
		t.Errorf("stagingName(long) = %s (len %d)", got, len(got))
	}
	if got != stagingName("_stg_", long, 63) {
		t.Error("stagingName is not deterministic")
	}
}
