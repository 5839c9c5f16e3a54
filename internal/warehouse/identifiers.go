package warehouse

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode"

	"github.com/lib/pq"
)

// quotePGIdent safely quotes a PostgreSQL identifier, escaping embedded quotes.
func quotePGIdent(ident string) string {
	return pq.QuoteIdentifier(ident)
}

// quoteMSSQLIdent safely quotes a SQL Server identifier, escaping embedded ].
func quoteMSSQLIdent(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

// quoteSQLiteIdent quotes an SQLite identifier.
func quoteSQLiteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// SanitizeIdentifier converts a configured table or column name to a portable form.
// Rules:
// 1. Convert to lowercase
// 2. Replace non-alphanumeric characters with underscores
// 3. If it starts with a digit, prefix with "col_"
// 4. If empty, fallback to "col_"
func SanitizeIdentifier(ident string) string {
	if ident == "" {
		return "col_"
	}

	s := strings.ToLower(ident)

	var sb strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	s = sb.String()

	if len(s) > 0 && unicode.IsDigit(rune(s[0])) {
		s = "col_" + s
	}
	return s
}

// Normalize sanitizes the table, column and view identifiers of t.
func Normalize(t Table) Table {
	out := Table{
		Name:            SanitizeIdentifier(t.Name),
		PartitionColumn: t.PartitionColumn,
		Columns:         make([]Column, len(t.Columns)),
	}
	if out.PartitionColumn != "" {
		out.PartitionColumn = SanitizeIdentifier(out.PartitionColumn)
	}
	for i, c := range t.Columns {
		out.Columns[i] = Column{Name: SanitizeIdentifier(c.Name), Type: c.Type}
	}
	if t.Latest != nil {
		lv := &LatestView{}
		for _, c := range t.Latest.PartitionBy {
			lv.PartitionBy = append(lv.PartitionBy, SanitizeIdentifier(c))
		}
		for _, c := range t.Latest.OrderBy {
			lv.OrderBy = append(lv.OrderBy, SanitizeIdentifier(c))
		}
		out.Latest = lv
	}
	return out
}

// dialect holds the per-engine SQL fragments shared by the DDL builders.
type dialect struct {
	quote func(string) string
	types map[ColumnType]string
	// rowIDType is the primary key column type (SQL Server cannot index NVARCHAR(MAX)).
	rowIDType string
}

var (
	pgDialect = dialect{
		quote: quotePGIdent,
		types: map[ColumnType]string{
			TypeString:    "TEXT",
			TypeText:      "TEXT",
			TypeInt:       "BIGINT",
			TypeFloat:     "DOUBLE PRECISION",
			TypeBool:      "BOOLEAN",
			TypeTimestamp: "TIMESTAMPTZ",
		},
		rowIDType: "TEXT",
	}
	mssqlDialect = dialect{
		quote: quoteMSSQLIdent,
		types: map[ColumnType]string{
			TypeString:    "NVARCHAR(400)",
			TypeText:      "NVARCHAR(MAX)",
			TypeInt:       "BIGINT",
			TypeFloat:     "FLOAT",
			TypeBool:      "BIT",
			TypeTimestamp: "DATETIMEOFFSET",
		},
		rowIDType: "NVARCHAR(450)",
	}
	sqliteDialect = dialect{
		quote: quoteSQLiteIdent,
		types: map[ColumnType]string{
			TypeString:    "TEXT",
			TypeText:      "TEXT",
			TypeInt:       "INTEGER",
			TypeFloat:     "REAL",
			TypeBool:      "INTEGER",
			TypeTimestamp: "TEXT",
		},
		rowIDType: "TEXT",
	}
)

func (d dialect) columnDef(c Column) string {
	if c.Name == ColRowID {
		return fmt.Sprintf("%s %s NOT NULL PRIMARY KEY", d.quote(c.Name), d.rowIDType)
	}
	return fmt.Sprintf("%s %s NULL", d.quote(c.Name), d.types[c.Type])
}

// createTableBody returns the parenthesised column list for CREATE TABLE.
func (d dialect) createTableBody(t Table) string {
	defs := make([]string, 0, len(t.Columns)+2)
	for _, c := range t.allColumns() {
		defs = append(defs, d.columnDef(c))
	}
	return "(\n\t" + strings.Join(defs, ",\n\t") + "\n)"
}

// latestSelect returns the SELECT behind the latest view.
func (d dialect) latestSelect(t Table, tableRef string) string {
	part := make([]string, len(t.Latest.PartitionBy))
	for i, c := range t.Latest.PartitionBy {
		part[i] = d.quote(c)
	}
	order := make([]string, 0, len(t.Latest.OrderBy)+1)
	for _, c := range t.Latest.OrderBy {
		order = append(order, d.quote(c)+" DESC")
	}
	order = append(order, d.quote(ColIngestedAt)+" DESC")

	cols := make([]string, 0, len(t.Columns)+2)
	for _, c := range t.ColumnNames() {
		cols = append(cols, d.quote(c))
	}
	colList := strings.Join(cols, ", ")

	return fmt.Sprintf("SELECT %s FROM (SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS _rn FROM %s) ranked WHERE _rn = 1",
		colList, colList, strings.Join(part, ", "), strings.Join(order, ", "), tableRef)
}

// missingColumns returns the columns of t not present in existing (case-insensitive).
func missingColumns(t Table, existing map[string]bool) []Column {
	var out []Column
	for _, c := range t.allColumns() {
		if !existing[strings.ToLower(c.Name)] {
			out = append(out, c)
		}
	}
	return out
}

// stagingName returns a temp table name within the given identifier limit.
func stagingName(prefix, table string, maxLen int) string {
	name := prefix + table
	if len(name) > maxLen {
		hash := sha256.Sum256([]byte(table))
		name = fmt.Sprintf("%s%x", prefix, hash[:8])
	}
	return name
}
