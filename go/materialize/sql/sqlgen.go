package sql

import (
	"fmt"
	"strconv"
	"strings"
)

// ColumnType enumerates the small set of SQL column types this module's
// adapters need to express a Flow collection's projections.
type ColumnType string

const (
	STRING  ColumnType = "STRING"
	INTEGER ColumnType = "INTEGER"
	NUMBER  ColumnType = "NUMBER"
	BOOLEAN ColumnType = "BOOLEAN"
	OBJECT  ColumnType = "OBJECT" // Stored as the database's native JSON type, where available.
)

// Column describes one column of a Table.
type Column struct {
	Name       string
	Identifier string
	Comment    string
	Type       ColumnType
	PrimaryKey bool
	NotNull    bool
}

// Table describes a SQL table this module creates and maintains.
type Table struct {
	Name        string
	Identifier  string
	IfNotExists bool
	Comment     string
	Columns     []Column
}

// PrimaryKey returns the Columns composing the table's primary key, in order.
func (t *Table) PrimaryKey() []Column {
	var out []Column
	for _, c := range t.Columns {
		if c.PrimaryKey {
			out = append(out, c)
		}
	}
	return out
}

// DialectTypes maps a ColumnType to the literal SQL type name of a dialect.
type DialectTypes map[ColumnType]string

// DefaultDialectTypes is a reasonable ANSI-ish mapping, overridden per
// adapter where a target requires different column type names.
var DefaultDialectTypes = DialectTypes{
	STRING:  "TEXT",
	INTEGER: "BIGINT",
	NUMBER:  "DOUBLE PRECISION",
	BOOLEAN: "BOOLEAN",
	OBJECT:  "TEXT",
}

// Generator renders identifiers, placeholders, type names, and CREATE TABLE
// statements for one SQL dialect.
type Generator struct {
	IdentifierRenderer *Renderer
	ValueRenderer      *Renderer
	Types              DialectTypes
	// PlaceholderFn renders the i'th (0-indexed) bound parameter placeholder.
	// Defaults to positional "?" if nil.
	PlaceholderFn func(i int) string
}

// Placeholder renders the i'th (0-indexed) bound parameter placeholder.
func (g *Generator) Placeholder(i int) string {
	if g.PlaceholderFn != nil {
		return g.PlaceholderFn(i)
	}
	return "?"
}

// QuestionPlaceholders is the placeholder function used by sqlite (and most
// database/sql drivers that don't support named or numbered parameters).
func QuestionPlaceholders(i int) string { return "?" }

// NumberedPlaceholders is the placeholder function used by Postgres ($1, $2, ...).
func NumberedPlaceholders(i int) string { return "$" + strconv.Itoa(i+1) }

// Identifier renders name as a dialect-quoted identifier.
func (g *Generator) Identifier(name string) string {
	return g.IdentifierRenderer.Render(name)
}

// TypeName returns the dialect's SQL type name for t.
func (g *Generator) TypeName(t ColumnType) string {
	if name, ok := g.Types[t]; ok {
		return name
	}
	return DefaultDialectTypes[t]
}

// CreateTableStatement renders a CREATE TABLE statement for t.
func (g *Generator) CreateTableStatement(t *Table) (string, error) {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	if t.IfNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(g.Identifier(t.Name))
	b.WriteString(" (\n")

	var pk []string
	for i, col := range t.Columns {
		if i > 0 {
			b.WriteString(",\n")
		}
		b.WriteString("\t")
		b.WriteString(g.Identifier(col.Name))
		b.WriteString(" ")
		b.WriteString(g.TypeName(col.Type))
		if col.NotNull || col.PrimaryKey {
			b.WriteString(" NOT NULL")
		}
		if col.PrimaryKey {
			pk = append(pk, g.Identifier(col.Name))
		}
	}
	if len(pk) != 0 {
		fmt.Fprintf(&b, ",\n\tPRIMARY KEY (%s)", strings.Join(pk, ", "))
	}
	b.WriteString("\n);")
	return b.String(), nil
}

// NewSQLiteGenerator returns a Generator configured for sqlite3.
func NewSQLiteGenerator() *Generator {
	return &Generator{
		IdentifierRenderer: NewRenderer(nil, DoubleQuotesWrapper(), DefaultUnwrappedIdentifiers),
		ValueRenderer:      NewRenderer(DefaultQuoteSanitizer, SingleQuotesWrapper(), nil),
		Types:              DefaultDialectTypes,
		PlaceholderFn:      QuestionPlaceholders,
	}
}

// NewPostgresGenerator returns a Generator configured for Postgres.
func NewPostgresGenerator() *Generator {
	return &Generator{
		IdentifierRenderer: NewRenderer(nil, DoubleQuotesWrapper(), DefaultUnwrappedIdentifiers),
		ValueRenderer:      NewRenderer(DefaultQuoteSanitizer, SingleQuotesWrapper(), nil),
		Types: DialectTypes{
			STRING:  "TEXT",
			INTEGER: "BIGINT",
			NUMBER:  "DOUBLE PRECISION",
			BOOLEAN: "BOOLEAN",
			OBJECT:  "JSONB",
		},
		PlaceholderFn: NumberedPlaceholders,
	}
}
