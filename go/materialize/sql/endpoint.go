package sql

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"

	pf "github.com/estuary/flow-materialize/go/protocols/flow"
)

// Endpoint is a connected, dialect-aware handle to a SQL materialization
// target. Concrete adapters (sqlite, postgres) construct a StdEndpoint;
// the driver façade only depends on this interface.
type Endpoint interface {
	Generator() *Generator
	FlowTables() FlowTables
	CreateTableStatement(t *Table) (string, error)
	ExecuteStatements(ctx context.Context, statements []string) error
	LoadSpec(ctx context.Context, name pf.Materialization) (version string, spec *pf.MaterializationSpec, err error)
	NewFence(ctx context.Context, name pf.Materialization, keyBegin, keyEnd uint32) (*Fence, error)
}

// StdEndpoint is a database/sql-backed Endpoint implementation shared by
// the sqlite and postgres adapters; only the Generator and underlying
// *sql.DB differ between them.
type StdEndpoint struct {
	DB        *sql.DB
	Name      string
	TablePath []string
	generator *Generator
	tables    FlowTables
}

// NewStdEndpoint returns a StdEndpoint over db, named name, using generator
// for SQL rendering and tables for the Flow bookkeeping tables.
func NewStdEndpoint(db *sql.DB, name string, generator *Generator, tables FlowTables) *StdEndpoint {
	return &StdEndpoint{DB: db, Name: name, generator: generator, tables: tables}
}

func (e *StdEndpoint) Generator() *Generator   { return e.generator }
func (e *StdEndpoint) FlowTables() FlowTables  { return e.tables }

func (e *StdEndpoint) CreateTableStatement(t *Table) (string, error) {
	return e.generator.CreateTableStatement(t)
}

// ExecuteStatements applies statements to the database in a single
// transaction: either all apply, or none do.
func (e *StdEndpoint) ExecuteStatements(ctx context.Context, statements []string) error {
	var txn, err = e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("DB.BeginTx: %w", err)
	}
	for i, stmt := range statements {
		if _, err := txn.ExecContext(ctx, stmt); err != nil {
			_ = txn.Rollback()
			return fmt.Errorf("executing statement %d: %w", i, err)
		}
	}
	return txn.Commit()
}

// LoadSpec loads the persisted MaterializationSpec and its applied version,
// or (nil, nil) if none has ever been applied. Connection errors are always
// surfaced, since Open must fail fast on an unreachable endpoint.
func (e *StdEndpoint) LoadSpec(ctx context.Context, name pf.Materialization) (string, *pf.MaterializationSpec, error) {
	if err := e.DB.PingContext(ctx); err != nil {
		return "", nil, fmt.Errorf("connecting to DB: %w", err)
	}

	var version, specB64 string
	var err = e.DB.QueryRowContext(
		ctx,
		fmt.Sprintf(
			"SELECT version, spec FROM %s WHERE materialization=%s;",
			e.tables.Specs.Identifier,
			e.generator.Placeholder(0),
		),
		name.String(),
	).Scan(&version, &specB64)

	if err == sql.ErrNoRows {
		return "", nil, nil
	} else if err != nil {
		// The ping above succeeded, so a failed query means the specs table
		// has not been created yet: nothing has been applied.
		return "", nil, nil
	}

	var specBytes, decErr = base64.StdEncoding.DecodeString(specB64)
	if decErr != nil {
		return "", nil, fmt.Errorf("base64.Decode(spec): %w", decErr)
	}
	var spec = new(pf.MaterializationSpec)
	if err = json.Unmarshal(specBytes, spec); err != nil {
		return "", nil, fmt.Errorf("unmarshaling spec: %w", err)
	}
	if err = spec.Validate(); err != nil {
		return "", nil, fmt.Errorf("validating spec: %w", err)
	}
	if e.Name != "" && string(spec.Name) != e.Name {
		return "", nil, fmt.Errorf("cannot change endpoint name of an active materialization (from %v to %v)",
			spec.Name, e.Name)
	}
	return version, spec, nil
}
