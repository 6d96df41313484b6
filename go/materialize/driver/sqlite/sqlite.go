package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/estuary/flow-materialize/go/fdb/tuple"
	pf "github.com/estuary/flow-materialize/go/protocols/flow"
	pm "github.com/estuary/flow-materialize/go/protocols/materialize"
	sqlDriver "github.com/estuary/flow-materialize/go/materialize/sql"
	_ "github.com/mattn/go-sqlite3" // Import for register side-effects.
	log "github.com/sirupsen/logrus"
)

// config is the endpoint configuration for sqlite.
type config struct {
	Path string `json:"path"`
}

func (c config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("expected SQLite database configuration `path`")
	}
	return nil
}

type tableConfig struct {
	Table string `json:"table"`
}

func (c *tableConfig) Validate() error {
	if c.Table == "" {
		return fmt.Errorf("expected SQLite database configuration `table`")
	}
	return nil
}

func (c *tableConfig) Path() sqlDriver.ResourcePath { return sqlDriver.ResourcePath{c.Table} }

func (c *tableConfig) DeltaUpdates() bool { return false } // SQLite doesn't support delta updates.

// NewSQLiteDriver returns a sqlDriver.Driver for the sqlite adapter: the
// reference implementation used to test the relational adapter contract
// end to end without a network-reachable database.
func NewSQLiteDriver() *sqlDriver.Driver {
	return &sqlDriver.Driver{
		DocumentationURL: "https://docs.estuary.dev/#FIXME",
		EndpointSpecType: new(config),
		ResourceSpecType: new(tableConfig),
		NewResource:      func(sqlDriver.Endpoint) sqlDriver.Resource { return new(tableConfig) },
		NewEndpoint: func(ctx context.Context, raw json.RawMessage) (sqlDriver.Endpoint, error) {
			var parsed = new(config)
			if err := pf.UnmarshalStrict(raw, parsed); err != nil {
				return nil, fmt.Errorf("parsing SQLite configuration: %w", err)
			}

			if strings.HasPrefix(parsed.Path, ":memory:") {
				// Directly pass to SQLite.
			} else if u, err := url.Parse(parsed.Path); err != nil {
				return nil, fmt.Errorf("parsing path %q: %w", parsed.Path, err)
			} else if !u.IsAbs() {
				return nil, fmt.Errorf("path %q is not absolute", parsed.Path)
			} else if u.Scheme == "file" {
				// We can directly pass file:// schemes to SQLite.
			} else {
				var parts = append([]string{u.Host}, strings.Split(u.Path, "/")...)
				parsed.Path = strings.Join(parts, "_")
				if u.RawQuery != "" {
					parsed.Path += "?" + u.RawQuery
				}
			}

			log.WithField("path", parsed.Path).Info("opening database")

			// go-sqlite3 is fickle about raced opens of a newly created
			// database, often returning "database is locked". Serialize opens.
			sqliteOpenMu.Lock()
			db, err := sql.Open("sqlite3", parsed.Path)
			if err == nil {
				err = db.PingContext(ctx)
			}
			sqliteOpenMu.Unlock()

			if err != nil {
				return nil, fmt.Errorf("opening SQLite database %q: %w", parsed.Path, err)
			}

			return sqlDriver.NewStdEndpoint(db, "", sqlDriver.NewSQLiteGenerator(), sqlDriver.DefaultFlowTables("")), nil
		},
		NewTransactor: func(
			ctx context.Context,
			epi sqlDriver.Endpoint,
			spec *pf.MaterializationSpec,
			fence *sqlDriver.Fence,
			resources []sqlDriver.Resource,
		) (_ pm.Transactor, err error) {
			var ep = epi.(*sqlDriver.StdEndpoint)
			var d = &transactor{
				ep:    ep,
				fence: fence,
			}

			if d.conn, err = ep.DB.Conn(ctx); err != nil {
				return nil, fmt.Errorf("DB.Conn: %w", err)
			}
			if _, err = d.conn.ExecContext(ctx, attachSQL); err != nil {
				return nil, fmt.Errorf("Exec(%s): %w", attachSQL, err)
			}

			for i, binding := range spec.Bindings {
				if err = d.addBinding(ctx, i, binding); err != nil {
					return nil, fmt.Errorf("%s: %w", sqlDriver.ResourcePath(binding.ResourcePath).Join(), err)
				}
			}
			return d, nil
		},
	}
}

// transactor implements pm.Transactor over a single SQLite connection,
// using a connection-scoped temporary "load" database to stage keys
// queried per binding, then a single union-all join against all target
// tables to resolve them in one pass.
type transactor struct {
	ep       *sqlDriver.StdEndpoint
	fence    *sqlDriver.Fence
	conn     *sql.Conn
	loadStmt *sql.Stmt
	txn      *sql.Tx
	bindings []*binding
}

type binding struct {
	target   string
	keys     []string
	values   []string
	document string

	keyInsert *sql.Stmt
	keyDelete *sql.Stmt
	keyQuery  string // One arm of the union-all Load query.

	storeInsert *sql.Stmt
	storeUpdate *sql.Stmt
}

func (t *transactor) addBinding(ctx context.Context, index int, spec *pf.MaterializationSpec_Binding) error {
	var gen = t.ep.Generator()
	var target = sqlDriver.ResourcePath(spec.ResourcePath).Join()

	var b = &binding{
		target:   target,
		keys:     append([]string{}, spec.FieldSelection.Keys...),
		values:   append([]string{}, spec.FieldSelection.Values...),
		document: spec.FieldSelection.Document,
	}

	var keyCols []string
	for _, k := range b.keys {
		keyCols = append(keyCols, gen.Identifier(k))
	}

	var keysTable = fmt.Sprintf("load.keys_%d", index)
	var createSQL = fmt.Sprintf("CREATE TABLE %s (%s);", keysTable, strings.Join(keyCols, ", "))
	if _, err := t.conn.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("creating staging table: %w", err)
	}

	var placeholders []string
	for i := range b.keys {
		placeholders = append(placeholders, gen.Placeholder(i))
	}
	var insertSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		keysTable, strings.Join(keyCols, ", "), strings.Join(placeholders, ", "))

	var err error
	if b.keyInsert, err = t.conn.PrepareContext(ctx, insertSQL); err != nil {
		return fmt.Errorf("preparing key insert: %w", err)
	}
	if b.keyDelete, err = t.conn.PrepareContext(ctx, fmt.Sprintf("DELETE FROM %s;", keysTable)); err != nil {
		return fmt.Errorf("preparing key truncate: %w", err)
	}

	var joins []string
	for _, col := range keyCols {
		joins = append(joins, fmt.Sprintf("l.%s = r.%s", col, col))
	}
	b.keyQuery = fmt.Sprintf("SELECT %d, l.%s FROM %s AS l JOIN %s AS r ON %s",
		index, gen.Identifier(b.document), gen.Identifier(target), keysTable, strings.Join(joins, " AND "))

	var allFields = append(append(append([]string{}, b.keys...), b.values...), b.document)
	var allCols []string
	var allPH []string
	for i, f := range allFields {
		allCols = append(allCols, gen.Identifier(f))
		allPH = append(allPH, gen.Placeholder(i))
	}
	var insertDocSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		gen.Identifier(target), strings.Join(allCols, ", "), strings.Join(allPH, ", "))
	if b.storeInsert, err = t.conn.PrepareContext(ctx, insertDocSQL); err != nil {
		return fmt.Errorf("preparing store insert: %w", err)
	}

	var setCols []string
	var updateFields = append(append([]string{}, b.values...), b.document)
	for i, f := range updateFields {
		setCols = append(setCols, fmt.Sprintf("%s = %s", gen.Identifier(f), gen.Placeholder(i)))
	}
	var whereCols []string
	for i, f := range b.keys {
		whereCols = append(whereCols, fmt.Sprintf("%s = %s", gen.Identifier(f), gen.Placeholder(len(updateFields)+i)))
	}
	var updateSQL = fmt.Sprintf("UPDATE %s SET %s WHERE %s;",
		gen.Identifier(target), strings.Join(setCols, ", "), strings.Join(whereCols, " AND "))
	if b.storeUpdate, err = t.conn.PrepareContext(ctx, updateSQL); err != nil {
		return fmt.Errorf("preparing store update: %w", err)
	}

	t.bindings = append(t.bindings, b)
	return nil
}

func (d *transactor) Load(it *pm.LoadIterator, commitBarrier <-chan struct{}, loaded func(int, json.RawMessage) error) error {
	// Staging and reading share the connection used by the prior round's
	// Commit, so wait for it to land first.
	<-commitBarrier
	for _, b := range d.bindings {
		if _, err := b.keyDelete.Exec(); err != nil {
			return fmt.Errorf("truncating staged keys: %w", err)
		}
	}

	for it.Next() {
		var b = d.bindings[it.Binding()]
		keyPacked, keyJSON := it.Key()

		values, err := decodeKeyOrValues(keyPacked, keyJSON)
		if err != nil {
			return fmt.Errorf("decoding load key: %w", err)
		}
		if _, err := b.keyInsert.Exec(values...); err != nil {
			return fmt.Errorf("staging load key: %w", err)
		}
	}
	if it.Err() != nil {
		return it.Err()
	}

	var subqueries []string
	for _, b := range d.bindings {
		subqueries = append(subqueries, b.keyQuery)
	}
	if len(subqueries) == 0 {
		return nil
	}
	var unionSQL = strings.Join(subqueries, "\nUNION ALL\n") + ";"

	rows, err := d.conn.QueryContext(context.Background(), unionSQL)
	if err != nil {
		return fmt.Errorf("querying Load documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var binding int
		var document sql.RawBytes
		if err := rows.Scan(&binding, &document); err != nil {
			return fmt.Errorf("scanning Load document: %w", err)
		} else if err := loaded(binding, json.RawMessage(document)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (d *transactor) Prepare(prepare *pm.Request_Prepare) (*pm.Response_Prepared, error) {
	d.fence.Checkpoint = prepare.FlowCheckpoint
	return nil, nil
}

func (d *transactor) Store(it *pm.StoreIterator) error {
	var err error
	if d.txn, err = d.conn.BeginTx(context.Background(), nil); err != nil {
		return fmt.Errorf("conn.BeginTx: %w", err)
	}

	for it.Next() {
		var b = d.bindings[it.Binding()]
		keyPacked, keyJSON := it.Key()
		valuesPacked, valuesJSON := it.Values()
		doc := it.Document()

		keyVals, err := decodeKeyOrValues(keyPacked, keyJSON)
		if err != nil {
			return fmt.Errorf("decoding store key: %w", err)
		}
		valueVals, err := decodeKeyOrValues(valuesPacked, valuesJSON)
		if err != nil {
			return fmt.Errorf("decoding store values: %w", err)
		}

		if it.Exists() {
			var args = append(append([]interface{}{}, valueVals...), []interface{}{string(doc)}...)
			args = append(args, keyVals...)
			if _, err := d.txn.Stmt(b.storeUpdate).Exec(args...); err != nil {
				return fmt.Errorf("updating document: %w", err)
			}
		} else {
			var args = append(append(append([]interface{}{}, keyVals...), valueVals...), string(doc))
			if _, err := d.txn.Stmt(b.storeInsert).Exec(args...); err != nil {
				return fmt.Errorf("inserting document: %w", err)
			}
		}
	}
	return it.Err()
}

func (d *transactor) Commit() error {
	var err error
	if d.txn == nil {
		if d.txn, err = d.conn.BeginTx(context.Background(), nil); err != nil {
			return fmt.Errorf("conn.BeginTx: %w", err)
		}
	}

	if err = d.fence.Update(context.Background(), d.fence.Checkpoint,
		func(ctx context.Context, sql string, arguments ...interface{}) (int64, error) {
			result, err := d.txn.ExecContext(ctx, sql, arguments...)
			if err != nil {
				return 0, fmt.Errorf("txn.Exec: %w", err)
			}
			return result.RowsAffected()
		},
	); err != nil {
		d.txn.Rollback()
		d.txn = nil
		return fmt.Errorf("fence.Update: %w", err)
	}

	if err := d.txn.Commit(); err != nil {
		return fmt.Errorf("txn.Commit: %w", err)
	}
	d.txn = nil
	return nil
}

func (d *transactor) Destroy() {
	if d.txn != nil {
		d.txn.Rollback()
	}
	if err := d.conn.Close(); err != nil {
		log.WithField("err", err).Error("failed to close SQLite connection")
	}
}

var sqliteOpenMu sync.Mutex

// decodeKeyOrValues unpacks the C1 packed-tuple encoding into driver
// arguments, falling back to the JSON sibling encoding (a JSON array of the
// same values) when no packed form was sent.
func decodeKeyOrValues(packed []byte, raw json.RawMessage) ([]interface{}, error) {
	if len(packed) > 0 {
		t, err := tuple.Unpack(packed)
		if err != nil {
			return nil, fmt.Errorf("unpacking tuple: %w", err)
		}
		return t.ToInterface(), nil
	}
	return decodeJSONArray(raw)
}

// decodeJSONArray decodes a JSON array of values into a slice suitable for
// database/sql args.
func decodeJSONArray(raw json.RawMessage) ([]interface{}, error) {
	var values []interface{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// We attach a connection-scoped temporary DB to host our "keys to load"
// staging tables, so writes there never contend with the main database's
// locks.
const attachSQL = "ATTACH DATABASE '' AS load;"
