package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/estuary/flow-materialize/go/fdb/tuple"
	pf "github.com/estuary/flow-materialize/go/protocols/flow"
	pm "github.com/estuary/flow-materialize/go/protocols/materialize"
	sqlDriver "github.com/estuary/flow-materialize/go/materialize/sql"
	"github.com/jackc/pgx/v4"
	pgxStd "github.com/jackc/pgx/v4/stdlib"
	log "github.com/sirupsen/logrus"
)

// config is the endpoint configuration for connections to Postgres. Its
// field names must match the ones defined for the source specs (flow.yaml)
// on the runtime side.
type config struct {
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
}

func (c config) Validate() error {
	var required = [][]string{
		{"host", c.Host}, {"user", c.User}, {"password", c.Password},
	}
	for _, r := range required {
		if r[1] == "" {
			return fmt.Errorf("missing database configuration property: '%s'", r[0])
		}
	}
	return nil
}

func (c config) ToURI() string {
	var host = c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", host, c.Port)
	}
	var uri = url.URL{
		Scheme: "postgres",
		Host:   host,
		User:   url.UserPassword(c.User, c.Password),
	}
	if c.DBName != "" {
		uri.Path = "/" + c.DBName
	}
	return uri.String()
}

type tableConfig struct {
	Table  string `json:"table"`
	Schema string `json:"schema,omitempty"`
	Delta  bool   `json:"delta_updates,omitempty"`
}

func (c *tableConfig) Validate() error {
	if c.Table == "" {
		return fmt.Errorf("missing table")
	}
	return nil
}

func (c *tableConfig) Path() sqlDriver.ResourcePath {
	if c.Schema != "" {
		return sqlDriver.ResourcePath{c.Schema, c.Table}
	}
	return sqlDriver.ResourcePath{c.Table}
}

func (c *tableConfig) DeltaUpdates() bool { return c.Delta }

// NewPostgresDriver returns a sqlDriver.Driver for the production Postgres
// adapter: pgx-backed COPY-staged Load and batched Store/Commit.
func NewPostgresDriver() *sqlDriver.Driver {
	return &sqlDriver.Driver{
		DocumentationURL: "https://docs.estuary.dev/#FIXME",
		EndpointSpecType: new(config),
		ResourceSpecType: new(tableConfig),
		NewResource:      func(sqlDriver.Endpoint) sqlDriver.Resource { return new(tableConfig) },
		NewEndpoint: func(ctx context.Context, raw json.RawMessage) (sqlDriver.Endpoint, error) {
			var parsed config
			if err := pf.UnmarshalStrict(raw, &parsed); err != nil {
				return nil, fmt.Errorf("parsing Postgres configuration: %w", err)
			}
			if err := parsed.Validate(); err != nil {
				return nil, fmt.Errorf("Postgres configuration is invalid: %w", err)
			}

			db, err := sql.Open("pgx", parsed.ToURI())
			if err != nil {
				return nil, fmt.Errorf("opening Postgres database: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("connecting to Postgres: %w", err)
			}

			return sqlDriver.NewStdEndpoint(db, "", sqlDriver.NewPostgresGenerator(), sqlDriver.DefaultFlowTables("")), nil
		},
		NewTransactor: func(
			ctx context.Context,
			epi sqlDriver.Endpoint,
			spec *pf.MaterializationSpec,
			fence *sqlDriver.Fence,
			resources []sqlDriver.Resource,
		) (pm.Transactor, error) {
			var ep = epi.(*sqlDriver.StdEndpoint)
			conn, err := pgxStd.AcquireConn(ep.DB)
			if err != nil {
				return nil, fmt.Errorf("acquiring pgx connection: %w", err)
			}

			var d = &transactor{ep: ep, conn: conn, fence: fence}
			for _, binding := range spec.Bindings {
				if err := d.addBinding(ctx, binding); err != nil {
					return nil, fmt.Errorf("%s: %w", sqlDriver.ResourcePath(binding.ResourcePath).Join(), err)
				}
			}
			return d, nil
		},
	}
}

// transactor implements pm.Transactor by staging Load keys into a
// temporary table via pgx's COPY protocol, joining it against the target
// table for one query per round, then batching every round's Store calls
// (plus the fence's checkpoint update) into a single pgx.Batch committed
// with the round's transaction.
type transactor struct {
	ep    *sqlDriver.StdEndpoint
	conn  *pgx.Conn
	fence *sqlDriver.Fence

	bindings []*binding
	txn      pgx.Tx

	pendingBatch  *pgx.Batch
	pendingStored int
}

type binding struct {
	target    string
	keys      []string
	values    []string
	document  string
	tempTable string
	loadSQL   string
}

func (d *transactor) addBinding(ctx context.Context, spec *pf.MaterializationSpec_Binding) error {
	var gen = d.ep.Generator()
	var target = sqlDriver.ResourcePath(spec.ResourcePath).Join()
	var index = len(d.bindings)

	var b = &binding{
		target:    target,
		keys:      append([]string{}, spec.FieldSelection.Keys...),
		values:    append([]string{}, spec.FieldSelection.Values...),
		document:  spec.FieldSelection.Document,
		tempTable: fmt.Sprintf("flow_load_key_tmp_%d", index),
	}

	var colDefs []string
	for _, k := range b.keys {
		var proj = spec.Collection.GetProjection(k)
		colDefs = append(colDefs, fmt.Sprintf("%s %s", gen.Identifier(k), gen.TypeName(columnTypeOf(proj))))
	}
	var createTemp = fmt.Sprintf(
		"CREATE TEMPORARY TABLE %s (%s) ON COMMIT DELETE ROWS;",
		b.tempTable, strings.Join(colDefs, ", "),
	)
	if _, err := d.conn.Exec(ctx, createTemp); err != nil {
		return fmt.Errorf("creating temp table: %w", err)
	}

	var joins []string
	for _, k := range b.keys {
		joins = append(joins, fmt.Sprintf("l.%s = r.%s", gen.Identifier(k), gen.Identifier(k)))
	}
	b.loadSQL = fmt.Sprintf("SELECT %d, l.%s FROM %s AS l JOIN %s AS r ON %s",
		index, gen.Identifier(b.document), gen.Identifier(target), b.tempTable, strings.Join(joins, " AND "))

	d.bindings = append(d.bindings, b)
	return nil
}

func columnTypeOf(proj *pf.Projection) sqlDriver.ColumnType {
	if proj.IsRootDocumentProjection() {
		return sqlDriver.OBJECT
	}
	for _, t := range proj.Inference.Types {
		switch t {
		case "integer":
			return sqlDriver.INTEGER
		case "number":
			return sqlDriver.NUMBER
		case "boolean":
			return sqlDriver.BOOLEAN
		case "object", "array":
			return sqlDriver.OBJECT
		}
	}
	return sqlDriver.STRING
}

func (d *transactor) Load(it *pm.LoadIterator, commitBarrier <-chan struct{}, loaded func(int, json.RawMessage) error) error {
	var ctx = context.Background()
	var byBinding = make(map[int][][]interface{})

	for it.Next() {
		var idx = it.Binding()
		keyPacked, keyJSON := it.Key()
		values, err := decodeKeyOrValues(keyPacked, keyJSON)
		if err != nil {
			return fmt.Errorf("decoding load key: %w", err)
		}
		byBinding[idx] = append(byBinding[idx], values)
	}
	if it.Err() != nil {
		return it.Err()
	}
	if len(byBinding) == 0 {
		return nil
	}

	// The prior round's Commit shares d.conn and must land before reading.
	<-commitBarrier
	txn, err := d.conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer txn.Rollback(ctx)

	var subqueries []string
	for idx, rows := range byBinding {
		var b = d.bindings[idx]
		if _, err := txn.CopyFrom(ctx, pgx.Identifier{b.tempTable}, b.keys, &rowSource{rows: rows}); err != nil {
			return fmt.Errorf("copying keys to %s: %w", b.tempTable, err)
		}
		subqueries = append(subqueries, b.loadSQL)
	}
	var unionSQL = strings.Join(subqueries, "\nUNION ALL\n") + ";"

	rows, err := txn.Query(ctx, unionSQL)
	if err != nil {
		return fmt.Errorf("querying Load documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var binding int
		var document json.RawMessage
		if err := rows.Scan(&binding, &document); err != nil {
			return fmt.Errorf("scanning Load document: %w", err)
		} else if err := loaded(binding, document); err != nil {
			return err
		}
	}
	if rows.Err() != nil {
		return rows.Err()
	}
	return txn.Commit(ctx)
}

func (d *transactor) Prepare(prepare *pm.Request_Prepare) (*pm.Response_Prepared, error) {
	d.fence.Checkpoint = prepare.FlowCheckpoint
	return nil, nil
}

func (d *transactor) Store(it *pm.StoreIterator) error {
	var ctx = context.Background()
	var err error
	if d.txn, err = d.conn.BeginTx(ctx, pgx.TxOptions{}); err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}

	var batch = &pgx.Batch{}
	var stored = 0
	for it.Next() {
		stored++
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

		var gen = d.ep.Generator()
		if it.Exists() {
			var setCols, whereCols []string
			var args []interface{}
			var i = 0
			for j, f := range b.values {
				setCols = append(setCols, fmt.Sprintf("%s = %s", gen.Identifier(f), gen.Placeholder(i)))
				args = append(args, valueVals[j])
				i++
			}
			setCols = append(setCols, fmt.Sprintf("%s = %s", gen.Identifier(b.document), gen.Placeholder(i)))
			args = append(args, string(doc))
			i++
			for j, f := range b.keys {
				whereCols = append(whereCols, fmt.Sprintf("%s = %s", gen.Identifier(f), gen.Placeholder(i)))
				args = append(args, keyVals[j])
				i++
			}
			batch.Queue(fmt.Sprintf("UPDATE %s SET %s WHERE %s;",
				gen.Identifier(b.target), strings.Join(setCols, ", "), strings.Join(whereCols, " AND ")), args...)
		} else {
			var cols []string
			var placeholders []string
			var args []interface{}
			var i = 0
			for _, f := range b.keys {
				cols = append(cols, gen.Identifier(f))
				placeholders = append(placeholders, gen.Placeholder(i))
				i++
			}
			for _, f := range b.values {
				cols = append(cols, gen.Identifier(f))
				placeholders = append(placeholders, gen.Placeholder(i))
				i++
			}
			cols = append(cols, gen.Identifier(b.document))
			placeholders = append(placeholders, gen.Placeholder(i))
			args = append(append(append([]interface{}{}, keyVals...), valueVals...), string(doc))

			batch.Queue(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
				gen.Identifier(b.target), strings.Join(cols, ", "), strings.Join(placeholders, ", ")), args...)
		}
	}
	if it.Err() != nil {
		return it.Err()
	}

	d.pendingBatch = batch
	d.pendingStored = stored
	return nil
}

func (d *transactor) Commit() error {
	var ctx = context.Background()
	var logEntry = d.fence.LogEntry()

	if err := d.fence.Update(ctx, d.fence.Checkpoint,
		func(ctx context.Context, sql string, args ...interface{}) (int64, error) {
			var batch = d.pendingBatch
			if batch == nil {
				batch = &pgx.Batch{}
			}
			batch.Queue(sql, args...)

			logEntry.WithField("nDocs", d.pendingStored).Debug("sending batch")
			var results = d.txn.SendBatch(ctx, batch)
			for i := 0; i < d.pendingStored; i++ {
				if _, err := results.Exec(); err != nil {
					return 0, fmt.Errorf("executing store at index %d: %w", i, err)
				}
			}
			fenceResult, err := results.Exec()
			if err != nil {
				return 0, fmt.Errorf("updating flow checkpoint: %w", err)
			}
			if err := results.Close(); err != nil {
				return 0, fmt.Errorf("closing batch results: %w", err)
			}
			return fenceResult.RowsAffected(), nil
		},
	); err != nil {
		d.txn.Rollback(ctx)
		return fmt.Errorf("fence.Update: %w", err)
	}

	if err := d.txn.Commit(ctx); err != nil {
		return fmt.Errorf("txn.Commit: %w", err)
	}
	d.pendingBatch, d.pendingStored = nil, 0
	return nil
}

func (d *transactor) Destroy() {
	if err := d.conn.Close(context.Background()); err != nil {
		log.WithField("err", err).Error("failed to close Postgres connection")
	}
}

// rowSource adapts pre-decoded rows to pgx.CopyFromSource for COPY FROM
// staging of Load keys.
type rowSource struct {
	rows []([]interface{})
	i    int
}

func (s *rowSource) Next() bool { s.i++; return s.i <= len(s.rows) }
func (s *rowSource) Values() ([]interface{}, error) {
	return s.rows[s.i-1], nil
}
func (s *rowSource) Err() error { return nil }

// decodeKeyOrValues unpacks the C1 packed-tuple encoding into driver
// arguments, falling back to the JSON sibling encoding when no packed form
// was sent.
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

func decodeJSONArray(raw json.RawMessage) ([]interface{}, error) {
	var values []interface{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}
	return values, nil
}
