// Package warehouse implements the stage-and-merge materialization
// pattern: documents are staged to cloud object storage as they're
// stored, then bulk-loaded into the warehouse table with a single
// COPY (for insert-only bindings) or merged with one INSERT ... ON
// CONFLICT DO UPDATE statement per staged document, all sent as a single
// batch (for bindings that may overwrite an existing key). Both paths and
// the checkpoint update commit in one transaction per round.
package warehouse

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	pgxStd "github.com/jackc/pgx/v4/stdlib"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/flow-materialize/go/fdb/tuple"
	pf "github.com/estuary/flow-materialize/go/protocols/flow"
	pm "github.com/estuary/flow-materialize/go/protocols/materialize"
	sqlDriver "github.com/estuary/flow-materialize/go/materialize/sql"
)

// config is the endpoint configuration for the stage-and-merge adapter:
// a GCS bucket used as the staging area, and the Postgres-compatible
// warehouse connection the staged documents are merged into.
type config struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix,omitempty"`

	Host     string `json:"host"`
	Port     uint16 `json:"port,omitempty"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname,omitempty"`

	tempdir string
}

func (c config) Validate() error {
	var required = [][]string{
		{"bucket", c.Bucket}, {"host", c.Host}, {"user", c.User}, {"password", c.Password},
	}
	for _, r := range required {
		if r[1] == "" {
			return fmt.Errorf("missing warehouse configuration property: '%s'", r[0])
		}
	}
	return nil
}

func (c config) toURI() string {
	var host = c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", host, c.Port)
	}
	return fmt.Sprintf("postgres://%s@%s/%s", c.User, host, c.DBName)
}

type tableConfig struct {
	Table string `json:"table"`
	Delta bool   `json:"delta_updates,omitempty"`
}

func (c *tableConfig) Validate() error {
	if c.Table == "" {
		return fmt.Errorf("expected table")
	}
	return nil
}

func (c *tableConfig) Path() sqlDriver.ResourcePath { return sqlDriver.ResourcePath{c.Table} }
func (c *tableConfig) DeltaUpdates() bool           { return c.Delta }

// NewWarehouseDriver returns a sqlDriver.Driver implementing the
// stage-and-merge pattern: scratch files of staged documents are
// uploaded to GCS for durability/replay, then merged into the target
// table via Postgres COPY (insert-only bindings) or a batched
// INSERT ... ON CONFLICT DO UPDATE (bindings that may overwrite a key).
func NewWarehouseDriver(tempdir string) *sqlDriver.Driver {
	return &sqlDriver.Driver{
		DocumentationURL: "https://docs.estuary.dev/#FIXME",
		EndpointSpecType: new(config),
		ResourceSpecType: new(tableConfig),
		NewResource:      func(sqlDriver.Endpoint) sqlDriver.Resource { return new(tableConfig) },
		NewEndpoint: func(ctx context.Context, raw json.RawMessage) (sqlDriver.Endpoint, error) {
			var parsed config
			if err := pf.UnmarshalStrict(raw, &parsed); err != nil {
				return nil, fmt.Errorf("parsing warehouse configuration: %w", err)
			}
			if err := parsed.Validate(); err != nil {
				return nil, fmt.Errorf("warehouse configuration is invalid: %w", err)
			}
			parsed.tempdir = tempdir

			db, err := sql.Open("pgx", parsed.toURI())
			if err != nil {
				return nil, fmt.Errorf("opening warehouse connection: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("connecting to warehouse: %w", err)
			}

			var gcs, gcsErr = storage.NewClient(ctx)
			if gcsErr != nil {
				return nil, fmt.Errorf("building GCS client: %w", gcsErr)
			}

			return &endpoint{
				StdEndpoint: sqlDriver.NewStdEndpoint(db, "", sqlDriver.NewPostgresGenerator(), sqlDriver.DefaultFlowTables("")),
				cfg:         parsed,
				gcs:         gcs,
			}, nil
		},
		NewTransactor: func(
			ctx context.Context,
			epi sqlDriver.Endpoint,
			spec *pf.MaterializationSpec,
			fence *sqlDriver.Fence,
			resources []sqlDriver.Resource,
		) (pm.Transactor, error) {
			var ep = epi.(*endpoint)
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

// endpoint wraps sqlDriver.StdEndpoint with the GCS client staging
// area used between Store and Commit.
type endpoint struct {
	*sqlDriver.StdEndpoint
	cfg config
	gcs *storage.Client
}

type transactor struct {
	ep    *endpoint
	conn  *pgx.Conn
	fence *sqlDriver.Fence

	bindings []*binding
}

type binding struct {
	target   string
	keys     []string
	values   []string
	document string

	stage *scratchFile
}

func (d *transactor) addBinding(ctx context.Context, spec *pf.MaterializationSpec_Binding) error {
	var stage, err = newScratchFile(d.ep.cfg.tempdir)
	if err != nil {
		return fmt.Errorf("newScratchFile: %w", err)
	}
	d.bindings = append(d.bindings, &binding{
		target:   sqlDriver.ResourcePath(spec.ResourcePath).Join(),
		keys:     append([]string{}, spec.FieldSelection.Keys...),
		values:   append([]string{}, spec.FieldSelection.Values...),
		document: spec.FieldSelection.Document,
		stage:    stage,
	})
	return nil
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
	// The key staging table is ON COMMIT DELETE ROWS, so staging and the
	// join share one transaction, which is rolled back once read.
	txn, err := d.conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer txn.Rollback(ctx)

	var subqueries []string
	for idx, rows := range byBinding {
		var b = d.bindings[idx]
		var tempTable = fmt.Sprintf("flow_load_key_tmp_%d", idx)
		var colDefs []string
		for _, k := range b.keys {
			colDefs = append(colDefs, fmt.Sprintf("%s TEXT", k))
		}
		if _, err := txn.Exec(ctx, fmt.Sprintf(
			"CREATE TEMPORARY TABLE IF NOT EXISTS %s (%s) ON COMMIT DELETE ROWS;", tempTable, strings.Join(colDefs, ", "))); err != nil {
			return fmt.Errorf("creating load staging table: %w", err)
		}
		if _, err := txn.CopyFrom(ctx, pgx.Identifier{tempTable}, b.keys, &rowSource{rows: rows}); err != nil {
			return fmt.Errorf("copying keys to %s: %w", tempTable, err)
		}

		var joins []string
		for _, k := range b.keys {
			joins = append(joins, fmt.Sprintf("l.%s = r.%s::text", k, k))
		}
		subqueries = append(subqueries, fmt.Sprintf("SELECT %d, l.%s FROM %s AS l JOIN %s AS r ON %s",
			idx, b.document, b.target, tempTable, strings.Join(joins, " AND ")))
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
	return rows.Err()
}

func (d *transactor) Prepare(prepare *pm.Request_Prepare) (*pm.Response_Prepared, error) {
	d.fence.Checkpoint = prepare.FlowCheckpoint
	return nil, nil
}

// staged is a single document awaiting Commit, recording which fields
// composed it so the merge statement can be built without re-deriving
// column order from the spec.
type staged struct {
	Key    []interface{} `json:"key"`
	Values []interface{} `json:"values"`
	Doc    string        `json:"doc"`
	Exists bool          `json:"exists"`
}

func (d *transactor) Store(it *pm.StoreIterator) error {
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

		var row = staged{Key: keyVals, Values: valueVals, Doc: string(doc), Exists: it.Exists()}
		if err := b.stage.Encode(row); err != nil {
			return fmt.Errorf("encoding staged document: %w", err)
		}
	}
	return it.Err()
}

func (d *transactor) Commit() error {
	var ctx = context.Background()

	commitTxn, err := d.conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer commitTxn.Rollback(ctx)

	for _, b := range d.bindings {
		rows, err := b.stage.replay()
		if err != nil {
			return fmt.Errorf("replaying staged documents: %w", err)
		}
		if len(rows) == 0 {
			continue
		}

		if err := d.ep.stageToGCS(ctx, b.target, b.stage); err != nil {
			return fmt.Errorf("staging to GCS: %w", err)
		}

		var anyExists = false
		for _, r := range rows {
			if r.Exists {
				anyExists = true
				break
			}
		}

		if !anyExists {
			// Insert-only fast path: bulk COPY, the relational analogue
			// of a warehouse's COPY INTO from a staged file.
			var cols = append(append(append([]string{}, b.keys...), b.values...), b.document)
			if _, err := commitTxn.CopyFrom(ctx, pgx.Identifier{b.target}, cols, &stagedCopySource{rows: rows}); err != nil {
				return fmt.Errorf("COPY into %s: %w", b.target, err)
			}
		} else {
			// MERGE analogue: one INSERT ... ON CONFLICT DO UPDATE per row.
			var txn, err = commitTxn.Begin(ctx)
			if err != nil {
				return fmt.Errorf("BeginTx: %w", err)
			}
			var batch pgx.Batch
			for _, r := range rows {
				var cols = append(append(append([]string{}, b.keys...), b.values...), b.document)
				var placeholders []string
				var args []interface{}
				for i := range cols {
					placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
				}
				args = append(append(append([]interface{}{}, r.Key...), r.Values...), r.Doc)

				var setCols []string
				for _, v := range append(append([]string{}, b.values...), b.document) {
					setCols = append(setCols, fmt.Sprintf("%s = EXCLUDED.%s", v, v))
				}
				batch.Queue(fmt.Sprintf(
					"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s;",
					b.target, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
					strings.Join(b.keys, ", "), strings.Join(setCols, ", ")), args...)
			}
			var results = txn.SendBatch(ctx, &batch)
			for range rows {
				if _, err := results.Exec(); err != nil {
					results.Close()
					txn.Rollback(ctx)
					return fmt.Errorf("merging into %s: %w", b.target, err)
				}
			}
			results.Close()
			if err := txn.Commit(ctx); err != nil {
				return fmt.Errorf("committing merge: %w", err)
			}
		}
		b.stage.reset()
	}

	if err := d.fence.Update(ctx, d.fence.Checkpoint,
		func(ctx context.Context, sql string, args ...interface{}) (int64, error) {
			result, err := commitTxn.Exec(ctx, sql, args...)
			if err != nil {
				return 0, fmt.Errorf("updating flow checkpoint: %w", err)
			}
			return result.RowsAffected(), nil
		},
	); err != nil {
		return fmt.Errorf("fence.Update: %w", err)
	}
	if err := commitTxn.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (d *transactor) Destroy() {
	for _, b := range d.bindings {
		b.stage.destroy()
	}
	if err := d.conn.Close(context.Background()); err != nil {
		log.WithField("err", err).Error("failed to close warehouse connection")
	}
}

// stageToGCS uploads the round's staged documents to the bucket as a
// newline-delimited JSON object, giving every round a durable, replayable
// artifact independent of the warehouse's own state.
func (e *endpoint) stageToGCS(ctx context.Context, target string, stage *scratchFile) error {
	var data, err = os.ReadFile(stage.file.Name())
	if err != nil {
		return fmt.Errorf("reading scratch file: %w", err)
	}
	var objectName = fmt.Sprintf("%s%s/%s.json", e.cfg.Prefix, target, stage.uuid.String())
	var w = e.gcs.Bucket(e.cfg.Bucket).Object(objectName).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing GCS object: %w", err)
	}
	return w.Close()
}

// scratchFile buffers one round's worth of staged documents for one
// binding to a local temp file, to be replayed and uploaded at Commit.
type scratchFile struct {
	uuid uuid.UUID
	file *os.File
	bw   *bufio.Writer
	enc  *json.Encoder
}

func newScratchFile(tempdir string) (*scratchFile, error) {
	var id, err = uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	var path = filepath.Join(tempdir, id.String())
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating scratch %q: %w", path, err)
	}
	var bw = bufio.NewWriter(file)
	return &scratchFile{uuid: id, file: file, bw: bw, enc: json.NewEncoder(bw)}, nil
}

func (f *scratchFile) Encode(v interface{}) error { return f.enc.Encode(v) }

// replay flushes buffered writes and decodes every staged row back out,
// in order, for Commit to act on.
func (f *scratchFile) replay() ([]staged, error) {
	if err := f.bw.Flush(); err != nil {
		return nil, fmt.Errorf("flushing scratch file: %w", err)
	}
	data, err := os.ReadFile(f.file.Name())
	if err != nil {
		return nil, fmt.Errorf("reading scratch file: %w", err)
	}
	var rows []staged
	var dec = json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var r staged
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("decoding staged row: %w", err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func (f *scratchFile) reset() {
	f.file.Truncate(0)
	f.file.Seek(0, 0)
	f.bw.Reset(f.file)
}

func (f *scratchFile) destroy() {
	os.Remove(f.file.Name())
	f.file.Close()
}

type rowSource struct {
	rows [][]interface{}
	i    int
}

func (s *rowSource) Next() bool                       { s.i++; return s.i <= len(s.rows) }
func (s *rowSource) Values() ([]interface{}, error)    { return s.rows[s.i-1], nil }
func (s *rowSource) Err() error                        { return nil }

type stagedCopySource struct {
	rows []staged
	i    int
}

func (s *stagedCopySource) Next() bool { s.i++; return s.i <= len(s.rows) }
func (s *stagedCopySource) Values() ([]interface{}, error) {
	var r = s.rows[s.i-1]
	return append(append(append([]interface{}{}, r.Key...), r.Values...), r.Doc), nil
}
func (s *stagedCopySource) Err() error { return nil }

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
