package sql

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"

	pf "github.com/estuary/flow-materialize/go/protocols/flow"
	pm "github.com/estuary/flow-materialize/go/protocols/materialize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Fence is an installed barrier in the shared checkpoints table which
// prevents other writers from committing transactions under a lower
// epoch, and prevents this Fence from committing once another writer has
// in turn fenced it off.
type Fence struct {
	// Checkpoint associated with this Fence, recovered at install time.
	Checkpoint []byte

	epoch           int64
	materialization string
	keyBegin        uint32
	keyEnd          uint32

	updateSQL string
}

// LogEntry returns a log.Entry with pre-set fields identifying this Fence.
func (f *Fence) LogEntry() *log.Entry {
	return log.WithFields(log.Fields{
		"materialization": f.materialization,
		"keyBegin":        f.keyBegin,
		"keyEnd":          f.keyEnd,
		"epoch":           f.epoch,
	})
}

// NewFence installs and returns a new *Fence over [keyBegin, keyEnd). On
// return, every older fence which overlaps this range has had its epoch
// raised at least as high, so this Fence can never be a ghost of a stale
// epoch — but it may still be outraced by a concurrent higher-epoch
// installer, in which case its own Update calls will fail.
func (e *StdEndpoint) NewFence(ctx context.Context, name pf.Materialization, keyBegin, keyEnd uint32) (*Fence, error) {
	var materialization = name.String()
	var txn, err = e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("db.BeginTx: %w", err)
	}
	defer func() {
		if txn != nil {
			txn.Rollback()
		}
	}()

	// Raise the epoch of any checkpoint overlapping our key range: this
	// guarantees any writer previously holding one of those rows is fenced
	// off the instant it next tries to Commit.
	if _, err = txn.Exec(
		fmt.Sprintf(`
			UPDATE %s
				SET epoch=epoch+1
				WHERE materialization=%s
				AND key_end>%s
				AND key_begin<%s
			;
			`,
			e.tables.Checkpoints.Identifier,
			e.generator.Placeholder(0),
			e.generator.Placeholder(1),
			e.generator.Placeholder(2),
		),
		materialization, keyBegin, keyEnd,
	); err != nil {
		return nil, fmt.Errorf("raising epoch of overlapping fences: %w", err)
	}

	// Read the checkpoint of the narrowest row fully covering our range,
	// so a shard split inherits its parent's checkpoint rather than
	// starting over.
	var epoch int64
	var readBegin, readEnd uint32
	var checkpointB64 string

	if err = txn.QueryRow(
		fmt.Sprintf(`
			SELECT epoch, key_begin, key_end, checkpoint
				FROM %s
				WHERE materialization=%s
				AND key_begin<=%s
				AND key_end>=%s
				ORDER BY key_end - key_begin ASC
				LIMIT 1
			;
			`,
			e.tables.Checkpoints.Identifier,
			e.generator.Placeholder(0),
			e.generator.Placeholder(1),
			e.generator.Placeholder(2),
		),
		materialization, keyBegin, keyEnd,
	).Scan(&epoch, &readBegin, &readEnd, &checkpointB64); err == sql.ErrNoRows {
		epoch = 1
		checkpointB64 = base64.StdEncoding.EncodeToString(pm.ExplicitZeroCheckpoint)
		readBegin, readEnd = 1, 0 // An invalid range, to force the insert below.
	} else if err != nil {
		return nil, fmt.Errorf("scanning epoch and checkpoint: %w", err)
	}

	// Subdivide: if no row exactly matches our range, insert one now,
	// carrying forward the parent's checkpoint unchanged.
	if readBegin == keyBegin && readEnd == keyEnd {
		// Exists; no-op.
	} else if _, err = txn.Exec(
		fmt.Sprintf(
			"INSERT INTO %s (materialization, key_begin, key_end, checkpoint, epoch) VALUES (%s, %s, %s, %s, %s);",
			e.tables.Checkpoints.Identifier,
			e.generator.Placeholder(0),
			e.generator.Placeholder(1),
			e.generator.Placeholder(2),
			e.generator.Placeholder(3),
			e.generator.Placeholder(4),
		),
		materialization, keyBegin, keyEnd, checkpointB64, epoch,
	); err != nil {
		return nil, fmt.Errorf("inserting subdivided fence: %w", err)
	}

	checkpoint, err := base64.StdEncoding.DecodeString(checkpointB64)
	if err != nil {
		return nil, fmt.Errorf("base64.Decode(checkpoint): %w", err)
	}

	if err = txn.Commit(); err != nil {
		return nil, fmt.Errorf("txn.Commit: %w", err)
	}
	txn = nil

	var updateSQL = fmt.Sprintf(
		"UPDATE %s SET checkpoint=%s WHERE materialization=%s AND key_begin=%s AND key_end=%s AND epoch=%s;",
		e.tables.Checkpoints.Identifier,
		e.generator.Placeholder(0),
		e.generator.Placeholder(1),
		e.generator.Placeholder(2),
		e.generator.Placeholder(3),
		e.generator.Placeholder(4),
	)

	return &Fence{
		Checkpoint:      checkpoint,
		epoch:           epoch,
		materialization: materialization,
		keyBegin:        keyBegin,
		keyEnd:          keyEnd,
		updateSQL:       updateSQL,
	}, nil
}

// ExecFn executes a SQL statement with arguments, returning the number of
// rows affected. It is typically scoped to a database transaction or batch.
type ExecFn func(ctx context.Context, sql string, arguments ...interface{}) (rowsAffected int64, _ error)

// Update persists a new Checkpoint under this Fence's epoch, returning an
// error if this Fence has in turn been fenced off by a higher epoch.
func (f *Fence) Update(ctx context.Context, checkpoint []byte, execFn ExecFn) error {
	f.Checkpoint = checkpoint

	rowsAffected, err := execFn(
		ctx,
		f.updateSQL,
		base64.StdEncoding.EncodeToString(f.Checkpoint),
		f.materialization,
		f.keyBegin,
		f.keyEnd,
		f.epoch,
	)
	if err == nil && rowsAffected != 1 {
		err = errors.Errorf("this transactions session was fenced off by another (epoch %d)", f.epoch)
	}
	return err
}
