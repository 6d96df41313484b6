package sql

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	pf "github.com/estuary/flow-materialize/go/protocols/flow"
	pm "github.com/estuary/flow-materialize/go/protocols/materialize"
)

func newTestEndpoint(t *testing.T) *StdEndpoint {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)

	var ep = NewStdEndpoint(db, "", NewSQLiteGenerator(), DefaultFlowTables(""))
	stmt, err := ep.CreateTableStatement(ep.FlowTables().Checkpoints)
	require.NoError(t, err)
	_, err = db.Exec(stmt)
	require.NoError(t, err)

	return ep
}

func TestNewFenceInstallsFreshRow(t *testing.T) {
	var ep = newTestEndpoint(t)
	var ctx = context.Background()

	fence, err := ep.NewFence(ctx, pf.Materialization("acmeCo/test"), 0, 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), fence.epoch)
	require.Equal(t, pm.ExplicitZeroCheckpoint, fence.Checkpoint)
}

func TestNewFenceSubdivideInheritsCheckpoint(t *testing.T) {
	var ep = newTestEndpoint(t)
	var ctx = context.Background()

	var parent, err = ep.NewFence(ctx, pf.Materialization("acmeCo/test"), 0, 100)
	require.NoError(t, err)

	require.NoError(t, parent.Update(ctx, []byte("parent-checkpoint"), func(ctx context.Context, q string, args ...interface{}) (int64, error) {
		result, err := ep.DB.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		return result.RowsAffected()
	}))

	// A narrower child range subdivides the parent row, inheriting its checkpoint.
	child, err := ep.NewFence(ctx, pf.Materialization("acmeCo/test"), 0, 50)
	require.NoError(t, err)
	require.Equal(t, []byte("parent-checkpoint"), child.Checkpoint)
}

func TestNewFenceRaisesOverlappingEpoch(t *testing.T) {
	var ep = newTestEndpoint(t)
	var ctx = context.Background()

	var first, err = ep.NewFence(ctx, pf.Materialization("acmeCo/test"), 0, 100)
	require.NoError(t, err)

	// Installing a second, overlapping fence raises the first's epoch,
	// so the first's subsequent Update must fail.
	_, err = ep.NewFence(ctx, pf.Materialization("acmeCo/test"), 50, 150)
	require.NoError(t, err)

	err = first.Update(ctx, []byte("stale"), func(ctx context.Context, q string, args ...interface{}) (int64, error) {
		result, err := ep.DB.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		return result.RowsAffected()
	})
	require.Error(t, err)
}
