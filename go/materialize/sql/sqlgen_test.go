package sql

import (
	"fmt"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"
)

func TestCreateTableStatement(t *testing.T) {
	var tbl = testTable()
	var flowCheckpoints = FlowCheckpointsTable(DefaultFlowCheckpoints)
	var flowMaterializations = FlowMaterializationsTable(DefaultFlowMaterializations)
	var allTables = []*Table{&tbl, flowCheckpoints, flowMaterializations}

	var generators = map[string]*Generator{
		"postgres": NewPostgresGenerator(),
		"sqlite":   NewSQLiteGenerator(),
	}

	for dialect, gen := range generators {
		for _, table := range allTables {
			t.Run(fmt.Sprintf("%s_%s", dialect, table.Identifier), func(t *testing.T) {
				var stmt, err = gen.CreateTableStatement(table)
				require.NoError(t, err)
				cupaloy.SnapshotT(t, stmt)
			})
		}
	}
}

func testTable() Table {
	return Table{
		Name:        "test_table",
		Identifier:  "test_table",
		Comment:     "this is a test table",
		IfNotExists: false,
		Columns: []Column{
			{Name: "key_a", PrimaryKey: true, Type: INTEGER, NotNull: true},
			{Name: "key_b", PrimaryKey: true, Type: STRING, NotNull: true},
			{Name: "val_x", Type: NUMBER},
			{Name: "flow_document", Type: OBJECT, NotNull: true},
		},
	}
}
