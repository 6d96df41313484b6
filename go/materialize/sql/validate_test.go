package sql

import (
	"testing"

	"github.com/stretchr/testify/require"

	pf "github.com/estuary/flow-materialize/go/protocols/flow"
	pm "github.com/estuary/flow-materialize/go/protocols/materialize"
)

func exampleCollection() *pf.CollectionSpec {
	return &pf.CollectionSpec{
		Name:    "acmeCo/widgets",
		KeyPtrs: []string{"/id"},
		Projections: []*pf.Projection{
			{Ptr: "/id", Field: "id", IsPrimaryKey: true, Inference: &pf.Inference{Types: []string{"integer"}}},
			{Ptr: "/value", Field: "value", Inference: &pf.Inference{Types: []string{"string"}}},
			{Ptr: "", Field: "flow_document", Inference: &pf.Inference{Types: []string{"object"}}},
		},
	}
}

func TestValidateNewSQLProjectionsStandardUpdates(t *testing.T) {
	var constraints = ValidateNewSQLProjections(exampleCollection(), false)

	require.Equal(t, pm.Constraint_LOCATION_REQUIRED, constraints["id"].Type)
	require.Equal(t, pm.Constraint_LOCATION_REQUIRED, constraints["flow_document"].Type)
}

func TestValidateNewSQLProjectionsDeltaUpdates(t *testing.T) {
	var constraints = ValidateNewSQLProjections(exampleCollection(), true)

	require.Equal(t, pm.Constraint_LOCATION_REQUIRED, constraints["id"].Type)
	require.Equal(t, pm.Constraint_LOCATION_RECOMMENDED, constraints["flow_document"].Type)
}

func TestLoadConstraintsNewBinding(t *testing.T) {
	var existing = make(map[string]*pf.MaterializationSpec_Binding)
	current, constraints, err := loadConstraints("widgets", false, exampleCollection(), existing)

	require.NoError(t, err)
	require.Nil(t, current)
	require.NotEmpty(t, constraints)
	require.Nil(t, existing["widgets"])
}

func TestLoadConstraintsDuplicateBinding(t *testing.T) {
	var existing = map[string]*pf.MaterializationSpec_Binding{"widgets": nil}
	_, _, err := loadConstraints("widgets", false, exampleCollection(), existing)
	require.Error(t, err)
}

func TestGenerateApplyStatementsSkipsExisting(t *testing.T) {
	var existing = map[string]*pf.MaterializationSpec_Binding{"widgets": {}}
	var spec = &pf.MaterializationSpec_Binding{
		Collection:   *exampleCollection(),
		ResourcePath: []string{"widgets"},
		FieldSelection: pf.FieldSelection{
			Keys: []string{"id"}, Values: []string{"value"}, Document: "flow_document",
		},
	}

	stmts, err := generateApplyStatements(nil, existing, spec)
	require.NoError(t, err)
	require.Nil(t, stmts)
}

func TestGenerateApplyStatementsNewTarget(t *testing.T) {
	var ep = &StdEndpoint{}
	ep.generator = NewSQLiteGenerator()

	var spec = &pf.MaterializationSpec_Binding{
		Collection:   *exampleCollection(),
		ResourcePath: []string{"widgets"},
		FieldSelection: pf.FieldSelection{
			Keys: []string{"id"}, Values: []string{"value"}, Document: "flow_document",
		},
	}

	stmts, err := generateApplyStatements(ep, map[string]*pf.MaterializationSpec_Binding{}, spec)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	require.Contains(t, stmts[0], "widgets")
}

func TestColumnType(t *testing.T) {
	require.Equal(t, INTEGER, columnType(&pf.Projection{Ptr: "/f", Inference: &pf.Inference{Types: []string{"integer"}}}))
	require.Equal(t, NUMBER, columnType(&pf.Projection{Ptr: "/f", Inference: &pf.Inference{Types: []string{"number"}}}))
	require.Equal(t, BOOLEAN, columnType(&pf.Projection{Ptr: "/f", Inference: &pf.Inference{Types: []string{"boolean"}}}))
	require.Equal(t, OBJECT, columnType(&pf.Projection{Ptr: "/f", Inference: &pf.Inference{Types: []string{"object"}}}))
	require.Equal(t, STRING, columnType(&pf.Projection{Ptr: "/f", Inference: &pf.Inference{Types: []string{"string"}}}))
	require.Equal(t, OBJECT, columnType(&pf.Projection{Ptr: "", Inference: &pf.Inference{Types: []string{"string"}}}))
}
