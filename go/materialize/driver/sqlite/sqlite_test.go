package sqlite

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow-materialize/go/fdb/tuple"
)

func TestConfigValidation(t *testing.T) {
	require.Error(t, config{}.Validate())
	require.NoError(t, config{Path: ":memory:"}.Validate())
}

func TestTableConfigValidation(t *testing.T) {
	var c = new(tableConfig)
	require.Error(t, c.Validate())

	c.Table = "target_table"
	require.NoError(t, c.Validate())
	require.Equal(t, []string{"target_table"}, []string(c.Path()))
	require.False(t, c.DeltaUpdates())
}

func TestDecodeKeyOrValuesPrefersPackedTuple(t *testing.T) {
	var packed = tuple.Pack(tuple.Tuple{"k1", int64(42)})

	values, err := decodeKeyOrValues(packed, []byte(`["ignored-when-packed-present"]`))
	require.NoError(t, err)
	require.Equal(t, []interface{}{"k1", int64(42)}, values)
}

func TestDecodeKeyOrValuesFallsBackToJSON(t *testing.T) {
	values, err := decodeKeyOrValues(nil, []byte(`[1, "two", true]`))
	require.NoError(t, err)
	require.Equal(t, []interface{}{float64(1), "two", true}, values)
}
