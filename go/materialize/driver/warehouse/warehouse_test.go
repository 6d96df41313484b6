package warehouse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidation(t *testing.T) {
	require.Error(t, config{}.Validate())
	require.Error(t, config{Bucket: "my-bucket"}.Validate())

	var c = config{Bucket: "my-bucket", Host: "localhost", User: "flow", Password: "secret"}
	require.NoError(t, c.Validate())
	require.Equal(t, "postgres://flow@localhost/", c.toURI())

	c.Port = 5432
	require.Equal(t, "postgres://flow@localhost:5432/", c.toURI())
}

func TestTableConfigValidation(t *testing.T) {
	var c = new(tableConfig)
	require.Error(t, c.Validate())

	c.Table = "target_table"
	require.NoError(t, c.Validate())
	require.Equal(t, []string{"target_table"}, []string(c.Path()))
	require.False(t, c.DeltaUpdates())

	c.Delta = true
	require.True(t, c.DeltaUpdates())
}

func TestDecodeJSONArray(t *testing.T) {
	values, err := decodeJSONArray([]byte(`[1, "two", true]`))
	require.NoError(t, err)
	require.Equal(t, []interface{}{float64(1), "two", true}, values)
}
