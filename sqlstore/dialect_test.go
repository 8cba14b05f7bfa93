package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	query := "UPDATE t SET a = ? WHERE b = ? AND c = ?"
	require.Equal(t, query, SQLite.Rebind(query))
	require.Equal(t, "UPDATE t SET a = $1 WHERE b = $2 AND c = $3", Postgres.Rebind(query))
}

func TestDialectByName(t *testing.T) {
	d, err := DialectByName("pg")
	require.NoError(t, err)
	require.Equal(t, Postgres, d)

	d, err = DialectByName("sqlite")
	require.NoError(t, err)
	require.Equal(t, SQLite, d)

	_, err = DialectByName("oracle")
	require.Error(t, err)
}
