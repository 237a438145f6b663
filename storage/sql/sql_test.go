package sql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLite3FlavorTranslate(t *testing.T) {
	query := `insert into code (is_revoked) values ($1) where true != false;`
	got := flavorSQLite3.translate(query)
	require.Equal(t, `insert into code (is_revoked) values (?) where 1 != 0;`, got)
}

func TestExtractOperationAndTableName(t *testing.T) {
	require.Equal(t, "SELECT", extractOperationName(`select scope from code where code_id = $1;`))
	require.Equal(t, "code", extractTableName(`select scope from code where code_id = $1;`))
	require.Equal(t, "INSERT", extractOperationName(`insert into profile (profile) values ($1);`))
	require.Equal(t, "profile", extractTableName(`insert into profile (profile) values ($1);`))
}
