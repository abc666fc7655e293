package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	names, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_failures.sql", names[0])

	sql, err := migrationsFS.ReadFile("migrations/" + names[0])
	require.NoError(t, err)
	assert.Contains(t, string(sql), "CREATE TABLE IF NOT EXISTS pipeline_failures")
}
