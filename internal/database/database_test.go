package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDB_EmptyURL(t *testing.T) {
	_, err := NewDB(context.Background(), "  ")
	assert.ErrorContains(t, err, "database url is empty")
}

func TestApplySchema(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := NewDB(ctx, url)
	require.NoError(t, err)
	defer db.Close()

	schema := `CREATE TABLE IF NOT EXISTS convohub_schema_check (id INT PRIMARY KEY)`
	require.NoError(t, ApplySchema(ctx, db, schema))
	require.NoError(t, ApplySchema(ctx, db, schema), "schema application is repeatable")
	_, err = db.ExecContext(ctx, `DROP TABLE convohub_schema_check`)
	require.NoError(t, err)

	pool, err := OpenPool(ctx, url, 2)
	require.NoError(t, err)
	defer pool.Close()
	assert.EqualValues(t, 2, pool.Config().MaxConns)
}
