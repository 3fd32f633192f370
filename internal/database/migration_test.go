package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/lib/pq"
)

func TestMigrationSourceURL(t *testing.T) {
	url := MigrationSourceURL("")
	assert.True(t, strings.HasPrefix(url, "file://"))
	assert.True(t, strings.HasSuffix(url, "/migrations"))

	abs := MigrationSourceURL("/srv/rag/migrations")
	assert.Equal(t, "file:///srv/rag/migrations", abs)
}

func TestMigrationFilesArePaired(t *testing.T) {
	ups, err := filepath.Glob("../../migrations/*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)

	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := os.Stat(down)
		assert.NoError(t, err, "missing down migration for %s", filepath.Base(up))
	}
}

func TestMigrationManager(t *testing.T) {
	dbURL := os.Getenv("TEST_DB_URL")
	if dbURL == "" {
		t.Skip("Skipping migration test: TEST_DB_URL not set")
	}

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping())

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	manager, err := NewMigrationManager(db, "../../migrations", logger)
	require.NoError(t, err)
	defer manager.Close()

	require.NoError(t, manager.Up())

	pending, err := manager.Pending()
	require.NoError(t, err)
	assert.False(t, pending)

	version, dirty, err := manager.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Greater(t, version, uint(0))

	var exists bool
	err = db.QueryRow("SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'messages')").Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}
