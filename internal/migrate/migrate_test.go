package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicebay/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn))
	v, err := Version(conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, Migrate(conn))
	v, err = Version(conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	for _, table := range []string{"service_requests", "bays", "technicians", "parts", "used_parts", "invoices", "payment_orders", "events"} {
		var n int
		require.NoError(t, conn.Get(&n, `SELECT COUNT(*) FROM `+table), table)
	}
}

func TestBothDialectsShipSameVersions(t *testing.T) {
	lite, err := loadMigrations("sqlite")
	require.NoError(t, err)
	my, err := loadMigrations("mysql")
	require.NoError(t, err)
	require.Equal(t, len(lite), len(my))
	for i := range lite {
		assert.Equal(t, lite[i].Version, my[i].Version)
	}
}

func TestStatements(t *testing.T) {
	src := `-- comment
CREATE TABLE a(
  id INTEGER
);

CREATE INDEX idx_a ON a(id);
INSERT INTO a VALUES (1)`
	got := statements(src)
	require.Len(t, got, 3)
	assert.Equal(t, "CREATE TABLE a(\n  id INTEGER\n);", got[0])
	assert.Equal(t, "INSERT INTO a VALUES (1)", got[2])
}
