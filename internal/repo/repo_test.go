package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"servicebay/internal/db"
)

func TestLockingRead(t *testing.T) {
	assert.Equal(t, " FOR UPDATE", lockingRead(db.DriverMySQL))
	assert.Empty(t, lockingRead(db.DriverSQLite), "sqlite transactions already hold the write lock")
}
