package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/giftbox/internal/models"
)

func TestOpenSQLiteMemory(t *testing.T) {
	db := openTestDB(t)

	if err := db.Exec("SELECT 1").Error; err != nil {
		t.Fatalf("expected health query to succeed: %v", err)
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestOpenSQLiteFileUsesConfiguredPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "giftbox.db")
	db, err := Open(Config{Driver: "sqlite", Path: path, Pool: PoolConfig{MaxOpen: 4}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.Equal(t, 4, sqlDB.Stats().MaxOpenConnections)
	require.FileExists(t, path)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
}

func TestAutoMigrateCreatesSupportingTables(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, AutoMigrate(db))

	migrator := db.Migrator()
	require.True(t, migrator.HasTable(&models.InventoryItem{}))
	require.True(t, migrator.HasTable(&models.CacheEntry{}))
	require.False(t, migrator.HasTable(&models.Gift{}), "mailbox tables belong to the gift store")
}

func TestMailboxModelsMigrateTwice(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.AutoMigrate(MailboxModels()...))
	require.NoError(t, db.AutoMigrate(MailboxModels()...))

	var tables int64
	require.NoError(t, db.Raw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('records', 'records_log')").Scan(&tables).Error)
	require.Equal(t, int64(2), tables)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := Open(Config{Driver: "sqlite"})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	t.Cleanup(func() {
		_ = Close(db)
	})

	return db
}
