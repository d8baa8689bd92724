package models

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestTableNames(t *testing.T) {
	require.Equal(t, "records", Gift{}.TableName())
	require.Equal(t, "records_log", GiftLog{}.TableName())
}

func TestGiftKeepsProvidedCreatedAt(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Gift{}, &GiftLog{}, &InventoryItem{}))

	gift := Gift{ID: "g-1", Recipient: "r", EncodedPayload: "e30=", Quantity: 1, Origin: "Console", CreatedAt: 42, ExpiresAt: -1}
	require.NoError(t, db.Create(&gift).Error)

	var stored Gift
	require.NoError(t, db.First(&stored, "id = ?", "g-1").Error)
	require.Equal(t, int64(42), stored.CreatedAt)
	require.Equal(t, int64(-1), stored.ExpiresAt)

	entry := GiftLog{RecordID: "g-1", Recipient: "r", EncodedPayload: "e30=", Quantity: 1, Origin: "Console", ResultKind: 2, LoggedAt: 43}
	require.NoError(t, db.Create(&entry).Error)
	require.NotZero(t, entry.LogID)
}

func TestInventoryItemGeneratesID(t *testing.T) {
	item := &InventoryItem{Recipient: "r", ItemType: "diamond", Quantity: 1}
	require.NoError(t, item.BeforeCreate(nil))
	require.NotEmpty(t, item.ID)
}
