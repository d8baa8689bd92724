package database

import (
	"github.com/charlesng35/giftbox/internal/models"
)

func supportingModels() []interface{} {
	return []interface{}{
		&models.InventoryItem{},
		&models.CacheEntry{},
	}
}

// MailboxModels lists the tables owned by the gift store.
func MailboxModels() []interface{} {
	return []interface{}{
		&models.Gift{},
		&models.GiftLog{},
	}
}
