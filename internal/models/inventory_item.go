package models

import (
	"gorm.io/datatypes"
)

// InventoryItem is one occupied inventory slot owned by a recipient. Items
// delivered from the mailbox reference the record they came from.
type InventoryItem struct {
	BaseModel

	Recipient      string            `gorm:"size:64;not null;index" json:"recipient"`
	ItemType       string            `gorm:"size:64;not null" json:"item_type"`
	Name           string            `gorm:"size:128" json:"name"`
	Attributes     datatypes.JSONMap `json:"attributes,omitempty"`
	Quantity       int               `gorm:"not null" json:"quantity"`
	SourceRecordID *string           `gorm:"size:36;uniqueIndex" json:"source_record_id,omitempty"`
	ReceivedAt     int64             `gorm:"not null" json:"received_at"`
}
