package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/giftbox/internal/gifts"
	"github.com/charlesng35/giftbox/internal/models"
)

// DefaultInventorySlots matches the size of a standard player inventory.
const DefaultInventorySlots = 36

var (
	// ErrInventoryFull is returned when the recipient has no free slot.
	ErrInventoryFull = errors.New("inventory is full")
	// ErrAlreadyDelivered is returned when a record was delivered before.
	ErrAlreadyDelivered = errors.New("record already delivered")
)

// Deliverer hands claimed items to their recipient. Implementations are only
// called from the main loop. Deliver returns ErrInventoryFull when no slot is
// free and ErrAlreadyDelivered when the record's item was handed out before.
type Deliverer interface {
	Deliver(ctx context.Context, recipient string, record gifts.Record) error
}

// InventoryService stores delivered items, one slot per delivered record.
type InventoryService struct {
	db    *gorm.DB
	slots int
	now   func() time.Time
}

// NewInventoryService constructs an InventoryService with the given slot count.
func NewInventoryService(db *gorm.DB, slots int, now func() time.Time) (*InventoryService, error) {
	if db == nil {
		return nil, errors.New("inventory service: db is required")
	}
	if slots <= 0 {
		slots = DefaultInventorySlots
	}
	if now == nil {
		now = time.Now
	}
	return &InventoryService{db: db, slots: slots, now: now}, nil
}

// HasCapacity reports whether at least one slot is free.
func (s *InventoryService) HasCapacity(ctx context.Context, recipient string) (bool, error) {
	used, err := s.used(ensureContext(ctx), s.db, recipient)
	if err != nil {
		return false, err
	}
	return used < int64(s.slots), nil
}

// Deliver places the record's item into a free slot.
func (s *InventoryService) Deliver(ctx context.Context, recipient string, record gifts.Record) error {
	ctx = ensureContext(ctx)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.InventoryItem{}).
			Where("source_record_id = ?", record.ID).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("inventory service: look up record %s: %w", record.ID, err)
		}
		if existing > 0 {
			return ErrAlreadyDelivered
		}

		used, err := s.used(ctx, tx, recipient)
		if err != nil {
			return err
		}
		if used >= int64(s.slots) {
			return ErrInventoryFull
		}

		sourceID := record.ID
		item := models.InventoryItem{
			Recipient:      recipient,
			ItemType:       record.Item.Type,
			Name:           record.Item.Name,
			Attributes:     attributesMap(record.Item.Attributes),
			Quantity:       record.Item.Quantity,
			SourceRecordID: &sourceID,
			ReceivedAt:     nowMillis(s.now),
		}
		if err := tx.Create(&item).Error; err != nil {
			if deliveredRecordRule.violatedBy(err) {
				return ErrAlreadyDelivered
			}
			return fmt.Errorf("inventory service: store item for %s: %w", recipient, err)
		}
		return nil
	})
}

// List returns the recipient's inventory in arrival order.
func (s *InventoryService) List(ctx context.Context, recipient string) ([]models.InventoryItem, error) {
	var items []models.InventoryItem
	if err := s.db.WithContext(ensureContext(ctx)).
		Where("recipient = ?", recipient).
		Order("received_at ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("inventory service: list items: %w", err)
	}
	return items, nil
}

func (s *InventoryService) used(ctx context.Context, db *gorm.DB, recipient string) (int64, error) {
	var used int64
	if err := db.WithContext(ctx).
		Model(&models.InventoryItem{}).
		Where("recipient = ?", recipient).
		Count(&used).Error; err != nil {
		return 0, fmt.Errorf("inventory service: count slots: %w", err)
	}
	return used, nil
}

func attributesMap(attrs map[string]string) datatypes.JSONMap {
	if len(attrs) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
