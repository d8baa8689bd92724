package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel carries the string primary key shared by the supporting tables.
// Timestamps are epoch milliseconds set by the owning service, so none are
// declared here.
type BaseModel struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`
}

// BeforeCreate assigns a UUID when the caller left the id empty.
func (m *BaseModel) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
