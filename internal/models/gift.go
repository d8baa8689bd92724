package models

// Gift is a pending record waiting in a recipient's mailbox. Timestamps are
// milliseconds since the Unix epoch; ExpiresAt is -1 for records that never expire.
type Gift struct {
	ID             string `gorm:"primaryKey;size:36" json:"id"`
	Recipient      string `gorm:"size:64;not null;index:idx_records_recipient" json:"recipient"`
	EncodedPayload string `gorm:"type:text;not null" json:"encoded_payload"`
	Quantity       int    `gorm:"not null" json:"quantity"`
	Origin         string `gorm:"size:100;not null" json:"origin"`
	CreatedAt      int64  `gorm:"not null;autoCreateTime:false" json:"created_at"`
	ExpiresAt      int64  `gorm:"not null;default:-1" json:"expires_at"`
}

// TableName pins the table name used by every deployment.
func (Gift) TableName() string {
	return "records"
}
