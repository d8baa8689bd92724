package models

// GiftLog is an append-only audit row describing one lifecycle transition.
type GiftLog struct {
	LogID          uint64 `gorm:"primaryKey;autoIncrement" json:"log_id"`
	RecordID       string `gorm:"size:36;not null;index" json:"record_id"`
	Recipient      string `gorm:"size:64;not null;index" json:"recipient"`
	EncodedPayload string `gorm:"type:text;not null" json:"encoded_payload"`
	Quantity       int    `gorm:"not null" json:"quantity"`
	Origin         string `gorm:"size:100;not null" json:"origin"`
	ResultKind     int    `gorm:"not null;index" json:"result_kind"`
	LoggedAt       int64  `gorm:"not null;index" json:"logged_at"`
}

func (GiftLog) TableName() string {
	return "records_log"
}
