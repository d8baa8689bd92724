package models

// CacheEntry is a cooldown counter or cached value held in the primary database
// when Redis is not configured. ExpiresAt is epoch milliseconds; zero never expires.
type CacheEntry struct {
	Key       string `gorm:"column:cache_key;primaryKey;size:191"`
	Value     []byte
	ExpiresAt int64 `gorm:"index"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli"`
}
