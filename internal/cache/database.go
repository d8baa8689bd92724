package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/giftbox/internal/models"
)

var errDatabaseStoreUnset = errors.New("cache: database store not initialised")

// DatabaseStore keeps cache entries in the cache_entries table. Keys share the
// Redis key prefix so either backend sees the same key space.
type DatabaseStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewDatabaseStore constructs a database-backed Store. It returns nil for a nil db.
func NewDatabaseStore(db *gorm.DB, clock func() time.Time) *DatabaseStore {
	if db == nil {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &DatabaseStore{db: db, clock: clock}
}

func (s *DatabaseStore) session(ctx context.Context) (*gorm.DB, error) {
	if s == nil || s.db == nil {
		return nil, errDatabaseStoreUnset
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.db.WithContext(ctx), nil
}

func (s *DatabaseStore) nowMillis() int64 {
	return s.clock().UnixMilli()
}

func live(entry models.CacheEntry, now int64) bool {
	return entry.ExpiresAt == 0 || entry.ExpiresAt > now
}

// IncrementWithTTL bumps the counter at key. An expired counter restarts at one
// with a fresh window; a live one keeps its original expiry.
func (s *DatabaseStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	db, err := s.session(ctx)
	if err != nil {
		return 0, 0, err
	}
	if window <= 0 {
		window = time.Minute
	}

	key = prefixed(key)
	now := s.nowMillis()
	var count, expiresAt int64

	err = db.Transaction(func(tx *gorm.DB) error {
		var entry models.CacheEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&entry, "cache_key = ?", key).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			count, expiresAt = 1, now+window.Milliseconds()
			return tx.Create(&models.CacheEntry{Key: key, Value: []byte("1"), ExpiresAt: expiresAt}).Error
		case err != nil:
			return err
		}

		if live(entry, now) {
			current, _ := strconv.ParseInt(string(entry.Value), 10, 64)
			count, expiresAt = current+1, entry.ExpiresAt
		} else {
			count, expiresAt = 1, now+window.Milliseconds()
		}
		return tx.Model(&models.CacheEntry{}).Where("cache_key = ?", key).Updates(map[string]any{
			"value":      []byte(strconv.FormatInt(count, 10)),
			"expires_at": expiresAt,
		}).Error
	})
	if err != nil {
		return 0, 0, err
	}

	ttl := time.Duration(expiresAt-now) * time.Millisecond
	if expiresAt == 0 {
		ttl = 0
	}
	return count, ttl, nil
}

// Set upserts value at key. A non-positive ttl stores it without expiry.
func (s *DatabaseStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	db, err := s.session(ctx)
	if err != nil {
		return err
	}

	entry := models.CacheEntry{Key: prefixed(key), Value: value}
	if ttl > 0 {
		entry.ExpiresAt = s.nowMillis() + ttl.Milliseconds()
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&entry).Error
}

// Get returns the live value at key. Expired entries read as missing and are removed.
func (s *DatabaseStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	db, err := s.session(ctx)
	if err != nil {
		return nil, false, err
	}

	var entry models.CacheEntry
	err = db.Take(&entry, "cache_key = ?", prefixed(key)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !live(entry, s.nowMillis()) {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Delete removes keys.
func (s *DatabaseStore) Delete(ctx context.Context, keys ...string) error {
	db, err := s.session(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = prefixed(key)
	}
	return db.Where("cache_key IN ?", full).Delete(&models.CacheEntry{}).Error
}

// PurgeExpired deletes entries whose expiry has passed and reports how many went.
func (s *DatabaseStore) PurgeExpired(ctx context.Context) (int64, error) {
	db, err := s.session(ctx)
	if err != nil {
		return 0, err
	}
	result := db.Where("expires_at > 0 AND expires_at <= ?", s.nowMillis()).Delete(&models.CacheEntry{})
	return result.RowsAffected, result.Error
}
