package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/giftbox/internal/database"
	"github.com/charlesng35/giftbox/internal/gifts"
	"github.com/charlesng35/giftbox/internal/models"
	appErrors "github.com/charlesng35/giftbox/pkg/errors"
	"github.com/charlesng35/giftbox/pkg/logger"
	"github.com/charlesng35/giftbox/pkg/metrics"
)

// MaxListLimit caps how many records a single ListLive call may return.
const MaxListLimit = 100

const (
	schemaIdle int32 = iota
	schemaInitialising
)

// StoreOption customises a GiftStore.
type StoreOption func(*GiftStore)

// WithStoreCodec overrides the payload codec.
func WithStoreCodec(codec gifts.Codec) StoreOption {
	return func(s *GiftStore) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithStoreBus sets the bus receiving lifecycle events.
func WithStoreBus(bus gifts.Bus) StoreOption {
	return func(s *GiftStore) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithStorePool bounds concurrent storage work.
func WithStorePool(cfg PoolConfig) StoreOption {
	return func(s *GiftStore) {
		s.exec = newExecutor(cfg)
	}
}

// WithStoreClock overrides the clock used for liveness checks and audit timestamps.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *GiftStore) {
		if now != nil {
			s.now = now
		}
	}
}

// GiftStore persists pending records and their audit trail. It is safe for
// concurrent use; every operation blocks only the calling goroutine.
type GiftStore struct {
	db    *gorm.DB
	audit *AuditService
	codec gifts.Codec
	bus   gifts.Bus
	exec  *executor
	now   func() time.Time
	log   *zap.Logger

	schemaState atomic.Int32
	schemaDone  chan struct{}
	schemaErr   error
}

// NewGiftStore constructs a store. InitializeSchema must complete before any
// other operation succeeds.
func NewGiftStore(db *gorm.DB, audit *AuditService, opts ...StoreOption) (*GiftStore, error) {
	if db == nil {
		return nil, errors.New("gift store: db is required")
	}
	if audit == nil {
		return nil, errors.New("gift store: audit service is required")
	}

	store := &GiftStore{
		db:         db,
		audit:      audit,
		codec:      gifts.JSONCodec{},
		bus:        gifts.NopBus{},
		exec:       newExecutor(PoolConfig{}),
		now:        time.Now,
		log:        logger.WithModule("store"),
		schemaDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Codec exposes the payload codec used by the store.
func (s *GiftStore) Codec() gifts.Codec {
	return s.codec
}

// InitializeSchema creates the records and records_log tables when missing.
// Concurrent and repeated calls wait for the first attempt and share its result.
func (s *GiftStore) InitializeSchema(ctx context.Context) error {
	ctx = ensureContext(ctx)

	if s.schemaState.CompareAndSwap(schemaIdle, schemaInitialising) {
		err := s.db.WithContext(ctx).AutoMigrate(database.MailboxModels()...)
		if err != nil {
			s.schemaErr = appErrors.ErrSchema.WithInternal(fmt.Errorf("migrate mailbox tables: %w", err))
			s.log.Error("schema initialisation failed", zap.Error(err))
		} else {
			s.log.Info("schema ready")
		}
		close(s.schemaDone)
		return s.schemaErr
	}

	return s.WaitReady(ctx)
}

// WaitReady blocks until schema initialisation has finished and returns its result.
func (s *GiftStore) WaitReady(ctx context.Context) error {
	ctx = ensureContext(ctx)
	select {
	case <-s.schemaDone:
		return s.schemaErr
	case <-ctx.Done():
		return appErrors.ErrTimeout.WithInternal(fmt.Errorf("waiting for schema: %w", ctx.Err()))
	}
}

// Ready is closed once schema initialisation has finished, successfully or not.
func (s *GiftStore) Ready() <-chan struct{} {
	return s.schemaDone
}

func (s *GiftStore) ensureReady() error {
	select {
	case <-s.schemaDone:
		return s.schemaErr
	default:
		return appErrors.ErrSchema.WithInternal(errors.New("schema initialisation has not completed"))
	}
}

// Add persists a new record, appends a SENT audit entry and publishes RecordAdded.
func (s *GiftStore) Add(ctx context.Context, record gifts.Record) error {
	ctx = ensureContext(ctx)
	if err := s.ensureReady(); err != nil {
		return err
	}

	encoded, err := s.codec.Encode(record.Item)
	if err != nil {
		return appErrors.ErrWriteFailed.WithInternal(fmt.Errorf("encode record %s: %w", record.ID, err))
	}
	row := models.Gift{
		ID:             record.ID,
		Recipient:      record.Recipient,
		EncodedPayload: encoded,
		Quantity:       record.Item.Quantity,
		Origin:         record.Origin,
		CreatedAt:      record.CreatedAt,
		ExpiresAt:      record.ExpiresAt,
	}

	err = s.exec.run(ctx, "add", func(ctx context.Context) error {
		res := s.db.WithContext(ctx).Create(&row)
		if res.Error != nil {
			if recordIDRule.violatedBy(res.Error) {
				return appErrors.ErrWriteFailed.WithInternal(fmt.Errorf("insert record %s: duplicate id: %w", row.ID, res.Error))
			}
			return appErrors.ErrWriteFailed.WithInternal(fmt.Errorf("insert record %s: %w", row.ID, res.Error))
		}
		if res.RowsAffected == 0 {
			return appErrors.ErrWriteFailed.WithInternal(fmt.Errorf("insert record %s: no rows affected", row.ID))
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.appendLog(ctx, row, gifts.ResultSent)
	s.publish(gifts.LifecycleEvent{Kind: gifts.EventRecordAdded, Record: record, At: nowMillis(s.now)})
	return nil
}

// ListLive returns up to limit live records for recipient, oldest first.
// Records whose payload cannot be decoded are left out and reported through a
// DECODE_ERROR carrying their ids; the decodable records are still returned.
func (s *GiftStore) ListLive(ctx context.Context, recipient string, limit int) ([]gifts.Record, error) {
	ctx = ensureContext(ctx)
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit < 1 || limit > MaxListLimit {
		return nil, appErrors.NewValidation(fmt.Sprintf("limit must be between 1 and %d", MaxListLimit))
	}

	now := nowMillis(s.now)
	var rows []models.Gift
	err := s.exec.run(ctx, "list_live", func(ctx context.Context) error {
		err := s.db.WithContext(ctx).
			Where("recipient = ? AND (expires_at = ? OR expires_at > ?)", recipient, gifts.NeverExpires, now).
			Order("created_at ASC").
			Order("id ASC").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			return appErrors.ErrReadFailed.WithInternal(fmt.Errorf("list live records: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	records := make([]gifts.Record, 0, len(rows))
	var (
		badIDs   []string
		firstErr error
	)
	for _, row := range rows {
		record, err := s.decodeRow(row)
		if err != nil {
			badIDs = append(badIDs, row.ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		records = append(records, record)
	}

	if len(badIDs) > 0 {
		s.log.Warn("skipping undecodable records",
			zap.String("recipient", recipient),
			zap.Strings("record_ids", badIDs),
			zap.Error(firstErr),
		)
		return records, appErrors.ErrDecode.WithInternal(&appErrors.DecodeFailure{IDs: badIDs, Err: firstErr})
	}
	return records, nil
}

// CountLive counts live records for recipient.
func (s *GiftStore) CountLive(ctx context.Context, recipient string) (int64, error) {
	ctx = ensureContext(ctx)
	if err := s.ensureReady(); err != nil {
		return 0, err
	}

	now := nowMillis(s.now)
	var count int64
	err := s.exec.run(ctx, "count_live", func(ctx context.Context) error {
		err := s.db.WithContext(ctx).
			Model(&models.Gift{}).
			Where("recipient = ? AND (expires_at = ? OR expires_at > ?)", recipient, gifts.NeverExpires, now).
			Count(&count).Error
		if err != nil {
			return appErrors.ErrReadFailed.WithInternal(fmt.Errorf("count live records: %w", err))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteOne removes the record with id. It reports false when the record was
// already gone, which callers treat as having lost a race.
func (s *GiftStore) DeleteOne(ctx context.Context, id string) (bool, error) {
	ctx = ensureContext(ctx)
	if err := s.ensureReady(); err != nil {
		return false, err
	}

	var removed bool
	err := s.exec.run(ctx, "delete_one", func(ctx context.Context) error {
		res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Gift{})
		if res.Error != nil {
			return appErrors.ErrWriteFailed.WithInternal(fmt.Errorf("delete record %s: %w", id, res.Error))
		}
		removed = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// DeleteBatch removes the given records in one transaction and returns the ids
// that were actually removed. Any failure rolls back the whole batch.
func (s *GiftStore) DeleteBatch(ctx context.Context, ids []string) ([]string, error) {
	ctx = ensureContext(ctx)
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ids = normaliseIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	var removed []string
	err := s.exec.run(ctx, "delete_batch", func(ctx context.Context) error {
		removed = removed[:0]
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, id := range ids {
				res := tx.Where("id = ?", id).Delete(&models.Gift{})
				if res.Error != nil {
					return fmt.Errorf("delete record %s: %w", id, res.Error)
				}
				if res.RowsAffected > 0 {
					removed = append(removed, id)
				}
			}
			return nil
		})
		if err != nil {
			removed = nil
			return appErrors.ErrWriteFailed.WithInternal(fmt.Errorf("delete batch of %d: %w", len(ids), err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// DeleteMany removes the given records atomically and returns how many were removed.
func (s *GiftStore) DeleteMany(ctx context.Context, ids []string) (int, error) {
	removed, err := s.DeleteBatch(ctx, ids)
	if err != nil {
		return 0, err
	}
	return len(removed), nil
}

// LogAction appends an audit entry for record. Failures are logged and never returned.
func (s *GiftStore) LogAction(ctx context.Context, record gifts.Record, kind gifts.ResultKind) {
	ctx = ensureContext(ctx)

	encoded, err := s.codec.Encode(record.Item)
	if err != nil {
		metrics.AuditFailures.Inc()
		s.log.Warn("audit entry dropped: payload not encodable",
			zap.String("record_id", record.ID),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
		return
	}
	s.appendLog(ctx, models.Gift{
		ID:             record.ID,
		Recipient:      record.Recipient,
		EncodedPayload: encoded,
		Quantity:       record.Item.Quantity,
		Origin:         record.Origin,
	}, kind)
}

// SweepExpired audits and removes every record whose expiry is at or before now.
// Per-record audit or event failures never abort the sweep.
func (s *GiftStore) SweepExpired(ctx context.Context, now int64) (int64, error) {
	ctx = ensureContext(ctx)
	if err := s.ensureReady(); err != nil {
		return 0, err
	}

	var rows []models.Gift
	err := s.exec.run(ctx, "sweep_select", func(ctx context.Context) error {
		err := s.db.WithContext(ctx).
			Where("expires_at <> ? AND expires_at <= ?", gifts.NeverExpires, now).
			Order("created_at ASC").
			Find(&rows).Error
		if err != nil {
			return appErrors.ErrReadFailed.WithInternal(fmt.Errorf("select expired records: %w", err))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var failures error
	for _, row := range rows {
		if err := s.writeLog(ctx, row, gifts.ResultExpired, now); err != nil {
			failures = multierr.Append(failures, err)
		}
		record, err := s.decodeRow(row)
		if err != nil {
			failures = multierr.Append(failures, fmt.Errorf("record %s: %w", row.ID, err))
			continue
		}
		s.publish(gifts.LifecycleEvent{Kind: gifts.EventRecordExpired, Record: record, At: now})
	}
	if failures != nil {
		s.log.Warn("expiry sweep completed with per-record failures",
			zap.Int("failures", len(multierr.Errors(failures))),
			zap.Error(failures),
		)
	}

	var removed int64
	err = s.exec.run(ctx, "sweep_delete", func(ctx context.Context) error {
		res := s.db.WithContext(ctx).
			Where("expires_at <> ? AND expires_at <= ?", gifts.NeverExpires, now).
			Delete(&models.Gift{})
		if res.Error != nil {
			return appErrors.ErrWriteFailed.WithInternal(fmt.Errorf("delete expired records: %w", res.Error))
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *GiftStore) decodeRow(row models.Gift) (gifts.Record, error) {
	item, err := s.codec.Decode(row.EncodedPayload, row.Quantity)
	if err != nil {
		return gifts.Record{}, err
	}
	return gifts.Record{
		ID:        row.ID,
		Recipient: row.Recipient,
		Item:      item,
		Origin:    row.Origin,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

func (s *GiftStore) appendLog(ctx context.Context, row models.Gift, kind gifts.ResultKind) {
	if err := s.writeLog(ctx, row, kind, nowMillis(s.now)); err != nil {
		s.log.Warn("audit entry dropped", zap.Error(err))
	}
}

func (s *GiftStore) writeLog(ctx context.Context, row models.Gift, kind gifts.ResultKind, at int64) error {
	metrics.GiftTransitions.WithLabelValues(kind.String()).Inc()

	err := s.exec.run(ctx, "log_action", func(ctx context.Context) error {
		return s.audit.Log(ctx, AuditEntry{
			RecordID:       row.ID,
			Recipient:      row.Recipient,
			EncodedPayload: row.EncodedPayload,
			Quantity:       row.Quantity,
			Origin:         row.Origin,
			Kind:           kind,
			LoggedAt:       at,
		})
	})
	if err != nil {
		metrics.AuditFailures.Inc()
		return fmt.Errorf("%s entry for %s: %w", strings.ToUpper(kind.String()), row.ID, err)
	}
	return nil
}

func (s *GiftStore) publish(event gifts.LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("lifecycle event consumer panicked",
				zap.String("kind", string(event.Kind)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	s.bus.Publish(event)
}

// Close releases the connection pool.
func (s *GiftStore) Close() error {
	return database.Close(s.db)
}
