package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/charlesng35/giftbox/internal/gifts"
	"github.com/charlesng35/giftbox/internal/models"
)

// AuditEntry captures a single lifecycle transition to persist.
type AuditEntry struct {
	RecordID       string
	Recipient      string
	EncodedPayload string
	Quantity       int
	Origin         string
	Kind           gifts.ResultKind
	LoggedAt       int64
}

// AuditFilters encapsulates optional filters when querying audit logs.
type AuditFilters struct {
	RecordID  string
	Recipient string
	Kind      *gifts.ResultKind
	Since     *int64
	Until     *int64
}

// AuditListOptions controls pagination and filtering for audit queries.
type AuditListOptions struct {
	Page     int
	PageSize int
	Filters  AuditFilters
}

// AuditService appends to and reads from the records_log table. Entries are
// never updated or deleted.
type AuditService struct {
	db *gorm.DB
}

// NewAuditService constructs an AuditService using the provided database handle.
func NewAuditService(db *gorm.DB) (*AuditService, error) {
	if db == nil {
		return nil, errors.New("audit service: db is required")
	}
	return &AuditService{db: db}, nil
}

// Log appends an audit entry.
func (s *AuditService) Log(ctx context.Context, entry AuditEntry) error {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(entry.RecordID) == "" {
		return errors.New("audit service: record id is required")
	}
	if entry.LoggedAt <= 0 {
		return errors.New("audit service: logged_at is required")
	}

	row := models.GiftLog{
		RecordID:       entry.RecordID,
		Recipient:      entry.Recipient,
		EncodedPayload: entry.EncodedPayload,
		Quantity:       entry.Quantity,
		Origin:         entry.Origin,
		ResultKind:     int(entry.Kind),
		LoggedAt:       entry.LoggedAt,
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("audit service: append %s for %s: %w", entry.Kind, entry.RecordID, err)
	}
	return nil
}

// List returns paginated audit entries, newest first.
func (s *AuditService) List(ctx context.Context, opts AuditListOptions) ([]models.GiftLog, int64, error) {
	ctx = ensureContext(ctx)

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	var (
		results []models.GiftLog
		total   int64
	)

	query := s.db.WithContext(ctx).Model(&models.GiftLog{})
	query = applyAuditFilters(query, opts.Filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: count logs: %w", err)
	}

	if err := query.
		Order("logged_at DESC").
		Order("log_id DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: list logs: %w", err)
	}

	return results, total, nil
}

// CountByRecord counts entries of one kind written for a record.
func (s *AuditService) CountByRecord(ctx context.Context, recordID string, kind gifts.ResultKind) (int64, error) {
	ctx = ensureContext(ctx)

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.GiftLog{}).
		Where("record_id = ? AND result_kind = ?", recordID, int(kind)).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("audit service: count %s for %s: %w", kind, recordID, err)
	}
	return count, nil
}

func applyAuditFilters(query *gorm.DB, filters AuditFilters) *gorm.DB {
	if filters.RecordID != "" {
		query = query.Where("record_id = ?", filters.RecordID)
	}
	if filters.Recipient != "" {
		query = query.Where("recipient = ?", filters.Recipient)
	}
	if filters.Kind != nil {
		query = query.Where("result_kind = ?", int(*filters.Kind))
	}
	if filters.Since != nil {
		query = query.Where("logged_at >= ?", *filters.Since)
	}
	if filters.Until != nil {
		query = query.Where("logged_at <= ?", *filters.Until)
	}
	return query
}
