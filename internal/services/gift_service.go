package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/charlesng35/giftbox/internal/gifts"
	appErrors "github.com/charlesng35/giftbox/pkg/errors"
	"github.com/charlesng35/giftbox/pkg/logger"
	"github.com/charlesng35/giftbox/pkg/validator"
)

// ReadFailurePolicy controls how list and count failures reach callers.
type ReadFailurePolicy string

const (
	// ReadFailureSoft logs read failures and returns empty results.
	ReadFailureSoft ReadFailurePolicy = "soft"
	// ReadFailureHard propagates read failures.
	ReadFailureHard ReadFailurePolicy = "hard"
)

// ParseReadFailurePolicy accepts "soft" or "hard"; empty means soft.
func ParseReadFailurePolicy(value string) (ReadFailurePolicy, error) {
	switch ReadFailurePolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", ReadFailureSoft:
		return ReadFailureSoft, nil
	case ReadFailureHard:
		return ReadFailureHard, nil
	default:
		return "", fmt.Errorf("unknown read failure policy %q", value)
	}
}

// DepositInput describes a new gift.
type DepositInput struct {
	Recipient  string     `json:"recipient" validate:"required,notblank,max=64"`
	Item       gifts.Item `json:"item"`
	Origin     string     `json:"origin" validate:"required,notblank,trimmedmax=100"`
	TTLSeconds int64      `json:"ttl_seconds" validate:"min=-1"`
	// Sender receives a gift-sent notice when set.
	Sender string `json:"-"`
}

type depositItem struct {
	Type     string `validate:"required,notblank,itemtype"`
	Quantity int    `validate:"min=1"`
}

// giftRepository is the subset of GiftStore the public API relies on.
type giftRepository interface {
	Add(ctx context.Context, record gifts.Record) error
	ListLive(ctx context.Context, recipient string, limit int) ([]gifts.Record, error)
	CountLive(ctx context.Context, recipient string) (int64, error)
	WaitReady(ctx context.Context) error
}

// GiftServiceOption customises a GiftService.
type GiftServiceOption func(*GiftService)

// WithReadFailurePolicy selects the read failure policy.
func WithReadFailurePolicy(policy ReadFailurePolicy) GiftServiceOption {
	return func(s *GiftService) {
		if policy != "" {
			s.readPolicy = policy
		}
	}
}

// WithGiftClock overrides the clock used for creation timestamps.
func WithGiftClock(now func() time.Time) GiftServiceOption {
	return func(s *GiftService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithGiftIDGenerator overrides record id generation.
func WithGiftIDGenerator(next func() string) GiftServiceOption {
	return func(s *GiftService) {
		if next != nil {
			s.newID = next
		}
	}
}

// WithSenderNotices sends a gift-sent notice to the sender of each deposit.
func WithSenderNotices(notifier gifts.Notifier, messages Messages) GiftServiceOption {
	return func(s *GiftService) {
		s.notifier = notifier
		if messages != nil {
			s.messages = messages
		}
	}
}

// GiftService is the mailbox API used by senders and recipients.
type GiftService struct {
	store      giftRepository
	readPolicy ReadFailurePolicy
	now        func() time.Time
	newID      func() string
	notifier   gifts.Notifier
	messages   Messages
	log        *zap.Logger
}

// NewGiftService constructs a GiftService over store.
func NewGiftService(store giftRepository, opts ...GiftServiceOption) (*GiftService, error) {
	if store == nil {
		return nil, errors.New("gift service: store is required")
	}
	s := &GiftService{
		store:      store,
		readPolicy: ReadFailureSoft,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		messages:   TemplateMessages{Templates: DefaultMessageTemplates()},
		log:        logger.WithModule("gifts"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// WaitReady blocks until the store schema is ready.
func (s *GiftService) WaitReady(ctx context.Context) error {
	return s.store.WaitReady(ensureContext(ctx))
}

// Deposit validates input and stores a new record addressed to its recipient.
func (s *GiftService) Deposit(ctx context.Context, input DepositInput) (gifts.Record, error) {
	ctx = ensureContext(ctx)

	input.Recipient = strings.TrimSpace(input.Recipient)
	input.Origin = strings.TrimSpace(input.Origin)
	if err := validator.ValidateStruct(input); err != nil {
		return gifts.Record{}, appErrors.NewValidation(err.Error())
	}
	if err := validator.ValidateStruct(depositItem{Type: input.Item.Type, Quantity: input.Item.Quantity}); err != nil {
		return gifts.Record{}, appErrors.NewValidation("item: " + err.Error())
	}

	now := nowMillis(s.now)
	expiresAt, ok := gifts.ExpiryFor(now, input.TTLSeconds)
	if !ok {
		return gifts.Record{}, appErrors.NewValidation(fmt.Sprintf("ttl_seconds %d is out of range", input.TTLSeconds))
	}

	record := gifts.Record{
		ID:        s.newID(),
		Recipient: input.Recipient,
		Item:      input.Item,
		Origin:    input.Origin,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := s.store.Add(ctx, record); err != nil {
		s.log.Error("deposit failed",
			zap.String("recipient", record.Recipient),
			zap.String("record_id", record.ID),
			zap.Error(err),
		)
		return gifts.Record{}, err
	}

	s.log.Info("gift deposited",
		zap.String("recipient", record.Recipient),
		zap.String("record_id", record.ID),
		zap.String("origin", record.Origin),
		zap.Int64("expires_at", record.ExpiresAt),
	)
	if input.Sender != "" && s.notifier != nil {
		s.notifier.Notify(gifts.Notice{
			Key:       NoticeGiftSent,
			Recipient: input.Sender,
			Message:   s.messages.Render(NoticeGiftSent, map[string]string{"%player%": record.Recipient}),
		})
	}
	return record, nil
}

// ListGifts returns up to limit live gifts, oldest first. Limits above
// MaxListLimit are clamped.
func (s *GiftService) ListGifts(ctx context.Context, recipient string, limit int) ([]gifts.Record, error) {
	if limit <= 0 {
		return nil, appErrors.NewValidation("limit must be positive")
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	records, err := s.store.ListLive(ensureContext(ctx), recipient, limit)
	if err == nil {
		return records, nil
	}
	if s.readPolicy == ReadFailureHard {
		return records, err
	}
	s.log.Warn("listing gifts failed", zap.String("recipient", recipient), zap.Error(err))
	if errors.Is(err, appErrors.ErrDecode) {
		return records, nil
	}
	return []gifts.Record{}, nil
}

// CountGifts counts live gifts for recipient.
func (s *GiftService) CountGifts(ctx context.Context, recipient string) (int64, error) {
	count, err := s.store.CountLive(ensureContext(ctx), recipient)
	if err == nil {
		return count, nil
	}
	if s.readPolicy == ReadFailureHard {
		return 0, err
	}
	s.log.Warn("counting gifts failed", zap.String("recipient", recipient), zap.Error(err))
	return 0, nil
}
