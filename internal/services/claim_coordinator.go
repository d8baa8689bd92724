package services

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/giftbox/internal/gifts"
	"github.com/charlesng35/giftbox/internal/mainloop"
	appErrors "github.com/charlesng35/giftbox/pkg/errors"
	"github.com/charlesng35/giftbox/pkg/logger"
	"github.com/charlesng35/giftbox/pkg/metrics"
)

const (
	defaultSingleClaimScan = MaxListLimit
	defaultClaimAllLimit   = 36
)

// ClaimState is the per-recipient coordinator state.
type ClaimState int

const (
	ClaimIdle ClaimState = iota
	ClaimClaiming
)

// ClaimOutcome describes how a claim workflow ended.
type ClaimOutcome string

const (
	ClaimDelivered  ClaimOutcome = "delivered"
	ClaimBusy       ClaimOutcome = "busy"
	ClaimStale      ClaimOutcome = "stale"
	ClaimExpired    ClaimOutcome = "expired"
	ClaimNoCapacity ClaimOutcome = "no_capacity"
	ClaimEmpty      ClaimOutcome = "empty"
	ClaimFailed     ClaimOutcome = "failed"
	ClaimLost       ClaimOutcome = "lost"
)

// ClaimResult reports a single-claim workflow.
type ClaimResult struct {
	Outcome ClaimOutcome  `json:"outcome"`
	Record  *gifts.Record `json:"record,omitempty"`
}

// ClaimAllResult reports a claim-all workflow. Counts reflect confirmed deletions.
type ClaimAllResult struct {
	Outcome     ClaimOutcome   `json:"outcome"`
	Claimed     []gifts.Record `json:"claimed"`
	Expired     int            `json:"expired"`
	Skipped     int            `json:"skipped"`
	StoppedFull bool           `json:"stopped_full"`
}

// giftLedger is the subset of GiftStore the coordinator relies on.
type giftLedger interface {
	ListLive(ctx context.Context, recipient string, limit int) ([]gifts.Record, error)
	DeleteOne(ctx context.Context, id string) (bool, error)
	DeleteBatch(ctx context.Context, ids []string) ([]string, error)
	LogAction(ctx context.Context, record gifts.Record, kind gifts.ResultKind)
}

// CoordinatorOption customises a ClaimCoordinator.
type CoordinatorOption func(*ClaimCoordinator)

// WithCoordinatorClock overrides the clock used for liveness re-checks.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *ClaimCoordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCoordinatorBus sets the bus receiving claimed and expired events.
func WithCoordinatorBus(bus gifts.Bus) CoordinatorOption {
	return func(c *ClaimCoordinator) {
		if bus != nil {
			c.bus = bus
		}
	}
}

// WithCoordinatorNotifier sets where user notices are sent.
func WithCoordinatorNotifier(notifier gifts.Notifier) CoordinatorOption {
	return func(c *ClaimCoordinator) {
		if notifier != nil {
			c.notifier = notifier
		}
	}
}

// WithCoordinatorMessages sets the notice templates.
func WithCoordinatorMessages(messages Messages) CoordinatorOption {
	return func(c *ClaimCoordinator) {
		if messages != nil {
			c.messages = messages
		}
	}
}

// WithNoticeLimiter rate limits the concurrent-claim notice.
func WithNoticeLimiter(limiter *NoticeLimiter) CoordinatorOption {
	return func(c *ClaimCoordinator) {
		c.limiter = limiter
	}
}

// WithClaimLimits overrides how many records each workflow considers.
func WithClaimLimits(singleScan, claimAll int) CoordinatorOption {
	return func(c *ClaimCoordinator) {
		if singleScan > 0 && singleScan <= MaxListLimit {
			c.singleScan = singleScan
		}
		if claimAll > 0 && claimAll <= MaxListLimit {
			c.claimAllLimit = claimAll
		}
	}
}

// ClaimCoordinator runs at most one claim workflow per recipient at a time.
// Delivery and notices run on the main loop; storage runs on the caller's goroutine.
type ClaimCoordinator struct {
	store     giftLedger
	deliverer Deliverer
	loop      *mainloop.Loop
	bus       gifts.Bus
	notifier  gifts.Notifier
	messages  Messages
	limiter   *NoticeLimiter
	now       func() time.Time

	singleScan    int
	claimAllLimit int

	states sync.Map // recipient -> ClaimState
	log    *zap.Logger
}

// NewClaimCoordinator constructs a coordinator.
func NewClaimCoordinator(store giftLedger, deliverer Deliverer, loop *mainloop.Loop, opts ...CoordinatorOption) (*ClaimCoordinator, error) {
	if store == nil {
		return nil, errors.New("claim coordinator: store is required")
	}
	if deliverer == nil {
		return nil, errors.New("claim coordinator: deliverer is required")
	}
	if loop == nil {
		return nil, errors.New("claim coordinator: main loop is required")
	}

	c := &ClaimCoordinator{
		store:         store,
		deliverer:     deliverer,
		loop:          loop,
		bus:           gifts.NopBus{},
		notifier:      gifts.NopNotifier{},
		messages:      TemplateMessages{Templates: DefaultMessageTemplates()},
		now:           time.Now,
		singleScan:    defaultSingleClaimScan,
		claimAllLimit: defaultClaimAllLimit,
		log:           logger.WithModule("claims"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State reports the recipient's current claim state.
func (c *ClaimCoordinator) State(recipient string) ClaimState {
	if _, busy := c.states.Load(recipient); busy {
		return ClaimClaiming
	}
	return ClaimIdle
}

func (c *ClaimCoordinator) acquire(recipient string) bool {
	_, busy := c.states.LoadOrStore(recipient, ClaimClaiming)
	return !busy
}

func (c *ClaimCoordinator) release(recipient string) {
	c.states.Delete(recipient)
}

// Claim delivers one record to its recipient. A request made while another
// workflow runs for the same recipient returns ClaimBusy without side effects.
func (c *ClaimCoordinator) Claim(ctx context.Context, recipient, giftID string) (result ClaimResult, err error) {
	ctx = ensureContext(ctx)
	if !c.acquire(recipient) {
		c.rejectBusy(ctx, recipient)
		metrics.ClaimOutcomes.WithLabelValues("single", string(ClaimBusy)).Inc()
		return ClaimResult{Outcome: ClaimBusy}, nil
	}
	defer c.release(recipient)
	defer func() {
		metrics.ClaimOutcomes.WithLabelValues("single", string(result.Outcome)).Inc()
	}()

	return c.claimOne(context.WithoutCancel(ctx), recipient, giftID)
}

func (c *ClaimCoordinator) claimOne(ctx context.Context, recipient, giftID string) (ClaimResult, error) {
	log := c.log.With(zap.String("recipient", recipient), zap.String("record_id", giftID))

	records, err := c.store.ListLive(ctx, recipient, c.singleScan)
	if err != nil && !errors.Is(err, appErrors.ErrDecode) {
		return c.fail(recipient, log, "list live records", err)
	}

	var target *gifts.Record
	for i := range records {
		if records[i].ID == giftID {
			target = &records[i]
			break
		}
	}
	if target == nil {
		log.Debug("claim target no longer listed")
		return ClaimResult{Outcome: ClaimStale}, nil
	}

	var now int64
	outcome := ClaimDelivered
	err = c.loop.Do(ctx, func(ctx context.Context) error {
		now = nowMillis(c.now)
		if !target.IsLive(now) {
			outcome = ClaimExpired
			return nil
		}
		err := c.deliverer.Deliver(ctx, recipient, *target)
		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyDelivered):
			// An earlier claim delivered but did not remove the record.
			log.Warn("record already delivered, completing its removal")
		case errors.Is(err, ErrInventoryFull):
			outcome = ClaimNoCapacity
			c.notifyOnLoop(recipient, NoticeInventoryFull)
		default:
			return err
		}
		return nil
	})
	if err != nil {
		return c.fail(recipient, log, "deliver record", err)
	}
	switch outcome {
	case ClaimExpired:
		return c.expireOne(ctx, recipient, *target, now, log)
	case ClaimNoCapacity:
		return ClaimResult{Outcome: ClaimNoCapacity, Record: target}, nil
	}

	removed, err := c.store.DeleteOne(ctx, target.ID)
	if err != nil {
		log.Error("record delivered but not removed", zap.Error(err))
		return c.fail(recipient, log, "delete claimed record", err)
	}
	if !removed {
		log.Error("claimed record was already gone after delivery")
		return ClaimResult{Outcome: ClaimLost, Record: target}, nil
	}

	c.store.LogAction(ctx, *target, gifts.ResultClaimed)
	c.publish(gifts.EventRecordClaimed, *target, recipient, now)
	c.sendNotice(recipient, NoticeGiftClaimed, nil)
	log.Info("gift claimed")
	return ClaimResult{Outcome: ClaimDelivered, Record: target}, nil
}

func (c *ClaimCoordinator) expireOne(ctx context.Context, recipient string, record gifts.Record, now int64, log *zap.Logger) (ClaimResult, error) {
	removed, err := c.store.DeleteOne(ctx, record.ID)
	if err != nil {
		return c.fail(recipient, log, "delete expired record", err)
	}
	if removed {
		c.store.LogAction(ctx, record, gifts.ResultExpired)
		c.publish(gifts.EventRecordExpired, record, "", now)
	}
	c.sendNotice(recipient, NoticeGiftExpired, nil)
	return ClaimResult{Outcome: ClaimExpired, Record: &record}, nil
}

// ClaimAll delivers the recipient's oldest live records until the inventory is
// full. Expired records found along the way are removed.
func (c *ClaimCoordinator) ClaimAll(ctx context.Context, recipient string) (result ClaimAllResult, err error) {
	ctx = ensureContext(ctx)
	if !c.acquire(recipient) {
		c.rejectBusy(ctx, recipient)
		metrics.ClaimOutcomes.WithLabelValues("all", string(ClaimBusy)).Inc()
		return ClaimAllResult{Outcome: ClaimBusy}, nil
	}
	defer c.release(recipient)
	defer func() {
		metrics.ClaimOutcomes.WithLabelValues("all", string(result.Outcome)).Inc()
	}()

	return c.claimAll(context.WithoutCancel(ctx), recipient)
}

func (c *ClaimCoordinator) claimAll(ctx context.Context, recipient string) (ClaimAllResult, error) {
	log := c.log.With(zap.String("recipient", recipient))

	records, err := c.store.ListLive(ctx, recipient, c.claimAllLimit)
	if err != nil && !errors.Is(err, appErrors.ErrDecode) {
		single, failErr := c.fail(recipient, log, "list live records", err)
		return ClaimAllResult{Outcome: single.Outcome}, failErr
	}
	if len(records) == 0 {
		c.sendNotice(recipient, NoticeNoGifts, nil)
		return ClaimAllResult{Outcome: ClaimEmpty}, nil
	}

	var (
		now       int64
		expired   []gifts.Record
		delivered []gifts.Record
		skipped   int
		full      bool
	)

	err = c.loop.Do(ctx, func(ctx context.Context) error {
		now = nowMillis(c.now)
		for _, record := range records {
			if !record.IsLive(now) {
				expired = append(expired, record)
				continue
			}
			err := c.deliverer.Deliver(ctx, recipient, record)
			switch {
			case err == nil:
			case errors.Is(err, ErrAlreadyDelivered):
				log.Warn("record already delivered, completing its removal", zap.String("record_id", record.ID))
			case errors.Is(err, ErrInventoryFull):
				full = true
			default:
				skipped++
				log.Warn("skipping record that could not be delivered", zap.String("record_id", record.ID), zap.Error(err))
				continue
			}
			if full {
				break
			}
			delivered = append(delivered, record)
		}
		if full {
			c.notifyOnLoop(recipient, NoticeInventoryFull)
		}
		return nil
	})
	if err != nil && len(delivered) == 0 && len(expired) == 0 {
		single, failErr := c.fail(recipient, log, "deliver records", err)
		return ClaimAllResult{Outcome: single.Outcome}, failErr
	}
	if err != nil {
		log.Error("claim-all delivery interrupted", zap.Error(err))
	}

	result := ClaimAllResult{Outcome: ClaimDelivered, Skipped: skipped, StoppedFull: full}

	if len(expired) > 0 {
		removed, delErr := c.store.DeleteBatch(ctx, recordIDs(expired))
		if delErr != nil {
			log.Error("failed to remove expired records during claim-all", zap.Error(delErr))
		}
		for _, record := range confirmed(expired, removed) {
			c.store.LogAction(ctx, record, gifts.ResultExpired)
			c.publish(gifts.EventRecordExpired, record, "", now)
			result.Expired++
		}
	}

	if len(delivered) > 0 {
		removed, delErr := c.store.DeleteBatch(ctx, recordIDs(delivered))
		if delErr != nil {
			log.Error("records delivered but not removed", zap.Int("records", len(delivered)), zap.Error(delErr))
			c.sendNotice(recipient, NoticeClaimFailed, nil)
			result.Outcome = ClaimFailed
			return result, delErr
		}
		result.Claimed = confirmed(delivered, removed)
		if lost := len(delivered) - len(result.Claimed); lost > 0 {
			log.Error("claimed records were already gone after delivery", zap.Int("records", lost))
		}
		for _, record := range result.Claimed {
			c.store.LogAction(ctx, record, gifts.ResultClaimed)
			c.publish(gifts.EventRecordClaimed, record, recipient, now)
		}
	}

	switch {
	case len(result.Claimed) > 0:
		c.sendNotice(recipient, NoticeAllGiftsClaimed, map[string]string{"%amount%": strconv.Itoa(len(result.Claimed))})
	case full:
		result.Outcome = ClaimNoCapacity
	case result.Expired > 0:
		result.Outcome = ClaimExpired
		c.sendNotice(recipient, NoticeGiftExpired, nil)
	default:
		result.Outcome = ClaimFailed
		c.sendNotice(recipient, NoticeClaimFailed, nil)
	}

	log.Info("claim-all finished",
		zap.Int("claimed", len(result.Claimed)),
		zap.Int("expired", result.Expired),
		zap.Int("skipped", result.Skipped),
		zap.Bool("inventory_full", full),
	)
	return result, nil
}

func (c *ClaimCoordinator) rejectBusy(ctx context.Context, recipient string) {
	if c.limiter.Allow(ctx, recipient) {
		c.sendNotice(recipient, NoticeConcurrentClaim, nil)
	}
}

func (c *ClaimCoordinator) fail(recipient string, log *zap.Logger, step string, err error) (ClaimResult, error) {
	log.Error("claim workflow failed", zap.String("step", step), zap.Error(err))
	c.sendNotice(recipient, NoticeClaimFailed, nil)
	return ClaimResult{Outcome: ClaimFailed}, err
}

// sendNotice posts a notice to the main loop. Must not be called from a main loop task.
func (c *ClaimCoordinator) sendNotice(recipient, key string, replacements map[string]string) {
	notice := c.notice(recipient, key, replacements)
	c.loop.Post(func() {
		c.notifier.Notify(notice)
	})
}

// notifyOnLoop delivers a notice directly; callers already run on the main loop.
func (c *ClaimCoordinator) notifyOnLoop(recipient, key string) {
	c.notifier.Notify(c.notice(recipient, key, nil))
}

func (c *ClaimCoordinator) notice(recipient, key string, replacements map[string]string) gifts.Notice {
	return gifts.Notice{
		Key:       key,
		Recipient: recipient,
		Message:   c.messages.Render(key, replacements),
	}
}

func (c *ClaimCoordinator) publish(kind gifts.EventKind, record gifts.Record, actor string, at int64) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("lifecycle event consumer panicked", zap.String("kind", string(kind)), zap.Any("panic", r))
		}
	}()
	c.bus.Publish(gifts.LifecycleEvent{Kind: kind, Record: record, Actor: actor, At: at})
}

func recordIDs(records []gifts.Record) []string {
	ids := make([]string, len(records))
	for i, record := range records {
		ids[i] = record.ID
	}
	return ids
}

func confirmed(records []gifts.Record, removedIDs []string) []gifts.Record {
	removed := make(map[string]struct{}, len(removedIDs))
	for _, id := range removedIDs {
		removed[id] = struct{}{}
	}
	out := make([]gifts.Record, 0, len(removedIDs))
	for _, record := range records {
		if _, ok := removed[record.ID]; ok {
			out = append(out, record)
		}
	}
	return out
}
