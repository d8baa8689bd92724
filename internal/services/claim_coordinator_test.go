package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/giftbox/internal/cache"
	"github.com/charlesng35/giftbox/internal/gifts"
	"github.com/charlesng35/giftbox/internal/mainloop"
)

type coordinatorFixture struct {
	*storeFixture
	inventory   *InventoryService
	loop        *mainloop.Loop
	notifier    *recordingNotifier
	coordinator *ClaimCoordinator
}

func newCoordinatorFixture(t *testing.T, slots int, deliverer Deliverer, opts ...CoordinatorOption) *coordinatorFixture {
	t.Helper()

	f := newStoreFixture(t)
	inventory, err := NewInventoryService(f.db, slots, f.clock.Now)
	require.NoError(t, err)
	if deliverer == nil {
		deliverer = inventory
	}

	loop := mainloop.New(0)
	loop.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = loop.Stop(ctx)
	})

	notifier := &recordingNotifier{}
	all := append([]CoordinatorOption{
		WithCoordinatorClock(f.clock.Now),
		WithCoordinatorBus(f.bus),
		WithCoordinatorNotifier(notifier),
	}, opts...)
	coordinator, err := NewClaimCoordinator(f.store, deliverer, loop, all...)
	require.NoError(t, err)

	return &coordinatorFixture{
		storeFixture: f,
		inventory:    inventory,
		loop:         loop,
		notifier:     notifier,
		coordinator:  coordinator,
	}
}

// waitNotice blocks until the notifier has seen key.
func (f *coordinatorFixture) waitNotice(t *testing.T, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, k := range f.notifier.Keys() {
			if k == key {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "notice %s", key)
}

// flush waits until every notice posted so far has run.
func (f *coordinatorFixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.loop.Do(context.Background(), func(context.Context) error { return nil }))
}

type blockingDeliverer struct {
	inner   Deliverer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *blockingDeliverer) Deliver(ctx context.Context, recipient string, record gifts.Record) error {
	d.once.Do(func() { close(d.entered) })
	<-d.release
	return d.inner.Deliver(ctx, recipient, record)
}

type failingDeliverer struct {
	inner Deliverer
	fail  map[string]bool
}

func (d *failingDeliverer) Deliver(ctx context.Context, recipient string, record gifts.Record) error {
	if d.fail[record.ID] {
		return errors.New("item rejected")
	}
	return d.inner.Deliver(ctx, recipient, record)
}

func TestClaimDeliversAndRemovesRecord(t *testing.T) {
	f := newCoordinatorFixture(t, 0, nil)
	ctx := context.Background()
	f.addGift(t, "g-1", "alice", gifts.NeverExpires)

	count, err := f.store.CountLive(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	result, err := f.coordinator.Claim(ctx, "alice", "g-1")
	require.NoError(t, err)
	require.Equal(t, ClaimDelivered, result.Outcome)
	require.NotNil(t, result.Record)
	require.Equal(t, "g-1", result.Record.ID)

	count, err = f.store.CountLive(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, count)

	items, err := f.inventory.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "diamond", items[0].ItemType)

	require.Equal(t, int64(1), f.auditCount(t, "g-1", gifts.ResultClaimed))
	require.Equal(t, 1, f.bus.Count(gifts.EventRecordClaimed))
	f.waitNotice(t, NoticeGiftClaimed)
	require.Equal(t, ClaimIdle, f.coordinator.State("alice"))
}

func TestClaimUnknownRecordIsStale(t *testing.T) {
	f := newCoordinatorFixture(t, 0, nil)

	result, err := f.coordinator.Claim(context.Background(), "alice", "missing")
	require.NoError(t, err)
	require.Equal(t, ClaimStale, result.Outcome)

	f.flush(t)
	require.Empty(t, f.notifier.Keys())
}

func TestClaimOtherRecipientsRecordIsStale(t *testing.T) {
	f := newCoordinatorFixture(t, 0, nil)
	f.addGift(t, "g-1", "bob", gifts.NeverExpires)

	result, err := f.coordinator.Claim(context.Background(), "alice", "g-1")
	require.NoError(t, err)
	require.Equal(t, ClaimStale, result.Outcome)

	count, err := f.store.CountLive(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestConcurrentClaimsDeliverOnce(t *testing.T) {
	f := newCoordinatorFixture(t, 0, nil)
	f.addGift(t, "g-1", "alice", gifts.NeverExpires)

	const workers = 8
	results := make(chan ClaimResult, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.coordinator.Claim(context.Background(), "alice", "g-1")
			results <- result
			errs <- err
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	delivered := 0
	for result := range results {
		if result.Outcome == ClaimDelivered {
			delivered++
		} else {
			require.Contains(t, []ClaimOutcome{ClaimBusy, ClaimStale}, result.Outcome)
		}
	}
	require.Equal(t, 1, delivered)

	items, err := f.inventory.List(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, int64(1), f.auditCount(t, "g-1", gifts.ResultClaimed))
}

func TestClaimWhileBusyRejectsWithRateLimitedNotice(t *testing.T) {
	memory := cache.NewMemoryStore()
	t.Cleanup(func() { _ = memory.Close() })
	limiter := NewNoticeLimiter(memory, time.Minute)
	inventoryHolder := &blockingDeliverer{entered: make(chan struct{}), release: make(chan struct{})}
	f := newCoordinatorFixture(t, 0, inventoryHolder, WithNoticeLimiter(limiter))
	inventoryHolder.inner = f.inventory
	f.addGift(t, "g-1", "alice", gifts.NeverExpires)
	f.addGift(t, "g-2", "alice", gifts.NeverExpires)

	done := make(chan ClaimResult, 1)
	go func() {
		result, _ := f.coordinator.Claim(context.Background(), "alice", "g-1")
		done <- result
	}()
	<-inventoryHolder.entered
	require.Equal(t, ClaimClaiming, f.coordinator.State("alice"))

	for i := 0; i < 3; i++ {
		result, err := f.coordinator.Claim(context.Background(), "alice", "g-2")
		require.NoError(t, err)
		require.Equal(t, ClaimBusy, result.Outcome)

		all, err := f.coordinator.ClaimAll(context.Background(), "alice")
		require.NoError(t, err)
		require.Equal(t, ClaimBusy, all.Outcome)
	}

	// Other recipients are not blocked.
	f.addGift(t, "g-3", "bob", gifts.NeverExpires)
	close(inventoryHolder.release)
	require.Equal(t, ClaimDelivered, (<-done).Outcome)

	bobResult, err := f.coordinator.Claim(context.Background(), "bob", "g-3")
	require.NoError(t, err)
	require.Equal(t, ClaimDelivered, bobResult.Outcome)

	f.flush(t)
	busyNotices := 0
	for _, key := range f.notifier.Keys() {
		if key == NoticeConcurrentClaim {
			busyNotices++
		}
	}
	require.Equal(t, 1, busyNotices)

	count, err := f.store.CountLive(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestClaimExpiredRecordRemovesItWithoutDelivery(t *testing.T) {
	f := newCoordinatorFixture(t, 0, nil)
	f.addGift(t, "g-1", "alice", 60)

	// Listed as live, then expires before the recheck.
	f.coordinator.now = func() time.Time { return f.clock.Now().Add(2 * time.Minute) }

	result, err := f.coordinator.Claim(context.Background(), "alice", "g-1")
	require.NoError(t, err)
	require.Equal(t, ClaimExpired, result.Outcome)

	items, err := f.inventory.List(context.Background(), "alice")
	require.NoError(t, err)
	require.Empty(t, items)

	var remaining int64
	require.NoError(t, f.db.Table("records").Count(&remaining).Error)
	require.Zero(t, remaining)
	require.Equal(t, int64(1), f.auditCount(t, "g-1", gifts.ResultExpired))
	require.Equal(t, 1, f.bus.Count(gifts.EventRecordExpired))
	f.waitNotice(t, NoticeGiftExpired)
}

func TestClaimWithFullInventoryKeepsRecord(t *testing.T) {
	f := newCoordinatorFixture(t, 1, nil)
	f.addGift(t, "g-1", "alice", gifts.NeverExpires)
	f.addGift(t, "g-2", "alice", gifts.NeverExpires)

	result, err := f.coordinator.Claim(context.Background(), "alice", "g-1")
	require.NoError(t, err)
	require.Equal(t, ClaimDelivered, result.Outcome)

	result, err = f.coordinator.Claim(context.Background(), "alice", "g-2")
	require.NoError(t, err)
	require.Equal(t, ClaimNoCapacity, result.Outcome)

	count, err := f.store.CountLive(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	require.Zero(t, f.auditCount(t, "g-2", gifts.ResultClaimed))
	f.waitNotice(t, NoticeInventoryFull)
}

func TestClaimFailureSendsGenericNotice(t *testing.T) {
	f := newCoordinatorFixture(t, 0, nil)
	f.addGift(t, "g-1", "alice", gifts.NeverExpires)
	require.NoError(t, f.db.Exec("DROP TABLE inventory_items").Error)

	result, err := f.coordinator.Claim(context.Background(), "alice", "g-1")
	require.Error(t, err)
	require.Equal(t, ClaimFailed, result.Outcome)

	count, err := f.store.CountLive(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	f.waitNotice(t, NoticeClaimFailed)
}

func TestClaimAllStopsAtInventoryCapacity(t *testing.T) {
	f := newCoordinatorFixture(t, 0, nil)
	for i := 0; i < 40; i++ {
		f.addGift(t, fmt.Sprintf("g-%02d", i), "alice", gifts.NeverExpires)
		f.clock.Advance(time.Millisecond)
	}

	result, err := f.coordinator.ClaimAll(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, ClaimDelivered, result.Outcome)
	require.Len(t, result.Claimed, DefaultInventorySlots)
	require.Equal(t, "g-00", result.Claimed[0].ID)

	count, err := f.store.CountLive(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, int64(4), count)

	f.waitNotice(t, NoticeAllGiftsClaimed)
	require.Equal(t, "You claimed 36 gift(s).", f.notifier.Last().Message)

	// The inventory is now full.
	result, err = f.coordinator.ClaimAll(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, ClaimNoCapacity, result.Outcome)
	require.True(t, result.StoppedFull)
	f.waitNotice(t, NoticeInventoryFull)
}

func TestClaimAllRemovesExpiredAndSkipsFailures(t *testing.T) {
	failing := &failingDeliverer{fail: map[string]bool{"bad": true}}
	f := newCoordinatorFixture(t, 0, failing)
	failing.inner = f.inventory

	f.addGift(t, "short", "alice", 30)
	f.addGift(t, "bad", "alice", gifts.NeverExpires)
	f.addGift(t, "good", "alice", gifts.NeverExpires)
	f.coordinator.now = func() time.Time { return f.clock.Now().Add(time.Minute) }

	result, err := f.coordinator.ClaimAll(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, ClaimDelivered, result.Outcome)
	require.Len(t, result.Claimed, 1)
	require.Equal(t, "good", result.Claimed[0].ID)
	require.Equal(t, 1, result.Expired)
	require.Equal(t, 1, result.Skipped)

	records, err := f.store.ListLive(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "bad", records[0].ID)

	require.Equal(t, int64(1), f.auditCount(t, "short", gifts.ResultExpired))
	require.Equal(t, int64(1), f.auditCount(t, "good", gifts.ResultClaimed))
	require.Zero(t, f.auditCount(t, "bad", gifts.ResultClaimed))
	f.waitNotice(t, NoticeAllGiftsClaimed)
}

func TestClaimAllWithNothingToClaim(t *testing.T) {
	f := newCoordinatorFixture(t, 0, nil)

	result, err := f.coordinator.ClaimAll(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, ClaimEmpty, result.Outcome)
	f.waitNotice(t, NoticeNoGifts)
}

func TestNewClaimCoordinatorValidatesDependencies(t *testing.T) {
	f := newStoreFixture(t)
	loop := mainloop.New(1)

	_, err := NewClaimCoordinator(nil, &InventoryService{}, loop)
	require.Error(t, err)
	_, err = NewClaimCoordinator(f.store, nil, loop)
	require.Error(t, err)
	_, err = NewClaimCoordinator(f.store, &InventoryService{}, nil)
	require.Error(t, err)
}

func TestClaimCompletesRecordDeliveredEarlier(t *testing.T) {
	f := newCoordinatorFixture(t, 1, nil)
	ctx := context.Background()
	record := f.addGift(t, "g-1", "alice", gifts.NeverExpires)

	// A previous claim delivered the item but never removed the record.
	require.NoError(t, f.inventory.Deliver(ctx, "alice", record))

	result, err := f.coordinator.Claim(ctx, "alice", "g-1")
	require.NoError(t, err)
	require.Equal(t, ClaimDelivered, result.Outcome)

	count, err := f.store.CountLive(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, count)

	items, err := f.inventory.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, items, 1, "the item is not credited twice")
	require.Equal(t, int64(1), f.auditCount(t, "g-1", gifts.ResultClaimed))
	f.waitNotice(t, NoticeGiftClaimed)
}

func TestClaimAllCompletesRecordsDeliveredEarlier(t *testing.T) {
	f := newCoordinatorFixture(t, 0, nil)
	ctx := context.Background()
	earlier := f.addGift(t, "g-1", "alice", gifts.NeverExpires)
	f.clock.Advance(time.Millisecond)
	f.addGift(t, "g-2", "alice", gifts.NeverExpires)
	require.NoError(t, f.inventory.Deliver(ctx, "alice", earlier))

	result, err := f.coordinator.ClaimAll(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, ClaimDelivered, result.Outcome)
	require.Len(t, result.Claimed, 2)
	require.Zero(t, result.Skipped)

	count, err := f.store.CountLive(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, count)

	items, err := f.inventory.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, int64(1), f.auditCount(t, "g-1", gifts.ResultClaimed))
	require.Equal(t, int64(1), f.auditCount(t, "g-2", gifts.ResultClaimed))
}

type signallingLedger struct {
	*GiftStore
	listed chan struct{}
}

func (l signallingLedger) ListLive(ctx context.Context, recipient string, limit int) ([]gifts.Record, error) {
	records, err := l.GiftStore.ListLive(ctx, recipient, limit)
	l.listed <- struct{}{}
	return records, err
}

func TestClaimRechecksExpiryOnMainLoop(t *testing.T) {
	f := newCoordinatorFixture(t, 0, nil)
	f.addGift(t, "g-1", "alice", 60)

	ledger := signallingLedger{GiftStore: f.store, listed: make(chan struct{}, 1)}
	coordinator, err := NewClaimCoordinator(ledger, f.inventory, f.loop,
		WithCoordinatorClock(f.clock.Now),
		WithCoordinatorNotifier(f.notifier),
	)
	require.NoError(t, err)

	// Hold the main loop so the delivery task waits in the queue.
	entered, release := make(chan struct{}), make(chan struct{})
	f.loop.Post(func() {
		close(entered)
		<-release
	})
	<-entered

	done := make(chan ClaimResult, 1)
	go func() {
		result, _ := coordinator.Claim(context.Background(), "alice", "g-1")
		done <- result
	}()

	<-ledger.listed
	f.clock.Advance(2 * time.Minute)
	close(release)

	select {
	case result := <-done:
		require.Equal(t, ClaimExpired, result.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("claim did not finish")
	}

	items, err := f.inventory.List(context.Background(), "alice")
	require.NoError(t, err)
	require.Empty(t, items)
	require.Equal(t, int64(1), f.auditCount(t, "g-1", gifts.ResultExpired))
}
