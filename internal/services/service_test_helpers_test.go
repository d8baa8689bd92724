package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/giftbox/internal/database/testutil"
	"github.com/charlesng35/giftbox/internal/gifts"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Millis() int64 {
	return c.Now().UnixMilli()
}

type recordingBus struct {
	mu     sync.Mutex
	events []gifts.LifecycleEvent
}

func (b *recordingBus) Publish(event gifts.LifecycleEvent) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *recordingBus) Kinds() []gifts.EventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	kinds := make([]gifts.EventKind, len(b.events))
	for i, e := range b.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func (b *recordingBus) Count(kind gifts.EventKind) int {
	n := 0
	for _, k := range b.Kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []gifts.Notice
}

func (n *recordingNotifier) Notify(notice gifts.Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
}

func (n *recordingNotifier) Keys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([]string, len(n.notices))
	for i, notice := range n.notices {
		keys[i] = notice.Key
	}
	return keys
}

func (n *recordingNotifier) Last() gifts.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notices) == 0 {
		return gifts.Notice{}
	}
	return n.notices[len(n.notices)-1]
}

type storeFixture struct {
	db    *gorm.DB
	store *GiftStore
	audit *AuditService
	bus   *recordingBus
	clock *fakeClock
}

func newStoreFixture(t *testing.T, opts ...StoreOption) *storeFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	audit, err := NewAuditService(db)
	require.NoError(t, err)

	bus := &recordingBus{}
	clock := newFakeClock()
	all := append([]StoreOption{WithStoreBus(bus), WithStoreClock(clock.Now)}, opts...)
	store, err := NewGiftStore(db, audit, all...)
	require.NoError(t, err)
	require.NoError(t, store.InitializeSchema(context.Background()))

	return &storeFixture{db: db, store: store, audit: audit, bus: bus, clock: clock}
}

func (f *storeFixture) addGift(t *testing.T, id, recipient string, ttlSeconds int64) gifts.Record {
	t.Helper()

	now := f.clock.Millis()
	expiresAt, ok := gifts.ExpiryFor(now, ttlSeconds)
	require.True(t, ok)

	record := gifts.Record{
		ID:        id,
		Recipient: recipient,
		Item:      gifts.Item{Type: "diamond", Quantity: 1},
		Origin:    "Console",
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	require.NoError(t, f.store.Add(context.Background(), record))
	return record
}

func (f *storeFixture) auditCount(t *testing.T, recordID string, kind gifts.ResultKind) int64 {
	t.Helper()
	count, err := f.audit.CountByRecord(context.Background(), recordID, kind)
	require.NoError(t, err)
	return count
}
