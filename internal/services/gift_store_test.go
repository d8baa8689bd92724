package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/charlesng35/giftbox/internal/database/testutil"
	"github.com/charlesng35/giftbox/internal/gifts"
	"github.com/charlesng35/giftbox/internal/models"
	appErrors "github.com/charlesng35/giftbox/pkg/errors"
	"github.com/charlesng35/giftbox/pkg/logger"
)

func TestInitializeSchemaIsIdempotent(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	audit, err := NewAuditService(db)
	require.NoError(t, err)
	store, err := NewGiftStore(db, audit)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.InitializeSchema(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, store.InitializeSchema(context.Background()))

	for _, table := range []string{"records", "records_log"} {
		var count int64
		require.NoError(t, db.Raw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&count).Error)
		require.Equal(t, int64(1), count, table)
	}
}

func TestOperationsFailBeforeSchemaIsReady(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	audit, err := NewAuditService(db)
	require.NoError(t, err)
	store, err := NewGiftStore(db, audit)
	require.NoError(t, err)

	_, err = store.CountLive(context.Background(), "alice")
	require.ErrorIs(t, err, appErrors.ErrSchema)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, store.WaitReady(ctx), appErrors.ErrTimeout)
}

func TestSchemaFailureLeavesStoreUnusable(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	require.NoError(t, db.Exec("CREATE VIEW records AS SELECT 1 AS id").Error)

	audit, err := NewAuditService(db)
	require.NoError(t, err)
	store, err := NewGiftStore(db, audit)
	require.NoError(t, err)

	err = store.InitializeSchema(context.Background())
	require.ErrorIs(t, err, appErrors.ErrSchema)
	require.ErrorIs(t, store.InitializeSchema(context.Background()), appErrors.ErrSchema)

	_, err = store.ListLive(context.Background(), "alice", 10)
	require.ErrorIs(t, err, appErrors.ErrSchema)
	_, err = store.SweepExpired(context.Background(), 1)
	require.ErrorIs(t, err, appErrors.ErrSchema)
}

func TestAddListCount(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	first := f.addGift(t, "g-1", "alice", gifts.NeverExpires)
	f.clock.Advance(time.Millisecond)
	f.addGift(t, "g-2", "alice", 60)
	f.addGift(t, "g-3", "bob", gifts.NeverExpires)

	records, err := f.store.ListLive(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, first, records[0])
	require.Equal(t, "g-2", records[1].ID)

	count, err := f.store.CountLive(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	require.Equal(t, 3, f.bus.Count(gifts.EventRecordAdded))
	require.Equal(t, int64(1), f.auditCount(t, "g-1", gifts.ResultSent))
}

func TestAddDuplicateIDFailsWithWriteError(t *testing.T) {
	f := newStoreFixture(t)
	record := f.addGift(t, "g-1", "alice", gifts.NeverExpires)

	err := f.store.Add(context.Background(), record)
	require.ErrorIs(t, err, appErrors.ErrWriteFailed)
	require.Equal(t, 1, f.bus.Count(gifts.EventRecordAdded), "no event for a failed add")
	require.Equal(t, int64(1), f.auditCount(t, "g-1", gifts.ResultSent))
}

func TestAddRejectsUnencodableItem(t *testing.T) {
	f := newStoreFixture(t)
	err := f.store.Add(context.Background(), gifts.Record{ID: "g-1", Recipient: "alice", Item: gifts.Item{Quantity: 1}, Origin: "Console", CreatedAt: 1, ExpiresAt: -1})
	require.ErrorIs(t, err, appErrors.ErrWriteFailed)
}

func TestListLiveRejectsOutOfRangeLimit(t *testing.T) {
	f := newStoreFixture(t)

	for _, limit := range []int{0, -1, MaxListLimit + 1} {
		_, err := f.store.ListLive(context.Background(), "alice", limit)
		require.ErrorIs(t, err, appErrors.ErrValidation, "limit %d", limit)
	}
}

func TestListLiveReturnsOldestFirstUpToLimit(t *testing.T) {
	f := newStoreFixture(t)
	for i := 0; i < 40; i++ {
		f.addGift(t, fmt.Sprintf("g-%02d", i), "alice", gifts.NeverExpires)
		f.clock.Advance(time.Millisecond)
	}

	records, err := f.store.ListLive(context.Background(), "alice", 36)
	require.NoError(t, err)
	require.Len(t, records, 36)
	for i, record := range records {
		require.Equal(t, fmt.Sprintf("g-%02d", i), record.ID)
	}
}

func TestExpiredRecordsAreInvisibleWithoutSweep(t *testing.T) {
	f := newStoreFixture(t)
	f.addGift(t, "g-1", "alice", 1)
	f.addGift(t, "g-2", "alice", 0)

	count, err := f.store.CountLive(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), count, "ttl 0 expires immediately")

	f.clock.Advance(time.Second)
	records, err := f.store.ListLive(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Empty(t, records)

	var stored int64
	require.NoError(t, f.db.Model(&models.Gift{}).Count(&stored).Error)
	require.Equal(t, int64(2), stored, "rows stay until the sweeper runs")
}

func TestListLiveReportsUndecodableRecords(t *testing.T) {
	f := newStoreFixture(t)
	f.addGift(t, "g-1", "alice", gifts.NeverExpires)
	require.NoError(t, f.db.Create(&models.Gift{
		ID: "g-bad", Recipient: "alice", EncodedPayload: "!!!", Quantity: 1, Origin: "Console",
		CreatedAt: f.clock.Millis(), ExpiresAt: gifts.NeverExpires,
	}).Error)

	records, err := f.store.ListLive(context.Background(), "alice", 10)
	require.ErrorIs(t, err, appErrors.ErrDecode)
	require.Len(t, records, 1)
	require.Equal(t, "g-1", records[0].ID)

	var failure *appErrors.DecodeFailure
	require.True(t, errors.As(err, &failure))
	require.Equal(t, []string{"g-bad"}, failure.IDs)
}

func TestDeleteOneReportsWhetherARowWasRemoved(t *testing.T) {
	f := newStoreFixture(t)
	f.addGift(t, "g-1", "alice", gifts.NeverExpires)

	removed, err := f.store.DeleteOne(context.Background(), "g-1")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = f.store.DeleteOne(context.Background(), "g-1")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestDeleteManyReturnsRemovedCount(t *testing.T) {
	f := newStoreFixture(t)
	f.addGift(t, "g-1", "alice", gifts.NeverExpires)
	f.addGift(t, "g-2", "alice", gifts.NeverExpires)

	n, err := f.store.DeleteMany(context.Background(), []string{"g-1", "g-2", "g-missing", "g-1"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = f.store.DeleteMany(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDeleteManyRollsBackOnFailure(t *testing.T) {
	f := newStoreFixture(t)
	for _, id := range []string{"g-1", "g-2", "g-3"} {
		f.addGift(t, id, "alice", gifts.NeverExpires)
	}
	require.NoError(t, f.db.Exec(`CREATE TRIGGER block_g3 BEFORE DELETE ON records
		WHEN OLD.id = 'g-3'
		BEGIN SELECT RAISE(ABORT, 'blocked'); END`).Error)

	removed, err := f.store.DeleteBatch(context.Background(), []string{"g-1", "g-2", "g-3"})
	require.ErrorIs(t, err, appErrors.ErrWriteFailed)
	require.Empty(t, removed)

	count, err := f.store.CountLive(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, int64(3), count, "no record may be removed by a failed batch")
}

func TestSweepExpiredAuditsAndRemovesExpiredRecords(t *testing.T) {
	f := newStoreFixture(t)
	f.addGift(t, "g-keep", "alice", gifts.NeverExpires)
	f.addGift(t, "g-later", "alice", 3600)
	f.addGift(t, "g-soon", "alice", 1)
	require.NoError(t, f.db.Create(&models.Gift{
		ID: "g-bad", Recipient: "alice", EncodedPayload: "!!!", Quantity: 1, Origin: "Console",
		CreatedAt: f.clock.Millis(), ExpiresAt: f.clock.Millis() + 500,
	}).Error)

	f.clock.Advance(time.Second)
	removed, err := f.store.SweepExpired(context.Background(), f.clock.Millis())
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	require.Equal(t, int64(1), f.auditCount(t, "g-soon", gifts.ResultExpired))
	require.Equal(t, int64(1), f.auditCount(t, "g-bad", gifts.ResultExpired), "undecodable rows are still audited")
	require.Equal(t, 1, f.bus.Count(gifts.EventRecordExpired))

	var remaining []models.Gift
	require.NoError(t, f.db.Order("id").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	require.Equal(t, "g-keep", remaining[0].ID)
	require.Equal(t, "g-later", remaining[1].ID)

	removed, err = f.store.SweepExpired(context.Background(), f.clock.Millis())
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestLogActionSwallowsFailures(t *testing.T) {
	core, recorded := observer.New(zap.WarnLevel)
	restore := logger.Replace(zap.New(core))
	defer restore()

	f := newStoreFixture(t)
	require.NoError(t, f.db.Migrator().DropTable(&models.GiftLog{}))

	record := gifts.Record{ID: "g-1", Recipient: "alice", Item: gifts.Item{Type: "diamond", Quantity: 1}, Origin: "Console"}
	require.NotPanics(t, func() {
		f.store.LogAction(context.Background(), record, gifts.ResultClaimed)
	})
	require.Equal(t, 1, recorded.FilterMessage("audit entry dropped").Len())

	f.store.LogAction(context.Background(), gifts.Record{ID: "g-2"}, gifts.ResultClaimed)
	require.Equal(t, 1, recorded.FilterMessage("audit entry dropped: payload not encodable").Len())
}
