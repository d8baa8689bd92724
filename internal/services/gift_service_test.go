package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/giftbox/internal/gifts"
	appErrors "github.com/charlesng35/giftbox/pkg/errors"
)

func newGiftServiceFixture(t *testing.T, opts ...GiftServiceOption) (*storeFixture, *GiftService) {
	t.Helper()
	f := newStoreFixture(t)
	all := append([]GiftServiceOption{WithGiftClock(f.clock.Now)}, opts...)
	svc, err := NewGiftService(f.store, all...)
	require.NoError(t, err)
	return f, svc
}

func depositInput(recipient string, ttl int64) DepositInput {
	return DepositInput{
		Recipient:  recipient,
		Item:       gifts.Item{Type: "emerald", Name: "Shiny", Quantity: 3},
		Origin:     "  Console  ",
		TTLSeconds: ttl,
	}
}

func TestDepositStoresRecord(t *testing.T) {
	f, svc := newGiftServiceFixture(t)
	ctx := context.Background()

	record, err := svc.Deposit(ctx, depositInput("alice", gifts.NeverExpires))
	require.NoError(t, err)
	require.Len(t, record.ID, 36)
	require.Equal(t, "Console", record.Origin)
	require.Equal(t, gifts.NeverExpires, record.ExpiresAt)
	require.Equal(t, f.clock.Millis(), record.CreatedAt)

	records, err := svc.ListGifts(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, record, records[0])

	require.Equal(t, int64(1), f.auditCount(t, record.ID, gifts.ResultSent))
	require.Equal(t, 1, f.bus.Count(gifts.EventRecordAdded))
}

func TestDepositWithTTLExpiresWithoutSweep(t *testing.T) {
	f, svc := newGiftServiceFixture(t)
	ctx := context.Background()

	record, err := svc.Deposit(ctx, depositInput("alice", 1))
	require.NoError(t, err)
	require.Equal(t, record.CreatedAt+1000, record.ExpiresAt)

	count, err := svc.CountGifts(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	f.clock.Advance(1100 * time.Millisecond)

	count, err = svc.CountGifts(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, count)

	records, err := svc.ListGifts(ctx, "alice", 10)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestDepositValidation(t *testing.T) {
	_, svc := newGiftServiceFixture(t)
	ctx := context.Background()

	cases := map[string]DepositInput{
		"blank recipient": depositInput("   ", -1),
		"ttl below -1":    depositInput("alice", -2),
		"empty origin": func() DepositInput {
			in := depositInput("alice", -1)
			in.Origin = ""
			return in
		}(),
		"blank origin": func() DepositInput {
			in := depositInput("alice", -1)
			in.Origin = " \t "
			return in
		}(),
		"long origin": func() DepositInput {
			in := depositInput("alice", -1)
			in.Origin = strings.Repeat("x", 101)
			return in
		}(),
		"zero quantity": func() DepositInput {
			in := depositInput("alice", -1)
			in.Item.Quantity = 0
			return in
		}(),
		"missing type": func() DepositInput {
			in := depositInput("alice", -1)
			in.Item.Type = ""
			return in
		}(),
		"overflowing ttl": depositInput("alice", 1<<62),
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Deposit(ctx, input)
			require.ErrorIs(t, err, appErrors.ErrValidation)
		})
	}

	count, err := svc.CountGifts(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestDepositOriginIsTrimmedBeforeLengthCheck(t *testing.T) {
	_, svc := newGiftServiceFixture(t)

	in := depositInput("alice", -1)
	in.Origin = "   " + strings.Repeat("y", 100) + "   "
	record, err := svc.Deposit(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, record.Origin, 100)
}

func TestDepositNotifiesSender(t *testing.T) {
	notifier := &recordingNotifier{}
	_, svc := newGiftServiceFixture(t, WithSenderNotices(notifier, TemplateMessages{Prefix: "[Mail] "}))

	in := depositInput("alice", -1)
	in.Sender = "bob"
	_, err := svc.Deposit(context.Background(), in)
	require.NoError(t, err)

	last := notifier.Last()
	require.Equal(t, NoticeGiftSent, last.Key)
	require.Equal(t, "bob", last.Recipient)
	require.Equal(t, "[Mail] Gift sent to alice.", last.Message)
}

func TestDepositDuplicateIDIsWriteError(t *testing.T) {
	_, svc := newGiftServiceFixture(t, WithGiftIDGenerator(func() string { return "fixed-id" }))

	_, err := svc.Deposit(context.Background(), depositInput("alice", -1))
	require.NoError(t, err)
	_, err = svc.Deposit(context.Background(), depositInput("alice", -1))
	require.ErrorIs(t, err, appErrors.ErrWriteFailed)
}

func TestListGiftsLimits(t *testing.T) {
	f, svc := newGiftServiceFixture(t)
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		_, err := svc.Deposit(ctx, depositInput("alice", -1))
		require.NoError(t, err)
		f.clock.Advance(time.Millisecond)
	}

	_, err := svc.ListGifts(ctx, "alice", 0)
	require.ErrorIs(t, err, appErrors.ErrValidation)

	records, err := svc.ListGifts(ctx, "alice", 36)
	require.NoError(t, err)
	require.Len(t, records, 36)
	for i := 1; i < len(records); i++ {
		require.Less(t, records[i-1].CreatedAt, records[i].CreatedAt)
	}

	records, err = svc.ListGifts(ctx, "alice", 500)
	require.NoError(t, err)
	require.Len(t, records, 40)
}

type brokenRepository struct {
	giftRepository
	err error
}

func (r brokenRepository) ListLive(context.Context, string, int) ([]gifts.Record, error) {
	return nil, r.err
}

func (r brokenRepository) CountLive(context.Context, string) (int64, error) {
	return 0, r.err
}

func TestReadFailurePolicy(t *testing.T) {
	readErr := appErrors.ErrReadFailed.WithInternal(errors.New("disk on fire"))

	soft, err := NewGiftService(brokenRepository{err: readErr})
	require.NoError(t, err)
	records, err := soft.ListGifts(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Empty(t, records)
	count, err := soft.CountGifts(context.Background(), "alice")
	require.NoError(t, err)
	require.Zero(t, count)

	hard, err := NewGiftService(brokenRepository{err: readErr}, WithReadFailurePolicy(ReadFailureHard))
	require.NoError(t, err)
	_, err = hard.ListGifts(context.Background(), "alice", 10)
	require.ErrorIs(t, err, appErrors.ErrReadFailed)
	_, err = hard.CountGifts(context.Background(), "alice")
	require.ErrorIs(t, err, appErrors.ErrReadFailed)
}

func TestParseReadFailurePolicy(t *testing.T) {
	policy, err := ParseReadFailurePolicy("")
	require.NoError(t, err)
	require.Equal(t, ReadFailureSoft, policy)

	policy, err = ParseReadFailurePolicy(" HARD ")
	require.NoError(t, err)
	require.Equal(t, ReadFailureHard, policy)

	_, err = ParseReadFailurePolicy("loud")
	require.Error(t, err)
}
