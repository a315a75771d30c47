package notify

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/repository"
	"github.com/estatemeter/prepay-core/pkg/pg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type recordingEnqueuer struct {
	enqueued []model.Notification
	err      error
}

func (e *recordingEnqueuer) EnqueueNotification(_ context.Context, n model.Notification) error {
	if e.err != nil {
		return e.err
	}
	e.enqueued = append(e.enqueued, n)
	return nil
}

func setup(t *testing.T) (*repository.NotificationRepository, *recordingEnqueuer, *Dispatcher) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&repository.NotificationEntity{}))

	pgDB := &pg.DB{}
	v := reflect.ValueOf(pgDB).Elem()
	for _, name := range []string{"read", "write"} {
		f := v.FieldByName(name)
		f = reflect.NewAt(f.Type(), f.Addr().UnsafePointer()).Elem()
		f.Set(reflect.ValueOf(db))
	}

	store := repository.NewNotificationRepository(pgDB)
	queue := &recordingEnqueuer{}
	return store, queue, NewDispatcher(store, queue)
}

func TestDispatcher_Dispatch(t *testing.T) {
	store, queue, d := setup(t)
	ctx := context.Background()

	err := d.Dispatch(ctx, model.Notification{
		Recipient: "wallet-7",
		Kind:      model.NotifyLowBalance,
		Subject:   "Low balance",
		Body:      "Your balance dropped below R 50.00.",
	})
	require.NoError(t, err)

	require.Len(t, queue.enqueued, 1)
	sent := queue.enqueued[0]
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, model.ChannelInApp, sent.Channel, "channel defaults")
	assert.Equal(t, model.PriorityNormal, sent.Priority, "priority defaults")

	stored, err := store.Get(ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, "wallet-7", stored.Recipient)
	assert.Equal(t, model.NotifyLowBalance, stored.Kind)
}

func TestDispatcher_DispatchValidates(t *testing.T) {
	_, queue, d := setup(t)

	err := d.Dispatch(context.Background(), model.Notification{Kind: model.NotifyLowBalance})
	assert.Error(t, err, "missing recipient")
	assert.Empty(t, queue.enqueued)
}

func TestDispatcher_QueueFailureDoesNotFail(t *testing.T) {
	store, queue, d := setup(t)
	queue.err = assert.AnError
	ctx := context.Background()

	err := d.Dispatch(ctx, model.Notification{
		ID:        "n-keep",
		Recipient: "admins",
		Kind:      model.NotifyMeterAlert,
		Subject:   "Meter offline",
	})
	require.NoError(t, err, "row persisted, delivery is best effort")

	stored, err := store.Get(ctx, "n-keep")
	require.NoError(t, err)
	assert.Equal(t, model.NotifyMeterAlert, stored.Kind)
}

func TestDispatcher_SentRecently(t *testing.T) {
	_, _, d := setup(t)
	ctx := context.Background()

	recent, err := d.SentRecently(ctx, "wallet-3", model.NotifyDisconnect, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, recent)

	require.NoError(t, d.Dispatch(ctx, model.Notification{
		Recipient: "wallet-3",
		Kind:      model.NotifyDisconnect,
		Subject:   "Electricity disconnected",
	}))

	recent, err = d.SentRecently(ctx, "wallet-3", model.NotifyDisconnect, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, recent)

	// A different kind for the same recipient does not count.
	recent, err = d.SentRecently(ctx, "wallet-3", model.NotifyReconnect, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, recent)
}
