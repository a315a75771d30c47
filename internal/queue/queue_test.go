package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	// Unique connection name per test; the adapter registry is global.
	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func TestQueue_PublishAndConsume(t *testing.T) {
	_, adapter := setupTestRedis(t)

	q, err := New(adapter, Config{
		Name:         "test:readings",
		PollInterval: 50 * time.Millisecond,
		MaxLen:       1000,
		EnableDLQ:    true,
	})
	require.NoError(t, err)
	defer q.Stop(time.Second)

	ctx := context.Background()
	_, err = q.PublishJSON(ctx, ReadingEvent{MeterID: 7, ReadingID: 42},
		map[string]string{"meter_id": "7"})
	require.NoError(t, err)

	received := make(chan *Message, 1)
	require.NoError(t, q.Consume(func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	}))

	select {
	case msg := <-received:
		var evt ReadingEvent
		require.NoError(t, json.Unmarshal(msg.Data, &evt))
		assert.Equal(t, int64(7), evt.MeterID)
		assert.Equal(t, int64(42), evt.ReadingID)
		assert.Equal(t, "7", msg.Metadata["meter_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestQueue_FailedHandlerLeavesMessagePending(t *testing.T) {
	_, adapter := setupTestRedis(t)

	q, err := New(adapter, Config{
		Name:              "test:retry",
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer q.Stop(time.Second)

	ctx := context.Background()
	_, err = q.Publish(ctx, []byte(`{"x":1}`), nil)
	require.NoError(t, err)

	handled := make(chan bool, 1)
	require.NoError(t, q.Consume(func(ctx context.Context, msg *Message) error {
		handled <- true
		return assert.AnError
	}))

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	// Not acked: the entry stays pending for the reclaim pass.
	time.Sleep(100 * time.Millisecond)
	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestQueue_GetStats(t *testing.T) {
	_, adapter := setupTestRedis(t)

	q, err := New(adapter, Config{Name: "test:stats"})
	require.NoError(t, err)
	defer q.Stop(time.Second)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := q.PublishJSON(ctx, map[string]int{"n": i}, nil)
		require.NoError(t, err)
	}

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Length)
	assert.Zero(t, stats.Pending)
}

func TestQueue_RequiresName(t *testing.T) {
	_, adapter := setupTestRedis(t)

	_, err := New(adapter, Config{})
	assert.Error(t, err)
}

func TestPublisher_Streams(t *testing.T) {
	_, adapter := setupTestRedis(t)

	pub, err := NewPublisher(adapter, 1000)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, pub.PublishReading(ctx, 3, 17))
	require.NoError(t, pub.PublishWalletEvent(ctx, model.WalletEvent{
		Type:     model.WalletDebited,
		WalletID: 9,
		Balance:  decimal.RequireFromString("120.50"),
		Utility:  model.UtilityElectricity,
		At:       time.Now(),
	}))
	require.NoError(t, pub.EnqueueNotification(ctx, model.Notification{
		ID:        "n-1",
		Recipient: "wallet-9",
		Kind:      model.NotifyLowBalance,
		Channel:   model.ChannelInApp,
	}))

	for stream, q := range map[string]*Queue{
		StreamReadings:      pub.readings,
		StreamWalletEvents:  pub.walletEvents,
		StreamNotifications: pub.notifications,
	} {
		stats, err := q.GetStats()
		require.NoError(t, err, stream)
		assert.Equal(t, int64(1), stats.Length, stream)
	}
}

func TestPublisher_WalletEventRoundTrip(t *testing.T) {
	_, adapter := setupTestRedis(t)

	pub, err := NewPublisher(adapter, 0)
	require.NoError(t, err)

	evt := model.WalletEvent{
		Type:          model.WalletCredited,
		WalletID:      4,
		TransactionID: 88,
		Balance:       decimal.RequireFromString("500"),
		Utility:       model.UtilityWater,
		At:            time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, pub.PublishWalletEvent(context.Background(), evt))

	q := pub.walletEvents
	q.cfg.PollInterval = 50 * time.Millisecond
	defer q.Stop(time.Second)

	received := make(chan model.WalletEvent, 1)
	require.NoError(t, q.Consume(func(ctx context.Context, msg *Message) error {
		var got model.WalletEvent
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			return err
		}
		received <- got
		return nil
	}))

	select {
	case got := <-received:
		assert.Equal(t, evt.Type, got.Type)
		assert.Equal(t, evt.WalletID, got.WalletID)
		assert.Equal(t, evt.TransactionID, got.TransactionID)
		assert.True(t, evt.Balance.Equal(got.Balance))
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}
