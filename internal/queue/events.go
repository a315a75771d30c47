package queue

import (
	"context"
	"strconv"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/pkg/redis"
)

// ReadingEvent is the payload published on the readings stream when a new
// sample lands. The billing consumer re-reads the row, so only the keys
// travel on the wire.
type ReadingEvent struct {
	MeterID   int64 `json:"meter_id"`
	ReadingID int64 `json:"reading_id"`
}

// Publisher is the write side of the three core streams. It satisfies the
// event publisher interfaces of the billing, top-up and notify services.
type Publisher struct {
	readings      *Queue
	walletEvents  *Queue
	notifications *Queue
}

func NewPublisher(adapter redis.RedisAdapter, maxLen int64) (*Publisher, error) {
	readings, err := New(adapter, Config{Name: StreamReadings, MaxLen: maxLen})
	if err != nil {
		return nil, err
	}
	walletEvents, err := New(adapter, Config{Name: StreamWalletEvents, MaxLen: maxLen})
	if err != nil {
		return nil, err
	}
	notifications, err := New(adapter, Config{Name: StreamNotifications, MaxLen: maxLen})
	if err != nil {
		return nil, err
	}
	return &Publisher{
		readings:      readings,
		walletEvents:  walletEvents,
		notifications: notifications,
	}, nil
}

func (p *Publisher) PublishReading(ctx context.Context, meterID, readingID int64) error {
	_, err := p.readings.PublishJSON(ctx, ReadingEvent{MeterID: meterID, ReadingID: readingID},
		map[string]string{"meter_id": strconv.FormatInt(meterID, 10)})
	return err
}

func (p *Publisher) PublishWalletEvent(ctx context.Context, evt model.WalletEvent) error {
	_, err := p.walletEvents.PublishJSON(ctx, evt,
		map[string]string{"type": string(evt.Type)})
	return err
}

func (p *Publisher) EnqueueNotification(ctx context.Context, n model.Notification) error {
	_, err := p.notifications.PublishJSON(ctx, n,
		map[string]string{"kind": string(n.Kind), "channel": string(n.Channel)})
	return err
}
