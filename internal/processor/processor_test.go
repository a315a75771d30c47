package processor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/queue"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBiller struct {
	mu     sync.Mutex
	calls  []int64
	err    error
	billed int
}

func (b *fakeBiller) BillMeter(_ context.Context, meterID int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	b.calls = append(b.calls, meterID)
	return b.billed, nil
}

type fakeChecker struct {
	mu     sync.Mutex
	events []model.WalletEvent
	err    error
}

func (c *fakeChecker) HandleWalletEvent(_ context.Context, evt model.WalletEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, evt)
	return nil
}

func readingMsg(t *testing.T, meterID, readingID int64) *queue.Message {
	t.Helper()
	data, err := json.Marshal(queue.ReadingEvent{MeterID: meterID, ReadingID: readingID})
	require.NoError(t, err)
	return &queue.Message{ID: "1-0", Data: data, Timestamp: time.Now()}
}

func TestReadingProcessor_Process(t *testing.T) {
	_, guard := setupGuard(t)
	biller := &fakeBiller{billed: 2}
	p := NewReadingProcessor(biller, guard)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, readingMsg(t, 5, 99)))
	assert.Equal(t, []int64{5}, biller.calls)

	t.Run("redelivery is skipped", func(t *testing.T) {
		require.NoError(t, p.Process(ctx, readingMsg(t, 5, 99)))
		assert.Len(t, biller.calls, 1, "same reading billed once")
	})

	t.Run("different reading goes through", func(t *testing.T) {
		require.NoError(t, p.Process(ctx, readingMsg(t, 5, 100)))
		assert.Len(t, biller.calls, 2)
	})
}

func TestReadingProcessor_FailureRetries(t *testing.T) {
	_, guard := setupGuard(t)
	biller := &fakeBiller{err: assert.AnError}
	p := NewReadingProcessor(biller, guard)
	ctx := context.Background()

	err := p.Process(ctx, readingMsg(t, 8, 200))
	assert.Error(t, err, "unacked, redelivered later")

	t.Run("succeeds once billing recovers", func(t *testing.T) {
		biller.err = nil
		require.NoError(t, p.Process(ctx, readingMsg(t, 8, 200)))
		assert.Equal(t, []int64{8}, biller.calls)
	})
}

func TestReadingProcessor_GivesUpAfterMaxAttempts(t *testing.T) {
	_, guard := setupGuard(t)
	biller := &fakeBiller{err: assert.AnError}
	p := NewReadingProcessor(biller, guard)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Error(t, p.Process(ctx, readingMsg(t, 8, 300)))
	}

	// Attempt budget spent: ack without billing, the backfill pass owns it.
	assert.NoError(t, p.Process(ctx, readingMsg(t, 8, 300)))
}

func TestReadingProcessor_BadPayload(t *testing.T) {
	_, guard := setupGuard(t)
	p := NewReadingProcessor(&fakeBiller{}, guard)

	err := p.Process(context.Background(), &queue.Message{ID: "1-0", Data: []byte("{not json")})
	assert.Error(t, err)
}

func TestWalletEventProcessor_Process(t *testing.T) {
	_, guard := setupGuard(t)
	checker := &fakeChecker{}
	p := NewWalletEventProcessor(checker, guard)
	ctx := context.Background()

	evt := model.WalletEvent{
		Type:     model.WalletDebited,
		WalletID: 3,
		Balance:  decimal.RequireFromString("12.40"),
		Utility:  model.UtilityElectricity,
	}
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	msg := &queue.Message{ID: "7-0", Data: data}

	require.NoError(t, p.Process(ctx, msg))
	require.Len(t, checker.events, 1)
	assert.Equal(t, model.WalletDebited, checker.events[0].Type)
	assert.True(t, checker.events[0].Balance.Equal(evt.Balance))

	t.Run("same stream entry evaluated once", func(t *testing.T) {
		require.NoError(t, p.Process(ctx, msg))
		assert.Len(t, checker.events, 1)
	})
}
