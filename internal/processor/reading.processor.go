package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/estatemeter/prepay-core/internal/queue"
	"github.com/estatemeter/prepay-core/pkg/logger"
)

// Biller settles unbilled readings for a meter.
type Biller interface {
	BillMeter(ctx context.Context, meterID int64) (int, error)
}

// ReadingProcessor consumes reading events and triggers billing. Billing a
// meter is naturally idempotent (settled readings never rebill), so the
// guard only saves redundant work on redelivery.
type ReadingProcessor struct {
	biller Biller
	guard  *IdempotencyGuard
}

func NewReadingProcessor(biller Biller, guard *IdempotencyGuard) *ReadingProcessor {
	return &ReadingProcessor{biller: biller, guard: guard}
}

func (p *ReadingProcessor) GetType() string { return "reading" }

func (p *ReadingProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var evt queue.ReadingEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		logger.Error("reading processor: bad payload", "message_id", msg.ID, "error", err.Error())
		return err
	}

	eventID := fmt.Sprintf("reading-%d", evt.ReadingID)
	tok, err := p.guard.Acquire(ctx, eventID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyProcessed):
			return nil
		case errors.Is(err, ErrTooManyAttempts):
			// The backfill pass will settle it eventually; stop retrying.
			logger.Error("reading processor: giving up", "event_id", eventID)
			return nil
		case errors.Is(err, ErrLockAcquireFailed):
			return err
		default:
			return err
		}
	}
	defer p.guard.Release(ctx, tok)

	billed, err := p.biller.BillMeter(ctx, evt.MeterID)
	if err != nil {
		p.guard.MarkFailure(ctx, tok, err)
		return err
	}

	logger.Info("reading processor: billed",
		"meter_id", evt.MeterID, "reading_id", evt.ReadingID, "settled", billed)

	if err := p.guard.MarkSuccess(ctx, tok); err != nil {
		logger.Warn("reading processor: success marker failed", "event_id", eventID, "error", err.Error())
	}
	return nil
}
