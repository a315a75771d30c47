package processor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/queue"
	"github.com/estatemeter/prepay-core/pkg/logger"
)

// ThresholdChecker runs the alert and reconnect checks for a wallet event.
type ThresholdChecker interface {
	HandleWalletEvent(ctx context.Context, evt model.WalletEvent) error
}

// WalletEventProcessor feeds wallet events into the threshold controller.
// Keyed on the stream entry ID: every balance mutation is its own event and
// must be evaluated once.
type WalletEventProcessor struct {
	checker ThresholdChecker
	guard   *IdempotencyGuard
}

func NewWalletEventProcessor(checker ThresholdChecker, guard *IdempotencyGuard) *WalletEventProcessor {
	return &WalletEventProcessor{checker: checker, guard: guard}
}

func (p *WalletEventProcessor) GetType() string { return "wallet-event" }

func (p *WalletEventProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var evt model.WalletEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		logger.Error("wallet processor: bad payload", "message_id", msg.ID, "error", err.Error())
		return err
	}

	tok, err := p.guard.Acquire(ctx, "wallet-event-"+msg.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrTooManyAttempts):
			return nil
		default:
			return err
		}
	}
	defer p.guard.Release(ctx, tok)

	if err := p.checker.HandleWalletEvent(ctx, evt); err != nil {
		p.guard.MarkFailure(ctx, tok, err)
		return err
	}

	if err := p.guard.MarkSuccess(ctx, tok); err != nil {
		logger.Warn("wallet processor: success marker failed", "message_id", msg.ID, "error", err.Error())
	}
	return nil
}
