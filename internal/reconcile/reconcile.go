package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estatemeter/prepay-core/internal/gateways/payfast"
	"github.com/estatemeter/prepay-core/internal/ledger"
	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/estatemeter/prepay-core/pkg/prom"
	"github.com/google/uuid"
)

// Gateway is the verification surface reconciliation needs.
type Gateway interface {
	Name() string
	VerifyStored(ctx context.Context, raw string) error
}

type TransactionStore interface {
	ListForReconciliation(ctx context.Context, gateway string, since time.Time) ([]*model.Transaction, error)
	MarkReconciled(ctx context.Context, id int64, at time.Time) error
}

type Ledger interface {
	ForceCompleteTopUp(ctx context.Context, externalRef string, gw ledger.GatewayResult) (*model.Transaction, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, n model.Notification) error
}

type EventPublisher interface {
	PublishWalletEvent(ctx context.Context, evt model.WalletEvent) error
}

type Config struct {
	Window      time.Duration // how far back to sweep, default 48h
	SandboxMode bool
}

// Report summarizes one reconciliation run.
type Report struct {
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	TotalChecked      int       `json:"total_checked"`
	Consistent        int       `json:"consistent"`
	AutoFixed         int       `json:"auto_fixed"`
	Mismatches        int       `json:"mismatches"`
	PendingWithoutRef int       `json:"pending_without_ref"`
	Errors            int       `json:"errors"`
}

// Service cross-checks recent gateway transactions against the gateway's
// own verdict. A VALID verdict on a transaction the ledger never credited
// is repaired in place; the opposite direction is never auto-fixed, only
// reported.
type Service struct {
	cfg     Config
	gateway Gateway
	txns    TransactionStore
	ledger  Ledger
	notify  Notifier
	events  EventPublisher
	now     func() time.Time
}

func NewService(cfg Config, gateway Gateway, txns TransactionStore, ldg Ledger, notify Notifier, events EventPublisher) *Service {
	if cfg.Window == 0 {
		cfg.Window = 48 * time.Hour
	}
	return &Service{
		cfg:     cfg,
		gateway: gateway,
		txns:    txns,
		ledger:  ldg,
		notify:  notify,
		events:  events,
		now:     time.Now,
	}
}

// Run sweeps the window once and returns the report. Individual transaction
// failures are counted, not fatal; the run only errors when the listing
// itself fails.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: s.now()}

	since := report.StartedAt.Add(-s.cfg.Window)
	txns, err := s.txns.ListForReconciliation(ctx, s.gateway.Name(), since)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	for _, txn := range txns {
		if txn.Reconciled {
			continue
		}
		report.TotalChecked++
		s.check(ctx, txn, report)
	}

	report.FinishedAt = s.now()
	logger.Info("reconcile: run finished",
		"checked", report.TotalChecked,
		"consistent", report.Consistent,
		"auto_fixed", report.AutoFixed,
		"mismatches", report.Mismatches,
		"pending_without_ref", report.PendingWithoutRef,
		"errors", report.Errors)

	s.sendReport(ctx, report)
	return report, nil
}

func (s *Service) check(ctx context.Context, txn *model.Transaction, report *Report) {
	if txn.GatewayPayload == "" {
		if txn.Status == model.StatusCompleted {
			// Completed with no callback on record: an admin force-complete.
			// Nothing to verify against, so settle it and move on.
			if err := s.txns.MarkReconciled(ctx, txn.ID, s.now()); err != nil {
				logger.Error("reconcile: mark failed", "transaction_id", txn.ID, "error", err.Error())
				report.Errors++
				return
			}
			report.Consistent++
			return
		}
		// Never heard back from the gateway. The expiry sweep owns these;
		// reconciliation just counts them for the report.
		report.PendingWithoutRef++
		return
	}

	if s.cfg.SandboxMode {
		// The sandbox validates nothing, so a verdict here is meaningless.
		// Count the transaction and leave it untouched.
		report.Consistent++
		return
	}

	err := s.gateway.VerifyStored(ctx, txn.GatewayPayload)
	switch {
	case err == nil:
		s.onValid(ctx, txn, report)
	case errors.Is(err, payfast.ErrVerificationFailed):
		s.onInvalid(ctx, txn, report)
	default:
		// Unreachable or transport trouble: inconclusive, retry next run.
		logger.Warn("reconcile: verification inconclusive",
			"external_ref", txn.ExternalRef, "error", err.Error())
		report.Errors++
	}
}

func (s *Service) onValid(ctx context.Context, txn *model.Transaction, report *Report) {
	if txn.Status == model.StatusCompleted {
		if err := s.txns.MarkReconciled(ctx, txn.ID, s.now()); err != nil {
			logger.Error("reconcile: mark failed", "transaction_id", txn.ID, "error", err.Error())
			report.Errors++
			return
		}
		report.Consistent++
		return
	}

	// The gateway says the payment went through but the ledger never
	// credited it. Repair using the evidence already on the row.
	fixed, err := s.ledger.ForceCompleteTopUp(ctx, txn.ExternalRef, ledger.GatewayResult{
		GatewayRef:    txn.GatewayRef,
		GatewayStatus: txn.GatewayStatus,
		Payload:       txn.GatewayPayload,
		Method:        txn.Method,
	})
	if err != nil && !errors.Is(err, ledger.ErrAlreadyCompleted) {
		logger.Error("reconcile: auto-fix failed",
			"external_ref", txn.ExternalRef, "status", string(txn.Status), "error", err.Error())
		report.Errors++
		return
	}

	if err := s.txns.MarkReconciled(ctx, txn.ID, s.now()); err != nil {
		logger.Error("reconcile: mark failed", "transaction_id", txn.ID, "error", err.Error())
	}

	report.AutoFixed++
	prom.IncCounter(prom.SystemTopUp, prom.MetricReconcileAutoFixed)
	logger.Warn("reconcile: credited missed top-up",
		"external_ref", txn.ExternalRef, "was_status", string(txn.Status), "amount", txn.Amount.String())

	if s.events != nil && fixed != nil {
		err := s.events.PublishWalletEvent(ctx, model.WalletEvent{
			Type:          model.WalletCredited,
			WalletID:      fixed.WalletID,
			TransactionID: fixed.ID,
			Balance:       fixed.BalanceAfter,
			Utility:       fixed.UtilityFromMetadata(),
			At:            s.now(),
		})
		if err != nil {
			logger.Warn("reconcile: wallet event publish failed", "transaction_id", fixed.ID, "error", err.Error())
		}
	}
}

func (s *Service) onInvalid(ctx context.Context, txn *model.Transaction, report *Report) {
	if txn.Status != model.StatusCompleted {
		// Locally failed and the gateway agrees. Settled.
		if err := s.txns.MarkReconciled(ctx, txn.ID, s.now()); err != nil {
			logger.Error("reconcile: mark failed", "transaction_id", txn.ID, "error", err.Error())
		}
		report.Consistent++
		return
	}

	// Credited locally but the gateway disowns the payment. Money may have
	// been handed out for nothing; a human decides, never the sweep.
	report.Mismatches++
	logger.Error("reconcile: completed transaction failed gateway verification",
		"external_ref", txn.ExternalRef, "gateway_ref", txn.GatewayRef, "amount", txn.Amount.String())

	if s.notify != nil {
		err := s.notify.Dispatch(ctx, model.Notification{
			ID:        uuid.NewString(),
			Recipient: "admins",
			Kind:      model.NotifyReconciliationReport,
			Subject:   "Reconciliation mismatch",
			Body: fmt.Sprintf("Transaction %s (gateway ref %s, amount %s) is completed locally but failed gateway verification.",
				txn.ExternalRef, txn.GatewayRef, txn.Amount.StringFixed(2)),
			Channel:  model.ChannelInApp,
			Priority: model.PriorityUrgent,
		})
		if err != nil {
			logger.Warn("reconcile: mismatch alert failed", "external_ref", txn.ExternalRef, "error", err.Error())
		}
	}
}

func (s *Service) sendReport(ctx context.Context, report *Report) {
	if s.notify == nil {
		return
	}
	err := s.notify.Dispatch(ctx, model.Notification{
		ID:        uuid.NewString(),
		Recipient: "admins",
		Kind:      model.NotifyReconciliationReport,
		Subject:   "Reconciliation report",
		Body: fmt.Sprintf("Checked %d, consistent %d, auto-fixed %d, mismatches %d, pending without callback %d, errors %d.",
			report.TotalChecked, report.Consistent, report.AutoFixed,
			report.Mismatches, report.PendingWithoutRef, report.Errors),
		Channel:  model.ChannelInApp,
		Priority: model.PriorityNormal,
	})
	if err != nil {
		logger.Warn("reconcile: report dispatch failed", "error", err.Error())
	}
}
