package topup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estatemeter/prepay-core/internal/gateways/payfast"
	"github.com/estatemeter/prepay-core/internal/ledger"
	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/repository"
	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/estatemeter/prepay-core/pkg/prom"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotFound   = repository.ErrWalletNotFound
	ErrTopUpNotFound    = repository.ErrTransactionNotFound
	ErrAmountOutOfRange = errors.New("amount outside allowed top-up range")
	ErrInvalidUtility   = errors.New("invalid utility")
	ErrNotAllowed       = errors.New("operation not allowed for this actor")
	ErrBadState         = errors.New("transaction state does not allow this operation")
)

// ITN responses the gateway expects verbatim.
const (
	respOK                  = "OK"
	respInvalidSignature    = "INVALID SIGNATURE"
	respVerificationFailed  = "VERIFICATION FAILED"
	respTransactionNotFound = "TRANSACTION NOT FOUND"
	respWalletNotFound      = "WALLET NOT FOUND"
	respMissingPaymentID    = "MISSING PAYMENT ID"
)

// Gateway is the payment adapter surface the state machine drives.
type Gateway interface {
	BuildIntent(req payfast.IntentRequest) payfast.Intent
	ParseITN(fields payfast.Payload) (*payfast.Notification, error)
	Verify(ctx context.Context, fields payfast.Payload) error
}

// Ledger is the balance mutation surface.
type Ledger interface {
	CompleteTopUp(ctx context.Context, externalRef string, gw ledger.GatewayResult) (*model.Transaction, error)
	ForceCompleteTopUp(ctx context.Context, externalRef string, gw ledger.GatewayResult) (*model.Transaction, error)
	FailTopUp(ctx context.Context, externalRef string, gw ledger.GatewayResult) (*model.Transaction, error)
	GetWallet(ctx context.Context, walletID int64) (*model.Wallet, error)
}

// TransactionStore is the subset of the transaction repository the state
// machine reads and writes outside the ledger's serialized sections.
type TransactionStore interface {
	Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	Get(ctx context.Context, id int64) (*model.Transaction, error)
	ListStalePending(ctx context.Context, gateway string, now time.Time) ([]*model.Transaction, error)
	MarkExpired(ctx context.Context, id int64) (bool, error)
}

// Notifier dispatches user notifications.
type Notifier interface {
	Dispatch(ctx context.Context, n model.Notification) error
}

// EventPublisher pushes wallet events for the threshold controller.
type EventPublisher interface {
	PublishWalletEvent(ctx context.Context, evt model.WalletEvent) error
}

// Config bounds and expires top-ups.
type Config struct {
	MinAmount   decimal.Decimal
	MaxAmount   decimal.Decimal
	Expiry      time.Duration
	SandboxMode bool
}

// Service drives the top-up transaction lifecycle: create pending, complete
// or fail on callback, expire stale, force-complete by admin.
type Service struct {
	cfg     Config
	gateway Gateway
	ledger  Ledger
	txns    TransactionStore
	notify  Notifier
	events  EventPublisher
	now     func() time.Time
}

func NewService(cfg Config, gateway Gateway, ldg Ledger, txns TransactionStore, notify Notifier, events EventPublisher) *Service {
	if cfg.Expiry <= 0 {
		cfg.Expiry = time.Hour
	}
	return &Service{
		cfg:     cfg,
		gateway: gateway,
		ledger:  ldg,
		txns:    txns,
		notify:  notify,
		events:  events,
		now:     time.Now,
	}
}

type InitiateRequest struct {
	WalletID   int64
	Amount     decimal.Decimal
	Utility    model.Utility
	PayerName  string
	PayerEmail string
}

type InitiateResult struct {
	Transaction *model.Transaction
	Intent      payfast.Intent
}

// Initiate creates a pending top-up and the payment intent the buyer is
// redirected with. The external ref is the millisecond epoch prefixed MP,
// which the gateway echoes back as m_payment_id.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.Amount.LessThan(s.cfg.MinAmount) || req.Amount.GreaterThan(s.cfg.MaxAmount) {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrAmountOutOfRange,
			req.Amount, s.cfg.MinAmount, s.cfg.MaxAmount)
	}
	if !req.Utility.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUtility, req.Utility)
	}

	wallet, err := s.ledger.GetWallet(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	externalRef := fmt.Sprintf("MP%d", now.UnixMilli())
	expiresAt := now.Add(s.cfg.Expiry)

	txn, err := s.txns.Create(ctx, &model.Transaction{
		ExternalRef: externalRef,
		WalletID:    wallet.ID,
		Kind:        model.KindTopUp,
		Utility:     req.Utility,
		Amount:      req.Amount,
		Status:      model.StatusPending,
		Method:      model.MethodCard,
		Gateway:     payfast.GatewayName,
		Metadata: model.EncodeMetadata(map[string]string{
			"utility":     string(req.Utility),
			"payer_email": req.PayerEmail,
		}),
		ExpiresAt: &expiresAt,
	})
	if err != nil {
		return nil, err
	}

	intent := s.gateway.BuildIntent(payfast.IntentRequest{
		ExternalRef: externalRef,
		Amount:      req.Amount,
		BuyerName:   req.PayerName,
		BuyerEmail:  req.PayerEmail,
		ItemName:    itemName(req.Utility),
	})

	logger.Info("topup: initiated",
		"wallet_id", wallet.ID, "external_ref", externalRef, "amount", req.Amount.String())

	return &InitiateResult{Transaction: txn, Intent: intent}, nil
}

func itemName(u model.Utility) string {
	switch u {
	case model.UtilityElectricity:
		return "ElectricityTopup"
	case model.UtilityWater:
		return "WaterTopup"
	case model.UtilityHotWater:
		return "HotWaterTopup"
	case model.UtilitySolar:
		return "SolarTopup"
	}
	return "WalletTopup"
}

// ItnResult is what the ITN endpoint writes back to the gateway.
type ItnResult struct {
	Response      string
	TransactionID int64
	FinalStatus   model.TransactionStatus
}

func (r ItnResult) OK() bool { return r.Response == respOK }

// HandleItn processes a gateway callback end to end: parse, check signature,
// server-verify, look up the transaction, then complete or fail it. The
// response strings are parsed by the gateway verbatim. Redelivery of a
// COMPLETE payload credits exactly once.
func (s *Service) HandleItn(ctx context.Context, rawBody []byte) ItnResult {
	fields, err := payfast.ParseForm(rawBody)
	if err != nil {
		prom.IncCounterVec(prom.SystemTopUp, prom.MetricItnResult, "parse_error")
		return ItnResult{Response: respInvalidSignature}
	}

	n, err := s.gateway.ParseITN(fields)
	if err != nil {
		switch {
		case errors.Is(err, payfast.ErrMissingPaymentID):
			prom.IncCounterVec(prom.SystemTopUp, prom.MetricItnResult, "missing_payment_id")
			return ItnResult{Response: respMissingPaymentID}
		default:
			prom.IncCounterVec(prom.SystemTopUp, prom.MetricItnResult, "invalid_signature")
			return ItnResult{Response: respInvalidSignature}
		}
	}

	if err := s.gateway.Verify(ctx, fields); err != nil {
		// Unreachable is inconclusive: no state change, the gateway retries.
		logger.Warn("topup: itn verification not passed",
			"external_ref", n.PaymentID, "error", err.Error())
		prom.IncCounterVec(prom.SystemTopUp, prom.MetricItnResult, "verification_failed")
		return ItnResult{Response: respVerificationFailed}
	}

	gw := ledger.GatewayResult{
		GatewayRef:    n.GatewayRef,
		GatewayStatus: n.PaymentStatus,
		Payload:       n.Raw,
		Method:        model.MethodCard,
	}

	if n.PaymentStatus != payfast.StatusComplete {
		txn, err := s.ledger.FailTopUp(ctx, n.PaymentID, gw)
		if err != nil {
			if errors.Is(err, repository.ErrTransactionNotFound) {
				prom.IncCounterVec(prom.SystemTopUp, prom.MetricItnResult, "not_found")
				return ItnResult{Response: respTransactionNotFound}
			}
			logger.Error("topup: itn fail-path error", "external_ref", n.PaymentID, "error", err.Error())
			return ItnResult{Response: respTransactionNotFound}
		}
		prom.IncCounterVec(prom.SystemTopUp, prom.MetricItnResult, "failed")
		return ItnResult{Response: respOK, TransactionID: txn.ID, FinalStatus: txn.Status}
	}

	txn, err := s.ledger.CompleteTopUp(ctx, n.PaymentID, gw)
	switch {
	case err == nil:
		s.afterCredit(ctx, txn)
		prom.IncCounterVec(prom.SystemTopUp, prom.MetricItnResult, "completed")
		return ItnResult{Response: respOK, TransactionID: txn.ID, FinalStatus: txn.Status}
	case errors.Is(err, ledger.ErrAlreadyCompleted):
		prom.IncCounterVec(prom.SystemTopUp, prom.MetricItnResult, "replay")
		return ItnResult{Response: respOK, TransactionID: txn.ID, FinalStatus: txn.Status}
	case errors.Is(err, repository.ErrTransactionNotFound):
		prom.IncCounterVec(prom.SystemTopUp, prom.MetricItnResult, "not_found")
		return ItnResult{Response: respTransactionNotFound}
	case errors.Is(err, repository.ErrWalletNotFound):
		prom.IncCounterVec(prom.SystemTopUp, prom.MetricItnResult, "wallet_not_found")
		return ItnResult{Response: respWalletNotFound}
	default:
		logger.Error("topup: itn complete-path error", "external_ref", n.PaymentID, "error", err.Error())
		prom.IncCounterVec(prom.SystemTopUp, prom.MetricItnResult, "error")
		return ItnResult{Response: respVerificationFailed}
	}
}

// afterCredit runs the post-completion side effects: receipt notification and
// a wallet event so the threshold controller can reassess alerts and
// reconnect a disconnected meter. Failures here never unwind the credit.
func (s *Service) afterCredit(ctx context.Context, txn *model.Transaction) {
	// The utility comes from the metadata captured at create time; the
	// callback payload has already overwritten GatewayPayload by now.
	utility := txn.UtilityFromMetadata()

	if s.notify != nil {
		err := s.notify.Dispatch(ctx, model.Notification{
			ID:        uuid.NewString(),
			Recipient: fmt.Sprintf("wallet-%d", txn.WalletID),
			Kind:      model.NotifyTopUpReceipt,
			Subject:   "Top-up received",
			Body: fmt.Sprintf("Your %s top-up of %s was credited. New balance: %s.",
				utility, txn.Amount.StringFixed(2), txn.BalanceAfter.StringFixed(2)),
			Channel:  model.ChannelInApp,
			Priority: model.PriorityNormal,
		})
		if err != nil {
			logger.Warn("topup: receipt dispatch failed", "transaction_id", txn.ID, "error", err.Error())
		}
	}

	if s.events != nil {
		err := s.events.PublishWalletEvent(ctx, model.WalletEvent{
			Type:          model.WalletCredited,
			WalletID:      txn.WalletID,
			TransactionID: txn.ID,
			Balance:       txn.BalanceAfter,
			Utility:       utility,
			At:            s.now(),
		})
		if err != nil {
			logger.Warn("topup: wallet event publish failed", "transaction_id", txn.ID, "error", err.Error())
		}
	}
}

type PollResult struct {
	Status      model.TransactionStatus
	Amount      decimal.Decimal
	CompletedAt *time.Time
}

// Poll reports the current state of a top-up.
func (s *Service) Poll(ctx context.Context, transactionID int64) (*PollResult, error) {
	txn, err := s.txns.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return &PollResult{
		Status:      txn.Status,
		Amount:      txn.Amount,
		CompletedAt: txn.CompletedAt,
	}, nil
}

// ForceComplete pushes a stuck top-up through the credit path without a
// gateway callback. Restricted to sandbox mode or super-admins, and only
// from pending, failed or expired.
func (s *Service) ForceComplete(ctx context.Context, transactionID int64, actor string, superAdmin bool) (*model.Transaction, error) {
	if !s.cfg.SandboxMode && !superAdmin {
		return nil, ErrNotAllowed
	}

	txn, err := s.txns.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	switch txn.Status {
	case model.StatusPending, model.StatusFailed, model.StatusExpired:
	default:
		return nil, fmt.Errorf("%w: status %s", ErrBadState, txn.Status)
	}

	gatewayRef := txn.GatewayRef
	if gatewayRef == "" {
		gatewayRef = "ADMIN-MANUAL"
	}

	completed, err := s.ledger.ForceCompleteTopUp(ctx, txn.ExternalRef, ledger.GatewayResult{
		GatewayRef:    gatewayRef,
		GatewayStatus: "FORCE_COMPLETED",
		Payload:       txn.GatewayPayload,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyCompleted) {
			return completed, nil
		}
		return nil, err
	}

	logger.Info("topup: force-completed",
		"transaction_id", txn.ID, "actor", actor)
	s.afterCredit(ctx, completed)
	return completed, nil
}

// ExpireStale flips pending top-ups past their expiry to expired. Returns
// how many were flipped. Completions racing the sweep win: MarkExpired only
// touches rows still pending.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	stale, err := s.txns.ListStalePending(ctx, payfast.GatewayName, s.now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, txn := range stale {
		ok, err := s.txns.MarkExpired(ctx, txn.ID)
		if err != nil {
			logger.Error("topup: expiry failed", "transaction_id", txn.ID, "error", err.Error())
			continue
		}
		if ok {
			expired++
		}
	}

	if expired > 0 {
		logger.Info("topup: expired stale top-ups", "count", expired)
	}
	return expired, nil
}
