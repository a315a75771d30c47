package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/repository"
	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/estatemeter/prepay-core/pkg/prom"
	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotFound      = repository.ErrWalletNotFound
	ErrTransactionNotFound = repository.ErrTransactionNotFound
	ErrAlreadyCompleted    = errors.New("transaction already completed")
	ErrBadState            = errors.New("transaction state does not allow this operation")
	ErrNotCompleted        = errors.New("transaction is not completed")
	ErrMaxRetriesExceeded  = errors.New("max retries exceeded")
)

// WalletStore is the wallet persistence surface the ledger needs.
type WalletStore interface {
	Get(ctx context.Context, walletID int64) (*model.Wallet, error)
	GetByUnitID(ctx context.Context, unitID int64) (*model.Wallet, error)
	GetForUpdate(ctx context.Context, walletID int64) (*model.Wallet, error)
	SaveLocked(ctx context.Context, w *model.Wallet) error
}

// TransactionStore is the ledger-entry persistence surface.
type TransactionStore interface {
	Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	Get(ctx context.Context, id int64) (*model.Transaction, error)
	GetByExternalRefForUpdate(ctx context.Context, ref string) (*model.Transaction, error)
	FindReversalOf(ctx context.Context, originalID int64) (*model.Transaction, error)
	Update(ctx context.Context, txn *model.Transaction) error
	List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error)
}

// TxRunner runs a function inside one database transaction.
type TxRunner interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service serializes every balance mutation for a wallet behind a database
// row lock. Callers never touch wallet balances directly.
type Service struct {
	db      TxRunner
	wallets WalletStore
	txns    TransactionStore
	now     func() time.Time
}

func NewService(db TxRunner, wallets WalletStore, txns TransactionStore) *Service {
	return &Service{
		db:      db,
		wallets: wallets,
		txns:    txns,
		now:     time.Now,
	}
}

// DebitRequest describes a consumption charge.
type DebitRequest struct {
	WalletID         int64
	Amount           decimal.Decimal
	Utility          model.Utility
	MeterID          *int64
	ConsumptionUnits decimal.Decimal
	RateApplied      decimal.Decimal
	CreditLimit      decimal.Decimal
	ExternalRef      string
}

// CreditRequest describes a non-gateway credit (adjustment, cash payment,
// reconciliation repair of a transaction that lost its pending row).
type CreditRequest struct {
	WalletID    int64
	Amount      decimal.Decimal
	Utility     model.Utility
	Kind        model.TransactionKind
	Method      model.PaymentMethod
	ExternalRef string
	Metadata    map[string]string
}

// GatewayResult carries the callback fields stamped onto a top-up when the
// gateway confirms it.
type GatewayResult struct {
	GatewayRef    string
	GatewayStatus string
	Payload       string
	Method        model.PaymentMethod
}

const (
	maxRetries = 3
	baseDelay  = 2 * time.Millisecond
)

// withRetry re-runs a mutation that lost a version race. Permanent errors
// pass through untouched.
func (s *Service) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if !errors.Is(err, repository.ErrConcurrentUpdate) {
			return err
		}

		if attempt < maxRetries {
			delay := baseDelay * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}
	}

	return fmt.Errorf("%w: failed after %d attempts", ErrMaxRetriesExceeded, maxRetries+1)
}

// Debit charges consumption against the wallet. The balance may go negative
// down to the credit limit; a charge that would cross it is clamped so the
// balance lands exactly on the limit, with the shortfall recorded on the
// transaction for the audit trail. Zero-balance handling is the threshold
// controller's job, triggered by the event the caller publishes after this
// returns.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (*model.Transaction, error) {
	if req.Amount.LessThan(decimal.Zero) {
		return nil, fmt.Errorf("debit amount must be non-negative")
	}

	started := s.now()
	var out *model.Transaction

	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithinTransaction(ctx, func(ctx context.Context) error {
			wallet, err := s.wallets.GetForUpdate(ctx, req.WalletID)
			if err != nil {
				return err
			}

			floor := req.CreditLimit.Neg()
			amount := req.Amount
			metadata := map[string]string{"utility": string(req.Utility)}

			if wallet.Balance.Sub(amount).LessThan(floor) {
				available := wallet.Balance.Sub(floor)
				if available.LessThan(decimal.Zero) {
					available = decimal.Zero
				}
				shortfall := amount.Sub(available)
				metadata["shortfall"] = shortfall.String()
				amount = available
			}

			ref := req.ExternalRef
			if ref == "" {
				ref = fmt.Sprintf("CONS-%d-%d", req.WalletID, s.now().UnixNano())
			}

			now := s.now()
			rate := req.RateApplied
			units := req.ConsumptionUnits
			txn := &model.Transaction{
				ExternalRef:      ref,
				WalletID:         wallet.ID,
				Kind:             model.KindConsume,
				Utility:          req.Utility,
				Amount:           amount,
				BalanceBefore:    wallet.Balance,
				BalanceAfter:     wallet.Balance.Sub(amount),
				Status:           model.StatusCompleted,
				Method:           model.MethodSystem,
				Metadata:         model.EncodeMetadata(metadata),
				MeterID:          req.MeterID,
				ConsumptionUnits: &units,
				RateApplied:      &rate,
				CompletedAt:      &now,
			}

			created, err := s.txns.Create(ctx, txn)
			if err != nil {
				return err
			}

			wallet.Balance = txn.BalanceAfter
			wallet.AddSpent(req.Utility, amount)
			if err := s.wallets.SaveLocked(ctx, wallet); err != nil {
				return err
			}

			out = created
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	prom.ObserveHistogramVec(prom.SystemBilling, prom.MetricDebitDurationSeconds,
		s.now().Sub(started).Seconds(), string(req.Utility))
	return out, nil
}

// Credit inserts a completed credit entry and raises the balance in one
// transaction. Idempotent per external ref: replays return the stored entry.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (*model.Transaction, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("credit amount must be positive")
	}
	if req.Kind == "" {
		req.Kind = model.KindAdjust
	}
	if req.Method == "" {
		req.Method = model.MethodAdjust
	}

	started := s.now()
	var out *model.Transaction

	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithinTransaction(ctx, func(ctx context.Context) error {
			if req.ExternalRef != "" {
				existing, err := s.txns.GetByExternalRefForUpdate(ctx, req.ExternalRef)
				if err == nil {
					out = existing
					return nil
				}
				if !errors.Is(err, repository.ErrTransactionNotFound) {
					return err
				}
			}

			wallet, err := s.wallets.GetForUpdate(ctx, req.WalletID)
			if err != nil {
				return err
			}

			ref := req.ExternalRef
			if ref == "" {
				ref = fmt.Sprintf("ADJ-%d-%d", req.WalletID, s.now().UnixNano())
			}

			now := s.now()
			txn := &model.Transaction{
				ExternalRef:   ref,
				WalletID:      wallet.ID,
				Kind:          req.Kind,
				Utility:       req.Utility,
				Amount:        req.Amount,
				BalanceBefore: wallet.Balance,
				BalanceAfter:  wallet.Balance.Add(req.Amount),
				Status:        model.StatusCompleted,
				Method:        req.Method,
				Metadata:      model.EncodeMetadata(req.Metadata),
				CompletedAt:   &now,
			}

			created, err := s.txns.Create(ctx, txn)
			if err != nil {
				return err
			}

			wallet.Balance = txn.BalanceAfter
			if req.Kind == model.KindTopUp {
				wallet.LastTopUpAt = &now
			}
			if err := s.wallets.SaveLocked(ctx, wallet); err != nil {
				return err
			}

			out = created
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	prom.ObserveHistogram(prom.SystemTopUp, prom.MetricCreditDurationSeconds,
		s.now().Sub(started).Seconds())
	return out, nil
}

// CompleteTopUp transitions the pending top-up with the given external ref to
// completed and credits the wallet, all inside one transaction. The row lock
// on the transaction serializes concurrent gateway callbacks for the same
// ref. An expired top-up completes normally when the gateway confirms late;
// the money was real, only the local timer gave up first.
func (s *Service) CompleteTopUp(ctx context.Context, externalRef string, gw GatewayResult) (*model.Transaction, error) {
	return s.completeTopUp(ctx, externalRef, gw, false)
}

// ForceCompleteTopUp additionally accepts the failed state. Used by the
// admin force-complete operation and by reconciliation auto-fix, where the
// gateway's VALID verdict overrides a locally recorded failure.
func (s *Service) ForceCompleteTopUp(ctx context.Context, externalRef string, gw GatewayResult) (*model.Transaction, error) {
	return s.completeTopUp(ctx, externalRef, gw, true)
}

func (s *Service) completeTopUp(ctx context.Context, externalRef string, gw GatewayResult, allowFailed bool) (*model.Transaction, error) {
	var out *model.Transaction

	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithinTransaction(ctx, func(ctx context.Context) error {
			txn, err := s.txns.GetByExternalRefForUpdate(ctx, externalRef)
			if err != nil {
				return err
			}

			switch txn.Status {
			case model.StatusPending, model.StatusExpired, model.StatusProcessing:
				// proceed
			case model.StatusFailed:
				if !allowFailed {
					return fmt.Errorf("%w: status %s", ErrBadState, txn.Status)
				}
			case model.StatusCompleted:
				out = txn
				return ErrAlreadyCompleted
			default:
				return fmt.Errorf("%w: status %s", ErrBadState, txn.Status)
			}

			wallet, err := s.wallets.GetForUpdate(ctx, txn.WalletID)
			if err != nil {
				return err
			}

			now := s.now()
			txn.Status = model.StatusCompleted
			txn.BalanceBefore = wallet.Balance
			txn.BalanceAfter = wallet.Balance.Add(txn.Amount)
			txn.GatewayRef = gw.GatewayRef
			txn.GatewayStatus = gw.GatewayStatus
			txn.GatewayPayload = gw.Payload
			if gw.Method != "" {
				txn.Method = gw.Method
			}
			txn.CompletedAt = &now

			if err := s.txns.Update(ctx, txn); err != nil {
				return err
			}

			wallet.Balance = txn.BalanceAfter
			wallet.LastTopUpAt = &now
			if err := s.wallets.SaveLocked(ctx, wallet); err != nil {
				return err
			}

			out = txn
			return nil
		})
	})

	if err != nil && !errors.Is(err, ErrAlreadyCompleted) {
		return nil, err
	}
	return out, err
}

// FailTopUp marks a pending top-up failed and stores the gateway verdict. No
// balance movement. Failing an already-final transaction is a no-op that
// reports the current state.
func (s *Service) FailTopUp(ctx context.Context, externalRef string, gw GatewayResult) (*model.Transaction, error) {
	var out *model.Transaction

	err := s.db.WithinTransaction(ctx, func(ctx context.Context) error {
		txn, err := s.txns.GetByExternalRefForUpdate(ctx, externalRef)
		if err != nil {
			return err
		}

		if txn.Status != model.StatusPending && txn.Status != model.StatusProcessing {
			out = txn
			return nil
		}

		txn.Status = model.StatusFailed
		txn.GatewayRef = gw.GatewayRef
		txn.GatewayStatus = gw.GatewayStatus
		txn.GatewayPayload = gw.Payload
		if err := s.txns.Update(ctx, txn); err != nil {
			return err
		}

		out = txn
		return nil
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reverse voids a completed transaction by inserting a compensating refund
// entry and flipping the original to reversed. Reversing a top-up debits the
// wallet; reversing a consume credits it back. Idempotent: a second call
// returns the existing refund.
func (s *Service) Reverse(ctx context.Context, transactionID int64, reason string) (*model.Transaction, error) {
	var out *model.Transaction

	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithinTransaction(ctx, func(ctx context.Context) error {
			original, err := s.txns.Get(ctx, transactionID)
			if err != nil {
				return err
			}

			if original.Status == model.StatusReversed {
				existing, err := s.txns.FindReversalOf(ctx, original.ID)
				if err != nil {
					return err
				}
				out = existing
				return nil
			}

			if original.Status != model.StatusCompleted {
				return fmt.Errorf("%w: status %s", ErrNotCompleted, original.Status)
			}

			wallet, err := s.wallets.GetForUpdate(ctx, original.WalletID)
			if err != nil {
				return err
			}

			// Credits are compensated by debiting, debits by crediting.
			delta := original.Amount
			creditsWallet := original.Kind == model.KindConsume || original.Kind == model.KindServiceFee
			if !creditsWallet {
				delta = delta.Neg()
			}

			now := s.now()
			originalID := original.ID
			refund := &model.Transaction{
				ExternalRef:   fmt.Sprintf("REV-%d", original.ID),
				WalletID:      wallet.ID,
				Kind:          model.KindRefund,
				Utility:       original.Utility,
				Amount:        original.Amount,
				BalanceBefore: wallet.Balance,
				BalanceAfter:  wallet.Balance.Add(delta),
				Status:        model.StatusCompleted,
				Method:        model.MethodSystem,
				Metadata:      model.EncodeMetadata(map[string]string{"reason": reason}),
				ReversalOf:    &originalID,
				CompletedAt:   &now,
			}

			created, err := s.txns.Create(ctx, refund)
			if err != nil {
				return err
			}

			original.Status = model.StatusReversed
			if err := s.txns.Update(ctx, original); err != nil {
				return err
			}

			wallet.Balance = refund.BalanceAfter
			if err := s.wallets.SaveLocked(ctx, wallet); err != nil {
				return err
			}

			logger.Info("ledger: transaction reversed",
				"transaction_id", original.ID, "refund_id", created.ID, "reason", reason)
			out = created
			return nil
		})
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetWallet returns a read snapshot.
func (s *Service) GetWallet(ctx context.Context, walletID int64) (*model.Wallet, error) {
	return s.wallets.Get(ctx, walletID)
}

// GetWalletByUnit returns the wallet owned by a unit.
func (s *Service) GetWalletByUnit(ctx context.Context, unitID int64) (*model.Wallet, error) {
	return s.wallets.GetByUnitID(ctx, unitID)
}

// History lists ledger entries for a wallet.
func (s *Service) History(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	return s.txns.List(ctx, f)
}
