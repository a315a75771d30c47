package repository

import (
	"context"
	"errors"
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/pkg/pg"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateRef        = errors.New("external ref already exists")
)

type TransactionRepository struct {
	*pg.DB
}

func NewTransactionRepository(db *pg.DB) *TransactionRepository {
	return &TransactionRepository{
		db,
	}
}

func (r *TransactionRepository) Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	entity := toTransactionEntity(txn)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateRef
		}
		return nil, err
	}

	return toTransactionModel(entity), nil
}

func (r *TransactionRepository) Get(ctx context.Context, id int64) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	return toTransactionModel(&entity), nil
}

func (r *TransactionRepository) GetByExternalRef(ctx context.Context, ref string) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("external_ref = ?", ref).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	return toTransactionModel(&entity), nil
}

// GetByExternalRefForUpdate locks the transaction row for the duration of the
// surrounding pg.WithinTransaction. The top-up completion path uses it so two
// concurrent callbacks for the same ref serialize.
func (r *TransactionRepository) GetByExternalRefForUpdate(ctx context.Context, ref string) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_ref = ?", ref).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	return toTransactionModel(&entity), nil
}

// FindReversalOf returns the refund entry pointing at the given transaction,
// if one exists. Reverse uses it for idempotency.
func (r *TransactionRepository) FindReversalOf(ctx context.Context, originalID int64) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("reversal_of = ?", originalID).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	return toTransactionModel(&entity), nil
}

// Update writes back mutable fields. Completed transactions only ever change
// their reconciliation markers; the service layer enforces that.
func (r *TransactionRepository) Update(ctx context.Context, txn *model.Transaction) error {
	entity := toTransactionEntity(txn)

	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ?", entity.ID).
		Updates(map[string]interface{}{
			"balance_before":  entity.BalanceBefore,
			"balance_after":   entity.BalanceAfter,
			"status":          entity.Status,
			"method":          entity.Method,
			"gateway_ref":     entity.GatewayRef,
			"gateway_status":  entity.GatewayStatus,
			"gateway_payload": entity.GatewayPayload,
			"completed_at":    entity.CompletedAt,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTransactionNotFound
	}

	return nil
}

func (r *TransactionRepository) MarkReconciled(ctx context.Context, id int64, at time.Time) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"reconciled":    true,
			"reconciled_at": at,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTransactionNotFound
	}

	return nil
}

func (r *TransactionRepository) List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{})

	if f.WalletID != nil {
		q = q.Where("wallet_id = ?", *f.WalletID)
	}
	if f.Kind != nil {
		q = q.Where("kind = ?", string(*f.Kind))
	}
	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}
	if f.Utility != nil {
		q = q.Where("utility = ?", string(*f.Utility))
	}
	if f.Gateway != nil && *f.Gateway != "" {
		q = q.Where("gateway = ?", *f.Gateway)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	// Count before pagination
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*TransactionEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toTransactionModels(entities), total, nil
}

// ListStalePending returns pending gateway top-ups whose expiry has passed.
func (r *TransactionRepository) ListStalePending(ctx context.Context, gateway string, now time.Time) ([]*model.Transaction, error) {
	var entities []*TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("kind = ? AND status = ? AND gateway = ? AND expires_at IS NOT NULL AND expires_at < ?",
			string(model.KindTopUp), string(model.StatusPending), gateway, now).
		Order("id ASC").
		Find(&entities).
		Error

	if err != nil {
		return nil, err
	}

	return toTransactionModels(entities), nil
}

// MarkExpired flips a pending top-up to expired. The status guard keeps a
// racing completion from being clobbered.
func (r *TransactionRepository) MarkExpired(ctx context.Context, id int64) (bool, error) {
	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ? AND status = ?", id, string(model.StatusPending)).
		Update("status", string(model.StatusExpired))

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

// ListForReconciliation returns gateway top-ups created inside the window,
// oldest first.
func (r *TransactionRepository) ListForReconciliation(ctx context.Context, gateway string, since time.Time) ([]*model.Transaction, error) {
	var entities []*TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("kind = ? AND gateway = ? AND created_at >= ?", string(model.KindTopUp), gateway, since).
		Order("created_at ASC").
		Find(&entities).
		Error

	if err != nil {
		return nil, err
	}

	return toTransactionModels(entities), nil
}

// SumConsumptionSince totals completed consumption units per wallet over
// the trailing window.
func (r *TransactionRepository) SumConsumptionSince(ctx context.Context, walletID int64, since time.Time) (decimal.Decimal, error) {
	return r.sumSince(ctx, walletID, since, "consumption_units")
}

// SumDebitAmountSince totals completed consumption spend per wallet over
// the trailing window. The daily-average refresher divides it by the window
// days.
func (r *TransactionRepository) SumDebitAmountSince(ctx context.Context, walletID int64, since time.Time) (decimal.Decimal, error) {
	return r.sumSince(ctx, walletID, since, "amount")
}

func (r *TransactionRepository) sumSince(ctx context.Context, walletID int64, since time.Time, column string) (decimal.Decimal, error) {
	var row struct {
		Total decimal.Decimal
	}
	err := r.Read(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Select("COALESCE(SUM(" + column + "), 0) AS total").
		Where("wallet_id = ? AND kind = ? AND status = ? AND created_at >= ?",
			walletID, string(model.KindConsume), string(model.StatusCompleted), since).
		Scan(&row).
		Error

	if err != nil {
		return decimal.Zero, err
	}

	return row.Total, nil
}
