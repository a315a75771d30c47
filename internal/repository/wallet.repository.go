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
	ErrWalletNotFound   = errors.New("wallet not found")
	ErrConcurrentUpdate = errors.New("concurrent update detected")
)

type WalletRepository struct {
	*pg.DB
}

func NewWalletRepository(db *pg.DB) *WalletRepository {
	return &WalletRepository{
		db,
	}
}

func (r *WalletRepository) Create(ctx context.Context, w *model.Wallet) (*model.Wallet, error) {
	entity := toWalletEntity(w)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toWalletModel(entity), nil
}

func (r *WalletRepository) Get(ctx context.Context, walletID int64) (*model.Wallet, error) {
	var entity WalletEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", walletID).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}

	return toWalletModel(&entity), nil
}

func (r *WalletRepository) GetByUnitID(ctx context.Context, unitID int64) (*model.Wallet, error) {
	var entity WalletEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("unit_id = ?", unitID).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}

	return toWalletModel(&entity), nil
}

// GetForUpdate acquires a SELECT FOR UPDATE lock on the wallet row. Callers
// must run inside pg.WithinTransaction so the lock is held until commit.
func (r *WalletRepository) GetForUpdate(ctx context.Context, walletID int64) (*model.Wallet, error) {
	var entity WalletEntity
	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", walletID).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}

	return toWalletModel(&entity), nil
}

// SaveLocked writes back a wallet previously fetched with GetForUpdate.
// The version guard catches writers that skipped the lock.
func (r *WalletRepository) SaveLocked(ctx context.Context, w *model.Wallet) error {
	entity := toWalletEntity(w)

	result := r.Write(ctx).WithContext(ctx).
		Model(&WalletEntity{}).
		Where("id = ? AND version = ?", entity.ID, entity.Version).
		Updates(map[string]interface{}{
			"balance":                   entity.Balance,
			"spent_electricity":         entity.SpentElectricity,
			"spent_water":               entity.SpentWater,
			"spent_hot_water":           entity.SpentHotWater,
			"spent_solar":               entity.SpentSolar,
			"last_top_up_at":            entity.LastTopUpAt,
			"last_low_balance_alert_at": entity.LastLowBalanceAlertAt,
			"suspended":                 entity.Suspended,
			"version":                   entity.Version + 1,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}

	w.Version = entity.Version + 1
	return nil
}

// ListWithBalanceAtMost returns active-unit wallets whose balance does not
// exceed the cap. Used by the zero-balance sweep with a cap of zero.
func (r *WalletRepository) ListWithBalanceAtMost(ctx context.Context, ceiling decimal.Decimal) ([]*model.Wallet, error) {
	var entities []*WalletEntity
	err := r.Read(ctx).WithContext(ctx).
		Joins("JOIN units ON units.id = wallets.unit_id AND units.is_active").
		Where("wallets.balance <= ?", ceiling).
		Order("wallets.id ASC").
		Find(&entities).
		Error

	if err != nil {
		return nil, err
	}

	return toWalletModels(entities), nil
}

// ListAll streams every wallet in id order. The low-balance sweep walks this
// and applies threshold logic in memory because days-mode thresholds depend
// on a derived column.
func (r *WalletRepository) ListAll(ctx context.Context) ([]*model.Wallet, error) {
	var entities []*WalletEntity
	err := r.Read(ctx).WithContext(ctx).
		Order("id ASC").
		Find(&entities).
		Error

	if err != nil {
		return nil, err
	}

	return toWalletModels(entities), nil
}

func (r *WalletRepository) SetDailyAvgConsumption(ctx context.Context, walletID int64, avg decimal.Decimal) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&WalletEntity{}).
		Where("id = ?", walletID).
		Update("daily_avg_consumption", avg)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}

	return nil
}

func (r *WalletRepository) SetLastLowBalanceAlert(ctx context.Context, walletID int64, at time.Time) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&WalletEntity{}).
		Where("id = ?", walletID).
		Update("last_low_balance_alert_at", at)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}

	return nil
}

func (r *WalletRepository) SetSuspended(ctx context.Context, walletID int64, suspended bool) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&WalletEntity{}).
		Where("id = ?", walletID).
		Update("suspended", suspended)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}

	return nil
}
