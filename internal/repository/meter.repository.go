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
	ErrMeterNotFound = errors.New("meter not found")
)

type MeterRepository struct {
	*pg.DB
}

func NewMeterRepository(db *pg.DB) *MeterRepository {
	return &MeterRepository{
		db,
	}
}

func (r *MeterRepository) Create(ctx context.Context, m *model.Meter) (*model.Meter, error) {
	entity := toMeterEntity(m)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toMeterModel(entity), nil
}

func (r *MeterRepository) Get(ctx context.Context, meterID int64) (*model.Meter, error) {
	var entity MeterEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", meterID).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMeterNotFound
		}
		return nil, err
	}

	return toMeterModel(&entity), nil
}

func (r *MeterRepository) GetByDeviceEUI(ctx context.Context, eui string) (*model.Meter, error) {
	var entity MeterEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("device_eui = ?", eui).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMeterNotFound
		}
		return nil, err
	}

	return toMeterModel(&entity), nil
}

// GetForUpdate locks the meter row. Billing takes this lock before the wallet
// lock so readings for one meter bill strictly in sequence. Lock order is
// always meter first, wallet second.
func (r *MeterRepository) GetForUpdate(ctx context.Context, meterID int64) (*model.Meter, error) {
	var entity MeterEntity
	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", meterID).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMeterNotFound
		}
		return nil, err
	}

	return toMeterModel(&entity), nil
}

func (r *MeterRepository) GetByUnitAndUtility(ctx context.Context, unitID int64, utility model.Utility) (*model.Meter, error) {
	var entity MeterEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("unit_id = ? AND utility = ? AND is_active", unitID, string(utility)).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMeterNotFound
		}
		return nil, err
	}

	return toMeterModel(&entity), nil
}

func (r *MeterRepository) SetLastReading(ctx context.Context, meterID int64, value decimal.Decimal, at time.Time) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&MeterEntity{}).
		Where("id = ?", meterID).
		Updates(map[string]interface{}{
			"last_reading_value": value,
			"last_reading_at":    at,
			"comm_status":        string(model.CommOnline),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrMeterNotFound
	}

	return nil
}
