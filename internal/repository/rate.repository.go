package repository

import (
	"context"
	"errors"
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrRateTableNotFound = errors.New("rate table not found")
)

type RateRepository struct {
	*pg.DB
}

func NewRateRepository(db *pg.DB) *RateRepository {
	return &RateRepository{
		db,
	}
}

func (r *RateRepository) Create(ctx context.Context, rt *model.RateTable) (*model.RateTable, error) {
	entity, err := toRateTableEntity(rt)
	if err != nil {
		return nil, err
	}

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toRateTableModel(entity)
}

func (r *RateRepository) Get(ctx context.Context, id int64) (*model.RateTable, error) {
	var entity RateTableEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRateTableNotFound
		}
		return nil, err
	}

	return toRateTableModel(&entity)
}

// FindEffective resolves the rate table for a unit at an instant. A table
// bound to the unit wins over the estate default; among candidates the most
// recently effective wins.
func (r *RateRepository) FindEffective(ctx context.Context, unitID, estateID int64, utility model.Utility, at time.Time) (*model.RateTable, error) {
	rt, err := r.findScoped(ctx, "unit_id = ?", unitID, utility, at)
	if err == nil {
		return rt, nil
	}
	if !errors.Is(err, ErrRateTableNotFound) {
		return nil, err
	}

	return r.findScoped(ctx, "estate_id = ?", estateID, utility, at)
}

func (r *RateRepository) findScoped(ctx context.Context, scopeCond string, scopeID int64, utility model.Utility, at time.Time) (*model.RateTable, error) {
	var entity RateTableEntity
	err := r.Read(ctx).WithContext(ctx).
		Where(scopeCond, scopeID).
		Where("utility = ? AND is_active", string(utility)).
		Where("effective_from <= ?", at).
		Where("effective_to IS NULL OR effective_to > ?", at).
		Order("effective_from DESC").
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRateTableNotFound
		}
		return nil, err
	}

	return toRateTableModel(&entity)
}

// Deactivate closes a table so new billing stops using it. Historic
// transactions keep their recorded rate.
func (r *RateRepository) Deactivate(ctx context.Context, id int64) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&RateTableEntity{}).
		Where("id = ?", id).
		Update("is_active", false)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrRateTableNotFound
	}

	return nil
}
