package repository

import (
	"context"
	"errors"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrUnitNotFound   = errors.New("unit not found")
	ErrEstateNotFound = errors.New("estate not found")
)

type UnitRepository struct {
	*pg.DB
}

func NewUnitRepository(db *pg.DB) *UnitRepository {
	return &UnitRepository{
		db,
	}
}

func (r *UnitRepository) Create(ctx context.Context, u *model.Unit) (*model.Unit, error) {
	entity := &UnitEntity{
		ID:       u.ID,
		EstateID: u.EstateID,
		Label:    u.Label,
		IsActive: u.IsActive,
	}

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toUnitModel(entity), nil
}

func (r *UnitRepository) Get(ctx context.Context, unitID int64) (*model.Unit, error) {
	var entity UnitEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", unitID).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnitNotFound
		}
		return nil, err
	}

	return toUnitModel(&entity), nil
}

func (r *UnitRepository) GetEstate(ctx context.Context, estateID int64) (*model.Estate, error) {
	var entity EstateEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", estateID).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEstateNotFound
		}
		return nil, err
	}

	return toEstateModel(&entity), nil
}

func (r *UnitRepository) CreateEstate(ctx context.Context, e *model.Estate) (*model.Estate, error) {
	entity := &EstateEntity{
		ID:       e.ID,
		Name:     e.Name,
		TimeZone: e.TimeZone,
	}

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toEstateModel(entity), nil
}
