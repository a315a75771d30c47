package repository

import (
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
)

type UnitEntity struct {
	ID        int64     `db:"id"         gorm:"primaryKey;autoIncrement;column:id"`
	EstateID  int64     `db:"estate_id"  gorm:"column:estate_id;not null;index"`
	Label     string    `db:"label"      gorm:"column:label;not null"`
	IsActive  bool      `db:"is_active"  gorm:"column:is_active;not null;default:true"`
	CreatedAt time.Time `db:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (UnitEntity) TableName() string { return "units" }

type EstateEntity struct {
	ID       int64  `db:"id"        gorm:"primaryKey;autoIncrement;column:id"`
	Name     string `db:"name"      gorm:"column:name;not null"`
	TimeZone string `db:"time_zone" gorm:"column:time_zone;not null;default:Africa/Johannesburg"`
}

func (EstateEntity) TableName() string { return "estates" }

func toUnitModel(e *UnitEntity) *model.Unit {
	if e == nil {
		return nil
	}
	return &model.Unit{
		ID:        e.ID,
		EstateID:  e.EstateID,
		Label:     e.Label,
		IsActive:  e.IsActive,
		CreatedAt: e.CreatedAt,
	}
}

func toEstateModel(e *EstateEntity) *model.Estate {
	if e == nil {
		return nil
	}
	return &model.Estate{
		ID:       e.ID,
		Name:     e.Name,
		TimeZone: e.TimeZone,
	}
}
