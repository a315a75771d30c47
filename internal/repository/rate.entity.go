package repository

import (
	"encoding/json"
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/shopspring/decimal"
)

type RateTableEntity struct {
	ID            int64           `db:"id"             gorm:"primaryKey;autoIncrement;column:id"`
	Name          string          `db:"name"           gorm:"column:name;not null"`
	Utility       string          `db:"utility"        gorm:"column:utility;not null;index"`
	EffectiveFrom time.Time       `db:"effective_from" gorm:"column:effective_from;not null"`
	EffectiveTo   *time.Time      `db:"effective_to"   gorm:"column:effective_to"`
	IsActive      bool            `db:"is_active"      gorm:"column:is_active;not null;default:true"`
	MarkupPercent decimal.Decimal `db:"markup_percent" gorm:"column:markup_percent;type:decimal(10,4);not null;default:0"`
	Structure     string          `db:"structure"      gorm:"column:structure;type:text;not null"`
	EstateID      *int64          `db:"estate_id"      gorm:"column:estate_id;index"`
	UnitID        *int64          `db:"unit_id"        gorm:"column:unit_id;index"`
	CreatedAt     time.Time       `db:"created_at"     gorm:"column:created_at;autoCreateTime"`
}

func (RateTableEntity) TableName() string { return "rate_tables" }

func toRateTableEntity(m *model.RateTable) (*RateTableEntity, error) {
	if m == nil {
		return nil, nil
	}
	structure, err := json.Marshal(m.Structure)
	if err != nil {
		return nil, err
	}
	return &RateTableEntity{
		ID:            m.ID,
		Name:          m.Name,
		Utility:       string(m.Utility),
		EffectiveFrom: m.EffectiveFrom,
		EffectiveTo:   m.EffectiveTo,
		IsActive:      m.IsActive,
		MarkupPercent: m.MarkupPercent,
		Structure:     string(structure),
		EstateID:      m.EstateID,
		UnitID:        m.UnitID,
		CreatedAt:     m.CreatedAt,
	}, nil
}

func toRateTableModel(e *RateTableEntity) (*model.RateTable, error) {
	if e == nil {
		return nil, nil
	}
	var structure model.RateStructure
	if err := json.Unmarshal([]byte(e.Structure), &structure); err != nil {
		return nil, err
	}
	return &model.RateTable{
		ID:            e.ID,
		Name:          e.Name,
		Utility:       model.Utility(e.Utility),
		EffectiveFrom: e.EffectiveFrom,
		EffectiveTo:   e.EffectiveTo,
		IsActive:      e.IsActive,
		MarkupPercent: e.MarkupPercent,
		Structure:     structure,
		EstateID:      e.EstateID,
		UnitID:        e.UnitID,
		CreatedAt:     e.CreatedAt,
	}, nil
}
