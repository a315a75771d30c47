package repository

import (
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/shopspring/decimal"
)

type MeterEntity struct {
	ID               int64            `db:"id"                 gorm:"primaryKey;autoIncrement;column:id"`
	Serial           string           `db:"serial"             gorm:"column:serial;not null;uniqueIndex"`
	Utility          string           `db:"utility"            gorm:"column:utility;not null"`
	DeviceEUI        *string          `db:"device_eui"         gorm:"column:device_eui;index"`
	DeviceTypeCode   string           `db:"device_type_code"   gorm:"column:device_type_code"`
	CommType         string           `db:"comm_type"          gorm:"column:comm_type;not null;default:lora"`
	CommStatus       string           `db:"comm_status"        gorm:"column:comm_status;not null;default:offline"`
	LastReadingValue *decimal.Decimal `db:"last_reading_value" gorm:"column:last_reading_value;type:decimal(20,6)"`
	LastReadingAt    *time.Time       `db:"last_reading_at"    gorm:"column:last_reading_at"`
	IsPrepaid        bool             `db:"is_prepaid"         gorm:"column:is_prepaid;not null;default:true"`
	IsActive         bool             `db:"is_active"          gorm:"column:is_active;not null;default:true"`
	UnitID           *int64           `db:"unit_id"            gorm:"column:unit_id;index"`
	CreatedAt        time.Time        `db:"created_at"         gorm:"column:created_at;autoCreateTime"`
}

func (MeterEntity) TableName() string { return "meters" }

func toMeterEntity(m *model.Meter) *MeterEntity {
	if m == nil {
		return nil
	}
	return &MeterEntity{
		ID:               m.ID,
		Serial:           m.Serial,
		Utility:          string(m.Utility),
		DeviceEUI:        m.DeviceEUI,
		DeviceTypeCode:   m.DeviceTypeCode,
		CommType:         string(m.CommType),
		CommStatus:       string(m.CommStatus),
		LastReadingValue: m.LastReadingValue,
		LastReadingAt:    m.LastReadingAt,
		IsPrepaid:        m.IsPrepaid,
		IsActive:         m.IsActive,
		UnitID:           m.UnitID,
		CreatedAt:        m.CreatedAt,
	}
}

func toMeterModel(e *MeterEntity) *model.Meter {
	if e == nil {
		return nil
	}
	return &model.Meter{
		ID:               e.ID,
		Serial:           e.Serial,
		Utility:          model.Utility(e.Utility),
		DeviceEUI:        e.DeviceEUI,
		DeviceTypeCode:   e.DeviceTypeCode,
		CommType:         model.CommType(e.CommType),
		CommStatus:       model.CommStatus(e.CommStatus),
		LastReadingValue: e.LastReadingValue,
		LastReadingAt:    e.LastReadingAt,
		IsPrepaid:        e.IsPrepaid,
		IsActive:         e.IsActive,
		UnitID:           e.UnitID,
		CreatedAt:        e.CreatedAt,
	}
}

func toMeterModels(entities []*MeterEntity) []*model.Meter {
	if entities == nil {
		return nil
	}
	models := make([]*model.Meter, len(entities))
	for i, e := range entities {
		models[i] = toMeterModel(e)
	}
	return models
}
