package repository

import (
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/shopspring/decimal"
)

type MeterReadingEntity struct {
	ID            int64           `db:"id"             gorm:"primaryKey;autoIncrement;column:id"`
	MeterID       int64           `db:"meter_id"       gorm:"column:meter_id;not null;uniqueIndex:idx_meter_reading_at,priority:1"`
	Value         decimal.Decimal `db:"value"          gorm:"column:value;type:decimal(20,6);not null"`
	ReadingAt     time.Time       `db:"reading_at"     gorm:"column:reading_at;not null;uniqueIndex:idx_meter_reading_at,priority:2"`
	Source        string          `db:"source"         gorm:"column:source;not null;default:automatic"`
	Consumption   decimal.Decimal `db:"consumption"    gorm:"column:consumption;type:decimal(20,6);not null;default:0"`
	RawPayload    string          `db:"raw_payload"    gorm:"column:raw_payload;type:text"`
	Flag          string          `db:"flag"           gorm:"column:flag"`
	IsBilled      bool            `db:"is_billed"      gorm:"column:is_billed;not null;default:false;index"`
	BilledAt      *time.Time      `db:"billed_at"      gorm:"column:billed_at"`
	TransactionID *int64          `db:"transaction_id" gorm:"column:transaction_id"`
	CreatedAt     time.Time       `db:"created_at"     gorm:"column:created_at;autoCreateTime"`
}

func (MeterReadingEntity) TableName() string { return "meter_readings" }

func toReadingEntity(m *model.MeterReading) *MeterReadingEntity {
	if m == nil {
		return nil
	}
	return &MeterReadingEntity{
		ID:            m.ID,
		MeterID:       m.MeterID,
		Value:         m.Value,
		ReadingAt:     m.ReadingAt,
		Source:        string(m.Source),
		Consumption:   m.Consumption,
		RawPayload:    m.RawPayload,
		Flag:          m.Flag,
		IsBilled:      m.IsBilled,
		BilledAt:      m.BilledAt,
		TransactionID: m.TransactionID,
		CreatedAt:     m.CreatedAt,
	}
}

func toReadingModel(e *MeterReadingEntity) *model.MeterReading {
	if e == nil {
		return nil
	}
	return &model.MeterReading{
		ID:            e.ID,
		MeterID:       e.MeterID,
		Value:         e.Value,
		ReadingAt:     e.ReadingAt,
		Source:        model.ReadingSource(e.Source),
		Consumption:   e.Consumption,
		RawPayload:    e.RawPayload,
		Flag:          e.Flag,
		IsBilled:      e.IsBilled,
		BilledAt:      e.BilledAt,
		TransactionID: e.TransactionID,
		CreatedAt:     e.CreatedAt,
	}
}

func toReadingModels(entities []*MeterReadingEntity) []*model.MeterReading {
	if entities == nil {
		return nil
	}
	models := make([]*model.MeterReading, len(entities))
	for i, e := range entities {
		models[i] = toReadingModel(e)
	}
	return models
}
