package repository

import (
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/shopspring/decimal"
)

type WalletEntity struct {
	ID                    int64           `db:"id"                        gorm:"primaryKey;autoIncrement;column:id"`
	UnitID                int64           `db:"unit_id"                   gorm:"column:unit_id;not null;uniqueIndex"`
	Balance               decimal.Decimal `db:"balance"                   gorm:"column:balance;type:decimal(20,6);not null;default:0"`
	CreditLimit           decimal.Decimal `db:"credit_limit"              gorm:"column:credit_limit;type:decimal(20,6);not null;default:0"`
	SpentElectricity      decimal.Decimal `db:"spent_electricity"         gorm:"column:spent_electricity;type:decimal(20,6);not null;default:0"`
	SpentWater            decimal.Decimal `db:"spent_water"               gorm:"column:spent_water;type:decimal(20,6);not null;default:0"`
	SpentHotWater         decimal.Decimal `db:"spent_hot_water"           gorm:"column:spent_hot_water;type:decimal(20,6);not null;default:0"`
	SpentSolar            decimal.Decimal `db:"spent_solar"               gorm:"column:spent_solar;type:decimal(20,6);not null;default:0"`
	LowBalanceThreshold   decimal.Decimal `db:"low_balance_threshold"     gorm:"column:low_balance_threshold;type:decimal(20,6);not null;default:0"`
	ThresholdMode         string          `db:"threshold_mode"            gorm:"column:threshold_mode;not null;default:fixed"`
	DaysThreshold         int             `db:"days_threshold"            gorm:"column:days_threshold;not null;default:0"`
	DailyAvgConsumption   decimal.Decimal `db:"daily_avg_consumption"     gorm:"column:daily_avg_consumption;type:decimal(20,6);not null;default:0"`
	LastTopUpAt           *time.Time      `db:"last_top_up_at"            gorm:"column:last_top_up_at"`
	LastLowBalanceAlertAt *time.Time      `db:"last_low_balance_alert_at" gorm:"column:last_low_balance_alert_at"`
	AlertCooldownSeconds  int64           `db:"alert_cooldown_seconds"    gorm:"column:alert_cooldown_seconds;not null;default:86400"`
	Suspended             bool            `db:"suspended"                 gorm:"column:suspended;not null;default:false"`
	Version               int64           `db:"version"                   gorm:"column:version;not null;default:0"`
	CreatedAt             time.Time       `db:"created_at"                gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time       `db:"updated_at"                gorm:"column:updated_at;autoUpdateTime"`
}

func (WalletEntity) TableName() string { return "wallets" }

func toWalletEntity(m *model.Wallet) *WalletEntity {
	if m == nil {
		return nil
	}
	return &WalletEntity{
		ID:                    m.ID,
		UnitID:                m.UnitID,
		Balance:               m.Balance,
		CreditLimit:           m.CreditLimit,
		SpentElectricity:      m.SpentElectricity,
		SpentWater:            m.SpentWater,
		SpentHotWater:         m.SpentHotWater,
		SpentSolar:            m.SpentSolar,
		LowBalanceThreshold:   m.LowBalanceThreshold,
		ThresholdMode:         string(m.ThresholdMode),
		DaysThreshold:         m.DaysThreshold,
		DailyAvgConsumption:   m.DailyAvgConsumption,
		LastTopUpAt:           m.LastTopUpAt,
		LastLowBalanceAlertAt: m.LastLowBalanceAlertAt,
		AlertCooldownSeconds:  int64(m.AlertCooldown / time.Second),
		Suspended:             m.Suspended,
		Version:               m.Version,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}

func toWalletModel(e *WalletEntity) *model.Wallet {
	if e == nil {
		return nil
	}
	return &model.Wallet{
		ID:                    e.ID,
		UnitID:                e.UnitID,
		Balance:               e.Balance,
		CreditLimit:           e.CreditLimit,
		SpentElectricity:      e.SpentElectricity,
		SpentWater:            e.SpentWater,
		SpentHotWater:         e.SpentHotWater,
		SpentSolar:            e.SpentSolar,
		LowBalanceThreshold:   e.LowBalanceThreshold,
		ThresholdMode:         model.ThresholdMode(e.ThresholdMode),
		DaysThreshold:         e.DaysThreshold,
		DailyAvgConsumption:   e.DailyAvgConsumption,
		LastTopUpAt:           e.LastTopUpAt,
		LastLowBalanceAlertAt: e.LastLowBalanceAlertAt,
		AlertCooldown:         time.Duration(e.AlertCooldownSeconds) * time.Second,
		Suspended:             e.Suspended,
		Version:               e.Version,
		CreatedAt:             e.CreatedAt,
		UpdatedAt:             e.UpdatedAt,
	}
}

func toWalletModels(entities []*WalletEntity) []*model.Wallet {
	if entities == nil {
		return nil
	}
	models := make([]*model.Wallet, len(entities))
	for i, e := range entities {
		models[i] = toWalletModel(e)
	}
	return models
}
