package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Utility identifies the metered service a charge or meter belongs to.
type Utility string

const (
	UtilityElectricity Utility = "electricity"
	UtilityWater       Utility = "water"
	UtilityHotWater    Utility = "hotWater"
	UtilitySolar       Utility = "solar"
	UtilityNone        Utility = "none"
)

func (u Utility) Valid() bool {
	switch u {
	case UtilityElectricity, UtilityWater, UtilityHotWater, UtilitySolar, UtilityNone:
		return true
	}
	return false
}

// Billable reports whether the utility accumulates consumption spend.
func (u Utility) Billable() bool {
	return u != UtilityNone && u.Valid()
}

type ThresholdMode string

const (
	ThresholdFixed ThresholdMode = "fixed"
	ThresholdDays  ThresholdMode = "days"
)

// Wallet is the prepaid balance of a single unit. Balance mutations happen
// only through the ledger service under a row lock; everything else reads a
// snapshot.
type Wallet struct {
	ID                    int64           `json:"id"`
	UnitID                int64           `json:"unit_id"`
	Balance               decimal.Decimal `json:"balance"`
	CreditLimit           decimal.Decimal `json:"credit_limit"`
	SpentElectricity      decimal.Decimal `json:"spent_electricity"`
	SpentWater            decimal.Decimal `json:"spent_water"`
	SpentHotWater         decimal.Decimal `json:"spent_hot_water"`
	SpentSolar            decimal.Decimal `json:"spent_solar"`
	LowBalanceThreshold   decimal.Decimal `json:"low_balance_threshold"`
	ThresholdMode         ThresholdMode   `json:"threshold_mode"`
	DaysThreshold         int             `json:"days_threshold"`
	DailyAvgConsumption   decimal.Decimal `json:"daily_avg_consumption"`
	LastTopUpAt           *time.Time      `json:"last_top_up_at,omitempty"`
	LastLowBalanceAlertAt *time.Time      `json:"last_low_balance_alert_at,omitempty"`
	AlertCooldown         time.Duration   `json:"alert_cooldown"`
	Suspended             bool            `json:"suspended"`
	Version               int64           `json:"-"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// SpentFor returns the cumulative completed consumption spend for a utility.
func (w *Wallet) SpentFor(u Utility) decimal.Decimal {
	switch u {
	case UtilityElectricity:
		return w.SpentElectricity
	case UtilityWater:
		return w.SpentWater
	case UtilityHotWater:
		return w.SpentHotWater
	case UtilitySolar:
		return w.SpentSolar
	}
	return decimal.Zero
}

// AddSpent accumulates a completed consumption debit onto the per-utility
// counter. Counters are monotonic; callers never subtract.
func (w *Wallet) AddSpent(u Utility, amount decimal.Decimal) {
	switch u {
	case UtilityElectricity:
		w.SpentElectricity = w.SpentElectricity.Add(amount)
	case UtilityWater:
		w.SpentWater = w.SpentWater.Add(amount)
	case UtilityHotWater:
		w.SpentHotWater = w.SpentHotWater.Add(amount)
	case UtilitySolar:
		w.SpentSolar = w.SpentSolar.Add(amount)
	}
}

// EffectiveThreshold resolves the low-balance alert threshold for the
// wallet's configured mode. In days mode the rolling daily average is a
// derived field refreshed by the scheduler, never live-queried here.
func (w *Wallet) EffectiveThreshold() decimal.Decimal {
	if w.ThresholdMode == ThresholdDays {
		return w.DailyAvgConsumption.Mul(decimal.NewFromInt(int64(w.DaysThreshold)))
	}
	return w.LowBalanceThreshold
}
