package fixtures

import (
	"time"

	"github.com/estatemeter/prepay-core/internal/gateways/payfast"
	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func Estate(id int64, name, timeZone string) *model.Estate {
	return &model.Estate{
		ID:       id,
		Name:     name,
		TimeZone: timeZone,
	}
}

func Unit(id, estateID int64, label string) *model.Unit {
	return &model.Unit{
		ID:       id,
		EstateID: estateID,
		Label:    label,
		IsActive: true,
	}
}

func Wallet(unitID int64, balance string) *model.Wallet {
	return &model.Wallet{
		UnitID:              unitID,
		Balance:             dec(balance),
		LowBalanceThreshold: dec("50"),
		ThresholdMode:       model.ThresholdFixed,
	}
}

// ElectricityMeter carries a relay-capable LoRa device, so it can be
// disconnected and reconnected.
func ElectricityMeter(serial string, unitID int64, deviceEUI string) *model.Meter {
	return &model.Meter{
		Serial:         serial,
		Utility:        model.UtilityElectricity,
		DeviceEUI:      &deviceEUI,
		DeviceTypeCode: "em-relay",
		CommType:       model.CommLora,
		IsPrepaid:      true,
		IsActive:       true,
		UnitID:         &unitID,
	}
}

func WaterMeter(serial string, unitID int64) *model.Meter {
	return &model.Meter{
		Serial:    serial,
		Utility:   model.UtilityWater,
		CommType:  model.CommLora,
		IsPrepaid: true,
		IsActive:  true,
		UnitID:    &unitID,
	}
}

func FlatRateTable(estateID int64, utility model.Utility, ratePerUnit, markupPercent string) *model.RateTable {
	flat := dec(ratePerUnit)
	return &model.RateTable{
		Name:          "estate " + string(utility),
		Utility:       utility,
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:      true,
		MarkupPercent: dec(markupPercent),
		EstateID:      &estateID,
		Structure: model.RateStructure{
			Kind:     model.StructureFlat,
			FlatRate: &flat,
		},
	}
}

func TieredRateTable(estateID int64, boundary, tier1, tier2 string) *model.RateTable {
	b := dec(boundary)
	return &model.RateTable{
		Name:          "municipal electricity",
		Utility:       model.UtilityElectricity,
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:      true,
		MarkupPercent: decimal.Zero,
		EstateID:      &estateID,
		Structure: model.RateStructure{
			Kind: model.StructureTiered,
			Tiers: []model.Tier{
				{FromUnits: decimal.Zero, ToUnits: &b, RatePerUnit: dec(tier1), TierNumber: 1},
				{FromUnits: b, RatePerUnit: dec(tier2), TierNumber: 2},
			},
		},
	}
}

func IngestRequest(meterID int64, value string, at time.Time) model.IngestRequest {
	return model.IngestRequest{
		MeterID:   meterID,
		Value:     dec(value),
		ReadingAt: at,
		Source:    model.SourceAutomatic,
	}
}

// SignedITN builds the form body the gateway posts back after a payment,
// signed the way the real gateway signs it: field order preserved,
// signature computed over everything before it, passphrase appended.
func SignedITN(paymentID, gatewayRef, status, amount, passphrase string) []byte {
	fields := payfast.Payload{
		{Key: "m_payment_id", Value: paymentID},
		{Key: "pf_payment_id", Value: gatewayRef},
		{Key: "payment_status", Value: status},
		{Key: "item_name", Value: "Wallet top-up"},
		{Key: "amount_gross", Value: amount},
		{Key: "merchant_id", Value: "10000100"},
	}
	fields = append(fields, payfast.Field{Key: "signature", Value: payfast.Signature(fields, passphrase)})
	return []byte(fields.Encode())
}
