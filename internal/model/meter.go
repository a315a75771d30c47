package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type CommType string

const (
	CommLora     CommType = "lora"
	CommCellular CommType = "cellular"
	CommPLC      CommType = "plc"
	CommWifi     CommType = "wifi"
	CommManual   CommType = "manual"
)

type CommStatus string

const (
	CommOnline  CommStatus = "online"
	CommOffline CommStatus = "offline"
	CommError   CommStatus = "error"
)

// Meter is a physical device. A meter is never deleted while readings exist;
// it is unlinked from its unit instead.
type Meter struct {
	ID               int64            `json:"id"`
	Serial           string           `json:"serial"`
	Utility          Utility          `json:"utility"`
	DeviceEUI        *string          `json:"device_eui,omitempty"`
	DeviceTypeCode   string           `json:"device_type_code"`
	CommType         CommType         `json:"comm_type"`
	CommStatus       CommStatus       `json:"comm_status"`
	LastReadingValue *decimal.Decimal `json:"last_reading_value,omitempty"`
	LastReadingAt    *time.Time       `json:"last_reading_at,omitempty"`
	IsPrepaid        bool             `json:"is_prepaid"`
	IsActive         bool             `json:"is_active"`
	UnitID           *int64           `json:"unit_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

type ReadingSource string

const (
	SourceAutomatic ReadingSource = "automatic"
	SourceManual    ReadingSource = "manual"
	SourceEstimated ReadingSource = "estimated"
)

// Reading flags attached during billing.
const (
	FlagRolloverOrTamper = "meter_rollover_or_tamper"
	FlagNoRate           = "no_rate"
)

// MeterReading is one telemetry sample. Value is the device's cumulative
// counter; Consumption is the billed delta against the previous reading.
// Readings for a meter are unique per (MeterID, ReadingAt) and once billed
// are never rebilled.
type MeterReading struct {
	ID            int64           `json:"id"`
	MeterID       int64           `json:"meter_id"`
	Value         decimal.Decimal `json:"value"`
	ReadingAt     time.Time       `json:"reading_at"`
	Source        ReadingSource   `json:"source"`
	Consumption   decimal.Decimal `json:"consumption_since_last"`
	RawPayload    string          `json:"-"`
	Flag          string          `json:"flag,omitempty"`
	IsBilled      bool            `json:"is_billed"`
	BilledAt      *time.Time      `json:"billed_at,omitempty"`
	TransactionID *int64          `json:"transaction_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IngestRequest is the input for persisting a new reading.
type IngestRequest struct {
	MeterID    int64
	Value      decimal.Decimal
	ReadingAt  time.Time
	Source     ReadingSource
	RawPayload string
}

func (r IngestRequest) Validate() error {
	if r.MeterID == 0 {
		return errors.New("meter_id is required")
	}
	if r.Value.IsNegative() {
		return errors.New("value must be non-negative")
	}
	if r.ReadingAt.IsZero() {
		return errors.New("reading_at is required")
	}
	return nil
}
