package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	KindTopUp      TransactionKind = "topUp"
	KindConsume    TransactionKind = "consume"
	KindRefund     TransactionKind = "refund"
	KindAdjust     TransactionKind = "adjust"
	KindServiceFee TransactionKind = "serviceFee"
)

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusReversed   TransactionStatus = "reversed"
	StatusExpired    TransactionStatus = "expired"
)

type PaymentMethod string

const (
	MethodCard       PaymentMethod = "card"
	MethodEFT        PaymentMethod = "eft"
	MethodInstantEFT PaymentMethod = "instantEft"
	MethodCash       PaymentMethod = "cash"
	MethodSystem     PaymentMethod = "system"
	MethodAdjust     PaymentMethod = "adjust"
)

// Transaction is one append-only ledger entry. Amounts are always positive;
// the direction follows from Kind (top-ups and consume reversals credit,
// consumption and top-up reversals debit). BalanceBefore/After are recorded
// under the wallet lock and are the audit truth for the balance invariant.
// After a transaction reaches completed nothing mutates except the
// reconciliation markers.
type Transaction struct {
	ID               int64             `json:"id"`
	ExternalRef      string            `json:"external_ref"`
	WalletID         int64             `json:"wallet_id"`
	Kind             TransactionKind   `json:"kind"`
	Utility          Utility           `json:"utility"`
	Amount           decimal.Decimal   `json:"amount"`
	BalanceBefore    decimal.Decimal   `json:"balance_before"`
	BalanceAfter     decimal.Decimal   `json:"balance_after"`
	Status           TransactionStatus `json:"status"`
	Method           PaymentMethod     `json:"method"`
	Gateway          string            `json:"gateway,omitempty"`
	GatewayRef       string            `json:"gateway_ref,omitempty"`
	GatewayStatus    string            `json:"gateway_status,omitempty"`
	GatewayPayload   string            `json:"-"`
	Metadata         string            `json:"-"` // JSON captured at create time; survives payload overwrites
	MeterID          *int64            `json:"meter_id,omitempty"`
	ConsumptionUnits *decimal.Decimal  `json:"consumption_units,omitempty"`
	RateApplied      *decimal.Decimal  `json:"rate_applied,omitempty"`
	ReversalOf       *int64            `json:"reversal_of,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	Reconciled       bool              `json:"reconciled"`
	ReconciledAt     *time.Time        `json:"reconciled_at,omitempty"`
}

// MetadataMap decodes the create-time metadata blob. Missing or malformed
// metadata yields an empty map, never an error; callers treat metadata as
// best-effort audit data.
func (t *Transaction) MetadataMap() map[string]string {
	out := map[string]string{}
	if t.Metadata == "" {
		return out
	}
	_ = json.Unmarshal([]byte(t.Metadata), &out)
	return out
}

func EncodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

// UtilityFromMetadata recovers the utility captured when the transaction was
// created. The gateway callback later overwrites GatewayPayload, so this is
// the only reliable source on a late ITN.
func (t *Transaction) UtilityFromMetadata() Utility {
	if v, ok := t.MetadataMap()["utility"]; ok {
		u := Utility(v)
		if u.Valid() {
			return u
		}
	}
	return UtilityNone
}

// TransactionFilter controls ledger history queries.
type TransactionFilter struct {
	WalletID *int64
	Kind     *TransactionKind
	Status   *TransactionStatus
	Utility  *Utility
	Gateway  *string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
	Desc     bool
}
