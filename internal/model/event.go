package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type WalletEventType string

const (
	WalletDebited  WalletEventType = "walletDebited"
	WalletCredited WalletEventType = "walletCredited"
)

// WalletEvent is published after every committed balance mutation. The
// threshold controller consumes these to run alert and reconnect checks
// without re-querying the ledger on its own schedule.
type WalletEvent struct {
	Type          WalletEventType `json:"type"`
	WalletID      int64           `json:"wallet_id"`
	TransactionID int64           `json:"transaction_id"`
	Balance       decimal.Decimal `json:"balance"`
	Utility       Utility         `json:"utility"`
	At            time.Time       `json:"at"`
}
