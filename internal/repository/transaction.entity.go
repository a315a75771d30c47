package repository

import (
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/shopspring/decimal"
)

type TransactionEntity struct {
	ID               int64            `db:"id"                gorm:"primaryKey;autoIncrement;column:id"`
	ExternalRef      string           `db:"external_ref"      gorm:"column:external_ref;not null;uniqueIndex"`
	WalletID         int64            `db:"wallet_id"         gorm:"column:wallet_id;not null;index"`
	Kind             string           `db:"kind"              gorm:"column:kind;not null;index"`
	Utility          string           `db:"utility"           gorm:"column:utility;not null"`
	Amount           decimal.Decimal  `db:"amount"            gorm:"column:amount;type:decimal(20,6);not null"`
	BalanceBefore    decimal.Decimal  `db:"balance_before"    gorm:"column:balance_before;type:decimal(20,6);not null"`
	BalanceAfter     decimal.Decimal  `db:"balance_after"     gorm:"column:balance_after;type:decimal(20,6);not null"`
	Status           string           `db:"status"            gorm:"column:status;not null;index"`
	Method           string           `db:"method"            gorm:"column:method;not null"`
	Gateway          string           `db:"gateway"           gorm:"column:gateway"`
	GatewayRef       string           `db:"gateway_ref"       gorm:"column:gateway_ref;index"`
	GatewayStatus    string           `db:"gateway_status"    gorm:"column:gateway_status"`
	GatewayPayload   string           `db:"gateway_payload"   gorm:"column:gateway_payload;type:text"`
	Metadata         string           `db:"metadata"          gorm:"column:metadata;type:text"`
	MeterID          *int64           `db:"meter_id"          gorm:"column:meter_id;index"`
	ConsumptionUnits *decimal.Decimal `db:"consumption_units" gorm:"column:consumption_units;type:decimal(20,6)"`
	RateApplied      *decimal.Decimal `db:"rate_applied"      gorm:"column:rate_applied;type:decimal(20,6)"`
	ReversalOf       *int64           `db:"reversal_of"       gorm:"column:reversal_of;index"`
	CreatedAt        time.Time        `db:"created_at"        gorm:"column:created_at;autoCreateTime;index"`
	CompletedAt      *time.Time       `db:"completed_at"      gorm:"column:completed_at"`
	ExpiresAt        *time.Time       `db:"expires_at"        gorm:"column:expires_at"`
	Reconciled       bool             `db:"reconciled"        gorm:"column:reconciled;not null;default:false"`
	ReconciledAt     *time.Time       `db:"reconciled_at"     gorm:"column:reconciled_at"`
}

func (TransactionEntity) TableName() string { return "transactions" }

func toTransactionEntity(m *model.Transaction) *TransactionEntity {
	if m == nil {
		return nil
	}
	return &TransactionEntity{
		ID:               m.ID,
		ExternalRef:      m.ExternalRef,
		WalletID:         m.WalletID,
		Kind:             string(m.Kind),
		Utility:          string(m.Utility),
		Amount:           m.Amount,
		BalanceBefore:    m.BalanceBefore,
		BalanceAfter:     m.BalanceAfter,
		Status:           string(m.Status),
		Method:           string(m.Method),
		Gateway:          m.Gateway,
		GatewayRef:       m.GatewayRef,
		GatewayStatus:    m.GatewayStatus,
		GatewayPayload:   m.GatewayPayload,
		Metadata:         m.Metadata,
		MeterID:          m.MeterID,
		ConsumptionUnits: m.ConsumptionUnits,
		RateApplied:      m.RateApplied,
		ReversalOf:       m.ReversalOf,
		CreatedAt:        m.CreatedAt,
		CompletedAt:      m.CompletedAt,
		ExpiresAt:        m.ExpiresAt,
		Reconciled:       m.Reconciled,
		ReconciledAt:     m.ReconciledAt,
	}
}

func toTransactionModel(e *TransactionEntity) *model.Transaction {
	if e == nil {
		return nil
	}
	return &model.Transaction{
		ID:               e.ID,
		ExternalRef:      e.ExternalRef,
		WalletID:         e.WalletID,
		Kind:             model.TransactionKind(e.Kind),
		Utility:          model.Utility(e.Utility),
		Amount:           e.Amount,
		BalanceBefore:    e.BalanceBefore,
		BalanceAfter:     e.BalanceAfter,
		Status:           model.TransactionStatus(e.Status),
		Method:           model.PaymentMethod(e.Method),
		Gateway:          e.Gateway,
		GatewayRef:       e.GatewayRef,
		GatewayStatus:    e.GatewayStatus,
		GatewayPayload:   e.GatewayPayload,
		Metadata:         e.Metadata,
		MeterID:          e.MeterID,
		ConsumptionUnits: e.ConsumptionUnits,
		RateApplied:      e.RateApplied,
		ReversalOf:       e.ReversalOf,
		CreatedAt:        e.CreatedAt,
		CompletedAt:      e.CompletedAt,
		ExpiresAt:        e.ExpiresAt,
		Reconciled:       e.Reconciled,
		ReconciledAt:     e.ReconciledAt,
	}
}

func toTransactionModels(entities []*TransactionEntity) []*model.Transaction {
	if entities == nil {
		return nil
	}
	models := make([]*model.Transaction, len(entities))
	for i, e := range entities {
		models[i] = toTransactionModel(e)
	}
	return models
}
