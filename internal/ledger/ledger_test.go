package ledger

import (
	"context"
	"reflect"
	"testing"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/repository"
	"github.com/estatemeter/prepay-core/pkg/pg"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fixture struct {
	svc     *Service
	wallets *repository.WalletRepository
	txns    *repository.TransactionRepository
}

func setup(t *testing.T) *fixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&repository.UnitEntity{},
		&repository.WalletEntity{},
		&repository.TransactionEntity{},
	)
	require.NoError(t, err)

	pgDB := &pg.DB{}
	v := reflect.ValueOf(pgDB).Elem()
	for _, name := range []string{"read", "write"} {
		f := v.FieldByName(name)
		f = reflect.NewAt(f.Type(), f.Addr().UnsafePointer()).Elem()
		f.Set(reflect.ValueOf(db))
	}

	wallets := repository.NewWalletRepository(pgDB)
	txns := repository.NewTransactionRepository(pgDB)

	return &fixture{
		svc:     NewService(pgDB, wallets, txns),
		wallets: wallets,
		txns:    txns,
	}
}

func (f *fixture) seedWallet(t *testing.T, balance string) *model.Wallet {
	t.Helper()
	w, err := f.wallets.Create(context.Background(), &model.Wallet{
		UnitID:  1,
		Balance: decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
	return w
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestService_Debit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.seedWallet(t, "500")

	meterID := int64(7)
	txn, err := f.svc.Debit(ctx, DebitRequest{
		WalletID:         w.ID,
		Amount:           dec("120.50"),
		Utility:          model.UtilityElectricity,
		MeterID:          &meterID,
		ConsumptionUnits: dec("40"),
		RateApplied:      dec("3.0125"),
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, txn.Status)
	assert.True(t, txn.BalanceBefore.Equal(dec("500")))
	assert.True(t, txn.BalanceAfter.Equal(dec("379.5")))
	require.NotNil(t, txn.CompletedAt)

	got, err := f.svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(dec("379.5")))
	assert.True(t, got.SpentElectricity.Equal(dec("120.5")))
}

func TestService_DebitClampsAtCreditLimit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.seedWallet(t, "50")

	txn, err := f.svc.Debit(ctx, DebitRequest{
		WalletID:         w.ID,
		Amount:           dec("80"),
		Utility:          model.UtilityElectricity,
		ConsumptionUnits: dec("20"),
		RateApplied:      dec("4"),
		CreditLimit:      decimal.Zero,
	})
	require.NoError(t, err)

	assert.True(t, txn.Amount.Equal(dec("50")), "charged %s", txn.Amount)
	assert.True(t, txn.BalanceAfter.IsZero())
	assert.Equal(t, "30", txn.MetadataMap()["shortfall"])

	got, err := f.svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

func TestService_DebitAllowsNegativeWithinCreditLimit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.seedWallet(t, "20")

	txn, err := f.svc.Debit(ctx, DebitRequest{
		WalletID:         w.ID,
		Amount:           dec("50"),
		Utility:          model.UtilityWater,
		ConsumptionUnits: dec("5"),
		RateApplied:      dec("10"),
		CreditLimit:      dec("100"),
	})
	require.NoError(t, err)

	assert.True(t, txn.Amount.Equal(dec("50")))
	assert.True(t, txn.BalanceAfter.Equal(dec("-30")))
	assert.Empty(t, txn.MetadataMap()["shortfall"])
}

func TestService_CreditIdempotentByRef(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.seedWallet(t, "0")

	first, err := f.svc.Credit(ctx, CreditRequest{
		WalletID:    w.ID,
		Amount:      dec("200"),
		Utility:     model.UtilityNone,
		Kind:        model.KindTopUp,
		Method:      model.MethodCash,
		ExternalRef: "CASH-1",
	})
	require.NoError(t, err)
	assert.True(t, first.BalanceAfter.Equal(dec("200")))

	second, err := f.svc.Credit(ctx, CreditRequest{
		WalletID:    w.ID,
		Amount:      dec("200"),
		Utility:     model.UtilityNone,
		Kind:        model.KindTopUp,
		Method:      model.MethodCash,
		ExternalRef: "CASH-1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := f.svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(dec("200")), "credited twice: %s", got.Balance)
	require.NotNil(t, got.LastTopUpAt)
}

func seedPendingTopUp(t *testing.T, f *fixture, walletID int64, ref, amount string) *model.Transaction {
	t.Helper()
	txn, err := f.txns.Create(context.Background(), &model.Transaction{
		ExternalRef: ref,
		WalletID:    walletID,
		Kind:        model.KindTopUp,
		Utility:     model.UtilityElectricity,
		Amount:      decimal.RequireFromString(amount),
		Status:      model.StatusPending,
		Method:      model.MethodCard,
		Gateway:     "payfast",
		Metadata:    model.EncodeMetadata(map[string]string{"utility": "electricity"}),
	})
	require.NoError(t, err)
	return txn
}

func TestService_CompleteTopUp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.seedWallet(t, "10")
	seedPendingTopUp(t, f, w.ID, "MP100", "150")

	gw := GatewayResult{GatewayRef: "pf-1", GatewayStatus: "COMPLETE", Payload: "raw", Method: model.MethodCard}

	txn, err := f.svc.CompleteTopUp(ctx, "MP100", gw)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, txn.Status)
	assert.True(t, txn.BalanceBefore.Equal(dec("10")))
	assert.True(t, txn.BalanceAfter.Equal(dec("160")))
	assert.Equal(t, "pf-1", txn.GatewayRef)

	t.Run("replay credits exactly once", func(t *testing.T) {
		again, err := f.svc.CompleteTopUp(ctx, "MP100", gw)
		assert.ErrorIs(t, err, ErrAlreadyCompleted)
		require.NotNil(t, again)
		assert.Equal(t, txn.ID, again.ID)

		got, werr := f.svc.GetWallet(ctx, w.ID)
		require.NoError(t, werr)
		assert.True(t, got.Balance.Equal(dec("160")), "balance %s", got.Balance)
	})

	t.Run("unknown ref", func(t *testing.T) {
		_, err := f.svc.CompleteTopUp(ctx, "MP-none", gw)
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})
}

func TestService_CompleteTopUpFromExpired(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.seedWallet(t, "0")
	seed := seedPendingTopUp(t, f, w.ID, "MP200", "75")

	ok, err := f.txns.MarkExpired(ctx, seed.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// The gateway confirmed after the local expiry window. Money is real, so
	// the late confirmation still credits.
	txn, err := f.svc.CompleteTopUp(ctx, "MP200", GatewayResult{GatewayStatus: "COMPLETE"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, txn.Status)

	got, err := f.svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(dec("75")))
}

func TestService_FailTopUp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.seedWallet(t, "0")
	seedPendingTopUp(t, f, w.ID, "MP300", "75")

	txn, err := f.svc.FailTopUp(ctx, "MP300", GatewayResult{GatewayStatus: "CANCELLED"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, txn.Status)

	got, err := f.svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())

	// Failing a failed transaction reports state without changes.
	again, err := f.svc.FailTopUp(ctx, "MP300", GatewayResult{GatewayStatus: "CANCELLED"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, again.Status)
}

func TestService_ReverseTopUp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.seedWallet(t, "0")
	seedPendingTopUp(t, f, w.ID, "MP400", "200")

	completed, err := f.svc.CompleteTopUp(ctx, "MP400", GatewayResult{GatewayStatus: "COMPLETE"})
	require.NoError(t, err)

	refund, err := f.svc.Reverse(ctx, completed.ID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, model.KindRefund, refund.Kind)
	assert.True(t, refund.Amount.Equal(dec("200")))
	assert.True(t, refund.BalanceAfter.IsZero())
	require.NotNil(t, refund.ReversalOf)
	assert.Equal(t, completed.ID, *refund.ReversalOf)

	original, err := f.txns.Get(ctx, completed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReversed, original.Status)

	t.Run("second reverse is a no-op", func(t *testing.T) {
		again, err := f.svc.Reverse(ctx, completed.ID, "chargeback")
		require.NoError(t, err)
		assert.Equal(t, refund.ID, again.ID)

		got, werr := f.svc.GetWallet(ctx, w.ID)
		require.NoError(t, werr)
		assert.True(t, got.Balance.IsZero(), "balance %s", got.Balance)
	})
}

func TestService_ReverseConsumeCreditsBack(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.seedWallet(t, "300")

	debit, err := f.svc.Debit(ctx, DebitRequest{
		WalletID:         w.ID,
		Amount:           dec("100"),
		Utility:          model.UtilityWater,
		ConsumptionUnits: dec("10"),
		RateApplied:      dec("10"),
	})
	require.NoError(t, err)

	refund, err := f.svc.Reverse(ctx, debit.ID, "billing error")
	require.NoError(t, err)
	assert.True(t, refund.BalanceAfter.Equal(dec("300")))

	got, err := f.svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(dec("300")))
}

func TestService_ReverseRequiresCompleted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.seedWallet(t, "0")
	pending := seedPendingTopUp(t, f, w.ID, "MP500", "50")

	_, err := f.svc.Reverse(ctx, pending.ID, "nope")
	assert.ErrorIs(t, err, ErrNotCompleted)
}
