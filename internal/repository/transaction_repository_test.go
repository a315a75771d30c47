package repository

import (
	"context"
	"testing"
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTopUp(ref string, walletID int64, amount string) *model.Transaction {
	return &model.Transaction{
		ExternalRef: ref,
		WalletID:    walletID,
		Kind:        model.KindTopUp,
		Utility:     model.UtilityNone,
		Amount:      decimal.RequireFromString(amount),
		Status:      model.StatusPending,
		Method:      model.MethodCard,
		Gateway:     "payfast",
	}
}

func TestTransactionRepository_Create(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	t.Run("create top-up", func(t *testing.T) {
		created, err := repo.Create(ctx, newTopUp("MP1001", 1, "200"))
		require.NoError(t, err)
		assert.NotZero(t, created.ID)
		assert.Equal(t, model.StatusPending, created.Status)
	})

	t.Run("duplicate external ref is rejected", func(t *testing.T) {
		_, err := repo.Create(ctx, newTopUp("MP1001", 1, "200"))
		assert.ErrorIs(t, err, ErrDuplicateRef)
	})

	t.Run("create consume with meter fields", func(t *testing.T) {
		units := decimal.RequireFromString("12.5")
		rate := decimal.RequireFromString("3.2926")
		meterID := int64(7)
		txn := &model.Transaction{
			ExternalRef:      "CONS-7-1",
			WalletID:         1,
			Kind:             model.KindConsume,
			Utility:          model.UtilityElectricity,
			Amount:           decimal.RequireFromString("41.16"),
			Status:           model.StatusCompleted,
			Method:           model.MethodSystem,
			MeterID:          &meterID,
			ConsumptionUnits: &units,
			RateApplied:      &rate,
		}

		created, err := repo.Create(ctx, txn)
		require.NoError(t, err)
		require.NotNil(t, created.ConsumptionUnits)
		assert.True(t, created.ConsumptionUnits.Equal(units))
	})
}

func TestTransactionRepository_GetByExternalRef(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	_, err := repo.Create(ctx, newTopUp("MP2001", 1, "500"))
	require.NoError(t, err)

	got, err := repo.GetByExternalRef(ctx, "MP2001")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(500)))

	_, err = repo.GetByExternalRef(ctx, "MP-missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestTransactionRepository_Update(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	created, err := repo.Create(ctx, newTopUp("MP3001", 1, "300"))
	require.NoError(t, err)

	now := time.Now().UTC()
	created.Status = model.StatusCompleted
	created.GatewayRef = "pf-123"
	created.GatewayStatus = "COMPLETE"
	created.BalanceBefore = decimal.NewFromInt(20)
	created.BalanceAfter = decimal.NewFromInt(320)
	created.CompletedAt = &now

	require.NoError(t, repo.Update(ctx, created))

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, "pf-123", got.GatewayRef)
	assert.True(t, got.BalanceAfter.Equal(decimal.NewFromInt(320)))
	require.NotNil(t, got.CompletedAt)
}

func TestTransactionRepository_ExpiryFlow(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	future := time.Now().Add(2 * time.Hour)

	stale := newTopUp("MP4001", 1, "100")
	stale.ExpiresAt = &past
	fresh := newTopUp("MP4002", 1, "100")
	fresh.ExpiresAt = &future

	staleCreated, err := repo.Create(ctx, stale)
	require.NoError(t, err)
	_, err = repo.Create(ctx, fresh)
	require.NoError(t, err)

	list, err := repo.ListStalePending(ctx, "payfast", time.Now())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "MP4001", list[0].ExternalRef)

	t.Run("mark expired flips pending only", func(t *testing.T) {
		ok, err := repo.MarkExpired(ctx, staleCreated.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		// Second attempt is a no-op because the row is no longer pending.
		ok, err = repo.MarkExpired(ctx, staleCreated.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.Get(ctx, staleCreated.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusExpired, got.Status)
	})
}

func TestTransactionRepository_List(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	for i, ref := range []string{"MP5001", "MP5002", "MP5003"} {
		txn := newTopUp(ref, int64(1+i%2), "100")
		if i == 2 {
			txn.Status = model.StatusCompleted
		}
		_, err := repo.Create(ctx, txn)
		require.NoError(t, err)
	}

	walletID := int64(1)
	out, total, err := repo.List(ctx, model.TransactionFilter{WalletID: &walletID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, out, 2)

	status := model.StatusCompleted
	out, total, err = repo.List(ctx, model.TransactionFilter{Status: &status})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, out, 1)
	assert.Equal(t, "MP5003", out[0].ExternalRef)
}

func TestTransactionRepository_MarkReconciled(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	created, err := repo.Create(ctx, newTopUp("MP6001", 1, "100"))
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, repo.MarkReconciled(ctx, created.ID, now))

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.Reconciled)
	require.NotNil(t, got.ReconciledAt)
}

func TestTransactionRepository_SumConsumptionSince(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	mk := func(ref string, units string, status model.TransactionStatus) {
		u := decimal.RequireFromString(units)
		_, err := repo.Create(ctx, &model.Transaction{
			ExternalRef:      ref,
			WalletID:         1,
			Kind:             model.KindConsume,
			Utility:          model.UtilityElectricity,
			Amount:           decimal.NewFromInt(10),
			Status:           status,
			Method:           model.MethodSystem,
			ConsumptionUnits: &u,
		})
		require.NoError(t, err)
	}

	mk("C1", "5.5", model.StatusCompleted)
	mk("C2", "4.5", model.StatusCompleted)
	mk("C3", "100", model.StatusFailed)

	sum, err := repo.SumConsumptionSince(ctx, 1, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(10)), "got %s", sum)

	t.Run("debit amounts", func(t *testing.T) {
		spend, err := repo.SumDebitAmountSince(ctx, 1, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.True(t, spend.Equal(decimal.NewFromInt(20)), "two completed debits of 10, got %s", spend)
	})

	t.Run("empty window", func(t *testing.T) {
		spend, err := repo.SumDebitAmountSince(ctx, 1, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, spend.IsZero())
	})
}
