package topup

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/estatemeter/prepay-core/internal/gateways/payfast"
	"github.com/estatemeter/prepay-core/internal/ledger"
	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/repository"
	"github.com/estatemeter/prepay-core/pkg/pg"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testPassphrase = "jt7NOE43FZPn"

type recordingNotifier struct {
	sent []model.Notification
}

func (n *recordingNotifier) Dispatch(_ context.Context, notif model.Notification) error {
	n.sent = append(n.sent, notif)
	return nil
}

type recordingPublisher struct {
	events []model.WalletEvent
}

func (p *recordingPublisher) PublishWalletEvent(_ context.Context, evt model.WalletEvent) error {
	p.events = append(p.events, evt)
	return nil
}

type fixture struct {
	svc      *Service
	ledger   *ledger.Service
	wallets  *repository.WalletRepository
	txns     *repository.TransactionRepository
	notifier *recordingNotifier
	events   *recordingPublisher
	client   *payfast.Client
}

func setup(t *testing.T, sandbox bool) *fixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&repository.WalletEntity{},
		&repository.TransactionEntity{},
	))

	pgDB := &pg.DB{}
	v := reflect.ValueOf(pgDB).Elem()
	for _, name := range []string{"read", "write"} {
		f := v.FieldByName(name)
		f = reflect.NewAt(f.Type(), f.Addr().UnsafePointer()).Elem()
		f.Set(reflect.ValueOf(db))
	}

	wallets := repository.NewWalletRepository(pgDB)
	txns := repository.NewTransactionRepository(pgDB)
	ldg := ledger.NewService(pgDB, wallets, txns)

	client := payfast.NewClient(payfast.Config{
		MerchantID:    "10000100",
		MerchantKey:   "46f0cd694581a",
		Passphrase:    testPassphrase,
		SandboxMode:   true, // skip server verify in tests
		ProcessURL:    "https://sandbox.payfast.co.za/eng/process",
		NotifyBaseURL: "https://billing.example.com",
	})

	notifier := &recordingNotifier{}
	events := &recordingPublisher{}

	svc := NewService(Config{
		MinAmount:   decimal.NewFromInt(10),
		MaxAmount:   decimal.NewFromInt(50000),
		Expiry:      time.Hour,
		SandboxMode: sandbox,
	}, client, ldg, txns, notifier, events)

	return &fixture{
		svc:      svc,
		ledger:   ldg,
		wallets:  wallets,
		txns:     txns,
		notifier: notifier,
		events:   events,
		client:   client,
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

// signedItn builds a callback body the way the gateway would post it.
func signedItn(ref, amount, status string) []byte {
	fields := payfast.Payload{
		{Key: "m_payment_id", Value: ref},
		{Key: "pf_payment_id", Value: "1089250"},
		{Key: "payment_status", Value: status},
		{Key: "amount_gross", Value: amount},
	}
	fields = append(fields, payfast.Field{Key: "signature", Value: payfast.Signature(fields, testPassphrase)})
	return []byte(fields.Encode())
}

func TestService_Initiate(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	w := f.seedWallet(t, "0")

	res, err := f.svc.Initiate(ctx, InitiateRequest{
		WalletID:   w.ID,
		Amount:     decimal.NewFromInt(100),
		Utility:    model.UtilityElectricity,
		PayerName:  "Thandi Mokoena",
		PayerEmail: "thandi@example.com",
	})
	require.NoError(t, err)

	txn := res.Transaction
	assert.Equal(t, model.StatusPending, txn.Status)
	assert.Regexp(t, `^MP\d{13}$`, txn.ExternalRef)
	require.NotNil(t, txn.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *txn.ExpiresAt, time.Minute)
	assert.Equal(t, "electricity", txn.MetadataMap()["utility"])

	assert.Equal(t, txn.ExternalRef, res.Intent.Fields.Get("m_payment_id"))
	assert.Equal(t, "100.00", res.Intent.Fields.Get("amount"))
	assert.Equal(t, "ElectricityTopup", res.Intent.Fields.Get("item_name"))

	t.Run("amount bounds", func(t *testing.T) {
		_, err := f.svc.Initiate(ctx, InitiateRequest{WalletID: w.ID, Amount: decimal.NewFromInt(5), Utility: model.UtilityWater})
		assert.ErrorIs(t, err, ErrAmountOutOfRange)

		_, err = f.svc.Initiate(ctx, InitiateRequest{WalletID: w.ID, Amount: decimal.NewFromInt(50001), Utility: model.UtilityWater})
		assert.ErrorIs(t, err, ErrAmountOutOfRange)
	})

	t.Run("bad utility", func(t *testing.T) {
		_, err := f.svc.Initiate(ctx, InitiateRequest{WalletID: w.ID, Amount: decimal.NewFromInt(50), Utility: "gas"})
		assert.ErrorIs(t, err, ErrInvalidUtility)
	})

	t.Run("missing wallet", func(t *testing.T) {
		_, err := f.svc.Initiate(ctx, InitiateRequest{WalletID: 999, Amount: decimal.NewFromInt(50), Utility: model.UtilityWater})
		assert.ErrorIs(t, err, ErrWalletNotFound)
	})
}

func TestService_ColdWalletTopUpWithReplay(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	w := f.seedWallet(t, "0")

	res, err := f.svc.Initiate(ctx, InitiateRequest{
		WalletID: w.ID,
		Amount:   decimal.NewFromInt(100),
		Utility:  model.UtilityElectricity,
	})
	require.NoError(t, err)
	ref := res.Transaction.ExternalRef

	body := signedItn(ref, "100.00", "COMPLETE")

	first := f.svc.HandleItn(ctx, body)
	assert.True(t, first.OK(), "got %q", first.Response)
	assert.Equal(t, model.StatusCompleted, first.FinalStatus)

	got, err := f.ledger.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(100)))

	// Receipt and wallet event fired once.
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, model.NotifyTopUpReceipt, f.notifier.sent[0].Kind)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, model.WalletCredited, f.events.events[0].Type)
	assert.Equal(t, model.UtilityElectricity, f.events.events[0].Utility)

	t.Run("redelivery credits exactly once", func(t *testing.T) {
		replay := f.svc.HandleItn(ctx, body)
		assert.True(t, replay.OK())

		got, err := f.ledger.GetWallet(ctx, w.ID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(100)), "balance %s", got.Balance)
		assert.Len(t, f.notifier.sent, 1, "no second receipt")
	})
}

func TestService_HandleItnRejections(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	t.Run("tampered signature", func(t *testing.T) {
		body := signedItn("MP1", "100.00", "COMPLETE")
		tampered := append([]byte{}, body...)
		tampered[len(tampered)-1] ^= 0xff

		res := f.svc.HandleItn(ctx, tampered)
		assert.Equal(t, "INVALID SIGNATURE", res.Response)
	})

	t.Run("missing payment id", func(t *testing.T) {
		fields := payfast.Payload{{Key: "payment_status", Value: "COMPLETE"}}
		fields = append(fields, payfast.Field{Key: "signature", Value: payfast.Signature(fields, testPassphrase)})

		res := f.svc.HandleItn(ctx, []byte(fields.Encode()))
		assert.Equal(t, "MISSING PAYMENT ID", res.Response)
	})

	t.Run("unknown transaction", func(t *testing.T) {
		res := f.svc.HandleItn(ctx, signedItn("MP999", "100.00", "COMPLETE"))
		assert.Equal(t, "TRANSACTION NOT FOUND", res.Response)
	})
}

func TestService_HandleItnNonComplete(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	w := f.seedWallet(t, "0")

	res, err := f.svc.Initiate(ctx, InitiateRequest{
		WalletID: w.ID, Amount: decimal.NewFromInt(50), Utility: model.UtilityWater,
	})
	require.NoError(t, err)

	out := f.svc.HandleItn(ctx, signedItn(res.Transaction.ExternalRef, "50.00", "CANCELLED"))
	assert.True(t, out.OK())
	assert.Equal(t, model.StatusFailed, out.FinalStatus)

	got, err := f.ledger.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
	assert.Empty(t, f.notifier.sent)
}

func TestService_ExpiryThenLateItn(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	w := f.seedWallet(t, "0")

	res, err := f.svc.Initiate(ctx, InitiateRequest{
		WalletID: w.ID, Amount: decimal.NewFromInt(50), Utility: model.UtilityWater,
	})
	require.NoError(t, err)
	ref := res.Transaction.ExternalRef

	// Fast-forward past the expiry window.
	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	expired, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	txn, err := f.txns.Get(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, txn.Status)

	// Expiry is not a terminal lock; a late valid COMPLETE still credits.
	out := f.svc.HandleItn(ctx, signedItn(ref, "50.00", "COMPLETE"))
	assert.True(t, out.OK())
	assert.Equal(t, model.StatusCompleted, out.FinalStatus)

	got, err := f.ledger.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(50)))

	t.Run("second sweep finds nothing", func(t *testing.T) {
		expired, err := f.svc.ExpireStale(ctx)
		require.NoError(t, err)
		assert.Zero(t, expired)
	})
}

func TestService_Poll(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	w := f.seedWallet(t, "0")

	res, err := f.svc.Initiate(ctx, InitiateRequest{
		WalletID: w.ID, Amount: decimal.NewFromInt(100), Utility: model.UtilityElectricity,
	})
	require.NoError(t, err)

	poll, err := f.svc.Poll(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, poll.Status)
	assert.Nil(t, poll.CompletedAt)

	f.svc.HandleItn(ctx, signedItn(res.Transaction.ExternalRef, "100.00", "COMPLETE"))

	poll, err = f.svc.Poll(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, poll.Status)
	assert.True(t, poll.Amount.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, poll.CompletedAt)

	_, err = f.svc.Poll(ctx, 9999)
	assert.ErrorIs(t, err, ErrTopUpNotFound)
}

func TestService_ForceComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("denied outside sandbox for regular actor", func(t *testing.T) {
		f := setup(t, false)
		w := f.seedWallet(t, "0")
		res, err := f.svc.Initiate(ctx, InitiateRequest{
			WalletID: w.ID, Amount: decimal.NewFromInt(50), Utility: model.UtilityWater,
		})
		require.NoError(t, err)

		_, err = f.svc.ForceComplete(ctx, res.Transaction.ID, "ops@example.com", false)
		assert.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("super-admin completes a failed top-up", func(t *testing.T) {
		f := setup(t, false)
		w := f.seedWallet(t, "0")
		res, err := f.svc.Initiate(ctx, InitiateRequest{
			WalletID: w.ID, Amount: decimal.NewFromInt(50), Utility: model.UtilityWater,
		})
		require.NoError(t, err)

		f.svc.HandleItn(ctx, signedItn(res.Transaction.ExternalRef, "50.00", "FAILED"))

		txn, err := f.svc.ForceComplete(ctx, res.Transaction.ID, "root@example.com", true)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, txn.Status)
		assert.Equal(t, "FORCE_COMPLETED", txn.GatewayStatus)
		assert.Equal(t, "1089250", txn.GatewayRef, "existing gateway ref preserved")

		got, err := f.ledger.GetWallet(ctx, w.ID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(50)))
	})

	t.Run("synthetic ref when none recorded", func(t *testing.T) {
		f := setup(t, true)
		w := f.seedWallet(t, "0")
		res, err := f.svc.Initiate(ctx, InitiateRequest{
			WalletID: w.ID, Amount: decimal.NewFromInt(50), Utility: model.UtilityWater,
		})
		require.NoError(t, err)

		txn, err := f.svc.ForceComplete(ctx, res.Transaction.ID, "dev@example.com", false)
		require.NoError(t, err)
		assert.Equal(t, "ADMIN-MANUAL", txn.GatewayRef)
	})

	t.Run("completed cannot be forced", func(t *testing.T) {
		f := setup(t, true)
		w := f.seedWallet(t, "0")
		res, err := f.svc.Initiate(ctx, InitiateRequest{
			WalletID: w.ID, Amount: decimal.NewFromInt(50), Utility: model.UtilityWater,
		})
		require.NoError(t, err)
		f.svc.HandleItn(ctx, signedItn(res.Transaction.ExternalRef, "50.00", "COMPLETE"))

		_, err = f.svc.ForceComplete(ctx, res.Transaction.ID, "dev@example.com", true)
		assert.ErrorIs(t, err, ErrBadState)
	})
}
