package e2e

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/estatemeter/prepay-core/internal/billing"
	"github.com/estatemeter/prepay-core/internal/gateways/payfast"
	"github.com/estatemeter/prepay-core/internal/ledger"
	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/notify"
	"github.com/estatemeter/prepay-core/internal/processor"
	"github.com/estatemeter/prepay-core/internal/queue"
	"github.com/estatemeter/prepay-core/internal/rate"
	"github.com/estatemeter/prepay-core/internal/repository"
	"github.com/estatemeter/prepay-core/internal/threshold"
	"github.com/estatemeter/prepay-core/internal/topup"
	"github.com/estatemeter/prepay-core/pkg/pg"
	"github.com/estatemeter/prepay-core/pkg/redis"
	"github.com/estatemeter/prepay-core/test/fixtures"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testPassphrase = "jt7NOE43FZPn"

type testDB = pg.DB

// fakeRelay records downlink commands instead of talking to the device
// server.
type fakeRelay struct {
	mu       sync.Mutex
	commands []string
}

func (f *fakeRelay) SendRelay(_ context.Context, deviceEUI, action, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, deviceEUI+":"+action)
	return nil
}

func (f *fakeRelay) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

type TestEnvironment struct {
	DB            *pg.DB
	Redis         *miniredis.Miniredis
	RedisAdapter  redis.RedisAdapter
	Publisher     *queue.Publisher
	Wallets       *repository.WalletRepository
	Units         *repository.UnitRepository
	Meters        *repository.MeterRepository
	Readings      *repository.ReadingRepository
	Rates         *repository.RateRepository
	Txns          *repository.TransactionRepository
	Notifications *repository.NotificationRepository
	Ledger        *ledger.Service
	Billing       *billing.Service
	TopUps        *topup.Service
	Threshold     *threshold.Service
	Relay         *fakeRelay

	stoppers []func()
}

func setupE2EEnvironment(t *testing.T) *TestEnvironment {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&repository.EstateEntity{},
		&repository.UnitEntity{},
		&repository.WalletEntity{},
		&repository.MeterEntity{},
		&repository.MeterReadingEntity{},
		&repository.TransactionEntity{},
		&repository.RateTableEntity{},
		&repository.NotificationEntity{},
	))

	pgDB := &testDB{}
	v := reflect.ValueOf(pgDB).Elem()
	for _, name := range []string{"read", "write"} {
		f := v.FieldByName(name)
		f = reflect.NewAt(f.Type(), f.Addr().UnsafePointer()).Elem()
		f.Set(reflect.ValueOf(db))
	}

	mr, err := miniredis.Run()
	require.NoError(t, err)

	// Use unique connection name per test to avoid global adapter caching issues
	connName := fmt.Sprintf("test-%d", time.Now().UnixNano())
	adapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	publisher, err := queue.NewPublisher(adapter, 1000)
	require.NoError(t, err)

	wallets := repository.NewWalletRepository(pgDB)
	units := repository.NewUnitRepository(pgDB)
	meters := repository.NewMeterRepository(pgDB)
	readings := repository.NewReadingRepository(pgDB)
	rates := repository.NewRateRepository(pgDB)
	txns := repository.NewTransactionRepository(pgDB)
	notifications := repository.NewNotificationRepository(pgDB)

	dispatcher := notify.NewDispatcher(notifications, publisher)
	ledgerSvc := ledger.NewService(pgDB, wallets, txns)

	gateway := payfast.NewClient(payfast.Config{
		MerchantID:    "10000100",
		MerchantKey:   "46f0cd694581a",
		Passphrase:    testPassphrase,
		SandboxMode:   true,
		ProcessURL:    "https://sandbox.payfast.co.za/eng/process",
		ValidateURL:   "https://sandbox.payfast.co.za/eng/query/validate",
		NotifyBaseURL: "http://localhost:8080",
	})

	topUps := topup.NewService(topup.Config{
		MinAmount:   decimal.NewFromInt(10),
		MaxAmount:   decimal.NewFromInt(5000),
		Expiry:      time.Hour,
		SandboxMode: true,
	}, gateway, ledgerSvc, txns, dispatcher, publisher)

	charger := func(q decimal.Decimal, table *model.RateTable, start, end time.Time, loc *time.Location) decimal.Decimal {
		return rate.Charge(q, table, rate.Interval{Start: start, End: end}, loc)
	}
	billingSvc := billing.NewService(
		billing.Config{CreditLimit: decimal.Zero, DefaultTimeZone: "UTC"},
		pgDB,
		meters,
		readings,
		units,
		wallets,
		rate.NewCache(rates, time.Minute),
		ledgerSvc,
		dispatcher,
		publisher,
		charger,
	)

	relay := &fakeRelay{}
	thresholdSvc := threshold.NewService(threshold.Config{
		ReconnectMinimum: decimal.NewFromInt(20),
		DefaultCooldown:  24 * time.Hour,
	}, wallets, meters, dispatcher, notifications, relay)

	return &TestEnvironment{
		DB:            pgDB,
		Redis:         mr,
		RedisAdapter:  adapter,
		Publisher:     publisher,
		Wallets:       wallets,
		Units:         units,
		Meters:        meters,
		Readings:      readings,
		Rates:         rates,
		Txns:          txns,
		Notifications: notifications,
		Ledger:        ledgerSvc,
		Billing:       billingSvc,
		TopUps:        topUps,
		Threshold:     thresholdSvc,
		Relay:         relay,
	}
}

func (env *TestEnvironment) Cleanup() {
	// Stop consumers first so nothing is mid-flight when Redis goes away
	for _, stop := range env.stoppers {
		stop()
	}
	time.Sleep(100 * time.Millisecond)
	if env.Redis != nil {
		env.Redis.Close()
	}
}

// seedUnit wires estate 1, unit 10, a relay-capable electricity meter and a
// wallet at the given balance.
func (env *TestEnvironment) seedUnit(t *testing.T, balance string) (*model.Meter, *model.Wallet) {
	t.Helper()
	ctx := context.Background()

	_, err := env.Units.CreateEstate(ctx, fixtures.Estate(1, "Greenstone Hill", "UTC"))
	require.NoError(t, err)
	_, err = env.Units.Create(ctx, fixtures.Unit(10, 1, "A101"))
	require.NoError(t, err)

	meter, err := env.Meters.Create(ctx, fixtures.ElectricityMeter("EM-1001", 10, "24E124126D153960"))
	require.NoError(t, err)
	wallet, err := env.Wallets.Create(ctx, fixtures.Wallet(10, balance))
	require.NoError(t, err)

	return meter, wallet
}

func TestE2E_TopUpCreditFlow(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	_, wallet := env.seedUnit(t, "100")

	res, err := env.TopUps.Initiate(ctx, topup.InitiateRequest{
		WalletID:   wallet.ID,
		Amount:     decimal.RequireFromString("250"),
		Utility:    model.UtilityElectricity,
		PayerName:  "Thabo Nkosi",
		PayerEmail: "thabo@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, res.Transaction.Status)
	assert.Equal(t, res.Transaction.ExternalRef, res.Intent.Fields.Get("m_payment_id"))
	assert.NotEmpty(t, res.Intent.Fields.Get("signature"))

	body := fixtures.SignedITN(res.Transaction.ExternalRef, "PF-100345", payfast.StatusComplete, "250.00", testPassphrase)
	itn := env.TopUps.HandleItn(ctx, body)
	require.True(t, itn.OK(), "itn response: %s", itn.Response)
	assert.Equal(t, model.StatusCompleted, itn.FinalStatus)

	updated, err := env.Wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.True(t, updated.Balance.Equal(decimal.RequireFromString("350")),
		"balance = %s", updated.Balance)
	assert.NotNil(t, updated.LastTopUpAt)

	// Redelivered payload acknowledges without crediting again
	replay := env.TopUps.HandleItn(ctx, body)
	require.True(t, replay.OK())
	assert.Equal(t, model.StatusCompleted, replay.FinalStatus)

	after, err := env.Wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(decimal.RequireFromString("350")),
		"balance after replay = %s", after.Balance)

	receipts, err := env.Notifications.ListByRecipient(ctx, fmt.Sprintf("wallet-%d", wallet.ID), 50)
	require.NoError(t, err)
	count := 0
	for _, n := range receipts {
		if n.Kind == model.NotifyTopUpReceipt {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestE2E_CancelledTopUpDoesNotCredit(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	_, wallet := env.seedUnit(t, "100")

	res, err := env.TopUps.Initiate(ctx, topup.InitiateRequest{
		WalletID: wallet.ID,
		Amount:   decimal.RequireFromString("80"),
		Utility:  model.UtilityWater,
	})
	require.NoError(t, err)

	body := fixtures.SignedITN(res.Transaction.ExternalRef, "PF-100346", payfast.StatusCancelled, "80.00", testPassphrase)
	itn := env.TopUps.HandleItn(ctx, body)
	require.True(t, itn.OK())
	assert.Equal(t, model.StatusFailed, itn.FinalStatus)

	updated, err := env.Wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.True(t, updated.Balance.Equal(decimal.RequireFromString("100")))
}

func TestE2E_TamperedItnRejected(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	_, wallet := env.seedUnit(t, "100")

	res, err := env.TopUps.Initiate(ctx, topup.InitiateRequest{
		WalletID: wallet.ID,
		Amount:   decimal.RequireFromString("250"),
		Utility:  model.UtilityElectricity,
	})
	require.NoError(t, err)

	body := fixtures.SignedITN(res.Transaction.ExternalRef, "PF-100347", payfast.StatusComplete, "250.00", "wrong-passphrase")
	itn := env.TopUps.HandleItn(ctx, body)
	assert.False(t, itn.OK())
	assert.Equal(t, "INVALID SIGNATURE", itn.Response)

	updated, err := env.Wallets.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.True(t, updated.Balance.Equal(decimal.RequireFromString("100")))
}

func TestE2E_ReadingConsumedThroughQueue(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	meter, wallet := env.seedUnit(t, "500")

	_, err := env.Rates.Create(ctx, fixtures.FlatRateTable(1, model.UtilityElectricity, "2", "0"))
	require.NoError(t, err)

	guard := processor.NewIdempotencyGuard(env.RedisAdapter, processor.DefaultIdempotencyConfig())
	proc := processor.NewService(env.RedisAdapter, processor.ServiceConfig{
		Queue: queue.Config{
			Name:              queue.StreamReadings,
			ConsumerGroup:     "billing-e2e",
			ConsumerName:      "consumer-1",
			MaxDeliveries:     3,
			VisibilityTimeout: 5 * time.Second,
			PollInterval:      50 * time.Millisecond,
			BatchSize:         10,
			MaxLen:            1000,
			EnableDLQ:         true,
		},
		Consumers: 1,
		Workers:   4,
	}, processor.NewReadingProcessor(env.Billing, guard))
	require.NoError(t, proc.Start())
	env.stoppers = append(env.stoppers, proc.Stop)

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	_, err = env.Billing.IngestReading(ctx, fixtures.IngestRequest(meter.ID, "1000", base))
	require.NoError(t, err)
	_, err = env.Billing.IngestReading(ctx, fixtures.IngestRequest(meter.ID, "1100", base.Add(time.Hour)))
	require.NoError(t, err)

	// 100 units at 2.00 flat
	want := decimal.RequireFromString("300")
	deadline := time.Now().Add(5 * time.Second)
	for {
		updated, err := env.Wallets.Get(ctx, wallet.ID)
		require.NoError(t, err)
		if updated.Balance.Equal(want) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("wallet not debited in time, balance = %s", updated.Balance)
		}
		time.Sleep(50 * time.Millisecond)
	}

	latest, err := env.Readings.Latest(ctx, meter.ID)
	require.NoError(t, err)
	assert.True(t, latest.IsBilled)
	assert.True(t, latest.Consumption.Equal(decimal.RequireFromString("100")))
	require.NotNil(t, latest.TransactionID)

	txn, err := env.Txns.Get(ctx, *latest.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.KindConsume, txn.Kind)
	assert.True(t, txn.Amount.Equal(decimal.RequireFromString("200")))
}

func TestE2E_DisconnectAndReconnect(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	_, wallet := env.seedUnit(t, "0")

	sent, err := env.Threshold.SweepZeroBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"24E124126D153960:off"}, env.Relay.sent())

	// Sweep again: the wallet is already disconnected, no second command
	sent, err = env.Threshold.SweepZeroBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Len(t, env.Relay.sent(), 1)

	res, err := env.TopUps.Initiate(ctx, topup.InitiateRequest{
		WalletID: wallet.ID,
		Amount:   decimal.RequireFromString("100"),
		Utility:  model.UtilityElectricity,
	})
	require.NoError(t, err)

	body := fixtures.SignedITN(res.Transaction.ExternalRef, "PF-100348", payfast.StatusComplete, "100.00", testPassphrase)
	itn := env.TopUps.HandleItn(ctx, body)
	require.True(t, itn.OK())

	err = env.Threshold.HandleWalletEvent(ctx, model.WalletEvent{
		Type:          model.WalletCredited,
		WalletID:      wallet.ID,
		TransactionID: itn.TransactionID,
		Balance:       decimal.RequireFromString("100"),
		Utility:       model.UtilityElectricity,
		At:            time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"24E124126D153960:off", "24E124126D153960:on"}, env.Relay.sent())

	entries, err := env.Notifications.ListByRecipient(ctx, fmt.Sprintf("wallet-%d", wallet.ID), 50)
	require.NoError(t, err)
	kinds := map[model.NotificationKind]bool{}
	for _, n := range entries {
		kinds[n.Kind] = true
	}
	assert.True(t, kinds[model.NotifyDisconnect])
	assert.True(t, kinds[model.NotifyReconnect])
}

func TestE2E_WalletEventsReachTheStream(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	_, wallet := env.seedUnit(t, "100")

	res, err := env.TopUps.Initiate(ctx, topup.InitiateRequest{
		WalletID: wallet.ID,
		Amount:   decimal.RequireFromString("50"),
		Utility:  model.UtilityElectricity,
	})
	require.NoError(t, err)

	body := fixtures.SignedITN(res.Transaction.ExternalRef, "PF-100349", payfast.StatusComplete, "50.00", testPassphrase)
	require.True(t, env.TopUps.HandleItn(ctx, body).OK())

	events, err := queue.New(env.RedisAdapter, queue.Config{Name: queue.StreamWalletEvents, MaxLen: 1000})
	require.NoError(t, err)
	stats, err := events.GetStats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Length, int64(1))
}
