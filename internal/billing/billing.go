package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estatemeter/prepay-core/internal/ledger"
	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/repository"
	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/estatemeter/prepay-core/pkg/prom"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownMeter     = repository.ErrMeterNotFound
	ErrDuplicateReading = repository.ErrDuplicateReading
	ErrOutOfOrder       = errors.New("reading is older than the meter's latest reading")
)

// MeterStore is the meter persistence surface billing needs.
type MeterStore interface {
	Get(ctx context.Context, meterID int64) (*model.Meter, error)
	GetForUpdate(ctx context.Context, meterID int64) (*model.Meter, error)
	SetLastReading(ctx context.Context, meterID int64, value decimal.Decimal, at time.Time) error
}

// ReadingStore persists and settles readings.
type ReadingStore interface {
	Create(ctx context.Context, reading *model.MeterReading) (*model.MeterReading, error)
	LatestBefore(ctx context.Context, meterID int64, at time.Time) (*model.MeterReading, error)
	ListUnbilled(ctx context.Context, meterID int64) ([]*model.MeterReading, error)
	MarkBilled(ctx context.Context, readingID int64, txnID *int64, consumption decimal.Decimal, at time.Time) error
	SetFlag(ctx context.Context, readingID int64, flag string) error
}

// UnitStore resolves unit and estate context.
type UnitStore interface {
	Get(ctx context.Context, unitID int64) (*model.Unit, error)
	GetEstate(ctx context.Context, estateID int64) (*model.Estate, error)
}

// WalletStore resolves the wallet owning a unit.
type WalletStore interface {
	GetByUnitID(ctx context.Context, unitID int64) (*model.Wallet, error)
}

// RateResolver finds the effective rate table. Usually the rate cache.
type RateResolver interface {
	FindEffective(ctx context.Context, unitID, estateID int64, utility model.Utility, at time.Time) (*model.RateTable, error)
}

// Debiter is the ledger surface billing charges through.
type Debiter interface {
	Debit(ctx context.Context, req ledger.DebitRequest) (*model.Transaction, error)
}

// TxRunner runs a function inside one database transaction.
type TxRunner interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier dispatches alerts.
type Notifier interface {
	Dispatch(ctx context.Context, n model.Notification) error
}

// EventPublisher pushes wallet and reading events onto the stream.
type EventPublisher interface {
	PublishWalletEvent(ctx context.Context, evt model.WalletEvent) error
	PublishReading(ctx context.Context, meterID, readingID int64) error
}

// Charger converts consumption into money. Implemented by the rate package.
type Charger func(quantity decimal.Decimal, table *model.RateTable, start, end time.Time, loc *time.Location) decimal.Decimal

// Config carries the billing policy knobs.
type Config struct {
	CreditLimit     decimal.Decimal
	DefaultTimeZone string
}

// Service turns persisted readings into consume transactions. Ingest and
// billing are split so telemetry acceptance stays fast and billing runs on
// the stream consumer.
type Service struct {
	cfg      Config
	db       TxRunner
	meters   MeterStore
	readings ReadingStore
	units    UnitStore
	wallets  WalletStore
	rates    RateResolver
	ledger   Debiter
	notify   Notifier
	events   EventPublisher
	charge   Charger
	now      func() time.Time
}

func NewService(
	cfg Config,
	db TxRunner,
	meters MeterStore,
	readings ReadingStore,
	units UnitStore,
	wallets WalletStore,
	rates RateResolver,
	ldg Debiter,
	notify Notifier,
	events EventPublisher,
	charge Charger,
) *Service {
	return &Service{
		cfg:      cfg,
		db:       db,
		meters:   meters,
		readings: readings,
		units:    units,
		wallets:  wallets,
		rates:    rates,
		ledger:   ldg,
		notify:   notify,
		events:   events,
		charge:   charge,
		now:      time.Now,
	}
}

// IngestReading validates and persists one telemetry sample, then publishes
// it for the billing consumer. It never bills inline.
func (s *Service) IngestReading(ctx context.Context, req model.IngestRequest) (*model.MeterReading, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	meter, err := s.meters.Get(ctx, req.MeterID)
	if err != nil {
		return nil, err
	}

	if meter.LastReadingAt != nil && req.ReadingAt.Before(*meter.LastReadingAt) {
		return nil, fmt.Errorf("%w: reading_at %s, latest %s",
			ErrOutOfOrder, req.ReadingAt.Format(time.RFC3339), meter.LastReadingAt.Format(time.RFC3339))
	}

	source := req.Source
	if source == "" {
		source = model.SourceAutomatic
	}

	reading, err := s.readings.Create(ctx, &model.MeterReading{
		MeterID:    meter.ID,
		Value:      req.Value,
		ReadingAt:  req.ReadingAt,
		Source:     source,
		RawPayload: req.RawPayload,
	})
	if err != nil {
		return nil, err
	}

	if err := s.meters.SetLastReading(ctx, meter.ID, req.Value, req.ReadingAt); err != nil {
		logger.Warn("billing: last reading update failed", "meter_id", meter.ID, "error", err.Error())
	}

	if s.events != nil {
		if err := s.events.PublishReading(ctx, meter.ID, reading.ID); err != nil {
			// The periodic backfill pass picks the reading up anyway.
			logger.Warn("billing: reading publish failed", "reading_id", reading.ID, "error", err.Error())
		}
	}

	return reading, nil
}

// BillMeter settles every unbilled reading for one meter, oldest first. The
// meter row lock serializes concurrent billing runs; the wallet lock is
// always taken after the meter lock.
func (s *Service) BillMeter(ctx context.Context, meterID int64) (int, error) {
	billed := 0

	err := s.db.WithinTransaction(ctx, func(ctx context.Context) error {
		meter, err := s.meters.GetForUpdate(ctx, meterID)
		if err != nil {
			return err
		}

		unbilled, err := s.readings.ListUnbilled(ctx, meter.ID)
		if err != nil {
			return err
		}

		for _, reading := range unbilled {
			done, err := s.billReading(ctx, meter, reading)
			if err != nil {
				prom.IncCounter(prom.SystemBilling, prom.MetricBillingFailures)
				return err
			}
			if !done {
				// Suspended wallet: stop, keep the rest unbilled in order.
				return nil
			}
			billed++
		}
		return nil
	})

	if err != nil {
		return billed, err
	}
	return billed, nil
}

// billReading settles one reading against its immediate predecessor.
// Returns false when billing must pause (suspended wallet).
func (s *Service) billReading(ctx context.Context, meter *model.Meter, reading *model.MeterReading) (bool, error) {
	now := s.now()

	prior, err := s.readings.LatestBefore(ctx, meter.ID, reading.ReadingAt)
	if err != nil {
		if errors.Is(err, repository.ErrReadingNotFound) {
			// First reading ever: nothing to bill against.
			return true, s.readings.MarkBilled(ctx, reading.ID, nil, decimal.Zero, now)
		}
		return false, err
	}

	delta := reading.Value.Sub(prior.Value)

	if delta.IsNegative() {
		// Counter went backwards: rollover or tamper. Flag, alert, no bill.
		if err := s.readings.SetFlag(ctx, reading.ID, model.FlagRolloverOrTamper); err != nil {
			return false, err
		}
		s.alert(ctx, meter, model.NotifyMeterAlert, "Meter reading anomaly",
			fmt.Sprintf("Meter %s reported %s after %s; flagged for rollover or tamper.",
				meter.Serial, reading.Value, prior.Value))
		return true, nil
	}

	if delta.IsZero() {
		return true, s.readings.MarkBilled(ctx, reading.ID, nil, decimal.Zero, now)
	}

	if meter.UnitID == nil {
		if err := s.readings.SetFlag(ctx, reading.ID, model.FlagNoRate); err != nil {
			return false, err
		}
		s.alert(ctx, meter, model.NotifyMeterAlert, "Unlinked meter consumed",
			fmt.Sprintf("Meter %s has consumption but no unit; reading flagged.", meter.Serial))
		return true, nil
	}

	unit, err := s.units.Get(ctx, *meter.UnitID)
	if err != nil {
		return false, err
	}

	estate, err := s.units.GetEstate(ctx, unit.EstateID)
	if err != nil {
		return false, err
	}

	table, err := s.rates.FindEffective(ctx, unit.ID, estate.ID, meter.Utility, reading.ReadingAt)
	if err != nil {
		if errors.Is(err, repository.ErrRateTableNotFound) {
			if err := s.readings.SetFlag(ctx, reading.ID, model.FlagNoRate); err != nil {
				return false, err
			}
			if err := s.readings.MarkBilled(ctx, reading.ID, nil, delta, now); err != nil {
				return false, err
			}
			s.alert(ctx, meter, model.NotifyMeterAlert, "No rate table",
				fmt.Sprintf("No effective %s rate for unit %d; reading settled unbilled.", meter.Utility, unit.ID))
			return true, nil
		}
		return false, err
	}

	charge := s.charge(delta, table, prior.ReadingAt, reading.ReadingAt, s.location(estate))

	wallet, err := s.wallets.GetByUnitID(ctx, unit.ID)
	if err != nil {
		return false, err
	}
	if wallet.Suspended {
		logger.Info("billing: wallet suspended, deferring",
			"wallet_id", wallet.ID, "meter_id", meter.ID)
		return false, nil
	}

	meterID := meter.ID
	txn, err := s.ledger.Debit(ctx, ledger.DebitRequest{
		WalletID:         wallet.ID,
		Amount:           charge,
		Utility:          meter.Utility,
		MeterID:          &meterID,
		ConsumptionUnits: delta,
		RateApplied:      charge.Div(delta),
		CreditLimit:      s.creditLimit(wallet),
	})
	if err != nil {
		return false, err
	}

	if err := s.readings.MarkBilled(ctx, reading.ID, &txn.ID, delta, now); err != nil {
		return false, err
	}

	prom.IncCounter(prom.SystemBilling, prom.MetricReadingsBilled)

	if s.events != nil {
		err := s.events.PublishWalletEvent(ctx, model.WalletEvent{
			Type:          model.WalletDebited,
			WalletID:      wallet.ID,
			TransactionID: txn.ID,
			Balance:       txn.BalanceAfter,
			Utility:       meter.Utility,
			At:            now,
		})
		if err != nil {
			logger.Warn("billing: wallet event publish failed", "transaction_id", txn.ID, "error", err.Error())
		}
	}

	return true, nil
}

func (s *Service) creditLimit(wallet *model.Wallet) decimal.Decimal {
	if wallet.CreditLimit.GreaterThan(decimal.Zero) {
		return wallet.CreditLimit
	}
	return s.cfg.CreditLimit
}

func (s *Service) location(estate *model.Estate) *time.Location {
	tz := estate.TimeZone
	if tz == "" {
		tz = s.cfg.DefaultTimeZone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		logger.Warn("billing: bad estate timezone", "estate_id", estate.ID, "tz", tz)
		return time.UTC
	}
	return loc
}

func (s *Service) alert(ctx context.Context, meter *model.Meter, kind model.NotificationKind, subject, body string) {
	if s.notify == nil {
		return
	}
	err := s.notify.Dispatch(ctx, model.Notification{
		ID:        uuid.NewString(),
		Recipient: "admins",
		Kind:      kind,
		Subject:   subject,
		Body:      body,
		Channel:   model.ChannelInApp,
		Priority:  model.PriorityNormal,
	})
	if err != nil {
		logger.Warn("billing: alert dispatch failed", "meter_id", meter.ID, "error", err.Error())
	}
}
