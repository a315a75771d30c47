package threshold

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/repository"
	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/estatemeter/prepay-core/pkg/prom"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	RelayOn  = "on"
	RelayOff = "off"
)

// urgentFraction marks the point below the threshold where the cooldown no
// longer fully applies: one extra alert per calendar day is allowed.
var urgentFraction = decimal.RequireFromString("0.2")

// DeviceControl sends relay commands to a meter. Implemented by the LoRa
// downlink bridge; the simulator stands in for it in tests.
type DeviceControl interface {
	SendRelay(ctx context.Context, deviceEUI, action, deviceType string) error
}

type WalletStore interface {
	Get(ctx context.Context, walletID int64) (*model.Wallet, error)
	ListAll(ctx context.Context) ([]*model.Wallet, error)
	ListWithBalanceAtMost(ctx context.Context, ceiling decimal.Decimal) ([]*model.Wallet, error)
	SetLastLowBalanceAlert(ctx context.Context, walletID int64, at time.Time) error
}

type MeterStore interface {
	GetByUnitAndUtility(ctx context.Context, unitID int64, utility model.Utility) (*model.Meter, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, n model.Notification) error
	SentRecently(ctx context.Context, recipient string, kind model.NotificationKind, window time.Duration) (bool, error)
}

// NotificationLog reads back what was already sent. The latest disconnect or
// reconnect notification doubles as the relay state record.
type NotificationLog interface {
	ListByRecipient(ctx context.Context, recipient string, limit int) ([]*model.Notification, error)
}

type Config struct {
	ReconnectMinimum decimal.Decimal // balance required before reconnecting, default 20
	DefaultCooldown  time.Duration   // low balance alert cooldown, default 24h
}

// Service watches wallet events for threshold crossings and runs the
// nightly low-balance and zero-balance sweeps. Only electricity meters
// carry a relay; water stays open regardless of balance.
type Service struct {
	cfg     Config
	wallets WalletStore
	meters  MeterStore
	notify  Notifier
	log     NotificationLog
	devices DeviceControl
	now     func() time.Time
}

func NewService(cfg Config, wallets WalletStore, meters MeterStore, notify Notifier, log NotificationLog, devices DeviceControl) *Service {
	if cfg.ReconnectMinimum.IsZero() {
		cfg.ReconnectMinimum = decimal.NewFromInt(20)
	}
	if cfg.DefaultCooldown == 0 {
		cfg.DefaultCooldown = 24 * time.Hour
	}
	return &Service{
		cfg:     cfg,
		wallets: wallets,
		meters:  meters,
		notify:  notify,
		log:     log,
		devices: devices,
		now:     time.Now,
	}
}

// HandleWalletEvent routes one stream event. Debits run the alert checks,
// credits run the reconnect check.
func (s *Service) HandleWalletEvent(ctx context.Context, evt model.WalletEvent) error {
	switch evt.Type {
	case model.WalletDebited:
		return s.CheckWallet(ctx, evt.WalletID)
	case model.WalletCredited:
		return s.CheckReconnect(ctx, evt.WalletID)
	}
	return nil
}

// CheckWallet evaluates the wallet against its alert threshold. Exhausted
// credit always alerts; a low balance alerts subject to the cooldown.
func (s *Service) CheckWallet(ctx context.Context, walletID int64) error {
	wallet, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return err
	}
	_, err = s.checkWallet(ctx, wallet)
	return err
}

// SweepLowBalance re-evaluates every wallet against its alert threshold.
// The stream path reacts to each debit as it happens; the sweep catches
// wallets whose effective threshold moved without one, such as days-mode
// wallets after the nightly average refresh, or wallets whose debit event
// was lost. Returns the number of alerts dispatched.
func (s *Service) SweepLowBalance(ctx context.Context) (int, error) {
	wallets, err := s.wallets.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list wallets: %w", err)
	}

	sent := 0
	for _, wallet := range wallets {
		recent, err := s.notify.SentRecently(ctx, recipient(wallet.ID), model.NotifyLowBalance, s.cooldown(wallet))
		if err != nil {
			logger.Warn("threshold: recent-alert lookup failed",
				"wallet_id", wallet.ID, "error", err.Error())
		}
		if recent {
			continue
		}

		alerted, err := s.checkWallet(ctx, wallet)
		if err != nil {
			logger.Error("threshold: sweep check failed",
				"wallet_id", wallet.ID, "error", err.Error())
			continue
		}
		if alerted {
			sent++
		}
	}

	logger.Info("threshold: low balance sweep done", "candidates", len(wallets), "alerts", sent)
	return sent, nil
}

func (s *Service) checkWallet(ctx context.Context, wallet *model.Wallet) (bool, error) {
	if !wallet.Balance.IsPositive() {
		return s.criticalAlert(ctx, wallet)
	}

	threshold := wallet.EffectiveThreshold()
	if !threshold.IsPositive() || wallet.Balance.GreaterThanOrEqual(threshold) {
		return false, nil
	}

	urgent := wallet.Balance.LessThan(threshold.Mul(urgentFraction))
	if !s.alertAllowed(wallet, urgent) {
		return false, nil
	}

	priority := model.PriorityNormal
	if urgent {
		priority = model.PriorityUrgent
	}

	err := s.notify.Dispatch(ctx, model.Notification{
		ID:        uuid.NewString(),
		Recipient: recipient(wallet.ID),
		Kind:      model.NotifyLowBalance,
		Subject:   "Low balance",
		Body: fmt.Sprintf("Balance R %s is below your alert threshold of R %s. Top up to avoid disconnection.",
			wallet.Balance.StringFixed(2), threshold.StringFixed(2)),
		Channel:  model.ChannelInApp,
		Priority: priority,
	})
	if err != nil {
		return false, err
	}

	return true, s.wallets.SetLastLowBalanceAlert(ctx, wallet.ID, s.now())
}

func (s *Service) criticalAlert(ctx context.Context, wallet *model.Wallet) (bool, error) {
	// Same cooldown handling as the low balance alert; a wallet sitting at
	// zero must not page on every reading.
	if !s.alertAllowed(wallet, true) {
		return false, nil
	}

	err := s.notify.Dispatch(ctx, model.Notification{
		ID:        uuid.NewString(),
		Recipient: recipient(wallet.ID),
		Kind:      model.NotifyCriticalCredit,
		Subject:   "Credit exhausted",
		Body: fmt.Sprintf("Balance is R %s. Electricity will be disconnected at the next sweep.",
			wallet.Balance.StringFixed(2)),
		Channel:  model.ChannelInApp,
		Priority: model.PriorityUrgent,
	})
	if err != nil {
		return false, err
	}

	return true, s.wallets.SetLastLowBalanceAlert(ctx, wallet.ID, s.now())
}

func (s *Service) cooldown(wallet *model.Wallet) time.Duration {
	if wallet.AlertCooldown != 0 {
		return wallet.AlertCooldown
	}
	return s.cfg.DefaultCooldown
}

// alertAllowed applies the cooldown. An urgent crossing may break the
// cooldown once per calendar day.
func (s *Service) alertAllowed(wallet *model.Wallet, urgent bool) bool {
	last := wallet.LastLowBalanceAlertAt
	if last == nil {
		return true
	}

	cooldown := s.cooldown(wallet)

	now := s.now()
	if now.Sub(*last) >= cooldown {
		return true
	}
	if urgent {
		y1, m1, d1 := last.UTC().Date()
		y2, m2, d2 := now.UTC().Date()
		return y1 != y2 || m1 != m2 || d1 != d2
	}
	return false
}

// SweepZeroBalance disconnects electricity for every wallet at or below
// zero. Returns the number of relay commands issued. Already disconnected
// wallets are skipped, so repeated sweeps are safe.
func (s *Service) SweepZeroBalance(ctx context.Context) (int, error) {
	wallets, err := s.wallets.ListWithBalanceAtMost(ctx, decimal.Zero)
	if err != nil {
		return 0, fmt.Errorf("list wallets: %w", err)
	}

	sent := 0
	for _, wallet := range wallets {
		ok, err := s.disconnect(ctx, wallet)
		if err != nil {
			logger.Error("threshold: disconnect failed",
				"wallet_id", wallet.ID, "error", err.Error())
			continue
		}
		if ok {
			sent++
		}
	}

	logger.Info("threshold: zero balance sweep done", "candidates", len(wallets), "disconnected", sent)
	return sent, nil
}

func (s *Service) disconnect(ctx context.Context, wallet *model.Wallet) (bool, error) {
	meter, err := s.relayMeter(ctx, wallet.UnitID)
	if err != nil || meter == nil {
		return false, err
	}

	disconnected, err := s.isDisconnected(ctx, wallet.ID)
	if err != nil {
		return false, err
	}
	if disconnected {
		return false, nil
	}

	if err := s.devices.SendRelay(ctx, *meter.DeviceEUI, RelayOff, meter.DeviceTypeCode); err != nil {
		return false, fmt.Errorf("send relay off: %w", err)
	}

	prom.IncCounter(prom.SystemMeter, prom.MetricDisconnectCommands)
	logger.Warn("threshold: electricity disconnected",
		"wallet_id", wallet.ID, "meter_serial", meter.Serial, "balance", wallet.Balance.String())

	err = s.notify.Dispatch(ctx, model.Notification{
		ID:        uuid.NewString(),
		Recipient: recipient(wallet.ID),
		Kind:      model.NotifyDisconnect,
		Subject:   "Electricity disconnected",
		Body: fmt.Sprintf("Balance R %s. Electricity stays off until the balance reaches R %s.",
			wallet.Balance.StringFixed(2), s.cfg.ReconnectMinimum.StringFixed(2)),
		Channel:  model.ChannelInApp,
		Priority: model.PriorityUrgent,
	})
	if err != nil {
		logger.Warn("threshold: disconnect notice failed", "wallet_id", wallet.ID, "error", err.Error())
	}

	return true, nil
}

// CheckReconnect restores electricity after a credit brings the balance to
// the reconnect minimum. A no-op unless the wallet is currently
// disconnected.
func (s *Service) CheckReconnect(ctx context.Context, walletID int64) error {
	wallet, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return err
	}
	if wallet.Balance.LessThan(s.cfg.ReconnectMinimum) {
		return nil
	}

	disconnected, err := s.isDisconnected(ctx, wallet.ID)
	if err != nil {
		return err
	}
	if !disconnected {
		return nil
	}

	meter, err := s.relayMeter(ctx, wallet.UnitID)
	if err != nil || meter == nil {
		return err
	}

	if err := s.devices.SendRelay(ctx, *meter.DeviceEUI, RelayOn, meter.DeviceTypeCode); err != nil {
		return fmt.Errorf("send relay on: %w", err)
	}

	logger.Info("threshold: electricity reconnected",
		"wallet_id", wallet.ID, "meter_serial", meter.Serial, "balance", wallet.Balance.String())

	err = s.notify.Dispatch(ctx, model.Notification{
		ID:        uuid.NewString(),
		Recipient: recipient(wallet.ID),
		Kind:      model.NotifyReconnect,
		Subject:   "Electricity reconnected",
		Body:      fmt.Sprintf("Balance R %s. Supply has been restored.", wallet.Balance.StringFixed(2)),
		Channel:   model.ChannelInApp,
		Priority:  model.PriorityNormal,
	})
	if err != nil {
		logger.Warn("threshold: reconnect notice failed", "wallet_id", wallet.ID, "error", err.Error())
	}

	return nil
}

// relayMeter finds the unit's electricity meter if it is controllable.
// Wallets without one (water only, manual meters) are simply skipped.
func (s *Service) relayMeter(ctx context.Context, unitID int64) (*model.Meter, error) {
	meter, err := s.meters.GetByUnitAndUtility(ctx, unitID, model.UtilityElectricity)
	if err != nil {
		if errors.Is(err, repository.ErrMeterNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !meter.IsActive || !meter.IsPrepaid || meter.DeviceEUI == nil || *meter.DeviceEUI == "" {
		return nil, nil
	}
	return meter, nil
}

// isDisconnected derives the relay state from the notification log: the
// wallet counts as disconnected when the newest disconnect or reconnect
// entry is a disconnect.
func (s *Service) isDisconnected(ctx context.Context, walletID int64) (bool, error) {
	entries, err := s.log.ListByRecipient(ctx, recipient(walletID), 50)
	if err != nil {
		return false, err
	}
	for _, n := range entries {
		switch n.Kind {
		case model.NotifyDisconnect:
			return true, nil
		case model.NotifyReconnect:
			return false, nil
		}
	}
	return false, nil
}

func recipient(walletID int64) string {
	return fmt.Sprintf("wallet-%d", walletID)
}
