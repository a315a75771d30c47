package scheduler

import (
	"context"
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/reconcile"
	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/shopspring/decimal"
)

const averageWindowDays = 30

type TopUpExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

type Reconciler interface {
	Run(ctx context.Context) (*reconcile.Report, error)
}

type ThresholdSweeper interface {
	SweepZeroBalance(ctx context.Context) (int, error)
	SweepLowBalance(ctx context.Context) (int, error)
}

type BillingBackfiller interface {
	BillMeter(ctx context.Context, meterID int64) (int, error)
}

type WalletStore interface {
	ListAll(ctx context.Context) ([]*model.Wallet, error)
	SetDailyAvgConsumption(ctx context.Context, walletID int64, avg decimal.Decimal) error
}

type TransactionStore interface {
	SumDebitAmountSince(ctx context.Context, walletID int64, since time.Time) (decimal.Decimal, error)
}

// Deps bundles the services the standard job set drives.
type Deps struct {
	TopUps    TopUpExpirer
	Reconcile Reconciler
	Threshold ThresholdSweeper
	Wallets   WalletStore
	Txns      TransactionStore
}

// Register wires the standard job set:
// hourly top-up expiry, nightly reconciliation at 00:00, the daily
// consumption average refresh at 03:00 that feeds days-mode thresholds,
// and the two 06:00 sweeps, zero-balance disconnect then low-balance
// alerting, which picks up wallets whose threshold moved without a debit.
func Register(s *Scheduler, deps Deps) {
	s.Every(time.Hour, Job{
		Name:    "topup-expiry",
		Timeout: 2 * time.Minute,
		Run: func(ctx context.Context) error {
			expired, err := deps.TopUps.ExpireStale(ctx)
			if err != nil {
				return err
			}
			if expired > 0 {
				logger.Info("scheduler: expired stale top-ups", "count", expired)
			}
			return nil
		},
	})

	s.DailyAt(0, 0, Job{
		Name:    "reconciliation",
		Timeout: 10 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := deps.Reconcile.Run(ctx)
			return err
		},
	})

	s.DailyAt(6, 0, Job{
		Name:    "zero-balance-sweep",
		Timeout: 2 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := deps.Threshold.SweepZeroBalance(ctx)
			return err
		},
	})

	s.DailyAt(6, 0, Job{
		Name:    "low-balance-sweep",
		Timeout: 2 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := deps.Threshold.SweepLowBalance(ctx)
			return err
		},
	})

	s.DailyAt(3, 0, Job{
		Name:    "daily-average-refresh",
		Timeout: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			return RefreshDailyAverages(ctx, deps.Wallets, deps.Txns, time.Now())
		},
	})
}

// RefreshDailyAverages recomputes each wallet's rolling average daily spend
// over the last 30 days. Days-mode thresholds read this derived value
// instead of aggregating transactions on every check.
func RefreshDailyAverages(ctx context.Context, wallets WalletStore, txns TransactionStore, now time.Time) error {
	all, err := wallets.ListAll(ctx)
	if err != nil {
		return err
	}

	since := now.AddDate(0, 0, -averageWindowDays)
	days := decimal.NewFromInt(averageWindowDays)

	for _, w := range all {
		total, err := txns.SumDebitAmountSince(ctx, w.ID, since)
		if err != nil {
			logger.Warn("scheduler: consumption sum failed", "wallet_id", w.ID, "error", err.Error())
			continue
		}
		avg := total.Div(days).Round(6)
		if avg.Equal(w.DailyAvgConsumption) {
			continue
		}
		if err := wallets.SetDailyAvgConsumption(ctx, w.ID, avg); err != nil {
			logger.Warn("scheduler: average update failed", "wallet_id", w.ID, "error", err.Error())
		}
	}
	return nil
}
