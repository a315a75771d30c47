package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/estatemeter/prepay-core/internal/config"
	"github.com/estatemeter/prepay-core/internal/gateways/devicectl"
	"github.com/estatemeter/prepay-core/internal/gateways/payfast"
	"github.com/estatemeter/prepay-core/internal/ledger"
	"github.com/estatemeter/prepay-core/internal/notify"
	"github.com/estatemeter/prepay-core/internal/queue"
	"github.com/estatemeter/prepay-core/internal/reconcile"
	"github.com/estatemeter/prepay-core/internal/repository"
	"github.com/estatemeter/prepay-core/internal/scheduler"
	"github.com/estatemeter/prepay-core/internal/threshold"
	"github.com/estatemeter/prepay-core/internal/topup"
	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/estatemeter/prepay-core/pkg/pg"
	"github.com/estatemeter/prepay-core/pkg/prom"
	"github.com/estatemeter/prepay-core/pkg/redis"
	"github.com/shopspring/decimal"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	db, err := pg.CreateReadWrite(readConf, writeConf, false)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	publisher, err := queue.NewPublisher(redisAdap, config.Get().QueueMaxLen)
	if err != nil {
		logger.Error("failed creating stream publisher", "error", err)
		return
	}

	walletRepo := repository.NewWalletRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)
	meterRepo := repository.NewMeterRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	ledgerService := ledger.NewService(db, walletRepo, transactionRepo)
	dispatcher := notify.NewDispatcher(notificationRepo, publisher)

	pfClient := payfast.NewClient(payfast.Config{
		MerchantID:    config.Get().MerchantID,
		MerchantKey:   config.Get().MerchantKey,
		Passphrase:    config.Get().Passphrase,
		SandboxMode:   config.Get().SandboxMode,
		ProcessURL:    config.Get().ProcessURL,
		ValidateURL:   config.Get().ValidateURL,
		NotifyBaseURL: config.Get().NotifyBaseURL,
	})

	topUpService := topup.NewService(topup.Config{
		MinAmount:   decimal.NewFromFloat(config.Get().TopUpMin),
		MaxAmount:   decimal.NewFromFloat(config.Get().TopUpMax),
		Expiry:      time.Duration(config.Get().TopUpExpiryHours) * time.Hour,
		SandboxMode: config.Get().SandboxMode,
	}, pfClient, ledgerService, transactionRepo, dispatcher, publisher)

	reconcileService := reconcile.NewService(reconcile.Config{
		Window:      time.Duration(config.Get().ReconcileWindowHours) * time.Hour,
		SandboxMode: config.Get().SandboxMode,
	}, pfClient, transactionRepo, ledgerService, dispatcher, publisher)

	devices := devicectl.NewClient(devicectl.Config{
		BaseURL: config.Get().DeviceServerURL,
		APIKey:  config.Get().DeviceServerAPIKey,
	})
	thresholdService := threshold.NewService(threshold.Config{
		ReconnectMinimum: decimal.NewFromFloat(config.Get().ReconnectMinimum),
		DefaultCooldown:  time.Duration(config.Get().AlertCooldownHours) * time.Hour,
	}, walletRepo, meterRepo, dispatcher, notificationRepo, devices)

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	go func() {
		prom.ListenAndServer(":9102", "/metrics")
	}()

	s := scheduler.New(config.Get().Location())
	scheduler.Register(s, scheduler.Deps{
		TopUps:    topUpService,
		Reconcile: reconcileService,
		Threshold: thresholdService,
		Wallets:   walletRepo,
		Txns:      transactionRepo,
	})
	s.Start()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case <-c:
		s.Stop()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
