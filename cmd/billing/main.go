package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/estatemeter/prepay-core/internal/billing"
	"github.com/estatemeter/prepay-core/internal/config"
	"github.com/estatemeter/prepay-core/internal/gateways/devicectl"
	"github.com/estatemeter/prepay-core/internal/ledger"
	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/notify"
	"github.com/estatemeter/prepay-core/internal/processor"
	"github.com/estatemeter/prepay-core/internal/queue"
	"github.com/estatemeter/prepay-core/internal/rate"
	"github.com/estatemeter/prepay-core/internal/repository"
	"github.com/estatemeter/prepay-core/internal/threshold"
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

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
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
	readingRepo := repository.NewReadingRepository(db)
	unitRepo := repository.NewUnitRepository(db)
	rateRepo := repository.NewRateRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	ledgerService := ledger.NewService(db, walletRepo, transactionRepo)
	dispatcher := notify.NewDispatcher(notificationRepo, publisher)

	rateCache := rate.NewCache(rateRepo, 5*time.Minute)
	billingService := billing.NewService(billing.Config{
		CreditLimit:     decimal.NewFromFloat(config.Get().CreditLimit),
		DefaultTimeZone: config.Get().TimeZone,
	}, db, meterRepo, readingRepo, unitRepo, walletRepo, rateCache, ledgerService, dispatcher, publisher,
		func(quantity decimal.Decimal, table *model.RateTable, start, end time.Time, loc *time.Location) decimal.Decimal {
			return rate.Charge(quantity, table, rate.Interval{Start: start, End: end}, loc)
		})

	devices := devicectl.NewClient(devicectl.Config{
		BaseURL: config.Get().DeviceServerURL,
		APIKey:  config.Get().DeviceServerAPIKey,
	})
	thresholdService := threshold.NewService(threshold.Config{
		ReconnectMinimum: decimal.NewFromFloat(config.Get().ReconnectMinimum),
		DefaultCooldown:  time.Duration(config.Get().AlertCooldownHours) * time.Hour,
	}, walletRepo, meterRepo, dispatcher, notificationRepo, devices)

	guard := processor.NewIdempotencyGuard(redisAdap, processor.DefaultIdempotencyConfig())

	readingConsumer := processor.NewService(redisAdap, processor.ServiceConfig{
		Queue: queueConfig(config.Get().QueueReadingsName),
	}, processor.NewReadingProcessor(billingService, guard))

	walletConsumer := processor.NewService(redisAdap, processor.ServiceConfig{
		Queue: queueConfig(config.Get().QueueWalletEventsName),
	}, processor.NewWalletEventProcessor(thresholdService, guard))

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
		prom.ListenAndServer(":9101", "/metrics")
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := readingConsumer.Start(); err != nil {
			logger.Error("failed to start reading consumer", "error", err)
		}
	}()
	go func() {
		if err := walletConsumer.Start(); err != nil {
			logger.Error("failed to start wallet event consumer", "error", err)
		}
	}()

	select {
	case <-c:
		readingConsumer.Stop()
		walletConsumer.Stop()
	}
}

func queueConfig(name string) queue.Config {
	return queue.Config{
		Name:              name,
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		MaxDeliveries:     config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
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
