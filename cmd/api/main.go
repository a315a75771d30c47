package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/estatemeter/prepay-core/internal/billing"
	"github.com/estatemeter/prepay-core/internal/config"
	"github.com/estatemeter/prepay-core/internal/gateways/payfast"
	"github.com/estatemeter/prepay-core/internal/handlers"
	"github.com/estatemeter/prepay-core/internal/ledger"
	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/notify"
	"github.com/estatemeter/prepay-core/internal/queue"
	"github.com/estatemeter/prepay-core/internal/rate"
	"github.com/estatemeter/prepay-core/internal/repository"
	"github.com/estatemeter/prepay-core/internal/topup"
	xhttp "github.com/estatemeter/prepay-core/pkg/http"
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

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

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

	rateCache := rate.NewCache(rateRepo, 5*time.Minute)
	billingService := billing.NewService(billing.Config{
		CreditLimit:     decimal.NewFromFloat(config.Get().CreditLimit),
		DefaultTimeZone: config.Get().TimeZone,
	}, db, meterRepo, readingRepo, unitRepo, walletRepo, rateCache, ledgerService, dispatcher, publisher,
		func(quantity decimal.Decimal, table *model.RateTable, start, end time.Time, loc *time.Location) decimal.Decimal {
			return rate.Charge(quantity, table, rate.Interval{Start: start, End: end}, loc)
		})

	topUpHandler := handlers.NewTopUpHandler(topUpService)
	walletHandler := handlers.NewWalletHandler(ledgerService)
	readingHandler := handlers.NewReadingHandler(billingService)
	healthHandler := handlers.NewHealthHandler(healthService{db: db})

	g := s.Router.Group("/api/v1")
	handlers.RegisterTopUpRoutes(g, topUpHandler)
	handlers.RegisterWalletRoutes(g, walletHandler)
	handlers.RegisterReadingRoutes(g, readingHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

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
		prom.ListenAndServer(":9100", "/metrics")
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().AppPort)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
	}
}

type healthService struct {
	db *pg.DB
}

func (h healthService) Ping(ctx context.Context) error {
	sqlDB, err := h.db.Read(ctx).DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
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
