package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"stkpay/internal/app/invoices"
	"stkpay/internal/app/payments"
	"stkpay/internal/config"
	payments_http "stkpay/internal/handler/http/payments"
	kafka_handler "stkpay/internal/handler/kafka"
	"stkpay/internal/infrastructure/database"
	kafka_infra "stkpay/internal/infrastructure/kafka"
	"stkpay/internal/infrastructure/mpesa"
	"stkpay/internal/outbox"
	inboxPostgres "stkpay/internal/repository/inbox_repo/postgres"
	invoicesPostgres "stkpay/internal/repository/invoices_repo/postgres"
	outboxPostgres "stkpay/internal/repository/outbox_repo/postgres"
	"stkpay/internal/repository/payments_repo"
	"stkpay/internal/repository/payments_repo/inmemory"
	paymentsPostgres "stkpay/internal/repository/payments_repo/postgres"
)

func ensureKafkaTopics(ctx context.Context, brokerURLs []string, topics []string, logger *zap.Logger) error {
	conn, err := kafka.DialContext(ctx, "tcp", brokerURLs[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker for admin operations: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get kafka controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	topicConfigs := make([]kafka.TopicConfig, len(topics))
	for i, topic := range topics {
		topicConfigs[i] = kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     3,
			ReplicationFactor: 1,
		}
	}

	if err := controllerConn.CreateTopics(topicConfigs...); err != nil {
		if errors.Is(err, kafka.TopicAlreadyExists) {
			logger.Info("Kafka topics already exist, skipping creation")
			return nil
		}
		return fmt.Errorf("failed to create Kafka topics: %w", err)
	}
	logger.Info("Kafka topics ensured", zap.Strings("topics", topics))
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)
	return zapConfig.Build()
}

func connectDB(cfg *config.Config, logger *zap.Logger) (*sql.DB, error) {
	dbConfig := database.DBConfig{
		Host:     cfg.DBConfig.Host,
		Port:     cfg.DBConfig.Port,
		User:     cfg.DBConfig.User,
		Password: cfg.DBConfig.Password,
		DBName:   cfg.DBConfig.Name,
		SSLMode:  cfg.DBConfig.SSLMode,
	}

	var (
		db  *sql.DB
		err error
	)
	maxRetries := 10
	retryDelay := 5 * time.Second
	for i := 0; i < maxRetries; i++ {
		db, err = database.NewPostgresDB(dbConfig)
		if err == nil {
			logger.Info("Connected to PostgreSQL")
			return db, nil
		}
		logger.Warn("Failed to connect to database, retrying",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxRetries),
			zap.Duration("retry_in", retryDelay),
			zap.Error(err),
		)
		time.Sleep(retryDelay)
	}
	return nil, err
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	appLogger.Info("STK push service starting...", zap.String("store_driver", cfg.StoreDriver))

	ctxMain, cancelMain := context.WithCancel(context.Background())
	defer cancelMain()

	kafkaBrokers := cfg.GetKafkaBrokers()
	topicCtx, topicCancel := context.WithTimeout(ctxMain, 10*time.Second)
	err = ensureKafkaTopics(topicCtx, kafkaBrokers, []string{cfg.KafkaInvoiceEventsTopic}, appLogger)
	topicCancel()
	if err != nil {
		if cfg.KafkaRequired() {
			appLogger.Fatal("Failed to ensure Kafka topics", zap.Error(err))
		}
		appLogger.Warn("Kafka unavailable, invoice paid notifications will fail until it is reachable", zap.Error(err))
	}

	kafkaProducer := kafka_infra.NewProducer(kafkaBrokers, appLogger)
	defer func() {
		if err := kafkaProducer.Close(); err != nil {
			appLogger.Error("Error closing Kafka producer", zap.Error(err))
		}
	}()

	var (
		store           payments_repo.PaymentStore
		notifier        payments.InvoiceNotifier
		outboxProcessor *outbox.Processor
		invoiceConsumer kafka_infra.Consumer
		invoiceService  invoices.InvoiceService
	)

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		appLogger.Warn("Using in-memory payment store; attempts are lost on restart")
		store = inmemory.NewPaymentStore()
		notifier = outbox.NewDirectPublisher(kafkaProducer, cfg.KafkaInvoiceEventsTopic)

	default:
		db, err := connectDB(cfg, appLogger)
		if err != nil {
			appLogger.Fatal("Could not connect to database after multiple retries", zap.Error(err))
		}
		defer func() {
			if err := db.Close(); err != nil {
				appLogger.Error("Error closing database connection", zap.Error(err))
			} else {
				appLogger.Info("Database connection closed")
			}
		}()

		appLogger.Info("Running database migrations...")
		if err := database.RunMigrations(db); err != nil {
			appLogger.Fatal("Failed to run database migrations", zap.Error(err))
		}

		outboxRepository := outboxPostgres.NewOutboxRepository()
		store = paymentsPostgres.NewPaymentStore(db, appLogger.With(zap.String("component", "PaymentStore")))
		notifier = outbox.NewRecorder(db, outboxRepository, cfg.KafkaInvoiceEventsTopic, appLogger)
		outboxProcessor = outbox.NewProcessor(
			db,
			outboxRepository,
			kafkaProducer,
			cfg.OutboxPollInterval,
			cfg.OutboxPollTimeout,
			cfg.OutboxBatchSize,
			appLogger,
		)

		invoiceService = invoices.NewInvoiceService(
			db,
			inboxPostgres.NewInboxRepository(),
			invoicesPostgres.NewInvoiceRepository(),
			appLogger,
		)
		invoiceConsumer = kafka_infra.NewConsumer(kafkaBrokers, cfg.KafkaConsumerGroup, cfg.KafkaInvoiceEventsTopic, appLogger)
	}

	tokens := mpesa.NewOAuthTokenSource(
		cfg.Mpesa.BaseURL,
		cfg.Mpesa.ConsumerKey,
		cfg.Mpesa.ConsumerSecret,
		cfg.Mpesa.Timeout,
		appLogger.With(zap.String("component", "MpesaOAuth")),
	)
	provider := mpesa.NewClient(mpesa.Config{
		BaseURL:     cfg.Mpesa.BaseURL,
		ShortCode:   cfg.Mpesa.ShortCode,
		Passkey:     cfg.Mpesa.Passkey,
		CallbackURL: cfg.Mpesa.CallbackURL,
		Timeout:     cfg.Mpesa.Timeout,
	}, tokens, appLogger.With(zap.String("component", "MpesaClient")))

	paymentService := payments.NewPaymentService(
		store,
		provider,
		notifier,
		appLogger.With(zap.String("component", "PaymentService")),
	)
	reconciler := payments.NewReconciler(
		paymentService,
		cfg.ReconcilePollInterval,
		cfg.ReconcileDeadline,
		appLogger.With(zap.String("component", "Reconciler")),
	)

	callbackNets, err := cfg.CallbackNetworks()
	if err != nil {
		appLogger.Fatal("Invalid CALLBACK_ALLOWED_CIDRS", zap.Error(err))
	}
	router := payments_http.NewRouter(payments_http.RouterConfig{
		AllowedOrigins:   cfg.HTTPAllowedOrigins,
		CallbackNetworks: callbackNets,
		RequestTimeout:   cfg.Mpesa.Timeout + 5*time.Second,
	}, paymentService, reconciler, appLogger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	if outboxProcessor != nil {
		outboxProcessor.Start(ctxMain)
	}

	consumerDone := make(chan struct{})
	if invoiceConsumer != nil {
		handler := kafka_handler.InvoicePaidMessageHandler(invoiceService, invoiceConsumer.GroupID(), appLogger.With(zap.String("component", "InvoicePaidHandler")))
		go func() {
			defer close(consumerDone)
			if err := invoiceConsumer.Start(ctxMain, handler); err != nil {
				appLogger.Error("Invoice events consumer failed", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	appLogger.Info("Shutting down application...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := paymentService.WaitNotifications(shutdownCtx); err != nil {
		appLogger.Warn("Invoice paid notifications still in flight at shutdown", zap.Error(err))
	}
	cancelMain()

	if outboxProcessor != nil {
		outboxProcessor.Stop()
	}
	if invoiceConsumer != nil {
		invoiceConsumer.Stop()
	}
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		appLogger.Warn("Timed out waiting for consumer to stop")
	}

	appLogger.Info("Application stopped")
}
