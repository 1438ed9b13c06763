// README: Entry point; loads config, wires stores, locks, events and services, then serves HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"farmdrop/internal/config"
	"farmdrop/internal/events"
	httptransport "farmdrop/internal/http"
	"farmdrop/internal/infra"
	"farmdrop/internal/lock"
	"farmdrop/internal/logger"
	"farmdrop/internal/modules/delivery"
	"farmdrop/internal/modules/dispute"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Component:   "farmdrop-api",
		Environment: cfg.Env,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("farmdrop-api stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.Firebase.ProjectID == "" {
		return errors.New("FARMDROP_FIREBASE_PROJECT_ID is required")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return err
	}

	var (
		deliveryStore delivery.Store = delivery.NewMemoryStore()
		disputeStore  dispute.Store  = dispute.NewMemoryStore()
	)
	if cfg.DB.DSN != "" {
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		deliveryStore = delivery.NewPGStore(pool)
		disputeStore = dispute.NewPGStore(pool)
		log.Info("using postgres stores")
	} else {
		log.Warn("FARMDROP_DB_DSN not set, using in-memory stores")
	}

	var locks lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		client, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer client.Close()
		locks = lock.NewRedis(client, cfg.Redis.LockTTL, cfg.Redis.LockWait)
		log.Info("using redis locks", "addr", cfg.Redis.Addr)
	}

	var publisher interface {
		delivery.PayoutNotifier
		dispute.RefundIssuer
	} = events.NewLogPublisher(log)
	if len(cfg.Kafka.Brokers) > 0 {
		if cfg.Kafka.CreateTopics {
			if err := infra.CreateTopics(cfg.Kafka.Brokers[0], cfg.Kafka.PayoutTopic, cfg.Kafka.RefundTopic); err != nil {
				log.Warn("create kafka topics", "err", err)
			}
		}
		writer := infra.NewKafkaWriter(cfg.Kafka.Brokers)
		defer writer.Close()
		publisher = events.NewKafkaPublisher(writer, cfg.Kafka.PayoutTopic, cfg.Kafka.RefundTopic, log)
		log.Info("publishing events to kafka", "brokers", cfg.Kafka.Brokers)
	}

	deliverySvc := delivery.NewService(delivery.Deps{
		Store:    deliveryStore,
		Locks:    locks,
		Rates:    cfg.Ledger.Rates(),
		Notifier: publisher,
		Logger:   log,
	})
	disputeSvc := dispute.NewService(dispute.Deps{
		Store:   disputeStore,
		Orders:  deliverySvc,
		Refunds: publisher,
		Locks:   locks,
		Logger:  log,
	})

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httptransport.NewRouter(httptransport.RouterDeps{
		Delivery: deliverySvc,
		Dispute:  disputeSvc,
		Verifier: verifier,
		Logger:   log,
	})
	return httptransport.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ShutdownTimeout, log).Run(ctx)
}
