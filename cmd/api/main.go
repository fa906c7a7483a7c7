package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/depositops/internal/allocator"
	"github.com/punchamoorthee/depositops/internal/api"
	"github.com/punchamoorthee/depositops/internal/config"
	"github.com/punchamoorthee/depositops/internal/dedup"
	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/extractor"
	"github.com/punchamoorthee/depositops/internal/keylock"
	"github.com/punchamoorthee/depositops/internal/ledger"
	"github.com/punchamoorthee/depositops/internal/logger"
	"github.com/punchamoorthee/depositops/internal/matcher"
	"github.com/punchamoorthee/depositops/internal/normalizer"
	"github.com/punchamoorthee/depositops/internal/queue"
	"github.com/punchamoorthee/depositops/internal/service"
	"github.com/punchamoorthee/depositops/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// wallets created for the memory store so the service is usable without a database
const devWallets = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	zlog, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.Env == "development",
		FilePath:    cfg.LogFile,
	})
	if err != nil {
		log.Fatalf("Unable to build logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, zlog)
	if err != nil {
		return err
	}
	defer closeStore()

	// Initialize Layers
	locks := keylock.New(0)
	alloc := allocator.New(st, cfg.BusinessTimezone, zlog.Named("allocator"))

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	if err := alloc.ApplyCatalog(ctx, catalog.Accounts); err != nil {
		return fmt.Errorf("apply catalog: %w", err)
	}
	if err := alloc.Load(ctx); err != nil {
		return fmt.Errorf("load account usage: %w", err)
	}

	guard, closeGuard, err := openGuard(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeGuard()

	var coord *service.Coordinator
	deadLetter := func(ctx context.Context, cmd domain.Command, deliveries int, err error) {
		coord.DeadLetter(ctx, cmd, deliveries, err)
	}
	var q queue.Queue
	switch cfg.QueueDriver {
	case "kafka":
		kq := queue.NewKafkaQueue(queue.KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaTopic,
			GroupID:       cfg.KafkaGroupID,
			MaxDeliveries: cfg.QueueMaxDeliveries,
		}, deadLetter, zlog.Named("queue"))
		kq.OnUndecodable(func(ctx context.Context, payload []byte, err error) {
			coord.DropUndecodable(ctx, payload, err)
		})
		q = kq
	default:
		q = queue.NewMemoryQueue(4096, cfg.QueueMaxDeliveries, deadLetter)
	}
	defer q.Close()

	m := matcher.New(st, locks, alloc, matcher.Config{
		Window:              cfg.MatchWindow,
		CorroborationWindow: cfg.CorroborationWindow,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	}, zlog.Named("matcher"))

	coord = service.NewCoordinator(service.Config{
		Currencies:          cfg.Currencies,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		DepositTTL:          cfg.DepositTTL,
		SlipMaxAttempts:     cfg.SlipMaxAttempts,
		Retention:           cfg.Retention,
		Location:            cfg.BusinessTimezone,
		Workers:             cfg.WorkerCount,
		RetryMaxAttempts:    cfg.RetryMaxAttempts,
	}, service.Deps{
		Store:      st,
		Locks:      locks,
		Allocator:  alloc,
		Extractor:  extractor.NewHTTPExtractor(cfg.OCRBaseURL, cfg.OCRTimeout),
		Normalizer: normalizer.New(cfg.BankWebhookSecret, cfg.GmailChannelToken, alloc),
		Matcher:    m,
		Ledger:     ledger.New(st, alloc, zlog.Named("ledger")),
		Queue:      q,
		Dedup:      guard,
		Policy:     catalog.Tiers,
		Log:        zlog.Named("coordinator"),
	})

	sched, err := service.NewScheduler(coord, cfg.ExpireSchedule, cfg.PurgeSchedule, zlog.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(api.NewHandler(coord, cfg.CatalogPath, zlog.Named("http"))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := coord.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		n, err := coord.Recover(gctx)
		if err != nil {
			return fmt.Errorf("recover matched deposits: %w", err)
		}
		zlog.Info("recovery complete", zap.Int("requeued", n))
		return nil
	})
	g.Go(func() error {
		zlog.Info("server starting",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreDriver),
			zap.String("queue", cfg.QueueDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		zlog.Info("shutting down")
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, zlog *zap.Logger) (domain.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		ms := store.NewMemoryStore()
		for i := 1; i <= devWallets; i++ {
			ms.PutWallet(domain.Wallet{
				UserID:   fmt.Sprintf("user-%04d", i),
				Tier:     "default",
				Currency: cfg.Currencies[0],
				Balance:  decimal.Zero,
			})
		}
		zlog.Warn("using in-memory store, state is lost on exit", zap.Int("wallets", devWallets))
		return ms, func() {}, nil
	}

	ps, err := store.NewPostgresStore(ctx, cfg.DBSource)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := ps.Migrate(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return ps, ps.Close, nil
}

func openGuard(ctx context.Context, cfg *config.Config) (dedup.Guard, func(), error) {
	ttl := 2 * cfg.MatchWindow
	if cfg.RedisAddr == "" {
		return dedup.NewMemoryGuard(ttl), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return dedup.NewRedisGuard(client, ttl), func() { client.Close() }, nil
}
