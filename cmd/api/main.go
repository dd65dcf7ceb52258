package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Wikid82/guard/internal/api/middleware"
	"github.com/Wikid82/guard/internal/api/routes"
	"github.com/Wikid82/guard/internal/bus"
	"github.com/Wikid82/guard/internal/cerberus"
	"github.com/Wikid82/guard/internal/config"
	"github.com/Wikid82/guard/internal/database"
	"github.com/Wikid82/guard/internal/events"
	"github.com/Wikid82/guard/internal/idempotency"
	"github.com/Wikid82/guard/internal/logger"
	"github.com/Wikid82/guard/internal/metrics"
	"github.com/Wikid82/guard/internal/server"
	"github.com/Wikid82/guard/internal/services"
	"github.com/Wikid82/guard/internal/store"
	"github.com/Wikid82/guard/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Setup logging with rotation
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		log.Fatalf("create log dir: %v", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "guard.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	defer rotator.Close()

	// Log to both stdout and file
	mw := io.MultiWriter(os.Stdout, rotator)
	log.SetOutput(mw)
	logger.Init(cfg.Debug, mw)

	// Handle CLI commands
	if len(os.Args) > 1 && os.Args[1] == "issue-token" {
		if len(os.Args) < 3 || len(os.Args) > 4 {
			log.Fatalf("Usage: %s issue-token <subject> [ttl]", os.Args[0])
		}
		ttl := 24 * time.Hour
		if len(os.Args) == 4 {
			if ttl, err = time.ParseDuration(os.Args[3]); err != nil {
				log.Fatalf("invalid ttl: %v", err)
			}
		}
		token, err := middleware.IssueAdminToken(cfg.Admin.JWTSecret, os.Args[2], ttl)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Log().WithError(err).Fatal("guard stopped")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger.Log().WithField("version", version.Full()).Infof("starting %s", version.Name)

	st, sweep, closeStore, err := openStore(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeStore(); cerr != nil {
			logger.Log().WithError(cerr).Warn("failed to close state store")
		}
	}()

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	security := services.NewSecurityService(db, st)

	sinks := events.Fanout{events.LogPublisher{}, events.NewAuditPublisher(security)}
	var kafkaPub *events.KafkaPublisher
	if cfg.Kafka.Enabled() {
		if kafkaPub, err = events.NewKafkaPublisher(cfg.Kafka); err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		sinks = append(sinks, kafkaPub)
	}
	if len(cfg.Notify.URLs) > 0 {
		notify, err := events.NewNotifyPublisher(cfg.Notify.URLs)
		if err != nil {
			return fmt.Errorf("notify publisher: %w", err)
		}
		sinks = append(sinks, notify)
	}
	publisher := events.NewAsyncPublisher(sinks, 1024, 2, 5*time.Second)
	security.SetPublisher(publisher)

	threats := services.NewThreatService(st, publisher)
	challenges := services.NewChallengeService(st, cfg.Challenge)
	guard := cerberus.New(cfg.Guard, st, publisher)

	router, err := server.NewRouter(cfg)
	if err != nil {
		return err
	}
	if err := routes.Register(router, routes.Deps{
		Config:     cfg,
		Store:      st,
		Security:   security,
		Challenges: challenges,
		Guard:      guard,
		Gatherer:   registry,
	}); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}
	if cfg.Admin.JWTSecret == "" {
		logger.Log().Warn("GUARD_ADMIN_JWT_SECRET not set, admin API disabled")
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Audit.PruneSchedule, func() {
		n, err := security.PruneDecisions(time.Now().Add(-cfg.Audit.Retention))
		if err != nil {
			logger.WithComponent("audit").WithError(err).Error("failed to prune decisions")
			return
		}
		logger.WithComponent("audit").WithField("removed", n).Debug("pruned decisions")
	}); err != nil {
		return fmt.Errorf("schedule decision pruning: %w", err)
	}
	if sweep != nil {
		if _, err := scheduler.AddFunc("@every 1m", func() { sweep() }); err != nil {
			return fmt.Errorf("schedule store sweep: %w", err)
		}
	}
	scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Log().WithField("port", cfg.HTTPPort).Info("http server listening")
		return server.New(router, cfg).Run(gctx)
	})

	if cfg.Kafka.Enabled() {
		escalation := idempotency.Wrap(st, "threat-escalation", bus.SignalKey, threats.Handle,
			idempotency.WithTTL(cfg.Guard.IdempotencyTTL))
		consumer, err := bus.NewSignalConsumer(cfg.Kafka, escalation.Handle)
		if err != nil {
			return fmt.Errorf("signal consumer: %w", err)
		}
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx)
		})
	} else {
		logger.Log().Info("no kafka brokers configured, signal consumer disabled")
	}

	err = g.Wait()

	<-scheduler.Stop().Done()
	publisher.Close()
	if kafkaPub != nil {
		if cerr := kafkaPub.Close(); cerr != nil {
			logger.Log().WithError(cerr).Warn("failed to close kafka publisher")
		}
	}
	if sqlDB, derr := db.DB(); derr == nil {
		_ = sqlDB.Close()
	}
	return err
}

// openStore selects Redis when an address is configured. The in-process
// store comes with a sweep func that drops expired entries. The returned
// close func releases the Redis connection pool.
func openStore(ctx context.Context, cfg config.RedisConfig) (store.StateStore, func(), func() error, error) {
	if cfg.Addr == "" {
		logger.Log().Warn("GUARD_REDIS_ADDR not set, using in-process state store")
		mem := store.NewMemoryStore()
		return mem, func() { mem.Sweep() }, func() error { return nil }, nil
	}
	client, err := store.NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	rs := store.NewRedisStore(client)
	return rs, nil, rs.Close, nil
}
