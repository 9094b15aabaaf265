package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SirClappington/gatehouse/internal/access"
	"github.com/SirClappington/gatehouse/internal/api"
	"github.com/SirClappington/gatehouse/internal/config"
	"github.com/SirClappington/gatehouse/internal/i18n"
	"github.com/SirClappington/gatehouse/internal/logging"
	"github.com/SirClappington/gatehouse/internal/policy"
	"github.com/SirClappington/gatehouse/internal/queue"
	"github.com/SirClappington/gatehouse/internal/registry"
	"github.com/SirClappington/gatehouse/internal/schedule"
	"github.com/SirClappington/gatehouse/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("api exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db, log.Named("migrate")); err != nil {
		return err
	}

	perm, err := policy.New(storage.New(db),
		policy.WithLogger(log),
		policy.WithCacheTTL(cfg.PermissionCacheTTL),
	)
	if err != nil {
		return err
	}
	if cfg.SeedPolicies {
		if _, err := perm.Seed(ctx); err != nil {
			return err
		}
	}

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	tr := i18n.New(cfg.DefaultLanguage)
	reg := registry.New(rdb,
		registry.WithLogger(log),
		registry.WithQueueOptions(
			queue.WithTranslator(tr),
			queue.WithRecordTTL(cfg.JobRecordTTL),
			queue.WithLeaseTTL(cfg.LeaseTTL()),
			queue.WithPromoteInterval(cfg.PromoteInterval),
			queue.WithIdleSleep(cfg.IdleSleep),
			queue.WithErrorBackoff(cfg.ErrorBackoff),
			queue.WithMiddleware(queue.Logging(log), queue.Metrics()),
		),
	)
	reg.EnsurePresets()
	if cfg.AutoStartQueues {
		if err := reg.StartAll(ctx); err != nil {
			return err
		}
	}

	cron := schedule.New(func(ctx context.Context, job registry.ScheduledJob) (string, error) {
		return reg.SubmitScheduled(ctx, job)
	}, log.Named("cron"))
	cron.Start()

	srv := &http.Server{
		Addr: cfg.APIAddr,
		Handler: api.New(api.Deps{
			Registry:  reg,
			Scheduler: cron,
			Policy:    perm,
			Tokens:    access.NewTokens(cfg.JWTSigningKey),
			I18n:      tr,
			Log:       log,
			Ready: func(ctx context.Context) error {
				if err := rdb.Ping(ctx).Err(); err != nil {
					return err
				}
				return db.Ping(ctx)
			},
			Production:  cfg.Production(),
			RequireAuth: cfg.RequireAuth,
		}).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdown)
		err = errors.Join(err, cron.Stop(shutdown), reg.StopAll(shutdown))
		log.Info("api stopped")
		return err
	})
	return g.Wait()
}
