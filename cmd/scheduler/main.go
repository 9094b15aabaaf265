package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SirClappington/gatehouse/internal/config"
	"github.com/SirClappington/gatehouse/internal/logging"
	"github.com/SirClappington/gatehouse/internal/queue"
	"github.com/SirClappington/gatehouse/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// leaderLockKey identifies the maintenance leader among scheduler replicas.
const leaderLockKey = 42

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("scheduler exited", zap.Error(err))
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
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	queues := make([]*queue.Queue, 0, len(cfg.QueueNames))
	for _, name := range cfg.QueueNames {
		queues = append(queues, queue.New(rdb, queue.DefaultConfig(name),
			queue.WithLogger(log),
			queue.WithRecordTTL(cfg.JobRecordTTL),
		))
	}
	lock := storage.New(db).AdvisoryLock(leaderLockKey)

	rtr := chi.NewRouter()
	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.SchedAddr, Handler: rtr, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdown), lock.Release(shutdown))
	})
	g.Go(func() error {
		maintain(gctx, log, lock, queues, cfg.PromoteInterval)
		return nil
	})
	return g.Wait()
}

// maintain promotes due jobs and reaps expired leases on every tick while
// this replica holds the leader lock.
func maintain(ctx context.Context, log *zap.Logger, lock *storage.AdvisoryLock, queues []*queue.Queue, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()

	leader := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		ok, err := lock.TryAcquire(ctx)
		if err != nil {
			log.Warn("leader lock", zap.Error(err))
			continue
		}
		if ok != leader {
			leader = ok
			log.Info("leadership changed", zap.Bool("leader", leader))
		}
		if !ok {
			continue
		}

		for _, q := range queues {
			if _, err := q.PromoteDue(ctx); err != nil {
				log.Error("promote due", zap.String("queue", q.Name()), zap.Error(err))
			}
			if _, err := q.ReapExpired(ctx); err != nil {
				log.Error("reap expired", zap.String("queue", q.Name()), zap.Error(err))
			}
		}
	}
}
