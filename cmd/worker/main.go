package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"presence/internal/attendance"
	"presence/internal/config"
	"presence/internal/directory"
	"presence/internal/queue"
	"presence/internal/store"
	"presence/internal/window"
)

// Worker sweeps expired windows on a schedule and follows the record event feed.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()
	if err := store.Migrate(ctx, db.Client); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	windows := window.NewManager(window.NewPostgres(db.Client), directory.NewPostgres(db.Client), window.Options{
		MinDuration:     cfg.WindowMinDuration,
		DefaultDuration: cfg.WindowDefaultDuration,
		Location:        loc,
	})

	scheduler, err := newScheduler(ctx, cfg.SweepSchedule, windows)
	if err != nil {
		log.Fatalf("invalid SWEEP_SCHEDULE %q: %v", cfg.SweepSchedule, err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("worker metrics on :%s", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server error: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
	defer func() { _ = redisClient.Close() }()
	if cfg.QueueBackend != "redis" || redisClient == nil {
		log.Println("no shared event feed configured; running sweeps only")
		<-ctx.Done()
		log.Println("worker stopped")
		return
	}

	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	log.Println("worker started, waiting for messages...")
	if err := attendance.Follow(ctx, q, attendance.NewRepository(db.Client)); err != nil {
		log.Printf("event feed: %v", err)
	}
	log.Println("worker stopped")
}

// newScheduler runs windows.Sweep on spec. Overlapping runs are skipped.
func newScheduler(ctx context.Context, spec string, windows *window.Manager) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(spec, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := windows.Sweep(sweepCtx); err != nil {
			log.Printf("window sweep failed: %v", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
