package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FormDrop/internal/app"
	"github.com/dharsanguruparan/FormDrop/internal/config"
	"github.com/dharsanguruparan/FormDrop/internal/logging"
	"github.com/dharsanguruparan/FormDrop/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if !cfg.UseQueue() {
		log.Fatal("FORMDROP_REDIS_ADDR is required to run the worker")
	}

	core, err := app.NewCore(ctx, cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer core.Close()

	redis := queue.RedisOpt(cfg)
	scheduler := asynq.NewScheduler(redis, nil)
	if err := register(scheduler, cfg); err != nil {
		log.Fatalf("schedule maintenance: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}
	defer scheduler.Shutdown()

	server := asynq.NewServer(redis, asynq.Config{
		Concurrency: cfg.ProcessingPool,
		Logger:      log.StandardLogger(),
	})
	mux := core.NewWorker().Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	if err := server.Run(mux); err != nil {
		log.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
}

// registrar is the part of asynq.Scheduler that register needs.
type registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// register schedules the temp upload sweep, and the retention purge when
// FORMDROP_GDPR_ENABLED is set.
func register(s registrar, cfg *config.Config) error {
	sweep, err := queue.NewSweepTask(cfg.SweepAge)
	if err != nil {
		return err
	}
	if _, err := s.Register(cfg.SweepSchedule, sweep); err != nil {
		return err
	}
	if !cfg.GDPREnabled {
		log.Info("retention purge not scheduled, FORMDROP_GDPR_ENABLED is off")
		return nil
	}
	purge, err := queue.NewPurgeTask(cfg.GDPRDays)
	if err != nil {
		return err
	}
	_, err = s.Register(cfg.PurgeSchedule, purge)
	return err
}
