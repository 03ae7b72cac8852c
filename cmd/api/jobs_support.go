package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/pdf-remediation/internal/config"
	"github.com/yourusername/pdf-remediation/internal/jobs"
	"github.com/yourusername/pdf-remediation/internal/pdf"
	"github.com/yourusername/pdf-remediation/internal/persistence"
	"github.com/yourusername/pdf-remediation/internal/storage"
)

// jobsApp はジョブ関連のコンポーネントをまとめたものです。
type jobsApp struct {
	manager *jobs.Manager
	handler *jobs.Handler
	worker  *jobs.Worker
	closers []func() error
}

func setupJobs(cfg *config.Config, logger *logrus.Logger) (*jobsApp, error) {
	app := &jobsApp{}

	redisOpt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	store, err := openStore(cfg, app)
	if err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}

	blobs, err := storage.NewLocal(cfg.BlobRoot)
	if err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}

	client := asynq.NewClient(redisOpt)
	app.closers = append(app.closers, client.Close)
	dispatcher := jobs.NewDispatcher(client, cfg.WorkflowQueue)

	estimator := pdf.NewEstimator(cfg.Estimator, nil)
	manager, err := jobs.NewManager(cfg, store, blobs, estimator, dispatcher, logger.WithField("component", "jobs"))
	if err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	worker, err := jobs.NewWorker(redisOpt, manager, cfg.WorkerConcurrency, logger.WithField("component", "worker"))
	if err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}

	app.manager = manager
	app.worker = worker
	app.handler = jobs.NewHandler(manager, dispatcher, logger.WithField("component", "http"))
	return app, nil
}

func openStore(cfg *config.Config, app *jobsApp) (jobs.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverSQLite:
		store, err := persistence.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, store.Close)
		return store, nil
	default:
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(opt)
		app.closers = append(app.closers, rdb.Close)
		return jobs.NewRedisStore(rdb), nil
	}
}

// Close はワーカーを止めてから接続を閉じます。
func (a *jobsApp) Close(ctx context.Context) error {
	var errs []error
	if a.worker != nil {
		if err := a.worker.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
