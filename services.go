package main

import (
	"context"
	"fmt"

	"github.com/Yulian302/lfusys-services-transfer/handlers"
	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/queues"
	"github.com/Yulian302/lfusys-services-transfer/services"
	"github.com/Yulian302/lfusys-services-transfer/store"
	"github.com/gin-gonic/gin"
	"github.com/juju/clock"
	"github.com/juju/worker/v4"
)

type Stores struct {
	sessions  store.SessionStore
	chunks    *store.ChunkStore
	catalog   *store.Catalog
	mirror    *store.S3ArtifactMirror
	redisJobs *store.RedisArchiveJobs
}

type Services struct {
	Sessions  services.SessionService
	Assembler *services.Assembler
	Archives  *services.ArchiveStreamer
	Reaper    worker.Worker

	Quota         services.QuotaNotifier
	QuotaReceiver *queues.QuotaNotifyReceiverImpl

	Metrics *services.Metrics
	Stores  *Stores

	Router *gin.Engine

	logger logging.Logger
}

type Shutdowner interface {
	Shutdown(context.Context) error
}

func BuildServices(app *App) (*Services, error) {
	cfg := app.Config
	l := app.Logger
	clk := clock.WallClock

	stores := &Stores{
		chunks:  store.NewChunkStore(cfg.Storage.StagingDir),
		catalog: store.NewCatalog(app.DB, cfg.Storage.ArtifactsDir),
	}
	if err := stores.catalog.Migrate(); err != nil {
		return nil, fmt.Errorf("migrating catalog: %w", err)
	}

	switch {
	case app.DynamoDB != nil:
		stores.sessions = store.NewSessionStoreImpl(app.DynamoDB, cfg.Sessions.TableName)
	case app.Badger != nil:
		stores.sessions = store.NewBadgerSessionStore(app.Badger)
	default:
		return nil, fmt.Errorf("no session store for driver %q", cfg.Sessions.Driver)
	}

	var mirror services.ArtifactMirror
	if app.S3 != nil {
		stores.mirror = store.NewS3ArtifactMirror(app.S3, cfg.Storage.S3Bucket, l.With("component", "s3"))
		mirror = stores.mirror
	}

	var jobs store.ArchiveJobRecorder = store.NullArchiveJobs{}
	var jobStatus handlers.ArchiveStatusReader
	if app.Redis != nil {
		stores.redisJobs = store.NewRedisArchiveJobs(app.Redis, cfg.Archive.JobTTL)
		jobs = stores.redisJobs
		jobStatus = stores.redisJobs
	}

	metrics := services.NewMetrics()
	app.Registry.MustRegister(metrics)

	svcs := &Services{
		Metrics: metrics,
		Stores:  stores,
		logger:  l,
	}

	if app.Sqs != nil {
		queueUrl, err := queues.ResolveQueueURL(context.Background(), app.Sqs, cfg.Queues.QuotaQueueName)
		if err != nil {
			return nil, fmt.Errorf("resolving quota queue: %w", err)
		}
		svcs.Quota = queues.NewSQSQuotaNotifier(app.Sqs, queueUrl, clk, l.With("component", "quota-publisher"))
		svcs.QuotaReceiver = queues.NewQuotaNotifyReceiverImpl(context.Background(), app.Sqs, stores.catalog, queueUrl, clk, l.With("component", "quota-receiver"))
		svcs.QuotaReceiver.Start()
	} else {
		svcs.Quota = queues.NewDirectQuotaNotifier(stores.catalog, l.With("component", "quota"))
	}

	opts := services.OptionsFromConfig(cfg)
	ledger := services.NewLedger(stores.sessions, cfg.Sessions.LedgerAttempts, cfg.Sessions.ChunkOpTimeout, clk, metrics, l)

	svcs.Sessions = services.NewSessionServiceImpl(stores.sessions, stores.chunks, ledger, stores.catalog, mirror, opts, clk, metrics, l)
	svcs.Assembler = services.NewAssembler(stores.sessions, stores.chunks, ledger, stores.catalog, svcs.Quota, mirror, opts, clk, metrics, l)
	svcs.Archives = services.NewArchiveStreamer(stores.catalog, jobs, services.ArchiveOptions{
		MaxBytes:       cfg.Archive.MaxBytes,
		ReadBufferSize: cfg.Archive.ReadBufferSize,
		Timeout:        cfg.Archive.Timeout,
	}, clk, metrics, l)

	reaper, err := services.StartExpiryReaper(services.ReaperConfig{
		Sessions:  stores.sessions,
		Chunks:    stores.chunks,
		Clock:     clk,
		Interval:  cfg.Reaper.Interval,
		BatchSize: cfg.Reaper.BatchSize,
		Metrics:   metrics,
		Logger:    l.With("component", "reaper"),
	})
	if err != nil {
		return nil, fmt.Errorf("starting expiry reaper: %w", err)
	}
	svcs.Reaper = reaper

	if cfg.Env == "prod" || cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	svcs.Router = handlers.NewRouter(handlers.RouterConfig{
		Transfers:    handlers.NewTransferHandler(svcs.Sessions, svcs.Assembler, l),
		Archives:     handlers.NewArchiveHandler(svcs.Archives, jobStatus, l),
		JWTSecret:    cfg.JWT.Secret,
		AllowOrigins: cfg.HTTP.AllowOrigins,
		Gatherer:     app.Registry,
		Ready:        app.Ready,
	}, l)

	return svcs, nil
}

func (s *Services) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down services")

	report := func(name string, err error) {
		if err != nil {
			s.logger.Warn("shutdown error", "component", name, "error", err)
		}
	}

	if s.Reaper != nil {
		report("reaper", worker.Stop(s.Reaper))
	}
	if s.QuotaReceiver != nil {
		report("quota receiver", s.QuotaReceiver.Shutdown(ctx))
	}
	if s.Assembler != nil {
		report("assembler", s.Assembler.Wait(ctx))
	}
	if sh, ok := s.Quota.(Shutdowner); ok {
		report("quota notifier", sh.Shutdown(ctx))
	}

	s.logger.Info("services shutdown complete")
	return nil
}
