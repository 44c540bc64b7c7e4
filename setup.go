package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/config"
	"github.com/Yulian302/lfusys-services-transfer/health"
	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

const (
	readinessInterval = 5 * time.Second
	readinessTimeout  = 500 * time.Millisecond
	serverStopTimeout = 15 * time.Second
)

type App struct {
	HTTPServer   *http.Server
	GRPCServer   *grpc.Server
	HealthServer *grpchealth.Server

	DynamoDB *dynamodb.Client
	S3       *s3.Client
	Sqs      *sqs.Client
	Redis    *redis.Client
	DB       *gorm.DB
	Badger   *badger.DB

	Config    config.Config
	AwsConfig aws.Config

	Services       *Services
	TracerProvider *trace.TracerProvider
	Registry       *prometheus.Registry
	Logger         logging.Logger

	ready atomic.Bool
}

func (a *App) needsAWS() bool {
	return a.Config.Sessions.Driver == "dynamodb" ||
		a.Config.Storage.S3Bucket != "" ||
		a.Config.Queues.QuotaQueueName != ""
}

func SetupApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logging.CreateAppLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("could not create logger: %w", err)
	}

	app := &App{
		Config:   cfg,
		Logger:   appLogger,
		Registry: prometheus.NewRegistry(),
	}
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if app.needsAWS() {
		awsCfg, err := initAWS(cfg.AWS)
		if err != nil {
			return nil, err
		}
		app.AwsConfig = awsCfg

		if cfg.Sessions.Driver == "dynamodb" {
			app.DynamoDB = initDynamo(awsCfg, cfg.AWS.Endpoint)
		}
		if cfg.Storage.S3Bucket != "" {
			app.S3 = initS3(awsCfg, cfg.AWS.Endpoint)
		}
		if cfg.Queues.QuotaQueueName != "" {
			app.Sqs = initSqs(awsCfg, cfg.AWS.Endpoint)
		}
	}

	if cfg.Sessions.Driver == "badger" {
		db, err := store.OpenBadger(cfg.Sessions.BadgerDir, appLogger.With("component", "badger"))
		if err != nil {
			return nil, fmt.Errorf("could not open badger: %w", err)
		}
		app.Badger = db
	}

	db, err := store.OpenPostgres(cfg.Database)
	if err != nil {
		app.closeClients()
		return nil, err
	}
	app.DB = db

	if cfg.Redis.Enabled {
		app.Redis = initRedis(cfg.Redis)
	}

	if cfg.Tracing {
		tp, err := initTracer(context.Background(), "transfer", cfg.TracingAddr)
		if err != nil {
			app.closeClients()
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		appLogger.Info("tracing enabled", "addr", cfg.TracingAddr)
		app.TracerProvider = tp
	}

	app.Services, err = BuildServices(app)
	if err != nil {
		app.closeClients()
		return nil, err
	}

	return app, nil
}

// Run serves HTTP and the gRPC health endpoint until ctx is done or either
// server fails, then stops both.
func (a *App) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", a.Config.GRPC.HealthAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	a.GRPCServer = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	a.createHealthServer(gctx)

	a.HTTPServer = &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           a.Services.Router,
		ReadHeaderTimeout: a.Config.HTTP.ReadHeaderTimeout,
	}

	g.Go(func() error {
		a.Logger.Info("grpc health server started", "addr", a.Config.GRPC.HealthAddr)
		return a.GRPCServer.Serve(l)
	})
	g.Go(func() error {
		a.Logger.Info("http server started", "addr", a.Config.HTTP.Addr)
		if err := a.HTTPServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
		defer cancel()
		a.stopServers(stopCtx)
		return nil
	})

	return g.Wait()
}

func (a *App) readinessChecks() []health.ReadinessCheck {
	st := a.Services.Stores
	checks := []health.ReadinessCheck{st.sessions, st.catalog}
	if st.mirror != nil {
		checks = append(checks, st.mirror)
	}
	if st.redisJobs != nil {
		checks = append(checks, st.redisJobs)
	}
	return checks
}

func (a *App) createHealthServer(ctx context.Context) {
	a.HealthServer = grpchealth.NewServer()

	// start pessimistic
	a.HealthServer.SetServingStatus(
		"",
		healthpb.HealthCheckResponse_NOT_SERVING,
	)
	healthpb.RegisterHealthServer(a.GRPCServer, a.HealthServer)

	checks := a.readinessChecks()

	go func() {
		ticker := time.NewTicker(readinessInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status := healthpb.HealthCheckResponse_SERVING

				for _, c := range checks {
					cctx, cancel := context.WithTimeout(ctx, readinessTimeout)
					err := c.IsReady(cctx)
					cancel()

					if err != nil {
						a.Logger.Warn("readiness check failed", "check", c.Name(), "error", err)
						status = healthpb.HealthCheckResponse_NOT_SERVING
						break
					}
				}

				a.ready.Store(status == healthpb.HealthCheckResponse_SERVING)
				a.HealthServer.SetServingStatus("", status)
			}
		}
	}()
}

func (a *App) Ready() bool {
	return a.ready.Load()
}

func (a *App) stopServers(ctx context.Context) {
	if a.HealthServer != nil {
		a.HealthServer.Shutdown()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Warn("http server shutdown error", "error", err)
			_ = a.HTTPServer.Close() // force
		}
	}

	if a.GRPCServer != nil {
		done := make(chan struct{})
		go func() {
			a.GRPCServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.GRPCServer.Stop() // force
		}
	}
}

func initAWS(cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func initDynamo(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initS3(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

func initSqs(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func (a *App) closeClients() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("redis close error", "error", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if a.Badger != nil {
		if err := a.Badger.Close(); err != nil {
			a.Logger.Warn("badger close error", "error", err)
		}
	}
}

// Shutdown stops background work and closes every client. Servers are
// stopped by Run.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("starting graceful shutdown")

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			a.Logger.Warn("services shutdown error", "error", err)
		}
	}

	a.closeClients()

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			a.Logger.Warn("tracer shutdown error", "error", err)
		}
	}

	a.Logger.Info("graceful shutdown complete")
	_ = a.Logger.Sync()
	return nil
}
