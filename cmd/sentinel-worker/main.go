// Command sentinel-worker is the background-only counterpart to
// cmd/sentinel-api, for deployments that split ingest/query traffic
// from the recompute sweep, dispatch loop, and chunk archival. It
// mirrors cmd/workers/aggregation_worker.go's main(): connect, build a
// context that cancels on SIGINT/SIGTERM, run until cancelled, log and
// exit.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/carbonscribe/sentinel-core/internal/aggregation"
	"github.com/carbonscribe/sentinel-core/internal/config"
	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/notification"
	"github.com/carbonscribe/sentinel-core/internal/notification/archive"
	"github.com/carbonscribe/sentinel-core/internal/state"
	"github.com/carbonscribe/sentinel-core/internal/supervisor"
	"github.com/carbonscribe/sentinel-core/internal/timeseries"
	"github.com/carbonscribe/sentinel-core/pkg/storage"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("SENTINEL_CONFIG_FILE"))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	store, err := state.Open(cfg.Database.URL(), cfg.Database.MaxConnections, cfg.Database.MaxIdleConns, cfg.Database.MaxLifetime)
	if err != nil {
		logger.Fatal("failed to open state store", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Fatal("failed to load AWS configuration", zap.Error(err))
	}

	s3Client, err := storage.NewS3Client(ctx, cfg.AWS.Region)
	if err != nil {
		logger.Fatal("failed to build S3 client", zap.Error(err))
	}

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		logger.Fatal("failed to connect to mongo", zap.Error(err))
	}
	defer mongoClient.Disconnect(context.Background())
	deliveryArchive := archive.New(mongoClient.Database(cfg.Mongo.Database), logger)

	timeseriesDB, err := sqlx.Connect("postgres", cfg.Database.URL())
	if err != nil {
		logger.Fatal("failed to open timeseries database connection", zap.Error(err))
	}
	defer timeseriesDB.Close()

	timeStore := timeseries.New(timeseriesDB, store, timeseries.Config{
		ChunkInterval:   cfg.TimeStore.ChunkInterval,
		LatenessHorizon: cfg.TimeStore.LatenessHorizon,
		ClosureHorizon:  cfg.TimeStore.ClosureHorizon,
		ArchiveBucket:   cfg.AWS.ArchiveBucket,
	}, s3Client)
	store.SetObservationRanger(timeStore)

	thresholdsByKind := map[string]float64{}
	for kind, t := range cfg.Alerting.Thresholds {
		thresholdsByKind[kind] = t.Max
	}
	aggEngine := aggregation.New(store, logger, thresholdsByKind)

	snsClient := sns.NewFromConfig(awsCfg)
	sesClient := sesv2.NewFromConfig(awsCfg)
	channels := map[domain.NotificationChannel]notification.Channel{
		domain.ChannelSMS:   notification.NewSNSChannel(snsClient, cfg.AWS.SNSSenderID),
		domain.ChannelEmail: notification.NewEmailChannel(sesClient, cfg.AWS.SESFromAddress),
	}
	dispatcher := notification.New(store, channels, deliveryArchive, notification.Config{
		Parallelism: cfg.Dispatch.Parallelism,
		RetryBase:   cfg.Dispatch.RetryBase,
		RetryFactor: cfg.Dispatch.RetryFactor,
		RetryJitter: cfg.Dispatch.RetryJitter,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	}, logger)

	health := supervisor.NewHealthRegistry()
	sup := supervisor.New(logger, supervisor.DefaultConfig(), health)
	sup.StartAggregatorSweep(ctx, aggEngine)
	if err := sup.StartDailyFlush(ctx, aggEngine, store); err != nil {
		logger.Fatal("failed to schedule daily flush", zap.Error(err))
	}
	if err := sup.StartArchiveSweep(ctx, timeStore); err != nil {
		logger.Fatal("failed to schedule archive sweep", zap.Error(err))
	}
	sup.StartDispatcher(ctx, dispatcher)
	sup.Start()

	logger.Info("sentinel-worker running")
	<-ctx.Done()

	sup.Shutdown(shutdownTimeout)
	logger.Info("sentinel-worker stopped")
}

const shutdownTimeout = 15 * time.Second
